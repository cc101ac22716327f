// Package livesync reads notes from a self-hosted LiveSync CouchDB database
// and turns them into decrypted mirror documents.
package livesync

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	lru "github.com/hashicorp/golang-lru"
	"github.com/rs/zerolog"

	"github.com/agentworkforce/vaultmirror/internal/couchdb"
	"github.com/agentworkforce/vaultmirror/internal/e2ee"
	"github.com/agentworkforce/vaultmirror/internal/mirror"
)

const DefaultChunkCacheSize = 4096

type Options struct {
	URL                 string
	Database            string
	Username            string
	Password            string
	Passphrase          string
	ObfuscatePassphrase string
	Algorithm           string
	Iterations          int
	ChunkCacheSize      int
	HTTPClient          *http.Client
	Logger              zerolog.Logger
}

// Store implements mirror.RemoteStore. It is safe for concurrent use.
type Store struct {
	client  *couchdb.Client
	content *e2ee.Cipher
	paths   *e2ee.Cipher
	chunks  *lru.Cache
	logger  zerolog.Logger
}

var _ mirror.RemoteStore = (*Store)(nil)

// Connect checks that the database is reachable and derives the keys from
// its published sync parameters.
func Connect(ctx context.Context, opts Options) (*Store, error) {
	algorithm := opts.Algorithm
	if algorithm == "" {
		algorithm = e2ee.AlgorithmAESGCMV2
	}
	if err := e2ee.CheckAlgorithm(algorithm); err != nil {
		return nil, err
	}
	if opts.ChunkCacheSize <= 0 {
		opts.ChunkCacheSize = DefaultChunkCacheSize
	}
	client, err := couchdb.NewClient(couchdb.Options{
		URL:        opts.URL,
		Database:   opts.Database,
		Username:   opts.Username,
		Password:   opts.Password,
		HTTPClient: opts.HTTPClient,
	})
	if err != nil {
		return nil, err
	}

	info, err := client.Info(ctx)
	if err != nil {
		client.Close()
		return nil, &mirror.ConnectionError{Err: err}
	}
	opts.Logger.Info().Str("database", info.DBName).Int64("docs", info.DocCount).Msg("connected to remote database")

	salt, err := readSalt(ctx, client, opts.Passphrase)
	if err != nil {
		client.Close()
		return nil, &mirror.ConnectionError{Err: err}
	}

	content, err := e2ee.New(e2ee.Options{Passphrase: opts.Passphrase, Salt: salt, Iterations: opts.Iterations})
	if err != nil {
		client.Close()
		return nil, err
	}
	paths := content
	if opts.ObfuscatePassphrase != "" && opts.ObfuscatePassphrase != opts.Passphrase {
		paths, err = e2ee.New(e2ee.Options{Passphrase: opts.ObfuscatePassphrase, Salt: salt, Iterations: opts.Iterations})
		if err != nil {
			client.Close()
			return nil, err
		}
	}
	chunks, err := lru.New(opts.ChunkCacheSize)
	if err != nil {
		client.Close()
		return nil, err
	}
	return &Store{
		client:  client,
		content: content,
		paths:   paths,
		chunks:  chunks,
		logger:  opts.Logger,
	}, nil
}

func readSalt(ctx context.Context, client *couchdb.Client, passphrase string) ([]byte, error) {
	var params syncParameters
	err := client.Get(ctx, SyncParametersID, &params)
	if errors.Is(err, couchdb.ErrNotFound) || (err == nil && params.PBKDF2Salt == "") {
		return e2ee.FallbackSalt(passphrase), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read sync parameters: %w", err)
	}
	salt, err := base64.StdEncoding.DecodeString(params.PBKDF2Salt)
	if err != nil {
		return nil, fmt.Errorf("invalid pbkdf2 salt: %w", err)
	}
	return salt, nil
}

func (s *Store) ListIDs(ctx context.Context) ([]string, error) {
	ids, err := s.client.AllDocIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	return ids, nil
}

func (s *Store) FetchAndDecrypt(ctx context.Context, id string) (mirror.Document, error) {
	var e entry
	if err := s.client.Get(ctx, id, &e); err != nil {
		if errors.Is(err, couchdb.ErrNotFound) {
			return mirror.Document{}, fmt.Errorf("%w: %s was removed after listing", mirror.ErrNotNote, id)
		}
		return mirror.Document{}, fmt.Errorf("%w: %s: %w", mirror.ErrFetch, id, err)
	}
	if !e.isNote() {
		return mirror.Document{}, fmt.Errorf("%w: %s has type %q", mirror.ErrNotNote, id, e.Type)
	}

	if err := s.revealMeta(&e); err != nil {
		return mirror.Document{}, fmt.Errorf("%w: path of %s: %w", mirror.ErrDecryption, id, err)
	}
	doc := mirror.Document{
		ID:               id,
		Path:             e.Path,
		ModifiedAtMillis: e.MTime,
		Kind:             mirror.KindPlainText,
		Deleted:          e.isDeleted(),
	}
	if e.Type == TypeBinaryNote {
		doc.Kind = mirror.KindBinaryNote
	}
	if doc.Deleted {
		return doc, nil
	}

	pieces, err := s.chunkData(ctx, e)
	if err != nil {
		return mirror.Document{}, err
	}
	content, err := assemble(doc.Kind, pieces)
	if err != nil {
		return mirror.Document{}, fmt.Errorf("%w: %s: %w", mirror.ErrDecryption, id, err)
	}
	doc.Content = content
	return doc, nil
}

func (s *Store) Close() error {
	s.client.Close()
	return nil
}

// revealMeta replaces an obfuscated path with the metadata sealed in it.
// Older databases seal only the path string.
func (s *Store) revealMeta(e *entry) error {
	if !isObfuscatedPath(e.Path) {
		return nil
	}
	plain, err := s.paths.Decrypt(strings.TrimPrefix(e.Path, ObfuscatedPathPrefix))
	if err != nil {
		return err
	}
	var meta sealedMeta
	if !strings.HasPrefix(plain, "{") || json.Unmarshal([]byte(plain), &meta) != nil || meta.Path == "" {
		e.Path = plain
		return nil
	}
	e.Path = meta.Path
	if meta.MTime != 0 {
		e.MTime = meta.MTime
	}
	if meta.CTime != 0 {
		e.CTime = meta.CTime
	}
	if meta.Size != 0 {
		e.Size = meta.Size
	}
	if meta.Children != nil {
		e.Children = meta.Children
	}
	return nil
}

// chunkData returns the decrypted pieces of a note in order. Pieces come from
// the inline eden map, then the chunk cache, then one bulk request.
func (s *Store) chunkData(ctx context.Context, e entry) ([]string, error) {
	if len(e.Children) == 0 {
		pieces := make([]string, 0, len(e.Data))
		for _, data := range e.Data {
			plain, err := s.content.Decrypt(data)
			if err != nil {
				return nil, fmt.Errorf("%w: %s: %w", mirror.ErrDecryption, e.ID, err)
			}
			pieces = append(pieces, plain)
		}
		return pieces, nil
	}

	resolved := make(map[string]string, len(e.Children))
	var missing []string
	for _, childID := range e.Children {
		if _, ok := resolved[childID]; ok {
			continue
		}
		if chunk, ok := e.Eden[childID]; ok {
			plain, err := s.content.Decrypt(chunk.Data)
			if err != nil {
				return nil, fmt.Errorf("%w: chunk %s: %w", mirror.ErrDecryption, childID, err)
			}
			resolved[childID] = plain
			continue
		}
		if cached, ok := s.chunks.Get(childID); ok {
			resolved[childID] = cached.(string)
			continue
		}
		missing = append(missing, childID)
		resolved[childID] = ""
	}

	if len(missing) > 0 {
		s.logger.Debug().Str("id", e.ID).Int("chunks", len(missing)).Msg("fetching chunks")
		raw, err := s.client.GetMany(ctx, missing)
		if err != nil {
			return nil, fmt.Errorf("%w: chunks of %s: %w", mirror.ErrFetch, e.ID, err)
		}
		for _, childID := range missing {
			body, ok := raw[childID]
			if !ok {
				return nil, fmt.Errorf("%w: chunk %s of %s is missing", mirror.ErrFetch, childID, e.ID)
			}
			var leaf entry
			if err := json.Unmarshal(body, &leaf); err != nil {
				return nil, fmt.Errorf("%w: chunk %s: %w", mirror.ErrFetch, childID, err)
			}
			plain, err := s.content.Decrypt(strings.Join(leaf.Data, ""))
			if err != nil {
				return nil, fmt.Errorf("%w: chunk %s: %w", mirror.ErrDecryption, childID, err)
			}
			s.chunks.Add(childID, plain)
			resolved[childID] = plain
		}
	}

	pieces := make([]string, 0, len(e.Children))
	for _, childID := range e.Children {
		pieces = append(pieces, resolved[childID])
	}
	return pieces, nil
}

// assemble joins decrypted pieces into Document content. Binary pieces are
// base64 each and are re-encoded as one string.
func assemble(kind mirror.ContentKind, pieces []string) (string, error) {
	if kind != mirror.KindBinaryNote {
		return strings.Join(pieces, ""), nil
	}
	var buf []byte
	for i, piece := range pieces {
		data, err := base64.StdEncoding.DecodeString(piece)
		if err != nil {
			return "", fmt.Errorf("binary chunk %d: %w", i, err)
		}
		buf = append(buf, data...)
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}
