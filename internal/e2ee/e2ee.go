// Package e2ee decrypts the end-to-end encrypted strings stored in the
// remote database.
package e2ee

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
)

const (
	AlgorithmAESGCMV2 = "AES-GCM-V2"

	// Prefix marks an encrypted string. Anything else is stored in clear.
	Prefix = "%="

	DefaultIterations = 310000
	DefaultCacheSize  = 1024

	// Payload layout after the prefix: iv ‖ hkdfSalt ‖ ciphertext ‖ tag.
	ivSize       = 12
	hkdfSaltSize = 32
	keySize      = 32
)

var ErrDecrypt = errors.New("decrypt failed")

// CheckAlgorithm reports whether name is a supported algorithm.
func CheckAlgorithm(name string) error {
	if name != AlgorithmAESGCMV2 {
		return fmt.Errorf("unsupported e2ee algorithm %q (supported: %s)", name, AlgorithmAESGCMV2)
	}
	return nil
}

// FallbackSalt is used when the database does not publish a PBKDF2 salt.
func FallbackSalt(passphrase string) []byte {
	sum := sha256.Sum256([]byte(passphrase))
	return sum[:]
}

type Options struct {
	Passphrase string
	Salt       []byte
	Iterations int
	CacheSize  int
}

// Cipher holds the master key derived from a passphrase. It is safe for
// concurrent use.
type Cipher struct {
	master []byte
	aeads  *lru.Cache
	random io.Reader
}

func New(opts Options) (*Cipher, error) {
	if opts.Passphrase == "" {
		return nil, fmt.Errorf("passphrase is required")
	}
	if len(opts.Salt) == 0 {
		opts.Salt = FallbackSalt(opts.Passphrase)
	}
	if opts.Iterations <= 0 {
		opts.Iterations = DefaultIterations
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = DefaultCacheSize
	}
	cache, err := lru.New(opts.CacheSize)
	if err != nil {
		return nil, err
	}
	return &Cipher{
		master: pbkdf2.Key([]byte(opts.Passphrase), opts.Salt, opts.Iterations, keySize, sha256.New),
		aeads:  cache,
		random: rand.Reader,
	}, nil
}

func IsEncrypted(s string) bool {
	return strings.HasPrefix(s, Prefix)
}

func (c *Cipher) Decrypt(s string) (string, error) {
	if !IsEncrypted(s) {
		return s, nil
	}
	raw, err := base64.StdEncoding.DecodeString(s[len(Prefix):])
	if err != nil {
		return "", fmt.Errorf("%w: invalid base64: %v", ErrDecrypt, err)
	}
	if len(raw) < ivSize+hkdfSaltSize {
		return "", fmt.Errorf("%w: payload too short", ErrDecrypt)
	}
	iv, salt, sealed := raw[:ivSize], raw[ivSize:ivSize+hkdfSaltSize], raw[ivSize+hkdfSaltSize:]
	aead, err := c.aead(salt)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	if len(sealed) < aead.Overhead() {
		return "", fmt.Errorf("%w: payload too short", ErrDecrypt)
	}
	plain, err := aead.Open(nil, iv, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return string(plain), nil
}

func (c *Cipher) Encrypt(plain string) (string, error) {
	buf := make([]byte, ivSize+hkdfSaltSize)
	if _, err := io.ReadFull(c.random, buf); err != nil {
		return "", err
	}
	aead, err := c.aead(buf[ivSize:])
	if err != nil {
		return "", err
	}
	out := aead.Seal(buf, buf[:ivSize], []byte(plain), nil)
	return Prefix + base64.StdEncoding.EncodeToString(out), nil
}

// aead derives the AES-256-GCM key for one payload: HKDF-SHA256 over the
// master key with the payload's salt and empty info.
func (c *Cipher) aead(salt []byte) (cipher.AEAD, error) {
	key := string(salt)
	if cached, ok := c.aeads.Get(key); ok {
		return cached.(cipher.AEAD), nil
	}
	derived := make([]byte, keySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, c.master, salt, nil), derived); err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	c.aeads.Add(key, aead)
	return aead, nil
}
