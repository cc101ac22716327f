package livesync

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	TypeBinaryNote = "newnote"
	TypePlainNote  = "plain"
	TypeChunk      = "leaf"

	// ObfuscatedPathPrefix marks a path encrypted with the obfuscation passphrase.
	ObfuscatedPathPrefix = "/\\:"

	SyncParametersID = "_local/obsidian_livesync_sync_parameters"
)

// chunkData accepts either a single string or a list of strings.
type chunkData []string

func (d *chunkData) UnmarshalJSON(b []byte) error {
	var single string
	if err := json.Unmarshal(b, &single); err == nil {
		*d = chunkData{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return fmt.Errorf("chunk data must be a string or a list of strings")
	}
	*d = many
	return nil
}

type edenChunk struct {
	Data  string `json:"data"`
	Epoch int64  `json:"epoch"`
}

// entry is the stored form of a note, a chunk or any other record.
type entry struct {
	ID         string               `json:"_id"`
	Rev        string               `json:"_rev,omitempty"`
	Type       string               `json:"type"`
	Path       string               `json:"path,omitempty"`
	Children   []string             `json:"children,omitempty"`
	Eden       map[string]edenChunk `json:"eden,omitempty"`
	Data       chunkData            `json:"data,omitempty"`
	CTime      int64                `json:"ctime,omitempty"`
	MTime      int64                `json:"mtime,omitempty"`
	Size       int64                `json:"size,omitempty"`
	Deleted    bool                 `json:"deleted,omitempty"`
	DocDeleted bool                 `json:"_deleted,omitempty"`
}

func (e entry) isNote() bool {
	return e.Type == TypeBinaryNote || e.Type == TypePlainNote
}

func (e entry) isDeleted() bool {
	return e.Deleted || e.DocDeleted
}

// sealedMeta is the JSON object encrypted into an obfuscated path. The outer
// entry then carries zeroed times and no children.
type sealedMeta struct {
	Path     string   `json:"path"`
	MTime    int64    `json:"mtime"`
	CTime    int64    `json:"ctime"`
	Size     int64    `json:"size"`
	Children []string `json:"children"`
}

type syncParameters struct {
	ID         string `json:"_id"`
	PBKDF2Salt string `json:"pbkdf2salt"`
}

func isObfuscatedPath(p string) bool {
	return strings.HasPrefix(p, ObfuscatedPathPrefix)
}
