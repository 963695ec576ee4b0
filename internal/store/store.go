// Package store persists flat key/value snapshots for device identity and credentials.
package store

import (
	"context"
	"fmt"
	"strings"
)

// Backend persists one flat key/value snapshot.
//
// Save replaces the whole snapshot; readers never observe a partially written one.
type Backend interface {
	Load(ctx context.Context) (map[string]string, error)
	Save(ctx context.Context, values map[string]string) error
	Clear(ctx context.Context) error
	Close() error
}

// Kind names a supported backend.
type Kind string

const (
	KindFile   Kind = "file"
	KindSQLite Kind = "sqlite"
	KindMemory Kind = "memory"
)

// Open builds the backend named by kind rooted at path.
func Open(kind Kind, path string) (Backend, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(string(kind)))) {
	case KindFile, "":
		return NewFile(path)
	case KindSQLite:
		return OpenSQLite(path)
	case KindMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", kind)
	}
}

func clone(values map[string]string) map[string]string {
	out := make(map[string]string, len(values))
	for k, v := range values {
		out[k] = v
	}
	return out
}
