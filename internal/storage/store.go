// Package storage keeps build artifacts in a content-addressable filesystem
// layout: identical outputs across builds share one object.
package storage

import (
	"context"
	"io"
	"time"
)

// Ref ties one artifact path of a build to its stored object.
type Ref struct {
	Path     string    `json:"path"`
	Hash     string    `json:"hash"`
	Size     int64     `json:"size"`
	StoredAt time.Time `json:"stored_at"`
}

// Store persists build artifacts by content hash.
type Store interface {
	// PutFile ingests the file at absPath as an artifact of the build,
	// recorded under its workspace-relative path. Returns the content hash.
	PutFile(ctx context.Context, buildID, relPath, absPath string) (string, error)

	// Refs lists the build's stored artifacts.
	Refs(ctx context.Context, buildID string) ([]Ref, error)

	// Open streams one stored object by hash.
	Open(ctx context.Context, hash string) (io.ReadCloser, error)

	Close() error
}
