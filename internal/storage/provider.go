// Package storage defines the vault file-system abstraction and its layout.
package storage

import "time"

// FileMeta describes one indexable file on disk.
type FileMeta struct {
	Path     string
	Checksum string
	Size     int64
	ModTime  time.Time
}

// Provider is the interface for vault file operations. All paths are
// relative to the vault root and use forward slashes.
type Provider interface {
	// List returns metadata for every indexable file under dir.
	List(dir string) ([]FileMeta, error)
	// Read returns the raw bytes of the file at path.
	Read(path string) ([]byte, error)
	// Write atomically writes content to path.
	Write(path string, content []byte) error
	// Delete removes the file at path.
	Delete(path string) error
	// Move renames oldPath to newPath.
	Move(oldPath, newPath string) error
	// Exists reports whether path exists.
	Exists(path string) bool
	// Root returns the absolute vault root.
	Root() string
}
