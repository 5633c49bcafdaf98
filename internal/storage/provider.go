// Package storage defines the file-system abstraction used for Markdown
// import and export directories.
package storage

import "time"

// FileInfo describes one Markdown file under a storage root.
type FileInfo struct {
	Path     string // relative to the root, slash separated
	Checksum string // SHA-256 of the content
	ModTime  time.Time
}

// Provider is the interface for directory file operations.
type Provider interface {
	// Root returns the absolute directory this provider is rooted at.
	Root() string
	// List returns metadata for every .md file under dir (relative to root).
	List(dir string) ([]FileInfo, error)
	// Read returns the raw bytes of the file at path (relative to root).
	Read(path string) ([]byte, error)
	// Write atomically writes content to path (relative to root).
	Write(path string, content []byte) error
	// Delete removes the file at path (relative to root).
	Delete(path string) error
}
