// Package registry provides the descriptive records produced by probing candidates,
// their chunked wire serialization and the stores they are merged into.
package registry

import "errors"

var (
	ErrMalformedChunk = errors.New("malformed record chunk")
	ErrNotFound       = errors.New("record not found")
)

// Feature is one capability a plugin registers (an element, a codec, a filter...).
type Feature struct {
	Name     string            `json:"name"`
	Kind     string            `json:"kind"`
	Rank     uint32            `json:"rank"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Record is the descriptive record of one probed candidate. A blacklisted record
// only carries the file identity and marks the candidate as known-bad.
type Record struct {
	Filename    string    `json:"filename"`
	Size        int64     `json:"size"`
	Mtime       int64     `json:"mtime"`
	Name        string    `json:"name,omitempty"`
	Description string    `json:"description,omitempty"`
	Version     string    `json:"version,omitempty"`
	License     string    `json:"license,omitempty"`
	Source      string    `json:"source,omitempty"`
	Package     string    `json:"package,omitempty"`
	Origin      string    `json:"origin,omitempty"`
	ReleaseDate string    `json:"release_date,omitempty"`
	Features    []Feature `json:"features,omitempty"`
	Blacklisted bool      `json:"blacklisted"`
}

// NewBlacklistRecord builds the minimal negative record for a candidate that could not be loaded.
func NewBlacklistRecord(filename string, size, mtime int64) *Record {
	return &Record{
		Filename:    filename,
		Size:        size,
		Mtime:       mtime,
		Blacklisted: true,
	}
}

// Fresh reports whether the record still describes a file with the given size and mtime.
func (r *Record) Fresh(size, mtime int64) bool {
	return r != nil && r.Size == size && r.Mtime == mtime
}

// Registry is where probed records end up.
type Registry interface {
	// Merge adds rec, replacing any previous record for the same file.
	Merge(rec *Record) error
	// Lookup returns the record for filename.
	Lookup(filename string) (*Record, bool, error)
	// List returns every record ordered by filename.
	List() ([]*Record, error)
}
