// Package backend builds the remote Source selected by configuration.
package backend

import (
	"context"

	"budgetmirror/internal/remote"
)

// CleanupFunc represents a cleanup function for resources
type CleanupFunc func() error

// SourceResult contains the source instance and optional cleanup function
type SourceResult struct {
	Source  remote.Source
	Cleanup CleanupFunc
}

// Factory creates remote sources based on configuration
type Factory interface {
	CreateSource(ctx context.Context, config Config) (*SourceResult, error)
}

// Config holds configuration for source creation
type Config struct {
	Type SourceType

	// Memory source: optional JSON seed
	SeedFile string

	// YNAB source
	APIURL      string
	AccessToken string
}

// SourceType represents the kind of remote source
type SourceType string

const (
	MemorySource SourceType = "memory"
	YNABSource   SourceType = "ynab"
)

// String implements fmt.Stringer
func (st SourceType) String() string {
	return string(st)
}

// IsValid returns true if the source type is valid
func (st SourceType) IsValid() bool {
	switch st {
	case MemorySource, YNABSource:
		return true
	default:
		return false
	}
}
