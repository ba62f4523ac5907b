// Package blob opens the blob store backing the save journal. It is the only
// package allowed to import the infra blob backends.
package blob

import (
	"context"
	"fmt"

	"uowcore/internal/blob/core"
	"uowcore/internal/config"
	"uowcore/internal/infra/blob/fs"
	"uowcore/internal/infra/blob/memory"
	"uowcore/internal/infra/blob/s3"
)

type (
	Store      = core.Store
	Info       = core.Info
	PutOptions = core.PutOptions
	Driver     = core.Driver
)

var (
	ErrExists   = core.ErrExists
	ErrNotFound = core.ErrNotFound
)

// Open selects a Store implementation from cfg. It returns (nil, nil) when
// the journal is disabled.
func Open(ctx context.Context, cfg config.JournalConfig) (Store, error) {
	switch cfg.Driver {
	case "", config.JournalNone:
		return nil, nil
	case config.JournalMemory:
		return NewMemory(), nil
	case config.JournalFilesystem:
		s, err := fs.New(cfg.FSRoot)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.JournalS3:
		s, err := s3.New(ctx, s3.Config{
			Region:    cfg.S3Region,
			Bucket:    cfg.S3Bucket,
			Endpoint:  cfg.S3Endpoint,
			PathStyle: cfg.S3PathStyle,
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown blob driver %s", cfg.Driver)
	}
}

// NewMemory returns an in-memory Store.
func NewMemory() Store { return memory.New() }

// NewMockS3 returns an S3 Store served by an in-process fake; tests only.
func NewMockS3() Store { return s3.NewMockForTests() }
