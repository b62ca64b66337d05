// Package blob is the façade over the blob backends. Callers depend on
// blob.Store; only this package imports internal/infra/blob.
package blob

import (
	"context"
	"fmt"

	"sleecore/internal/blob/core"
	infrafs "sleecore/internal/infra/blob/fs"
	inframemory "sleecore/internal/infra/blob/memory"
	infras3 "sleecore/internal/infra/blob/s3"
)

type (
	// Driver identifies a blob backend driver.
	Driver = core.Driver
	// PutOptions configures a blob write.
	PutOptions = core.PutOptions
	// Info describes stored blob metadata.
	Info = core.Info
	// Store is the interface for blob storage backends.
	Store = core.Store
	// S3Config configures the S3 driver.
	S3Config = infras3.Config
)

const (
	DriverFilesystem = core.DriverFilesystem
	DriverS3         = core.DriverS3
	DriverMemory     = core.DriverMemory
)

var (
	ErrNotExist   = core.ErrNotExist
	ErrExists     = core.ErrExists
	ErrInvalidKey = core.ErrInvalidKey
)

// Config selects and configures a backend.
type Config struct {
	Driver Driver
	FSRoot string
	S3     S3Config
}

// Open builds the store named by cfg.Driver (default fs).
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case "", DriverFilesystem:
		return infrafs.New(cfg.FSRoot)
	case DriverS3:
		return infras3.New(ctx, cfg.S3)
	case DriverMemory:
		return inframemory.New(), nil
	default:
		return nil, fmt.Errorf("unknown blob driver %q", cfg.Driver)
	}
}

// NewMemory returns an in-process store.
func NewMemory() Store { return inframemory.New() }
