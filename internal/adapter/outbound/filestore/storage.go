// Package filestore reads biller files from a billy filesystem: a local
// directory in development or an in-memory tree in tests.
package filestore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"

	"github.com/loanpay/server/internal/port/outbound"
)

// ErrFileNotFound indicates the file was not found.
var ErrFileNotFound = errors.New("file not found")

// Storage implements outbound.StoragePort on a billy.Filesystem.
type Storage struct {
	fs billy.Filesystem
}

// New wraps a filesystem.
func New(fs billy.Filesystem) *Storage {
	return &Storage{fs: fs}
}

// NewLocal reads files under dir.
func NewLocal(dir string) *Storage {
	return New(osfs.New(dir))
}

func (s *Storage) Get(ctx context.Context, name string) (io.ReadCloser, error) {
	f, err := s.fs.Open(name)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrFileNotFound, name)
		}
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	return f, nil
}

func (s *Storage) Exists(ctx context.Context, name string) (bool, error) {
	info, err := s.fs.Stat(name)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("stat %s: %w", name, err)
	}
	return !info.IsDir(), nil
}

// Compile-time check
var _ outbound.StoragePort = (*Storage)(nil)
