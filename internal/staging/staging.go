package staging

import (
	"fmt"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"

	"wlm-go/internal/wlm"
)

// stagingArea implements wlm.StagingArea using a pluggable workdirStore
// for the storage mechanics. Reservation accounting lives here.
type stagingArea struct {
	store    workdirStore
	maxSize  int64 // 0 means no configured limit
	mu       sync.Mutex
	reserved int64
}

var _ wlm.StagingArea = (*stagingArea)(nil)

// Acquire reserves size bytes and creates a private directory for name.
// The reservation fails if it would exceed the configured maximum or the
// free space of the underlying filesystem.
func (s *stagingArea) Acquire(name string, size int64) (wlm.WorkDir, error) {
	if size < 0 {
		return nil, fmt.Errorf("negative reservation: %d", size)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.maxSize > 0 && s.reserved+size > s.maxSize {
		return nil, fmt.Errorf("staging area full: %s requested, %s of %s reserved",
			humanize.IBytes(uint64(size)), humanize.IBytes(uint64(s.reserved)), humanize.IBytes(uint64(s.maxSize)))
	}
	if free, ok := s.store.Free(); ok && size > free {
		return nil, fmt.Errorf("not enough free space for staging: %s requested, %s free",
			humanize.IBytes(uint64(size)), humanize.IBytes(uint64(free)))
	}

	path, err := s.store.Create(dirPrefix(name))
	if err != nil {
		return nil, fmt.Errorf("creating working directory: %w", err)
	}
	s.reserved += size

	return &workDir{area: s, path: path, size: size}, nil
}

// Reserved returns the total bytes currently reserved.
func (s *stagingArea) Reserved() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reserved
}

func (s *stagingArea) release(w *workDir) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.reserved -= w.size
	if err := s.store.Remove(w.path); err != nil {
		return fmt.Errorf("removing working directory: %w", err)
	}
	return nil
}

// dirPrefix turns an arbitrary name into a safe directory name prefix.
func dirPrefix(name string) string {
	name = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, name)
	name = strings.Trim(name, ".")
	if name == "" {
		name = "work"
	}
	return name + "-"
}
