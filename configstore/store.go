// Package configstore implements the flat, non-volatile key/value store
// named as an external collaborator by spec.md §1/§6 (read_to_end/write/
// remove/erase over two well-known keys, startup_kernel and idle_kernel).
// It is backed by one file per key under a data directory, written
// atomically via a tmp-file-then-rename, the same pattern the teacher
// repo's discovery.Cache uses to persist discovered servers to disk.
package configstore

import (
	"os"
	"path/filepath"
	"sync"

	log "github.com/sirupsen/logrus"
)

type Store struct {
	dir string
	mu  sync.Mutex
}

func New(dir string) *Store {
	return &Store{dir: dir}
}

func (s *Store) keyPath(key string) string {
	return filepath.Join(s.dir, key)
}

// ReadToEnd returns key's full value, or an empty (non-nil) slice if the
// key is absent.
func (s *Store) ReadToEnd(key string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.keyPath(key))
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warnf("configstore: read %q: %v", key, err)
		}
		return []byte{}
	}
	return data
}

// Write atomically stores value under key.
func (s *Store) Write(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return err
	}

	path := s.keyPath(key)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, value, 0600); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// Remove deletes key, if present.
func (s *Store) Remove(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.keyPath(key)); err != nil && !os.IsNotExist(err) {
		log.Warnf("configstore: remove %q: %v", key, err)
	}
}

// Erase removes every key in the store.
func (s *Store) Erase() {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warnf("configstore: erase: %v", err)
		}
		return
	}
	for _, e := range entries {
		if err := os.Remove(filepath.Join(s.dir, e.Name())); err != nil {
			log.Warnf("configstore: erase %q: %v", e.Name(), err)
		}
	}
}

const (
	KeyStartupKernel = "startup_kernel"
	KeyIdleKernel    = "idle_kernel"
)
