package statedoc

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// Store owns the state document. Each component serializes its own logical
// operations before reaching the store; the store's mutex only keeps
// individual read-modify-write cycles consistent.
type Store struct {
	path   string
	logger *slog.Logger

	mu  sync.Mutex
	doc *Document
}

// Open loads the document at path. A missing or unreadable file is not
// fatal: the store starts from an empty document and logs why, because a
// trading process that refuses to start is worse than one that rebuilds
// state from the broker.
func Open(path string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		path:   path,
		logger: logger.WithGroup("statedoc"),
	}
	s.doc = s.load()
	return s
}

func (s *Store) load() *Document {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("state document unreadable; starting empty",
				slog.String("path", s.path), slog.String("error", err.Error()))
		}
		return NewDocument()
	}

	doc := NewDocument()
	if err := json.Unmarshal(raw, doc); err != nil {
		s.logger.Warn("state document corrupt; starting empty",
			slog.String("path", s.path), slog.String("error", err.Error()))
		return NewDocument()
	}
	doc.normalize()
	return doc
}

// Update applies fn to the document and persists the result atomically.
// A save failure is logged; the in-memory document stays authoritative
// until the next successful save.
func (s *Store) Update(fn func(*Document)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fn(s.doc)
	if err := s.saveLocked(); err != nil {
		s.logger.Error("state document save failed; in-memory state remains authoritative",
			slog.String("path", s.path), slog.String("error", err.Error()))
	}
}

// View runs fn against the document without persisting. fn must not retain
// references to document internals.
func (s *Store) View(fn func(*Document)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.doc)
}

// Flush forces a save of the current document, returning any write error.
// Used at shutdown where a silent failure would be unhelpful.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

// saveLocked writes to a temporary file in the same directory and renames
// it over the target, so a crash mid-write can never corrupt the document.
func (s *Store) saveLocked() error {
	raw, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state document: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp state file: %w", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename state file: %w", err)
	}
	return nil
}
