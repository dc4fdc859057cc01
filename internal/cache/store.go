// Package cache persists rendered slides and decoded analysis results on the
// local filesystem, keyed purely by content fingerprints.
//
// Layout under the root:
//
//	slides/<file-fp>/<dpi>/page-NNN.jpg
//	slides/<file-fp>/<dpi>/manifest.json
//	analysis/<image-fp[:2]>/<image-fp>/<params-fp>.json
//	tmp/
//
// Writers stage everything under tmp/ and rename into place, so readers
// only ever observe complete entries. A slide directory without a manifest
// is not an entry.
package cache

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"slide-guide/internal/fingerprint"
)

const (
	slidesDir   = "slides"
	analysisDir = "analysis"
	tmpDir      = "tmp"

	manifestName = "manifest.json"
	entryVersion = 1
)

// ErrNotCached is returned by lookups that find no complete entry.
var ErrNotCached = errors.New("not cached")

// ErrInvalidKey rejects keys that are not well-formed fingerprints.
var ErrInvalidKey = errors.New("invalid cache key")

// ErrClosed is returned for commits attempted after Close.
var ErrClosed = errors.New("cache closed")

// Source tells callers where a result came from, for cost accounting.
type Source int

const (
	// SourceCache means the result was read from disk.
	SourceCache Source = iota
	// SourceProvider means this caller ran the expensive call.
	SourceProvider
	// SourceCoalesced means this caller waited on another caller's call.
	SourceCoalesced
)

func (s Source) String() string {
	switch s {
	case SourceCache:
		return "cache"
	case SourceProvider:
		return "provider"
	case SourceCoalesced:
		return "coalesced"
	default:
		return "unknown"
	}
}

// Hit reports whether the caller triggered no expensive call of its own.
func (s Source) Hit() bool { return s != SourceProvider }

// commitGate orders commits against Close. Once closed, nothing under the
// root is created again, so the owner can remove the directory.
type commitGate struct {
	mu     sync.RWMutex
	closed bool
}

func (g *commitGate) enter() error {
	if g == nil {
		return nil
	}
	g.mu.RLock()
	if g.closed {
		g.mu.RUnlock()
		return ErrClosed
	}
	return nil
}

func (g *commitGate) leave() {
	if g != nil {
		g.mu.RUnlock()
	}
}

// close waits for in-progress commits.
func (g *commitGate) close() {
	if g == nil {
		return
	}
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
}

type layout struct {
	root string
	gate *commitGate
}

func newLayout(root string) layout {
	return layout{root: root, gate: &commitGate{}}
}

func (l layout) slideDir(fp fingerprint.FileFingerprint, dpi int) string {
	return filepath.Join(l.root, slidesDir, string(fp), strconv.Itoa(dpi))
}

func (l layout) analysisFile(img fingerprint.ImageFingerprint, params fingerprint.ParamsFingerprint) string {
	s := string(img)
	return filepath.Join(l.root, analysisDir, s[:2], s, string(params)+".json")
}

func (l layout) tmp() string {
	return filepath.Join(l.root, tmpDir)
}

func (l layout) ensure() error {
	for _, dir := range []string{slidesDir, analysisDir, tmpDir} {
		if err := os.MkdirAll(filepath.Join(l.root, dir), 0o755); err != nil {
			return fmt.Errorf("create cache dir %s: %w", dir, err)
		}
	}
	return nil
}

// writeFileAtomic stages data under tmp/ and renames it over path.
func (l layout) writeFileAtomic(path string, data []byte) error {
	if err := l.gate.enter(); err != nil {
		return err
	}
	defer l.gate.leave()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create entry dir: %w", err)
	}
	if err := os.MkdirAll(l.tmp(), 0o755); err != nil {
		return fmt.Errorf("create tmp dir: %w", err)
	}
	f, err := os.CreateTemp(l.tmp(), "entry-*")
	if err != nil {
		return fmt.Errorf("create temp entry: %w", err)
	}
	tmpName := f.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := f.Write(data); err != nil {
		f.Close()
		cleanup()
		return fmt.Errorf("write temp entry: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		cleanup()
		return fmt.Errorf("sync temp entry: %w", err)
	}
	if err := f.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp entry: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("commit entry: %w", err)
	}
	return nil
}

// touch bumps the modification time so pruning evicts least recently used
// entries first. Failures only make eviction less precise.
func touch(path string) {
	now := time.Now()
	_ = os.Chtimes(path, now, now)
}
