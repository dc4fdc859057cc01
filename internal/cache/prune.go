package cache

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// staleTmpAge is how old a staging file must be before pruning treats it as
// abandoned by a crashed writer.
const staleTmpAge = time.Hour

// PrunePolicy bounds the cache. Zero values disable a bound.
type PrunePolicy struct {
	MaxAge   time.Duration
	MaxBytes int64
	Now      time.Time
}

// EntryInfo describes one cache entry on disk.
type EntryInfo struct {
	Kind    string    `json:"kind"`
	Path    string    `json:"path"`
	Bytes   int64     `json:"bytes"`
	ModTime time.Time `json:"mod_time"`
}

// Stats summarizes the cache contents.
type Stats struct {
	SlideEntries    int   `json:"slide_entries"`
	SlideBytes      int64 `json:"slide_bytes"`
	AnalysisEntries int   `json:"analysis_entries"`
	AnalysisBytes   int64 `json:"analysis_bytes"`
	TmpBytes        int64 `json:"tmp_bytes"`
}

func (s Stats) TotalBytes() int64 {
	return s.SlideBytes + s.AnalysisBytes + s.TmpBytes
}

// PruneReport lists what a prune removed.
type PruneReport struct {
	Removed        []EntryInfo `json:"removed"`
	FreedBytes     int64       `json:"freed_bytes"`
	RemainingBytes int64       `json:"remaining_bytes"`
}

// Entries lists every complete entry under root, oldest first.
func Entries(root string) ([]EntryInfo, error) {
	var entries []EntryInfo

	slideRoot := filepath.Join(root, slidesDir)
	files, err := readDirIfExists(slideRoot)
	if err != nil {
		return nil, err
	}
	for _, fileDir := range files {
		if !fileDir.IsDir() {
			continue
		}
		dpis, err := readDirIfExists(filepath.Join(slideRoot, fileDir.Name()))
		if err != nil {
			return nil, err
		}
		for _, dpiDir := range dpis {
			if !dpiDir.IsDir() {
				continue
			}
			dir := filepath.Join(slideRoot, fileDir.Name(), dpiDir.Name())
			info, err := os.Stat(filepath.Join(dir, manifestName))
			if err != nil {
				// No manifest: an interrupted commit. Report it so it
				// gets pruned first.
				info, err = os.Stat(dir)
				if err != nil {
					continue
				}
			}
			size, err := dirSize(dir)
			if err != nil {
				return nil, err
			}
			entries = append(entries, EntryInfo{Kind: "slides", Path: dir, Bytes: size, ModTime: info.ModTime()})
		}
	}

	analysisRoot := filepath.Join(root, analysisDir)
	err = filepath.WalkDir(analysisRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".json") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		entries = append(entries, EntryInfo{Kind: "analysis", Path: path, Bytes: info.Size(), ModTime: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk analysis entries: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].ModTime.Before(entries[j].ModTime)
	})
	return entries, nil
}

// Stat sizes the cache under root.
func Stat(root string) (Stats, error) {
	entries, err := Entries(root)
	if err != nil {
		return Stats{}, err
	}
	var s Stats
	for _, e := range entries {
		switch e.Kind {
		case "slides":
			s.SlideEntries++
			s.SlideBytes += e.Bytes
		case "analysis":
			s.AnalysisEntries++
			s.AnalysisBytes += e.Bytes
		}
	}
	tmp, err := dirSize(filepath.Join(root, tmpDir))
	if err != nil {
		return Stats{}, err
	}
	s.TmpBytes = tmp
	return s, nil
}

// Prune removes entries older than MaxAge, then the least recently used
// entries until the total fits in MaxBytes. Staging files abandoned for
// longer than an hour are always removed. Nothing calls Prune on a timer;
// the server runs it once at startup and operators run it through guidecache.
func Prune(root string, policy PrunePolicy) (PruneReport, error) {
	now := policy.Now
	if now.IsZero() {
		now = time.Now()
	}

	var report PruneReport
	if err := pruneTmp(root, now); err != nil {
		return report, err
	}

	entries, err := Entries(root)
	if err != nil {
		return report, err
	}
	var total int64
	for _, e := range entries {
		total += e.Bytes
	}

	remove := func(e EntryInfo) error {
		if err := os.RemoveAll(e.Path); err != nil {
			return fmt.Errorf("remove %s: %w", e.Path, err)
		}
		removeEmptyParents(root, filepath.Dir(e.Path))
		report.Removed = append(report.Removed, e)
		report.FreedBytes += e.Bytes
		total -= e.Bytes
		return nil
	}

	kept := entries[:0]
	for _, e := range entries {
		if policy.MaxAge > 0 && now.Sub(e.ModTime) > policy.MaxAge {
			if err := remove(e); err != nil {
				return report, err
			}
			continue
		}
		kept = append(kept, e)
	}

	if policy.MaxBytes > 0 {
		for _, e := range kept {
			if total <= policy.MaxBytes {
				break
			}
			if err := remove(e); err != nil {
				return report, err
			}
		}
	}

	report.RemainingBytes = total
	return report, nil
}

// Clear removes every entry under root and recreates the empty layout.
func Clear(root string) error {
	for _, dir := range []string{slidesDir, analysisDir, tmpDir} {
		if err := os.RemoveAll(filepath.Join(root, dir)); err != nil {
			return fmt.Errorf("clear %s: %w", dir, err)
		}
	}
	return layout{root: root}.ensure()
}

func pruneTmp(root string, now time.Time) error {
	items, err := readDirIfExists(filepath.Join(root, tmpDir))
	if err != nil {
		return err
	}
	for _, item := range items {
		info, err := item.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) > staleTmpAge {
			if err := os.RemoveAll(filepath.Join(root, tmpDir, item.Name())); err != nil {
				return fmt.Errorf("remove stale staging %s: %w", item.Name(), err)
			}
		}
	}
	return nil
}

// removeEmptyParents walks up from dir deleting empty directories, stopping
// at the top-level slides or analysis directory.
func removeEmptyParents(root, dir string) {
	stops := make(map[string]bool, 3)
	for _, d := range []string{root, filepath.Join(root, slidesDir), filepath.Join(root, analysisDir)} {
		stops[filepath.Clean(d)] = true
	}
	for dir = filepath.Clean(dir); !stops[dir] && strings.HasPrefix(dir, filepath.Clean(root)); dir = filepath.Dir(dir) {
		if err := os.Remove(dir); err != nil {
			return
		}
	}
}

func readDirIfExists(dir string) ([]os.DirEntry, error) {
	items, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", dir, err)
	}
	return items, nil
}

func dirSize(dir string) (int64, error) {
	var size int64
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		size += info.Size()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("size %s: %w", dir, err)
	}
	return size, nil
}
