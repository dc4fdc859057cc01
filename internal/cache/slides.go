package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/singleflight"

	"slide-guide/internal/fingerprint"
	"slide-guide/internal/logger"
	"slide-guide/internal/render"
)

// JPEGQuality is used for every persisted slide.
const JPEGQuality = 95

// SlideImage is one rendered page. Data is the JPEG payload and is owned by
// the caller that received it.
type SlideImage struct {
	File   fingerprint.FileFingerprint
	Page   int
	Width  int
	Height int
	DPI    int
	Image  fingerprint.ImageFingerprint
	Data   []byte
}

type slideManifest struct {
	Version   int                         `json:"version"`
	File      fingerprint.FileFingerprint `json:"file"`
	DPI       int                         `json:"dpi"`
	CreatedAt time.Time                   `json:"created_at"`
	Pages     []manifestPage              `json:"pages"`
}

type manifestPage struct {
	Page   int                          `json:"page"`
	Name   string                       `json:"name"`
	Width  int                          `json:"width"`
	Height int                          `json:"height"`
	Image  fingerprint.ImageFingerprint `json:"image"`
}

// SlideCache renders each (document, dpi) pair at most once.
type SlideCache struct {
	layout   layout
	renderer render.Renderer
	log      *logger.Logger
	flights  singleflight.Group
}

// NewSlideCache stores under root, which may be a session workspace or a
// shared long-lived directory.
func NewSlideCache(root string, renderer render.Renderer, log *logger.Logger) (*SlideCache, error) {
	l := newLayout(root)
	if err := l.ensure(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.Nop()
	}
	return &SlideCache{layout: l, renderer: renderer, log: log}, nil
}

func (c *SlideCache) Root() string { return c.layout.root }

// Close waits for in-progress commits and refuses later ones. Renders still
// running finish without writing anything.
func (c *SlideCache) Close() { c.layout.gate.close() }

// GetOrRender returns every page of the document at dpi, rendering only when
// no complete entry exists. A failed render leaves nothing behind. The render
// keeps running if ctx is cancelled so that other waiters and later retries
// can use its result.
func (c *SlideCache) GetOrRender(ctx context.Context, fp fingerprint.FileFingerprint, pdf []byte, dpi int) ([]SlideImage, Source, error) {
	if !fingerprint.Valid(string(fp)) {
		return nil, SourceCache, fmt.Errorf("%w: file fingerprint %q", ErrInvalidKey, fp)
	}

	if pages, err := c.load(fp, dpi); err == nil {
		c.log.Debug("slide cache hit", "file", fp.Short(), "dpi", dpi, "pages", len(pages))
		return pages, SourceCache, nil
	} else if !errors.Is(err, ErrNotCached) {
		c.log.Warn("slide cache entry unreadable, re-rendering", "file", fp.Short(), "dpi", dpi, "error", err)
	}

	flightKey := fmt.Sprintf("%s/%d", fp, dpi)
	detached := context.WithoutCancel(ctx)
	executed := false
	ch := c.flights.DoChan(flightKey, func() (any, error) {
		executed = true
		if pages, err := c.load(fp, dpi); err == nil {
			return flightResult{pages: pages, fromDisk: true}, nil
		}
		pages, err := c.render(detached, fp, pdf, dpi)
		if err != nil {
			return nil, err
		}
		return flightResult{pages: pages}, nil
	})

	select {
	case <-ctx.Done():
		return nil, SourceCache, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, SourceCache, res.Err
		}
		fr := res.Val.(flightResult)
		source := SourceProvider
		switch {
		case fr.fromDisk:
			source = SourceCache
		case !executed:
			source = SourceCoalesced
		}
		return cloneSlides(fr.pages), source, nil
	}
}

type flightResult struct {
	pages    []SlideImage
	fromDisk bool
}

// Lookup returns a complete entry without rendering.
func (c *SlideCache) Lookup(fp fingerprint.FileFingerprint, dpi int) ([]SlideImage, error) {
	if !fingerprint.Valid(string(fp)) {
		return nil, fmt.Errorf("%w: file fingerprint %q", ErrInvalidKey, fp)
	}
	return c.load(fp, dpi)
}

// Invalidate drops every page of the document at dpi.
func (c *SlideCache) Invalidate(fp fingerprint.FileFingerprint, dpi int) error {
	if !fingerprint.Valid(string(fp)) {
		return fmt.Errorf("%w: file fingerprint %q", ErrInvalidKey, fp)
	}
	if err := os.RemoveAll(c.layout.slideDir(fp, dpi)); err != nil {
		return fmt.Errorf("remove slide entry: %w", err)
	}
	return nil
}

func (c *SlideCache) load(fp fingerprint.FileFingerprint, dpi int) ([]SlideImage, error) {
	dir := c.layout.slideDir(fp, dpi)
	manifestPath := filepath.Join(dir, manifestName)
	raw, err := os.ReadFile(manifestPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotCached
		}
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var m slideManifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	if m.Version != entryVersion || m.File != fp || m.DPI != dpi || len(m.Pages) == 0 {
		return nil, fmt.Errorf("manifest does not match %s@%d", fp.Short(), dpi)
	}

	pages := make([]SlideImage, 0, len(m.Pages))
	for i, p := range m.Pages {
		if p.Page != i+1 || filepath.Base(p.Name) != p.Name {
			return nil, fmt.Errorf("manifest page %d is out of order", p.Page)
		}
		data, err := os.ReadFile(filepath.Join(dir, p.Name))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, ErrNotCached
			}
			return nil, fmt.Errorf("read page %d: %w", p.Page, err)
		}
		if got := fingerprint.Image(data); got != p.Image {
			return nil, fmt.Errorf("page %d content does not match manifest", p.Page)
		}
		pages = append(pages, SlideImage{
			File:   fp,
			Page:   p.Page,
			Width:  p.Width,
			Height: p.Height,
			DPI:    dpi,
			Image:  p.Image,
			Data:   data,
		})
	}
	touch(manifestPath)
	return pages, nil
}

func (c *SlideCache) render(ctx context.Context, fp fingerprint.FileFingerprint, pdf []byte, dpi int) ([]SlideImage, error) {
	staging, err := c.stage()
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = os.RemoveAll(staging)
		}
	}()

	started := time.Now()
	manifest := slideManifest{Version: entryVersion, File: fp, DPI: dpi}
	var pages []SlideImage

	err = c.renderer.Render(ctx, pdf, dpi, func(page int, img image.Image) error {
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: JPEGQuality}); err != nil {
			return &render.RenderError{Page: page, Err: fmt.Errorf("encode jpeg: %w", err)}
		}
		data := buf.Bytes()
		name := fmt.Sprintf("page-%03d.jpg", page)
		if err := os.WriteFile(filepath.Join(staging, name), data, 0o644); err != nil {
			return fmt.Errorf("stage page %d: %w", page, err)
		}
		bounds := img.Bounds()
		sum := fingerprint.Image(data)
		manifest.Pages = append(manifest.Pages, manifestPage{
			Page:   page,
			Name:   name,
			Width:  bounds.Dx(),
			Height: bounds.Dy(),
			Image:  sum,
		})
		pages = append(pages, SlideImage{
			File:   fp,
			Page:   page,
			Width:  bounds.Dx(),
			Height: bounds.Dy(),
			DPI:    dpi,
			Image:  sum,
			Data:   data,
		})
		return nil
	})
	if err != nil {
		c.log.Warn("render failed", "file", fp.Short(), "dpi", dpi, "error", err)
		return nil, err
	}
	if len(pages) == 0 {
		return nil, &render.RenderError{Err: render.ErrNoPages}
	}

	manifest.CreatedAt = time.Now().UTC()
	raw, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(staging, manifestName), raw, 0o644); err != nil {
		return nil, fmt.Errorf("stage manifest: %w", err)
	}

	if err := c.layout.gate.enter(); err != nil {
		return nil, err
	}
	defer c.layout.gate.leave()

	final := c.layout.slideDir(fp, dpi)
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return nil, fmt.Errorf("create slide dir: %w", err)
	}
	// Anything already at final has no readable manifest, otherwise load
	// would have returned it.
	if err := os.RemoveAll(final); err != nil {
		return nil, fmt.Errorf("clear stale slide entry: %w", err)
	}
	if err := os.Rename(staging, final); err != nil {
		return nil, fmt.Errorf("commit slide entry: %w", err)
	}
	committed = true

	c.log.Info("rendered slides", "file", fp.Short(), "dpi", dpi, "pages", len(pages), "elapsed", time.Since(started))
	return pages, nil
}

func cloneSlides(in []SlideImage) []SlideImage {
	out := make([]SlideImage, len(in))
	for i, s := range in {
		out[i] = s
		out[i].Data = append([]byte(nil), s.Data...)
	}
	return out
}

func (c *SlideCache) stage() (string, error) {
	if err := c.layout.gate.enter(); err != nil {
		return "", err
	}
	defer c.layout.gate.leave()
	if err := os.MkdirAll(c.layout.tmp(), 0o755); err != nil {
		return "", fmt.Errorf("create tmp dir: %w", err)
	}
	staging, err := os.MkdirTemp(c.layout.tmp(), "render-*")
	if err != nil {
		return "", fmt.Errorf("create staging dir: %w", err)
	}
	return staging, nil
}
