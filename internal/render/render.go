// Package render rasterizes PDF documents into page images.
package render

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// DefaultDPI matches the resolution slides are analyzed at.
const DefaultDPI = 300

// EmitFunc receives each rendered page in order. Pages are 1-based.
type EmitFunc func(page int, img image.Image) error

// Renderer rasterizes every page of a PDF at the given resolution. Errors
// from emit are returned unchanged; rendering failures are *RenderError.
type Renderer interface {
	Render(ctx context.Context, pdf []byte, dpi int, emit EmitFunc) error
}

// RenderError reports a document that could not be rasterized. Page is the
// 1-based page being rendered when it failed, or 0 when the document itself
// was rejected.
type RenderError struct {
	Page int
	Err  error
}

func (e *RenderError) Error() string {
	if e.Page <= 0 {
		return fmt.Sprintf("render document: %v", e.Err)
	}
	return fmt.Sprintf("render page %d: %v", e.Page, e.Err)
}

func (e *RenderError) Unwrap() error { return e.Err }

// ErrNoPages is returned for documents without a single page.
var ErrNoPages = errors.New("pdf has no pages")

// New returns the renderer registered under name.
func New(name string) (Renderer, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "fitz", "mupdf":
		return NewFitz(), nil
	case "gs", "ghostscript":
		return NewGhostscript(), nil
	default:
		return nil, fmt.Errorf("unknown renderer %q", name)
	}
}

// Preflight validates the document structure in relaxed mode and returns its
// page count. Anything that fails here would fail the rasterizer too.
func Preflight(pdf []byte) (int, error) {
	if len(pdf) == 0 {
		return 0, &RenderError{Err: errors.New("empty document")}
	}
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed

	if err := api.Validate(bytes.NewReader(pdf), conf); err != nil {
		return 0, &RenderError{Err: fmt.Errorf("validate pdf: %w", err)}
	}
	pages, err := api.PageCount(bytes.NewReader(pdf), conf)
	if err != nil {
		return 0, &RenderError{Err: fmt.Errorf("count pages: %w", err)}
	}
	if pages == 0 {
		return 0, &RenderError{Err: ErrNoPages}
	}
	return pages, nil
}

func validDPI(dpi int) error {
	if dpi < 36 || dpi > 600 {
		return &RenderError{Err: fmt.Errorf("unsupported resolution %d dpi", dpi)}
	}
	return nil
}
