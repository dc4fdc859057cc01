package render

import (
	"context"
	"fmt"

	"github.com/gen2brain/go-fitz"
)

// Fitz renders in-process with MuPDF.
type Fitz struct{}

func NewFitz() *Fitz {
	return &Fitz{}
}

func (f *Fitz) Render(ctx context.Context, pdf []byte, dpi int, emit EmitFunc) error {
	if err := validDPI(dpi); err != nil {
		return err
	}
	if _, err := Preflight(pdf); err != nil {
		return err
	}

	doc, err := fitz.NewFromMemory(pdf)
	if err != nil {
		return &RenderError{Err: fmt.Errorf("open pdf: %w", err)}
	}
	defer doc.Close()

	total := doc.NumPage()
	if total == 0 {
		return &RenderError{Err: ErrNoPages}
	}

	// fitz pages are zero indexed.
	for idx := 0; idx < total; idx++ {
		page := idx + 1
		if err := ctx.Err(); err != nil {
			return &RenderError{Page: page, Err: err}
		}
		img, err := doc.ImageDPI(idx, float64(dpi))
		if err != nil {
			return &RenderError{Page: page, Err: err}
		}
		if err := emit(page, img); err != nil {
			return err
		}
	}
	return nil
}
