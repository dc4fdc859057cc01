package render

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/ledongthuc/pdf"
)

// Ghostscript shells out to gs. It needs the binary on PATH.
type Ghostscript struct {
	Binary  string
	Timeout time.Duration
}

func NewGhostscript() *Ghostscript {
	return &Ghostscript{Binary: "gs", Timeout: 5 * time.Minute}
}

func (g *Ghostscript) Render(ctx context.Context, data []byte, dpi int, emit EmitFunc) error {
	if err := validDPI(dpi); err != nil {
		return err
	}
	if _, err := Preflight(data); err != nil {
		return err
	}

	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return &RenderError{Err: fmt.Errorf("open pdf for page count: %w", err)}
	}
	numPages := r.NumPage()
	if numPages == 0 {
		return &RenderError{Err: ErrNoPages}
	}

	tempDir, err := os.MkdirTemp("", "slide-render-*")
	if err != nil {
		return fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(tempDir)

	input := filepath.Join(tempDir, "input.pdf")
	if err := os.WriteFile(input, data, 0o600); err != nil {
		return fmt.Errorf("stage pdf: %w", err)
	}

	if g.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.Timeout)
		defer cancel()
	}

	outputPattern := filepath.Join(tempDir, "page-%03d.png")
	cmd := exec.CommandContext(ctx, g.binary(),
		"-dQUIET",
		"-dSAFER",
		"-dNOPAUSE",
		"-dBATCH",
		"-sDEVICE=png16m",
		fmt.Sprintf("-r%d", dpi),
		fmt.Sprintf("-sOutputFile=%s", outputPattern),
		input,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return &RenderError{
			Page: firstMissing(tempDir, numPages),
			Err:  fmt.Errorf("ghostscript: %w, stderr: %s", err, stderr.String()),
		}
	}

	for page := 1; page <= numPages; page++ {
		img, err := readPage(pagePath(tempDir, page))
		if err != nil {
			return &RenderError{Page: page, Err: err}
		}
		if err := emit(page, img); err != nil {
			return err
		}
	}
	return nil
}

func readPage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read rendered page: %w", err)
	}
	defer f.Close()

	img, err := png.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode rendered page: %w", err)
	}
	return img, nil
}

// firstMissing finds the page gs stopped at. It writes pages in order.
func firstMissing(dir string, numPages int) int {
	for page := 1; page <= numPages; page++ {
		if _, err := os.Stat(pagePath(dir, page)); err != nil {
			return page
		}
	}
	return numPages
}

func pagePath(dir string, page int) string {
	return filepath.Join(dir, fmt.Sprintf("page-%03d.png", page))
}

func (g *Ghostscript) binary() string {
	if g.Binary == "" {
		return "gs"
	}
	return g.Binary
}
