package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"slide-guide/internal/fingerprint"
	"slide-guide/internal/llmjson"
	"slide-guide/internal/logger"
	"slide-guide/internal/questions"
)

// Key identifies one analysis: a slide image under a set of generation
// parameters.
type Key struct {
	Image  fingerprint.ImageFingerprint
	Params fingerprint.ParamsFingerprint
}

func (k Key) String() string {
	return string(k.Image) + "/" + string(k.Params)
}

func (k Key) validate() error {
	if !fingerprint.Valid(string(k.Image)) || !fingerprint.Valid(string(k.Params)) {
		return fmt.Errorf("%w: analysis key %q", ErrInvalidKey, k.String())
	}
	return nil
}

// Response is the raw provider output plus the usage it reported.
type Response struct {
	Text         string
	Model        string
	InputTokens  int
	OutputTokens int
}

// ComputeFunc performs the expensive provider call for a miss.
type ComputeFunc func(ctx context.Context) (Response, error)

// Outcome describes how a result was obtained. Usage is set only when
// Source is SourceProvider.
type Outcome struct {
	Source Source
	Usage  *Response
}

func (o Outcome) Hit() bool { return o.Source.Hit() }

type analysisEntry struct {
	Version   int           `json:"version"`
	Image     string        `json:"image"`
	Params    string        `json:"params"`
	Model     string        `json:"model,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	Questions questions.Set `json:"questions,omitempty"`
	Text      string        `json:"text,omitempty"`
}

// AnalysisCache stores decoded provider results. At most one compute runs per
// key at a time, and only results that decode are ever written.
type AnalysisCache struct {
	layout  layout
	decoder *llmjson.Decoder
	log     *logger.Logger
	flights singleflight.Group
}

func NewAnalysisCache(root string, decoder *llmjson.Decoder, log *logger.Logger) (*AnalysisCache, error) {
	l := newLayout(root)
	if err := l.ensure(); err != nil {
		return nil, err
	}
	if decoder == nil {
		decoder = llmjson.NewDecoder()
	}
	if log == nil {
		log = logger.Nop()
	}
	return &AnalysisCache{layout: l, decoder: decoder, log: log}, nil
}

func (c *AnalysisCache) Root() string { return c.layout.root }

// Close waits for in-progress commits and refuses later ones. A compute
// still running when Close is called is discarded once it returns.
func (c *AnalysisCache) Close() { c.layout.gate.close() }

// GetOrCompute returns the questions stored for key, calling compute on a
// miss. Concurrent callers for the same key share one compute. The compute
// is detached from ctx: a caller that gives up stops waiting, but a result
// that arrives later is still committed.
//
// Errors from compute are returned unchanged. A response that does not
// decode yields *llmjson.MalformedResponseError and is not stored.
func (c *AnalysisCache) GetOrCompute(ctx context.Context, key Key, compute ComputeFunc) (questions.Set, Outcome, error) {
	entry, out, err := c.getOrCompute(ctx, key, false, compute, c.decodeQuestions)
	if err != nil {
		return nil, out, err
	}
	return entry.Questions.Clone(), out, nil
}

// Recompute always calls compute and replaces whatever was stored.
// Concurrent Recompute calls for a key share one compute; a concurrent
// GetOrCompute does not wait on it.
func (c *AnalysisCache) Recompute(ctx context.Context, key Key, compute ComputeFunc) (questions.Set, Outcome, error) {
	entry, out, err := c.getOrCompute(ctx, key, true, compute, c.decodeQuestions)
	if err != nil {
		return nil, out, err
	}
	return entry.Questions.Clone(), out, nil
}

// GetOrComputeText caches plain text responses such as slide summaries.
func (c *AnalysisCache) GetOrComputeText(ctx context.Context, key Key, compute ComputeFunc) (string, Outcome, error) {
	entry, out, err := c.getOrCompute(ctx, key, false, compute, decodeText)
	if err != nil {
		return "", out, err
	}
	return entry.Text, out, nil
}

// Lookup reads a stored question set without computing.
func (c *AnalysisCache) Lookup(key Key) (questions.Set, error) {
	if err := key.validate(); err != nil {
		return nil, err
	}
	entry, err := c.read(key)
	if err != nil {
		return nil, err
	}
	if entry.Questions == nil {
		return nil, ErrNotCached
	}
	return entry.Questions.Clone(), nil
}

// Invalidate removes the entry for key if present.
func (c *AnalysisCache) Invalidate(key Key) error {
	if err := key.validate(); err != nil {
		return err
	}
	if err := os.Remove(c.layout.analysisFile(key.Image, key.Params)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove analysis entry: %w", err)
	}
	return nil
}

type decodeFunc func(key Key, resp Response) (analysisEntry, error)

func (c *AnalysisCache) getOrCompute(ctx context.Context, key Key, force bool, compute ComputeFunc, decode decodeFunc) (analysisEntry, Outcome, error) {
	if err := key.validate(); err != nil {
		return analysisEntry{}, Outcome{}, err
	}

	if !force {
		if entry, err := c.read(key); err == nil {
			c.log.Debug("analysis cache hit", "image", key.Image.Short(), "params", key.Params.Short())
			return entry, Outcome{Source: SourceCache}, nil
		} else if !errors.Is(err, ErrNotCached) {
			c.log.Warn("analysis entry unreadable, recomputing", "image", key.Image.Short(), "error", err)
		}
	}

	// Forced recomputes never join a plain lookup's flight, whose result may
	// be the very entry being replaced.
	flightKey := key.String()
	if force {
		flightKey = "!" + flightKey
	}
	detached := context.WithoutCancel(ctx)
	executed := false
	ch := c.flights.DoChan(flightKey, func() (any, error) {
		executed = true
		// A flight for this key may have committed between our read and
		// this one; re-check before paying for another call.
		if !force {
			if entry, err := c.read(key); err == nil {
				return flightEntry{entry: entry, fromDisk: true}, nil
			}
		}

		started := time.Now()
		resp, err := compute(detached)
		if err != nil {
			c.log.Warn("analysis compute failed", "image", key.Image.Short(), "error", err)
			return nil, err
		}
		entry, err := decode(key, resp)
		if err != nil {
			c.log.Warn("analysis response rejected", "image", key.Image.Short(), "error", err)
			return nil, err
		}
		if err := c.write(key, entry); err != nil {
			if errors.Is(err, ErrClosed) {
				c.log.Debug("analysis cache closed, result discarded", "image", key.Image.Short())
			}
			return nil, err
		}
		c.log.Info("analysis cached",
			"image", key.Image.Short(),
			"params", key.Params.Short(),
			"model", resp.Model,
			"input_tokens", resp.InputTokens,
			"output_tokens", resp.OutputTokens,
			"elapsed", time.Since(started),
		)
		return flightEntry{entry: entry, usage: resp}, nil
	})

	select {
	case <-ctx.Done():
		return analysisEntry{}, Outcome{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return analysisEntry{}, Outcome{}, res.Err
		}
		fe := res.Val.(flightEntry)
		switch {
		case fe.fromDisk:
			return fe.entry, Outcome{Source: SourceCache}, nil
		case executed:
			usage := fe.usage
			return fe.entry, Outcome{Source: SourceProvider, Usage: &usage}, nil
		default:
			return fe.entry, Outcome{Source: SourceCoalesced}, nil
		}
	}
}

type flightEntry struct {
	entry    analysisEntry
	usage    Response
	fromDisk bool
}

func (c *AnalysisCache) decodeQuestions(key Key, resp Response) (analysisEntry, error) {
	set, err := c.decoder.Questions(resp.Text)
	if err != nil {
		return analysisEntry{}, err
	}
	return newEntry(key, resp, set, ""), nil
}

func decodeText(key Key, resp Response) (analysisEntry, error) {
	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return analysisEntry{}, &llmjson.MalformedResponseError{Raw: resp.Text, Reason: "empty response"}
	}
	return newEntry(key, resp, nil, text), nil
}

func newEntry(key Key, resp Response, set questions.Set, text string) analysisEntry {
	return analysisEntry{
		Version:   entryVersion,
		Image:     string(key.Image),
		Params:    string(key.Params),
		Model:     resp.Model,
		CreatedAt: time.Now().UTC(),
		Questions: set,
		Text:      text,
	}
}

func (c *AnalysisCache) read(key Key) (analysisEntry, error) {
	path := c.layout.analysisFile(key.Image, key.Params)
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return analysisEntry{}, ErrNotCached
		}
		return analysisEntry{}, fmt.Errorf("read analysis entry: %w", err)
	}
	var entry analysisEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return analysisEntry{}, fmt.Errorf("decode analysis entry: %w", err)
	}
	if entry.Version != entryVersion || entry.Image != string(key.Image) || entry.Params != string(key.Params) {
		return analysisEntry{}, fmt.Errorf("analysis entry does not match key %s", key)
	}
	if len(entry.Questions) == 0 && entry.Text == "" {
		return analysisEntry{}, fmt.Errorf("analysis entry for %s is empty", key)
	}
	touch(path)
	return entry, nil
}

func (c *AnalysisCache) write(key Key, entry analysisEntry) error {
	raw, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return fmt.Errorf("encode analysis entry: %w", err)
	}
	return c.layout.writeFileAtomic(c.layout.analysisFile(key.Image, key.Params), raw)
}
