// Package attachment turns uploaded files into prompt-ready excerpts and
// image summaries.
package attachment

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"mime"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"chatcore/internal/cache"
	"chatcore/internal/logging"
)

// DefaultMaxChars bounds excerpt length.
const DefaultMaxChars = 4000

// Extractor derives excerpts. Results are cached by content hash.
type Extractor struct {
	cache    cache.Store
	ttl      time.Duration
	maxChars int
}

// NewExtractor creates an extractor. A nil store disables caching.
func NewExtractor(store cache.Store, ttl time.Duration, maxChars int) *Extractor {
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}
	return &Extractor{cache: store, ttl: ttl, maxChars: maxChars}
}

// Process derives an excerpt or image summary from a.
func (e *Extractor) Process(ctx context.Context, a Attachment) (Result, error) {
	sum := sha256.Sum256(a.Data)
	key := cache.Key("attachment", hex.EncodeToString(sum[:]), a.Name, a.MIMEType)

	var res Result
	if e.cache != nil {
		if ok, _ := cache.GetJSON(ctx, e.cache, key, &res); ok {
			return res, nil
		}
	}

	res, err := e.derive(a)
	if err != nil {
		return Result{}, err
	}
	if e.cache != nil {
		if err := cache.SetJSON(ctx, e.cache, key, res, e.ttl); err != nil {
			logging.CacheWarn("caching attachment %s failed: %v", a.Name, err)
		}
	}
	return res, nil
}

// ProcessAll handles every attachment, skipping the ones that fail.
func (e *Extractor) ProcessAll(ctx context.Context, list []Attachment) ([]Excerpt, []ImageSummary) {
	var excerpts []Excerpt
	var images []ImageSummary
	for _, a := range list {
		res, err := e.Process(ctx, a)
		if err != nil {
			logging.PromptDebug("attachment %s skipped: %v", a.Name, err)
			continue
		}
		if res.Excerpt != nil {
			excerpts = append(excerpts, *res.Excerpt)
		}
		if res.Image != nil {
			images = append(images, *res.Image)
		}
	}
	return excerpts, images
}

func (e *Extractor) derive(a Attachment) (Result, error) {
	mt := mediaType(a)
	switch {
	case strings.HasPrefix(mt, "image/"):
		cfg, format, err := image.DecodeConfig(bytes.NewReader(a.Data))
		if err != nil {
			return Result{}, fmt.Errorf("decode image %s: %w", a.Name, err)
		}
		return Result{Image: &ImageSummary{
			Name: a.Name, Format: format, Width: cfg.Width, Height: cfg.Height, Bytes: len(a.Data),
		}}, nil
	case mt == "text/html" || mt == "application/xhtml+xml":
		return Result{Excerpt: e.excerpt(a.Name, HTMLToText(string(a.Data)))}, nil
	case isTextual(mt):
		if !utf8.Valid(a.Data) {
			return Result{}, fmt.Errorf("attachment %s is not valid UTF-8", a.Name)
		}
		return Result{Excerpt: e.excerpt(a.Name, string(a.Data))}, nil
	default:
		return Result{}, fmt.Errorf("unsupported attachment type %q", mt)
	}
}

func (e *Extractor) excerpt(name, text string) *Excerpt {
	text = strings.TrimSpace(text)
	ex := &Excerpt{Name: name, Kind: KindText, Text: text}
	if utf8.RuneCountInString(text) > e.maxChars {
		ex.Text = cache.Truncate(text, e.maxChars)
		ex.Truncated = true
	}
	return ex
}

func mediaType(a Attachment) string {
	if a.MIMEType != "" {
		if mt, _, err := mime.ParseMediaType(a.MIMEType); err == nil {
			return strings.ToLower(mt)
		}
	}
	switch strings.ToLower(filepath.Ext(a.Name)) {
	case ".md", ".markdown":
		return "text/markdown"
	case ".csv":
		return "text/csv"
	case ".json":
		return "application/json"
	case ".html", ".htm":
		return "text/html"
	case ".txt", ".log", ".go", ".py", ".js", ".ts", ".yaml", ".yml":
		return "text/plain"
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".gif":
		return "image/gif"
	}
	return "application/octet-stream"
}

func isTextual(mt string) bool {
	if strings.HasPrefix(mt, "text/") {
		return true
	}
	switch mt {
	case "application/json", "application/x-yaml", "application/yaml", "application/xml", "application/csv":
		return true
	}
	return false
}
