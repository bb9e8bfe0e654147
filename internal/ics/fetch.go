package ics

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"quietcal/internal/apperr"
	appLog "quietcal/internal/log"
)

const maxFeedBytes = 16 << 20

// Source is one calendar feed subscribed to by one owner.
type Source struct {
	ID      string `yaml:"id" json:"id"`
	OwnerID string `yaml:"owner" json:"owner"`
	URL     string `yaml:"url" json:"url"`
}

// FetchResult is the body of one feed, fresh or cached.
type FetchResult struct {
	Source    Source
	Body      []byte
	FromCache bool
}

// cacheMeta holds the validators of the last good response.
type cacheMeta struct {
	URL          string    `json:"url"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Fetcher downloads feeds with conditional requests and keeps the last good
// body on disk, so an unreachable feed degrades to its previous contents.
type Fetcher struct {
	client   *http.Client
	cacheDir string
}

// NewFetcher returns a fetcher caching under cacheDir. An empty cacheDir
// disables the cache.
func NewFetcher(cacheDir string, timeout time.Duration) *Fetcher {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Fetcher{
		client:   &http.Client{Timeout: timeout},
		cacheDir: cacheDir,
	}
}

// FetchAll fetches every source, logging and collecting per-source errors.
func (f *Fetcher) FetchAll(ctx context.Context, sources []Source) ([]FetchResult, []error) {
	results := make([]FetchResult, 0, len(sources))
	var errs []error
	for _, src := range sources {
		res, err := f.FetchOne(ctx, src)
		if err != nil {
			appLog.Error("ics: fetch failed", err, "source", src.ID, "url", redactURL(src.URL))
			errs = append(errs, fmt.Errorf("%s: %w", src.ID, err))
			continue
		}
		results = append(results, res)
	}
	return results, errs
}

// FetchOne fetches a single feed. Network failures and non-OK statuses fall
// back to the cached body when one exists; otherwise they are upstream
// errors.
func (f *Fetcher) FetchOne(ctx context.Context, src Source) (FetchResult, error) {
	const op = "ics.fetch"
	if src.URL == "" {
		return FetchResult{}, apperr.Validation(op, "source %q has no url", src.ID)
	}

	var (
		dir    string
		meta   cacheMeta
		cached []byte
	)
	if f.cacheDir != "" {
		dir = f.cachePath(src.URL)
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return FetchResult{}, apperr.Persistence(op, err)
		}
		meta, _ = loadMeta(dir)
		cached, _ = os.ReadFile(filepath.Join(dir, "body.ics"))
	}
	fallback := func(cause error) (FetchResult, error) {
		if len(cached) > 0 {
			appLog.Warn("ics: using cached body", "source", src.ID, "url", redactURL(src.URL), "cause", cause.Error())
			return FetchResult{Source: src, Body: cached, FromCache: true}, nil
		}
		return FetchResult{}, apperr.Upstream(op, cause)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
	if err != nil {
		return FetchResult{}, apperr.Validation(op, "bad url for source %q: %v", src.ID, err)
	}
	if len(cached) > 0 {
		if meta.ETag != "" {
			req.Header.Set("If-None-Match", meta.ETag)
		}
		if meta.LastModified != "" {
			req.Header.Set("If-Modified-Since", meta.LastModified)
		}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return fallback(err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedBytes))
		if err != nil {
			return fallback(err)
		}
		if dir != "" {
			m := cacheMeta{
				URL:          src.URL,
				ETag:         resp.Header.Get("ETag"),
				LastModified: resp.Header.Get("Last-Modified"),
				UpdatedAt:    time.Now().UTC(),
			}
			if err := saveCache(dir, m, body); err != nil {
				appLog.Error("ics: cache save failed", err, "source", src.ID)
			}
		}
		appLog.Info("ics: fetched", "source", src.ID, "url", redactURL(src.URL), "bytes", len(body))
		return FetchResult{Source: src, Body: body}, nil
	case http.StatusNotModified:
		if len(cached) == 0 {
			return FetchResult{}, apperr.Upstream(op, errors.New("304 Not Modified without a cached body"))
		}
		appLog.Debug("ics: not modified", "source", src.ID)
		return FetchResult{Source: src, Body: cached, FromCache: true}, nil
	default:
		return fallback(errors.New(resp.Status))
	}
}

func (f *Fetcher) cachePath(u string) string {
	sum := sha256.Sum256([]byte(u))
	return filepath.Join(f.cacheDir, hex.EncodeToString(sum[:8]))
}

func loadMeta(dir string) (cacheMeta, error) {
	var m cacheMeta
	b, err := os.ReadFile(filepath.Join(dir, "meta.json"))
	if err != nil {
		return m, err
	}
	err = json.Unmarshal(b, &m)
	return m, err
}

// saveCache writes the body before the validators so meta never points at
// a missing body.
func saveCache(dir string, m cacheMeta, body []byte) error {
	if err := os.WriteFile(filepath.Join(dir, "body.ics"), body, 0o600); err != nil {
		return err
	}
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "meta.json"), b, 0o600)
}

// redactURL keeps scheme and host only; feed URLs usually embed a secret.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "ics://...(redacted)"
	}
	return u.Scheme + "://" + u.Host + "/...(redacted)"
}
