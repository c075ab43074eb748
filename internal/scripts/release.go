package scripts

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-cleanhttp"
)

// DefaultReleaseAPI is the GitHub REST endpoint used to look up releases.
const DefaultReleaseAPI = "https://api.github.com"

// ReleaseResolver looks up the latest published release of an agent.
// Lookups are cached per repository for TTL.
type ReleaseResolver struct {
	APIBase string
	TTL     time.Duration
	client  *http.Client
	logger  *slog.Logger

	mu    sync.Mutex
	cache map[string]cachedRelease
}

type cachedRelease struct {
	version string
	at      time.Time
}

// NewReleaseResolver creates a resolver. An empty apiBase uses DefaultReleaseAPI.
func NewReleaseResolver(apiBase string, timeout time.Duration, logger *slog.Logger) *ReleaseResolver {
	if apiBase == "" {
		apiBase = DefaultReleaseAPI
	}
	client := cleanhttp.DefaultPooledClient()
	client.Timeout = timeout
	return &ReleaseResolver{
		APIBase: strings.TrimRight(apiBase, "/"),
		TTL:     time.Hour,
		client:  client,
		logger:  logger,
		cache:   make(map[string]cachedRelease),
	}
}

// Latest returns the latest release version of repo ("owner/name") without the
// leading "v".
func (r *ReleaseResolver) Latest(ctx context.Context, repo string) (string, error) {
	r.mu.Lock()
	if c, ok := r.cache[repo]; ok && time.Since(c.at) < r.TTL {
		r.mu.Unlock()
		return c.version, nil
	}
	r.mu.Unlock()

	url := fmt.Sprintf("%s/repos/%s/releases/latest", r.APIBase, repo)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build release request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to query latest release of %s: %w", repo, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("release lookup for %s returned %d: %s", repo, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload struct {
		TagName string `json:"tag_name"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("failed to decode release of %s: %w", repo, err)
	}
	version := strings.TrimPrefix(payload.TagName, "v")
	if version == "" {
		return "", fmt.Errorf("release of %s has no tag name", repo)
	}

	r.mu.Lock()
	r.cache[repo] = cachedRelease{version: version, at: time.Now()}
	r.mu.Unlock()
	return version, nil
}

// Resolve returns the latest version of repo, or fallback when the lookup fails.
// The boolean reports whether the lookup succeeded.
func (r *ReleaseResolver) Resolve(ctx context.Context, repo, fallback string) (string, bool) {
	version, err := r.Latest(ctx, repo)
	if err != nil {
		r.logger.WarnContext(ctx, "Release lookup failed, using pinned version",
			slog.String("repo", repo),
			slog.String("version", fallback),
			slog.String("error", err.Error()))
		return fallback, false
	}
	return version, true
}
