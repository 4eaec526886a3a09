package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/parleychat/parley-sdk-go/parley"
)

// RefreshStats summarizes refresh outcomes.
type RefreshStats struct {
	Successes   int
	Failures    int
	LastAttempt time.Time
	LastOK      bool
}

// Refresher exchanges the refresh token for a new access token. Each call
// makes at most one attempt; concurrent calls share the in-flight attempt.
type Refresher struct {
	baseURL    string
	httpClient *http.Client
	session    Session
	logger     parley.Logger
	group      singleflight.Group

	mu    sync.Mutex
	stats RefreshStats
}

func newRefresher(baseURL string, hc *http.Client, sess Session) *Refresher {
	return &Refresher{
		baseURL:    baseURL,
		httpClient: hc,
		session:    sess,
		logger:     parley.NopLogger(),
	}
}

// Refresh reports whether a new access token was stored. The refresh token
// is replaced only when the server returns a new one. Logging out on
// failure is the caller's job.
func (r *Refresher) Refresh(ctx context.Context) bool {
	v, _, _ := r.group.Do("refresh", func() (any, error) {
		return r.refreshOnce(ctx), nil
	})
	return v.(bool)
}

// Stats returns a snapshot of refresh outcomes.
func (r *Refresher) Stats() RefreshStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

func (r *Refresher) refreshOnce(ctx context.Context) bool {
	ok := r.exchange(ctx)
	r.mu.Lock()
	r.stats.LastAttempt = time.Now()
	r.stats.LastOK = ok
	if ok {
		r.stats.Successes++
	} else {
		r.stats.Failures++
	}
	r.mu.Unlock()
	return ok
}

func (r *Refresher) exchange(ctx context.Context) bool {
	current := r.session.RefreshToken()
	if current == "" {
		return false
	}
	data, err := json.Marshal(RefreshRequest{RefreshToken: current})
	if err != nil {
		return false
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/auth/refresh", bytes.NewReader(data))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		r.logger.Warn("token refresh error", map[string]any{"error": err.Error()})
		return false
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil || resp.StatusCode != http.StatusOK {
		r.logger.Warn("token refresh rejected", map[string]any{"status": resp.StatusCode})
		return false
	}
	var tr TokenResponse
	if err := json.Unmarshal(body, &tr); err != nil || tr.AccessToken == "" {
		r.logger.Warn("token refresh returned no access token", nil)
		return false
	}

	refresh := current
	if tr.RefreshToken != "" {
		refresh = tr.RefreshToken
	}
	r.session.SetTokens(ctx, tr.AccessToken, refresh)
	r.logger.Info("token refreshed", nil)
	return true
}
