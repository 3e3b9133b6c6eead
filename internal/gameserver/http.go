// Package gameserver is the typed client for the game server: the
// breaker-wrapped REST surface (L4) and the WebSocket room client (L5).
package gameserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/leetbattle/botfleet/internal/breaker"
)

// QueueSize is the response shape of GET /queue/size.
type QueueSize struct {
	QueueSize   int  `json:"queueSize"`
	BotsInQueue int  `json:"botsInQueue"`
	IsStale     bool `json:"isStale"`
}

// GeneralStats is the response shape of GET /global/general-stats.
type GeneralStats struct {
	QueuedHumansCount  int  `json:"queuedHumansCount"`
	LongestHumanWaitMs int  `json:"longestHumanWaitMs"`
	IsStale            bool `json:"isStale"`
}

// ActiveMatch is one entry of GET /admin/matches/active.
type ActiveMatch struct {
	ID string `json:"id"`
}

// HTTPClient is the breaker-wrapped REST client for the game server.
type HTTPClient struct {
	baseURL string
	secret  string
	hc      *http.Client

	queueSizeBreaker    *breaker.Breaker
	generalStatsBreaker *breaker.Breaker
	activeMatchBreaker  *breaker.Breaker
	clearQueueBreaker   *breaker.Breaker
}

// NewHTTPClient builds a client against baseURL. secret is sent as
// X-Bot-Secret on every request when non-empty.
func NewHTTPClient(baseURL, secret string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		secret:  secret,
		hc:      &http.Client{Timeout: 5 * time.Second},

		queueSizeBreaker:    breaker.New("queue-size"),
		generalStatsBreaker: breaker.New("general-stats"),
		activeMatchBreaker:  breaker.New("active-matches"),
		clearQueueBreaker:   breaker.New("clear-queue"),
	}
}

func (c *HTTPClient) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, fmt.Errorf("gameserver: encode request body: %w", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, &buf)
	if err != nil {
		return nil, fmt.Errorf("gameserver: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.secret != "" {
		req.Header.Set("X-Bot-Secret", c.secret)
	}
	return req, nil
}

func (c *HTTPClient) doJSON(req *http.Request, out any) error {
	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("gameserver: request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("gameserver: unexpected status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("gameserver: decode response: %w", err)
	}
	return nil
}

// QueueSize calls GET /queue/size, falling back to a stale zero-value
// reading when the breaker is open.
func (c *HTTPClient) QueueSize(ctx context.Context) (QueueSize, error) {
	v, fb, err := breaker.Execute(c.queueSizeBreaker, func() (QueueSize, error) {
		req, err := c.newRequest(ctx, http.MethodGet, "/queue/size", nil)
		if err != nil {
			return QueueSize{}, err
		}
		var out QueueSize
		if err := c.doJSON(req, &out); err != nil {
			return QueueSize{}, err
		}
		return out, nil
	})
	if fb != nil {
		return QueueSize{QueueSize: 0, BotsInQueue: 0, IsStale: true}, nil
	}
	return v, err
}

// GeneralStats calls GET /global/general-stats, falling back to a stale
// zero-value reading when the breaker is open.
func (c *HTTPClient) GeneralStats(ctx context.Context) (GeneralStats, error) {
	v, fb, err := breaker.Execute(c.generalStatsBreaker, func() (GeneralStats, error) {
		req, err := c.newRequest(ctx, http.MethodGet, "/global/general-stats", nil)
		if err != nil {
			return GeneralStats{}, err
		}
		var out GeneralStats
		if err := c.doJSON(req, &out); err != nil {
			return GeneralStats{}, err
		}
		return out, nil
	})
	if fb != nil {
		return GeneralStats{QueuedHumansCount: 0, LongestHumanWaitMs: 0, IsStale: true}, nil
	}
	return v, err
}

// ActiveMatches calls GET /admin/matches/active, falling back to an empty
// slice when the breaker is open.
func (c *HTTPClient) ActiveMatches(ctx context.Context) ([]ActiveMatch, error) {
	v, fb, err := breaker.Execute(c.activeMatchBreaker, func() ([]ActiveMatch, error) {
		req, err := c.newRequest(ctx, http.MethodGet, "/admin/matches/active", nil)
		if err != nil {
			return nil, err
		}
		var out struct {
			Matches []ActiveMatch `json:"matches"`
		}
		if err := c.doJSON(req, &out); err != nil {
			return nil, err
		}
		return out.Matches, nil
	})
	if fb != nil {
		return []ActiveMatch{}, nil
	}
	return v, err
}

// ClearQueue calls POST /queue/clear, idempotently purging any stale seat
// reservation the game server holds for userID.
func (c *HTTPClient) ClearQueue(ctx context.Context, userID string) error {
	_, fb, err := breaker.Execute(c.clearQueueBreaker, func() (struct{}, error) {
		req, err := c.newRequest(ctx, http.MethodPost, "/queue/clear", map[string]string{"userId": userID})
		if err != nil {
			return struct{}{}, err
		}
		return struct{}{}, c.doJSON(req, nil)
	})
	if fb != nil {
		return nil
	}
	return err
}
