// Package match calls the external match producer.
package match

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/ugobe007/matchrun/internal/matchrun"
)

// Config points the client at the match producer service.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// Client implements matchrun.MatchProducer over HTTP. The producer returns
// an opaque result handle; the core stores the reference and count and never
// inspects candidate quality.
type Client struct {
	http *resty.Client
}

// New constructs a Client.
func New(cfg Config) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json")
	return &Client{http: httpClient}
}

type produceRequest struct {
	Key     string                 `json:"key"`
	Profile matchrun.EntityProfile `json:"profile"`
}

// Produce requests ranked match candidates for an enriched entity.
func (c *Client) Produce(ctx context.Context, key string, profile matchrun.EntityProfile) (matchrun.MatchResult, error) {
	var result matchrun.MatchResult
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(produceRequest{Key: key, Profile: profile}).
		SetResult(&result).
		Post("/matches")
	if err != nil {
		return matchrun.MatchResult{}, fmt.Errorf("produce matches for %q: %w", key, err)
	}
	if resp.IsError() {
		return matchrun.MatchResult{}, fmt.Errorf("produce matches for %q: unexpected status %s", key, resp.Status())
	}
	if result.Ref == "" {
		return matchrun.MatchResult{}, fmt.Errorf("produce matches for %q: producer returned no result reference", key)
	}
	return result, nil
}
