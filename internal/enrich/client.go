// Package enrich calls the external data-enrichment collaborator.
package enrich

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/ugobe007/matchrun/internal/matchrun"
)

// Config points the client at the enrichment service.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// Client implements matchrun.Enricher over HTTP. The enrichment service is
// a black box to the core: it either returns a profile or fails, and the
// worker's failure policy handles the rest.
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

// Enrich fetches the entity profile for a canonical key.
func (c *Client) Enrich(ctx context.Context, key string) (matchrun.EntityProfile, error) {
	var profile matchrun.EntityProfile
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&profile).
		Get("/profiles/" + url.PathEscape(key))
	if err != nil {
		return matchrun.EntityProfile{}, fmt.Errorf("enrich %q: %w", key, err)
	}
	if resp.IsError() {
		return matchrun.EntityProfile{}, fmt.Errorf("enrich %q: unexpected status %s", key, resp.Status())
	}
	return profile, nil
}
