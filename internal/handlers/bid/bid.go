// Package bid is the reference executor for auction snipes. Placing the bid
// against a real marketplace is out of scope; the executor validates the
// order and records a simulated placement.
package bid

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/rs/zerolog"

	"snipeflow/internal/log"
)

type Order struct {
	ListingURL   string  `json:"listing_url"`
	ListingTitle string  `json:"listing_title,omitempty"`
	MaxBid       float64 `json:"max_bid"`
}

func (o Order) validate() (*url.URL, error) {
	if o.ListingURL == "" {
		return nil, fmt.Errorf("listing_url is required")
	}
	u, err := url.Parse(o.ListingURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("listing_url %q is not an http(s) URL", o.ListingURL)
	}
	if o.MaxBid <= 0 {
		return nil, fmt.Errorf("max_bid must be positive")
	}
	return u, nil
}

// Platform names the auction site a listing belongs to.
func Platform(u *url.URL) string {
	host := strings.ToLower(u.Hostname())
	switch {
	case host == "ebay.com" || strings.HasSuffix(host, ".ebay.com"):
		return "ebay"
	case host == "shopgoodwill.com" || strings.HasSuffix(host, ".shopgoodwill.com"):
		return "shopgoodwill"
	default:
		return "generic"
	}
}

type Bid struct {
	logger zerolog.Logger
}

func New() *Bid {
	return &Bid{logger: log.WithComponent("bid")}
}

func (b *Bid) Handle(ctx context.Context, payload json.RawMessage) (string, error) {
	var o Order
	if err := json.Unmarshal(payload, &o); err != nil {
		return "", fmt.Errorf("invalid bid payload: %w", err)
	}
	u, err := o.validate()
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	platform := Platform(u)
	b.logger.Info().
		Str("listing_url", o.ListingURL).
		Str("platform", platform).
		Float64("max_bid", o.MaxBid).
		Msg("bid placed (simulated)")
	return fmt.Sprintf("Bid of $%.2f placed on %s (simulated)", o.MaxBid, platform), nil
}
