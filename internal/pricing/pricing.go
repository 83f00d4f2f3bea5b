// Package pricing resolves the reward for a bundle transaction and the
// soft-failure USD/AR rate recorded at post time.
package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	retryablehttp "github.com/hashicorp/go-retryablehttp"

	"github.com/permanode/fulfillment/internal/config"
)

// Pricing supplies rewards and conversion rates to the prepare and post
// jobs.
type Pricing interface {
	// GetWinstonPriceForBytes returns the network price in winston for
	// storing byteCount bytes.
	GetWinstonPriceForBytes(ctx context.Context, byteCount int64) (string, error)
	// GetUSDToARRate returns the current USD/AR conversion rate.
	GetUSDToARRate(ctx context.Context) (float64, error)
}

// HTTPPricing reads prices from the gateway's price endpoint and the
// conversion rate from a rates endpoint.
type HTTPPricing struct {
	baseURL string
	http    *retryablehttp.Client
	log     *slog.Logger
}

// NewHTTPPricing builds a pricing client against the gateway base URL.
func NewHTTPPricing(cfg config.GatewayConfig, log *slog.Logger) *HTTPPricing {
	rc := retryablehttp.NewClient()
	rc.RetryMax = cfg.MaxRetries
	rc.HTTPClient.Timeout = cfg.RequestTimeout
	rc.Logger = nil

	return &HTTPPricing{
		baseURL: strings.TrimRight(cfg.URL, "/"),
		http:    rc,
		log:     log.With(slog.String("component", "pricing")),
	}
}

// GetWinstonPriceForBytes calls GET /price/{bytes}.
func (p *HTTPPricing) GetWinstonPriceForBytes(ctx context.Context, byteCount int64) (string, error) {
	body, err := p.get(ctx, "/price/"+strconv.FormatInt(byteCount, 10))
	if err != nil {
		return "", err
	}
	price := strings.TrimSpace(string(body))
	if _, err := strconv.ParseUint(price, 10, 64); err != nil && !isBigDecimal(price) {
		return "", fmt.Errorf("decode price %q", price)
	}
	return price, nil
}

// GetUSDToARRate calls GET /price/usd/ar. Callers treat a failure here as
// soft: the posted bundle simply records no rate.
func (p *HTTPPricing) GetUSDToARRate(ctx context.Context) (float64, error) {
	body, err := p.get(ctx, "/price/usd/ar")
	if err != nil {
		return 0, err
	}
	var rate struct {
		Rate float64 `json:"rate"`
	}
	if err := json.Unmarshal(body, &rate); err != nil {
		// Some gateways return the bare number.
		f, perr := strconv.ParseFloat(strings.TrimSpace(string(body)), 64)
		if perr != nil {
			return 0, fmt.Errorf("decode usd/ar rate: %w", err)
		}
		return f, nil
	}
	return rate.Rate, nil
}

func (p *HTTPPricing) get(ctx context.Context, path string) ([]byte, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("GET %s: unexpected status %d", path, resp.StatusCode)
	}
	return data, nil
}

// isBigDecimal accepts decimal strings wider than uint64, which the network
// uses for large rewards.
func isBigDecimal(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

var _ Pricing = (*HTTPPricing)(nil)
