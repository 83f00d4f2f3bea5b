package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"

	retryablehttp "github.com/hashicorp/go-retryablehttp"
	"github.com/sony/gobreaker"

	"github.com/permanode/fulfillment/internal/arweave"
	"github.com/permanode/fulfillment/internal/config"
	"github.com/permanode/fulfillment/internal/metrics"
	pipeerr "github.com/permanode/fulfillment/internal/pkg/errors"
)

// Client is the HTTP Gateway implementation. Transient failures are retried
// with exponential backoff; a tripped breaker fails fast until the gateway
// recovers.
type Client struct {
	baseURL string
	http    *retryablehttp.Client
	breaker *gobreaker.CircuitBreaker
	log     *slog.Logger
}

// NewClient builds a gateway client from config.
func NewClient(cfg config.GatewayConfig, log *slog.Logger) (*Client, error) {
	base, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse gateway url: %w", err)
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = cfg.MaxRetries
	rc.HTTPClient.Timeout = cfg.RequestTimeout
	rc.Logger = nil

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "gateway",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("gateway breaker state change",
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
	})

	return &Client{
		baseURL: strings.TrimRight(base.String(), "/"),
		http:    rc,
		breaker: breaker,
		log:     log.With(slog.String("component", "gateway")),
	}, nil
}

// PostTx submits a signed transaction envelope via POST /tx.
func (c *Client) PostTx(ctx context.Context, tx *arweave.Transaction) error {
	body, err := json.Marshal(tx)
	if err != nil {
		return fmt.Errorf("encode transaction: %w", err)
	}
	_, err = c.do(ctx, "post_tx", http.MethodPost, "/tx", body)
	return err
}

// GetTxStatus returns the status of a transaction. A 404 from the gateway
// maps to ErrNotFound so verify can apply the drop threshold.
func (c *Client) GetTxStatus(ctx context.Context, txID string) (*TxStatus, error) {
	body, err := c.do(ctx, "get_tx_status", http.MethodGet, "/tx/"+txID+"/status", nil)
	if err != nil {
		return nil, err
	}
	var status TxStatus
	if err := json.Unmarshal(body, &status); err != nil {
		return nil, fmt.Errorf("decode tx status: %w", err)
	}
	return &status, nil
}

// GetTxAnchor returns a recent anchor via GET /tx_anchor.
func (c *Client) GetTxAnchor(ctx context.Context) (string, error) {
	body, err := c.do(ctx, "get_tx_anchor", http.MethodGet, "/tx_anchor", nil)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(body)), nil
}

// GetBlockHeight returns the chain tip height via GET /info.
func (c *Client) GetBlockHeight(ctx context.Context) (int64, error) {
	body, err := c.do(ctx, "get_block_height", http.MethodGet, "/info", nil)
	if err != nil {
		return 0, err
	}
	var info struct {
		Height int64 `json:"height"`
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return 0, fmt.Errorf("decode network info: %w", err)
	}
	return info.Height, nil
}

// GetBlockHeightForTxAnchor resolves an anchor block hash to its height via
// GET /block/hash/{anchor}.
func (c *Client) GetBlockHeightForTxAnchor(ctx context.Context, anchor string) (int64, error) {
	body, err := c.do(ctx, "get_anchor_height", http.MethodGet, "/block/hash/"+anchor, nil)
	if err != nil {
		return 0, err
	}
	var block struct {
		Height int64 `json:"height"`
	}
	if err := json.Unmarshal(body, &block); err != nil {
		return 0, fmt.Errorf("decode block: %w", err)
	}
	return block.Height, nil
}

// GetBalance returns a wallet's winston balance via GET /wallet/{addr}/balance.
func (c *Client) GetBalance(ctx context.Context, address string) (*big.Int, error) {
	body, err := c.do(ctx, "get_balance", http.MethodGet, "/wallet/"+address+"/balance", nil)
	if err != nil {
		return nil, err
	}
	balance, ok := new(big.Int).SetString(strings.TrimSpace(string(body)), 10)
	if !ok {
		return nil, fmt.Errorf("decode balance %q", string(body))
	}
	return balance, nil
}

// UploadChunk uploads one payload chunk via POST /chunk.
func (c *Client) UploadChunk(ctx context.Context, chunk *arweave.ChunkUpload) error {
	body, err := json.Marshal(chunk)
	if err != nil {
		return fmt.Errorf("encode chunk: %w", err)
	}
	_, err = c.do(ctx, "upload_chunk", http.MethodPost, "/chunk", body)
	return err
}

// do runs one gateway request through the breaker and retrying client.
func (c *Client) do(ctx context.Context, op, method, path string, body []byte) ([]byte, error) {
	result, err := c.breaker.Execute(func() (any, error) {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%s %s: %w", method, path, err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}
		if resp.StatusCode == http.StatusNotFound ||
			(resp.StatusCode == http.StatusAccepted && strings.Contains(string(data), "Pending")) {
			return nil, fmt.Errorf("%s %s: %w", method, path, pipeerr.ErrNotFound)
		}
		if resp.StatusCode >= 300 {
			return nil, fmt.Errorf("%s %s: unexpected status %d: %s",
				method, path, resp.StatusCode, truncate(string(data), 200))
		}
		return data, nil
	})
	if err != nil {
		metrics.GatewayRequestsTotal.WithLabelValues(op, "error").Inc()
		return nil, err
	}
	metrics.GatewayRequestsTotal.WithLabelValues(op, "ok").Inc()
	return result.([]byte), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

var _ Gateway = (*Client)(nil)
