// Package strategos is a Go client for the strategos-server REST API.
package strategos

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"strategos/internal/api"
	"strategos/internal/domain"
	"strategos/internal/engine"
	"strategos/internal/metrics"
	"strategos/internal/risk"
	"strategos/internal/strategy"
)

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("strategos: %d %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 response.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// Client provides a Go SDK for the strategos-server API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new strategos API client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 5 * time.Minute},
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.httpClient = hc
	return c
}

// Health checks that the server is up.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/api/health", nil, nil)
}

// ---------------------------------------------------------------------------
// Strategies
// ---------------------------------------------------------------------------

// Compile compiles and registers an editor graph.
func (c *Client) Compile(ctx context.Context, g strategy.Graph, meta strategy.Metadata) (*strategy.Strategy, error) {
	var out strategy.Strategy
	req := api.CompileRequest{Nodes: g.Nodes, Edges: g.Edges, Metadata: meta}
	if err := c.do(ctx, http.MethodPost, "/api/strategies/compile", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RegisterStrategy registers an already compiled strategy.
func (c *Client) RegisterStrategy(ctx context.Context, s *strategy.Strategy) error {
	return c.do(ctx, http.MethodPost, "/api/strategies", s, nil)
}

// Strategy fetches a registered strategy.
func (c *Client) Strategy(ctx context.Context, id string) (*strategy.Strategy, error) {
	var out strategy.Strategy
	if err := c.do(ctx, http.MethodGet, "/api/strategies/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ---------------------------------------------------------------------------
// Backtests
// ---------------------------------------------------------------------------

// RunBacktest runs one backtest. When the run fails or is aborted the
// terminal result is returned together with an *APIError.
func (c *Client) RunBacktest(ctx context.Context, req engine.RunRequest) (*domain.BacktestResult, error) {
	var out domain.BacktestResult
	err := c.do(ctx, http.MethodPost, "/api/backtests", req, &out)
	var apiErr *APIError
	if err != nil && !(errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnprocessableEntity && out.ID != "") {
		return nil, err
	}
	return &out, err
}

// RunBatch runs backtests in parallel on the server.
func (c *Client) RunBatch(ctx context.Context, reqs []engine.RunRequest) ([]*domain.BacktestResult, error) {
	var out api.BatchResponse
	if err := c.do(ctx, http.MethodPost, "/api/backtests/batch", api.BatchRequest{Runs: reqs}, &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}

// Result fetches a stored result.
func (c *Client) Result(ctx context.Context, id string) (*domain.BacktestResult, error) {
	var out domain.BacktestResult
	if err := c.do(ctx, http.MethodGet, "/api/backtests/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Results lists a strategy's results newest first, or the latest results
// across strategies when strategyID is empty.
func (c *Client) Results(ctx context.Context, strategyID string, limit, offset int) ([]*domain.BacktestResult, error) {
	q := url.Values{}
	if strategyID != "" {
		q.Set("strategy_id", strategyID)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
	path := "/api/backtests"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out struct {
		Results []*domain.BacktestResult `json:"results"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}

// DeleteResult removes a stored result.
func (c *Client) DeleteResult(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/backtests/"+url.PathEscape(id), nil, nil)
}

// Compare ranks stored results.
func (c *Client) Compare(ctx context.Context, ids []string) (*metrics.Comparison, error) {
	var out metrics.Comparison
	if err := c.do(ctx, http.MethodPost, "/api/backtests/compare", api.CompareRequest{IDs: ids}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Analyze fetches the extended risk metrics of a result.
func (c *Client) Analyze(ctx context.Context, id string) (*metrics.Advanced, error) {
	var out metrics.Advanced
	if err := c.do(ctx, http.MethodGet, "/api/backtests/"+url.PathEscape(id)+"/analysis", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Export asks the server to write a result to Parquet.
func (c *Client) Export(ctx context.Context, id string) (*api.ExportResponse, error) {
	var out api.ExportResponse
	if err := c.do(ctx, http.MethodPost, "/api/backtests/"+url.PathEscape(id)+"/export", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ---------------------------------------------------------------------------
// Risk
// ---------------------------------------------------------------------------

// CalculateMargin computes margin requirements for a position.
func (c *Client) CalculateMargin(ctx context.Context, p risk.MarginParams) (*risk.MarginCalculation, error) {
	var out risk.MarginCalculation
	if err := c.do(ctx, http.MethodPost, "/api/risk/margin", p, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SimulateLiquidation reports how close a position is to liquidation.
func (c *Client) SimulateLiquidation(ctx context.Context, req api.LiquidationRequest) (*risk.LiquidationCheck, error) {
	var out risk.LiquidationCheck
	if err := c.do(ctx, http.MethodPost, "/api/risk/liquidation", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SetLeverage validates a leverage choice.
func (c *Client) SetLeverage(ctx context.Context, req api.LeverageRequest) (*risk.LeverageSetting, error) {
	var out risk.LeverageSetting
	if err := c.do(ctx, http.MethodPost, "/api/risk/leverage", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ReviewAccount checks an account for margin calls.
func (c *Client) ReviewAccount(ctx context.Context, req api.AccountRequest) (*engine.AccountReview, error) {
	var out engine.AccountReview
	if err := c.do(ctx, http.MethodPost, "/api/risk/account", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ---------------------------------------------------------------------------
// Transport
// ---------------------------------------------------------------------------

// do sends body as JSON and decodes the response into out. Error bodies are
// decoded into out as well, so a failed backtest still yields its result.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		rd = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s %s: %w", method, path, err)
	}

	if resp.StatusCode >= 300 {
		if out != nil && len(data) > 0 {
			_ = json.Unmarshal(data, out)
		}
		var e struct {
			Error string `json:"error"`
		}
		msg := http.StatusText(resp.StatusCode)
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}
