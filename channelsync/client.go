package channelsync

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

	"bitbucket.org/mmdatafocus/stock_sync/models"
	"bitbucket.org/mmdatafocus/stock_sync/stockkey"
	"bitbucket.org/mmdatafocus/stock_sync/utils"
	"golang.org/x/time/rate"
)

type HTTPClientConfig struct {
	Channel       models.Channel
	BaseURL       string
	APIKey        string
	APIKeyHeader  string
	PrimaryPath   string
	AnalyticsPath string
	// ProductPath is joined with the escaped product key.
	ProductPath   string
	RatePerMinute int
	Timeout       time.Duration
}

// HTTPClient is a generic JSON ChannelClient. Both feeds answer with
// {"data": [...], "next_cursor": "...", "has_more": bool}; "items" is accepted for "data".
type HTTPClient struct {
	cfg     HTTPClientConfig
	http    *http.Client
	limiter *rate.Limiter
}

func NewHTTPClient(cfg HTTPClientConfig) (*HTTPClient, error) {
	if strings.TrimSpace(string(cfg.Channel)) == "" {
		return nil, errors.New("channel is empty")
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("%s: base url is empty", cfg.Channel)
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("%s: api key is empty", cfg.Channel)
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.APIKeyHeader == "" {
		cfg.APIKeyHeader = "X-API-Key"
	}
	if cfg.PrimaryPath == "" {
		cfg.PrimaryPath = "/v1/stock"
	}
	if cfg.AnalyticsPath == "" {
		cfg.AnalyticsPath = "/v1/analytics/stock"
	}
	if cfg.ProductPath == "" {
		cfg.ProductPath = "/v1/products"
	}
	if cfg.RatePerMinute <= 0 {
		cfg.RatePerMinute = 60
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &HTTPClient{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RatePerMinute)), 1),
	}, nil
}

func (c *HTTPClient) Channel() models.Channel { return c.cfg.Channel }

type listResponse struct {
	Data       []map[string]any `json:"data"`
	Items      []map[string]any `json:"items"`
	NextCursor string           `json:"next_cursor"`
	HasMore    *bool            `json:"has_more"`
}

func (r listResponse) rows() []map[string]any {
	if len(r.Data) > 0 {
		return r.Data
	}
	return r.Items
}

func (c *HTTPClient) FetchPrimaryStock(ctx context.Context, cursor string) (PrimaryPage, error) {
	params := url.Values{}
	if cursor != "" {
		params.Set("cursor", cursor)
	}
	resp, err := c.getList(ctx, "FetchPrimaryStock", c.cfg.PrimaryPath, params)
	if err != nil {
		return PrimaryPage{}, err
	}
	return PrimaryPage{
		Records:    c.wrap(resp.rows(), models.RecordSourcePrimary),
		NextCursor: resp.NextCursor,
	}, nil
}

func (c *HTTPClient) FetchAnalyticsStock(ctx context.Context, page, pageSize int) (AnalyticsPage, error) {
	params := url.Values{}
	params.Set("page", strconv.Itoa(page))
	params.Set("page_size", strconv.Itoa(pageSize))
	resp, err := c.getList(ctx, "FetchAnalyticsStock", c.cfg.AnalyticsPath, params)
	if err != nil {
		return AnalyticsPage{}, err
	}
	rows := resp.rows()
	hasMore := len(rows) >= pageSize
	if resp.HasMore != nil {
		hasMore = *resp.HasMore
	}
	return AnalyticsPage{Records: c.wrap(rows, models.RecordSourceAnalytics), HasMore: hasMore}, nil
}

func (c *HTTPClient) wrap(rows []map[string]any, tier models.RecordSource) []RawFeedRecord {
	out := make([]RawFeedRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, RawFeedRecord{Channel: c.cfg.Channel, SourceTier: tier, Fields: r})
	}
	return out
}

type productResponse struct {
	Name string `json:"name"`
	Data *struct {
		Name string `json:"name"`
	} `json:"data"`
}

// FetchProductName looks up one product's display name. It backs the out-of-band name sync.
func (c *HTTPClient) FetchProductName(ctx context.Context, key stockkey.CanonicalKey) (string, error) {
	var parsed productResponse
	path := strings.TrimRight(c.cfg.ProductPath, "/") + "/" + url.PathEscape(key.String())
	if err := c.getJSON(ctx, "FetchProductName", path, nil, &parsed); err != nil {
		return "", err
	}
	name := parsed.Name
	if name == "" && parsed.Data != nil {
		name = parsed.Data.Name
	}
	if strings.TrimSpace(name) == "" {
		return "", &utils.PermanentUpstreamError{Kind: utils.UpstreamPermanent, Op: "FetchProductName", Err: fmt.Errorf("no name for %s", key)}
	}
	return strings.TrimSpace(name), nil
}

func (c *HTTPClient) getList(ctx context.Context, op, path string, params url.Values) (listResponse, error) {
	var parsed listResponse
	err := c.getJSON(ctx, op, path, params, &parsed)
	return parsed, err
}

func (c *HTTPClient) getJSON(ctx context.Context, op, path string, params url.Values, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return &utils.TransientUpstreamError{Kind: utils.UpstreamRateLimited, Op: op, Err: err}
	}
	endpoint := c.cfg.BaseURL + path
	if len(params) > 0 {
		endpoint = endpoint + "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return &utils.PermanentUpstreamError{Kind: utils.UpstreamPermanent, Op: op, Err: err}
	}
	req.Header.Set(c.cfg.APIKeyHeader, c.cfg.APIKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return &utils.TransientUpstreamError{Kind: utils.UpstreamTransient, Op: op, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &utils.TransientUpstreamError{Kind: utils.UpstreamTransient, Op: op, Err: err}
	}
	if err := classifyStatus(op, resp, body); err != nil {
		return err
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return &utils.PermanentUpstreamError{Kind: utils.UpstreamPermanent, Op: op, Err: fmt.Errorf("malformed response: %w", err)}
	}
	return nil
}

func classifyStatus(op string, resp *http.Response, body []byte) error {
	code := resp.StatusCode
	if code >= 200 && code < 300 {
		return nil
	}
	cause := fmt.Errorf("http %d: %s", code, truncate(strings.TrimSpace(string(body)), 256))
	switch {
	case code == http.StatusTooManyRequests:
		return &utils.TransientUpstreamError{Kind: utils.UpstreamRateLimited, Op: op, RetryAfter: retryAfter(resp.Header.Get("Retry-After")), Err: cause}
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return &utils.PermanentUpstreamError{Kind: utils.UpstreamAuthFailed, Op: op, Err: cause}
	case code == http.StatusRequestTimeout || code >= 500:
		return &utils.TransientUpstreamError{Kind: utils.UpstreamTransient, Op: op, Err: cause}
	default:
		return &utils.PermanentUpstreamError{Kind: utils.UpstreamPermanent, Op: op, Err: cause}
	}
}

func retryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		return time.Duration(n) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
