package tracker

import (
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
)

const defaultTimeout = 5 * time.Second

// HTTPStatusError captures non-2xx tracker responses.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("tracker: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

type clickResponse struct {
	SubID string `json:"subid"`
}

// Client talks to the click tracker: subid lookup by click id and
// server-to-server conversion postbacks.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

func NewClient(baseURL string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("tracker: base URL must not be empty")
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("tracker: invalid base URL: %w", err)
	}
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// SubID looks up the subid the tracker assigned to a click. An empty string
// with no error means the tracker has not assigned one yet.
func (c *Client) SubID(ctx context.Context, clickID string) (string, error) {
	clickID = strings.TrimSpace(clickID)
	if clickID == "" {
		return "", errors.New("tracker: click id is required")
	}
	u := c.baseURL + "/click?" + url.Values{"click_id": {clickID}}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", fmt.Errorf("tracker: create click request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	raw, err := c.doRequest(req, u)
	if err != nil {
		return "", fmt.Errorf("tracker: click request failed: %w", err)
	}
	var payload clickResponse
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", fmt.Errorf("tracker: decode click response: %w", err)
	}
	return strings.TrimSpace(payload.SubID), nil
}

// Postback reports a conversion for subid.
func (c *Client) Postback(ctx context.Context, subID string, payout float64, status string) error {
	subID = strings.TrimSpace(subID)
	if subID == "" {
		return errors.New("tracker: subid is required")
	}
	q := url.Values{
		"subid":  {subID},
		"status": {status},
		"payout": {strconv.FormatFloat(payout, 'f', -1, 64)},
	}
	u := c.baseURL + "/postback?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("tracker: create postback request: %w", err)
	}
	if _, err := c.doRequest(req, u); err != nil {
		return fmt.Errorf("tracker: postback request failed: %w", err)
	}
	return nil
}

func (c *Client) doRequest(req *http.Request, u string) ([]byte, error) {
	hc := c.httpClient
	if hc == nil {
		hc = &http.Client{Timeout: defaultTimeout}
	}
	res, err := hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, &HTTPStatusError{StatusCode: res.StatusCode, URL: u, Body: string(buf)}
	}
	buf, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return buf, nil
}
