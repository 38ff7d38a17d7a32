// Package dynamodb reads tables from an endpoint speaking the DynamoDB JSON
// protocol, such as DynamoDB Local or a signing proxy.
package dynamodb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/samber/lo"
	"golang.org/x/xerrors"

	"github.com/dcsobral/customer-tools/pkg/types"
)

var _ types.Source = (*Client)(nil)

const (
	targetPrefix = "DynamoDB_20120810."
	contentType  = "application/x-amz-json-1.0"
)

// Options configures a Client
type Options struct {
	Endpoint string
	// Headers are added to every request, e.g. credentials for a proxy.
	Headers map[string]string
}

// Client is a DynamoDB table source
type Client struct {
	client   *retryablehttp.Client
	endpoint string
	headers  map[string]string
	logger   *slog.Logger
}

// APIError is an error response returned by the endpoint
type APIError struct {
	StatusCode int
	Type       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Type, e.StatusCode, e.Message)
}

// NewHTTPClient returns an HTTP client that never retries: a failed scan
// aborts the extraction.
func NewHTTPClient(timeout time.Duration) *retryablehttp.Client {
	client := retryablehttp.NewClient()
	client.RetryMax = 0
	client.Logger = slog.Default()
	client.HTTPClient.Timeout = timeout
	client.CheckRetry = func(ctx context.Context, _ *http.Response, err error) (bool, error) {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, err
	}
	client.ResponseLogHook = func(_ retryablehttp.Logger, resp *http.Response) {
		if resp.StatusCode != http.StatusOK {
			slog.Warn("Unexpected http response", slog.String("url", resp.Request.URL.String()), slog.String("status", resp.Status))
		}
	}
	return client
}

// New creates a new client
func New(httpClient *retryablehttp.Client, opts Options) *Client {
	return &Client{
		client:   httpClient,
		endpoint: opts.Endpoint,
		headers:  opts.Headers,
		logger:   slog.With(slog.String("component", "dynamodb")),
	}
}

type scanRequest struct {
	TableName         string          `json:"TableName"`
	Limit             int             `json:"Limit,omitempty"`
	ExclusiveStartKey json.RawMessage `json:"ExclusiveStartKey,omitempty"`
}

type scanResponse struct {
	Items            []types.Record  `json:"Items"`
	Count            int             `json:"Count"`
	LastEvaluatedKey json.RawMessage `json:"LastEvaluatedKey"`
}

type describeTableRequest struct {
	TableName string `json:"TableName"`
}

type describeTableResponse struct {
	Table struct {
		TableName string `json:"TableName"`
		ItemCount int    `json:"ItemCount"`
	} `json:"Table"`
}

// Scan fetches one page of table. The continuation token is the raw
// LastEvaluatedKey of the previous page.
func (c *Client) Scan(ctx context.Context, table string, token types.Token, limit int) (types.Page, error) {
	req := scanRequest{
		TableName: table,
		Limit:     limit,
	}
	if token != types.None {
		req.ExclusiveStartKey = json.RawMessage(token)
	}

	var resp scanResponse
	if err := c.call(ctx, "Scan", req, &resp); err != nil {
		return types.Page{}, err
	}

	page := types.Page{Items: resp.Items}
	if key := bytes.TrimSpace(resp.LastEvaluatedKey); len(key) > 0 && !bytes.Equal(key, []byte("null")) {
		page.Next = types.Token(key)
	}
	c.logger.Debug("Scanned page", slog.String("table", table), slog.Int("count", len(resp.Items)),
		slog.Bool("more", page.Next != types.None))
	return page, nil
}

// CountItems returns the item count reported by DescribeTable. DynamoDB
// refreshes this value periodically, so it is approximate.
func (c *Client) CountItems(ctx context.Context, table string) (int, error) {
	var resp describeTableResponse
	if err := c.call(ctx, "DescribeTable", describeTableRequest{TableName: table}, &resp); err != nil {
		return 0, err
	}
	return resp.Table.ItemCount, nil
}

func (c *Client) Close() error {
	c.client.HTTPClient.CloseIdleConnections()
	return nil
}

// call invokes one API operation and decodes its response into out
func (c *Client) call(ctx context.Context, op string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return xerrors.Errorf("unable to marshal %s request: %w", op, err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, body)
	if err != nil {
		return xerrors.Errorf("unable to create a HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-Amz-Target", targetPrefix+op)
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return xerrors.Errorf("http error (%s): %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return xerrors.Errorf("%s failed: %w", op, parseAPIError(resp))
	}

	d := json.NewDecoder(resp.Body)
	d.UseNumber()
	if err = d.Decode(out); err != nil {
		return xerrors.Errorf("unable to parse %s response: %w", op, err)
	}
	return nil
}

func parseAPIError(resp *http.Response) *APIError {
	apiErr := &APIError{StatusCode: resp.StatusCode, Type: http.StatusText(resp.StatusCode)}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		apiErr.Message = err.Error()
		return apiErr
	}

	var body struct {
		Type         string `json:"__type"`
		Message      string `json:"message"`
		MessageUpper string `json:"Message"`
	}
	if err = json.Unmarshal(data, &body); err != nil {
		apiErr.Message = strings.TrimSpace(string(data))
		return apiErr
	}

	if body.Type != "" {
		// e.g. com.amazonaws.dynamodb.v20120810#ResourceNotFoundException
		apiErr.Type = body.Type[strings.LastIndex(body.Type, "#")+1:]
	}
	apiErr.Message = lo.Ternary(body.Message != "", body.Message, body.MessageUpper)
	return apiErr
}
