// Package rest implements the status transport over the job server's REST
// API.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/renderwatch/internal/domain/tasks"
	"github.com/ahrav/renderwatch/pkg/common"
	"github.com/ahrav/renderwatch/pkg/common/logger"
)

// Config configures the client.
type Config struct {
	BaseURL           string        `mapstructure:"base_url" validate:"required,url"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout" validate:"gt=0"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second" validate:"gte=0"`
	Burst             int           `mapstructure:"burst" validate:"gte=0"`
}

// DefaultConfig targets a local job server.
func DefaultConfig() Config {
	return Config{
		BaseURL:           "http://localhost:8080",
		RequestTimeout:    10 * time.Second,
		RequestsPerSecond: 10,
		Burst:             5,
	}
}

// maxErrorBody bounds how much of an error response is kept for messages.
const maxErrorBody = 4 << 10

// Client implements tasks.Transport. Every request passes through a shared
// rate limiter, so any number of pollers stay within the server's budget.
type Client struct {
	base    *url.URL
	http    *http.Client
	limiter *common.RateLimiter

	logger *logger.Logger
	tracer trace.Tracer
}

var _ tasks.Transport = (*Client)(nil)

// NewClient creates a client for cfg.BaseURL.
func NewClient(cfg Config, logger *logger.Logger, tracer trace.Tracer) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("base url %q must be absolute", cfg.BaseURL)
	}

	return &Client{
		base: base,
		http: &http.Client{
			Timeout:   cfg.RequestTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		limiter: common.NewRateLimiter(cfg.RequestsPerSecond, cfg.Burst),
		logger:  logger.With("component", "rest_transport", "base_url", base.String()),
		tracer:  tracer,
	}, nil
}

// FetchStatus reads one job's status. A 404 means the server does not know
// the id and yields a nil record.
func (c *Client) FetchStatus(ctx context.Context, jobID tasks.JobID) (*tasks.StatusRecord, error) {
	ctx, span := c.tracer.Start(ctx, "rest_transport.fetch_status",
		trace.WithAttributes(attribute.String("job_id", jobID.String())))
	defer span.End()

	var resp StatusResponse
	code, err := c.do(ctx, http.MethodGet, expand(RouteTaskStatus, "id", jobID.String()), nil, &resp)
	if code == http.StatusNotFound {
		span.AddEvent("task_not_found")
		return nil, nil
	}
	if err != nil {
		span.SetStatus(codes.Error, "fetch status failed")
		span.RecordError(err)
		return nil, err
	}
	return resp.ToRecord(), nil
}

// FetchCompletedItems reads the scope's authoritative completed list.
func (c *Client) FetchCompletedItems(ctx context.Context, scopeID string) ([]tasks.CompletedItem, error) {
	ctx, span := c.tracer.Start(ctx, "rest_transport.fetch_completed_items",
		trace.WithAttributes(attribute.String("scope_id", scopeID)))
	defer span.End()

	var resp CompletedItemsResponse
	if _, err := c.do(ctx, http.MethodGet, expand(RouteCompletedItems, "scope", scopeID), nil, &resp); err != nil {
		span.SetStatus(codes.Error, "fetch completed items failed")
		span.RecordError(err)
		return nil, err
	}

	out := make([]tasks.CompletedItem, 0, len(resp.Items))
	for _, it := range resp.Items {
		item := tasks.CompletedItem{ItemID: tasks.ItemID(it.ItemID), JobID: tasks.JobID(it.TaskID)}
		if r := it.Result.ToResult(); r != nil {
			item.Result = *r
		}
		out = append(out, item)
	}
	return out, nil
}

// SubmitItem starts a generation job for itemID.
func (c *Client) SubmitItem(ctx context.Context, scopeID string, itemID tasks.ItemID, params map[string]string) (tasks.JobID, error) {
	ctx, span := c.tracer.Start(ctx, "rest_transport.submit_item",
		trace.WithAttributes(
			attribute.String("scope_id", scopeID),
			attribute.String("item_id", itemID.String()),
		))
	defer span.End()

	path := expand(expand(RouteSubmitItem, "scope", scopeID), "item", itemID.String())
	return c.submit(ctx, span, path, SubmitItemRequest{Params: params})
}

// SubmitCombine starts the aggregate job over items.
func (c *Client) SubmitCombine(ctx context.Context, scopeID string, items []tasks.ItemID) (tasks.JobID, error) {
	ctx, span := c.tracer.Start(ctx, "rest_transport.submit_combine",
		trace.WithAttributes(
			attribute.String("scope_id", scopeID),
			attribute.Int("item_count", len(items)),
		))
	defer span.End()

	req := CombineRequest{ItemIDs: make([]string, len(items))}
	for i, id := range items {
		req.ItemIDs[i] = id.String()
	}
	return c.submit(ctx, span, expand(RouteSubmitCombine, "scope", scopeID), req)
}

// Ping reports whether the job server answers its health check.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, RouteHealth, nil, nil)
	return err
}

func (c *Client) submit(ctx context.Context, span trace.Span, path string, body any) (tasks.JobID, error) {
	var resp SubmitResponse
	if _, err := c.do(ctx, http.MethodPost, path, body, &resp); err != nil {
		span.SetStatus(codes.Error, "submit failed")
		span.RecordError(err)
		return "", err
	}
	if resp.TaskID == "" {
		return "", tasks.Permanent(errors.New("server accepted the job without a task id"))
	}
	span.SetAttributes(attribute.String("job_id", resp.TaskID))
	return tasks.JobID(resp.TaskID), nil
}

// wait blocks for a limiter token. The limiter refuses up front when the token
// would only arrive after ctx's deadline; in that case the caller still waits
// for the deadline, so a throttled request ends as a timeout rather than as an
// early transport error.
func (c *Client) wait(ctx context.Context) error {
	err := c.limiter.Wait(ctx)
	if err == nil || ctx.Err() != nil {
		return err
	}
	if _, ok := ctx.Deadline(); !ok {
		return err
	}
	<-ctx.Done()
	return fmt.Errorf("%w: %w", err, context.Cause(ctx))
}

// do performs one request and decodes a 2xx body into out. Failures come back
// as *tasks.TransportError so callers can classify them.
func (c *Client) do(ctx context.Context, method, path string, body, out any) (int, error) {
	if err := c.wait(ctx); err != nil {
		return 0, &tasks.TransportError{Err: fmt.Errorf("rate limiter: %w", err)}
	}

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return 0, tasks.Permanent(fmt.Errorf("encoding request: %w", err))
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, reader)
	if err != nil {
		return 0, tasks.Permanent(fmt.Errorf("building request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, &tasks.TransportError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, &tasks.TransportError{StatusCode: resp.StatusCode, Err: errorFromBody(resp.Body)}
	}
	if out == nil {
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		// A truncated body is as retryable as a dropped connection.
		return resp.StatusCode, &tasks.TransportError{Err: fmt.Errorf("decoding response: %w", err)}
	}
	return resp.StatusCode, nil
}

func errorFromBody(r io.Reader) error {
	raw, _ := io.ReadAll(io.LimitReader(r, maxErrorBody))
	var er ErrorResponse
	if json.Unmarshal(raw, &er) == nil && er.Error != "" {
		return errors.New(er.Error)
	}
	if msg := strings.TrimSpace(string(raw)); msg != "" {
		return errors.New(msg)
	}
	return errors.New("empty error response")
}

// expand substitutes one {name} placeholder with an escaped value.
func expand(route, name, value string) string {
	return strings.Replace(route, "{"+name+"}", url.PathEscape(value), 1)
}
