// Package registry talks to the external device-registry API. The API is
// rate- and quota-limited, so every consumer goes through Cache rather than
// Client directly; Client itself only adds timeouts, a per-endpoint circuit
// breaker, and typed decoding.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Endpoint labels used for breaker state and metrics.
const (
	EndpointDevices   = "devices"
	EndpointDevice    = "device"
	EndpointLocations = "locations"
)

// MetricsSink records registry call outcomes. All methods must be
// non-blocking and fire-and-forget.
type MetricsSink interface {
	RegistryCallCompleted(endpoint, statusClass string, duration time.Duration)
}

type Client struct {
	baseURL string
	http    *http.Client
	breaker *Breaker
	metrics MetricsSink // optional, nil = disabled
}

func NewClient(baseURL string, timeout time.Duration, breaker *Breaker) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		breaker: breaker,
	}
}

// WithMetrics attaches a metrics sink to the client.
func (c *Client) WithMetrics(sink MetricsSink) *Client {
	c.metrics = sink
	return c
}

// ListDevices fetches GET /devices.
func (c *Client) ListDevices(ctx context.Context) ([]DeviceSummary, error) {
	var out []DeviceSummary
	if err := c.getJSON(ctx, EndpointDevices, "/devices", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetDevice fetches GET /devices/{id}.
func (c *Client) GetDevice(ctx context.Context, deviceID string) (DeviceDetail, error) {
	var out DeviceDetail
	path := "/devices/" + url.PathEscape(deviceID)
	if err := c.getJSON(ctx, EndpointDevice, path, &out); err != nil {
		return DeviceDetail{}, err
	}
	return out, nil
}

// GetLocations fetches GET /devices/{id}/locations?limit=N.
func (c *Client) GetLocations(ctx context.Context, deviceID string, limit int) ([]LocationSample, error) {
	var out []LocationSample
	path := "/devices/" + url.PathEscape(deviceID) + "/locations?limit=" + strconv.Itoa(limit)
	if err := c.getJSON(ctx, EndpointLocations, path, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) getJSON(ctx context.Context, endpoint, path string, out any) error {
	if err := c.breaker.Allow(endpoint); err != nil {
		return fmt.Errorf("registry %s: %w", endpoint, err)
	}

	start := time.Now()
	err := c.doGetJSON(ctx, path, out)
	duration := time.Since(start)

	if err != nil {
		c.breaker.RecordFailure(endpoint)
		c.recordMetric(endpoint, classifyError(err), duration)
		return err
	}

	c.breaker.RecordSuccess(endpoint)
	c.recordMetric(endpoint, "2xx", duration)
	return nil
}

func (c *Client) doGetJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("registry: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("registry: %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Drain so the connection can be reused.
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return &StatusError{Path: path, StatusCode: resp.StatusCode}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("registry: decode %s: %w", path, err)
	}
	return nil
}

func (c *Client) recordMetric(endpoint, statusClass string, d time.Duration) {
	if c.metrics != nil {
		c.metrics.RegistryCallCompleted(endpoint, statusClass, d)
	}
}

// StatusError is a non-2xx registry response.
type StatusError struct {
	Path       string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("registry: %s returned status %d", e.Path, e.StatusCode)
}

func classifyError(err error) string {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.StatusCode >= 500:
			return "5xx"
		case statusErr.StatusCode >= 400:
			return "4xx"
		default:
			return "other_error"
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}
	if errors.Is(err, ErrBreakerOpen) {
		return "breaker_open"
	}
	return "connection_error"
}
