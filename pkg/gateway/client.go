// Package gateway talks to the remote similarity-search service: it encodes a
// selected file as a multipart request, posts it to the search or add
// endpoint and normalizes the outcome into a typed payload or a classified error.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/fly-io/imgsearch/pkg/errors"
	"github.com/fly-io/imgsearch/pkg/media"
	"github.com/google/uuid"
)

const (
	// FieldName is the multipart field holding the image bytes.
	FieldName = "file"
	// RequestIDHeader carries a per-call id for correlation with server logs.
	RequestIDHeader = "X-Request-ID"

	maxResponseSize = 10 << 20
)

// Display messages for the classified failures.
const (
	MessageConnectivity = "could not connect to the server; make sure the backend is running"
	MessageServer       = "server error"
	MessageUnknown      = "an unknown error occurred"
	MessageMalformed    = "unexpected response from server"
)

// Config configures a Client. BaseURL is required.
type Config struct {
	BaseURL    string
	HTTPClient *http.Client
	Metrics    *Metrics

	// Timeout bounds a single call. Zero means no timeout.
	Timeout time.Duration
}

// Client issues one request per Submit call. It holds no mutable state
// besides its configuration and is safe for concurrent use.
type Client struct {
	base    *url.URL
	http    *http.Client
	timeout time.Duration
	metrics *Metrics
}

// NewClient creates a client for the service at cfg.BaseURL.
func NewClient(cfg Config) (*Client, error) {
	base, err := url.Parse(strings.TrimSpace(cfg.BaseURL))
	if err != nil {
		return nil, errors.Wrap(err, "invalid base url")
	}
	if !base.IsAbs() || base.Host == "" {
		return nil, fmt.Errorf("base url must be absolute: %q", cfg.BaseURL)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	slog.Info("gateway_client_init", "base_url", base.String(), "timeout", cfg.Timeout)

	return &Client{
		base:    base,
		http:    httpClient,
		timeout: cfg.Timeout,
		metrics: cfg.Metrics,
	}, nil
}

// Resolve turns a result path into a dereferenceable URL. Absolute URLs are
// returned unchanged, anything else is resolved against the base address.
func (c *Client) Resolve(path string) string {
	ref, err := url.Parse(path)
	if err != nil {
		return path
	}
	if ref.IsAbs() {
		return ref.String()
	}
	return c.base.ResolveReference(ref).String()
}

// Submit posts f to endpoint. Every failure is returned as an *errors.Error
// of kind connectivity, server or unknown. There is no retry.
func (c *Client) Submit(ctx context.Context, endpoint Endpoint, f *media.File) (*Response, error) {
	start := time.Now()
	resp, err := c.submit(ctx, endpoint, f)
	c.metrics.observe(endpoint, err, time.Since(start))
	return resp, err
}

func (c *Client) submit(ctx context.Context, endpoint Endpoint, f *media.File) (*Response, error) {
	if endpoint.Path() == "" {
		return nil, errors.New(errors.KindUnknown, MessageUnknown, fmt.Errorf("unknown endpoint %q", endpoint))
	}
	if f == nil {
		return nil, errors.New(errors.KindUnknown, MessageUnknown, fmt.Errorf("no file to submit"))
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	body, contentType, err := encodeMultipart(f)
	if err != nil {
		return nil, errors.New(errors.KindUnknown, MessageUnknown, err)
	}

	target := c.base.JoinPath(endpoint.Path())

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), body)
	if err != nil {
		return nil, errors.New(errors.KindUnknown, MessageUnknown, err)
	}
	requestID := uuid.NewString()
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	req.Header.Set(RequestIDHeader, requestID)

	slog.Info("gateway_request",
		"endpoint", string(endpoint),
		"url", target.String(),
		"request_id", requestID,
		"file", f.Name,
		"size", f.Size,
	)

	httpResp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			slog.Info("gateway_request_canceled", "endpoint", string(endpoint), "request_id", requestID)
			return nil, errors.New(errors.KindUnknown, MessageUnknown, err)
		}
		slog.Warn("gateway_request_unreachable", "endpoint", string(endpoint), "request_id", requestID, "error", err)
		return nil, errors.New(errors.KindConnectivity, MessageConnectivity, err)
	}
	defer httpResp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	if err != nil {
		slog.Warn("gateway_response_read_failed", "endpoint", string(endpoint), "request_id", requestID, "error", err)
		return nil, errors.New(errors.KindConnectivity, MessageConnectivity, err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		e := serverError(httpResp, payload)
		slog.Warn("gateway_request_failed",
			"endpoint", string(endpoint),
			"request_id", requestID,
			"status", httpResp.StatusCode,
			"detail", e.Message,
		)
		return nil, e
	}

	resp, err := decodeResponse(endpoint, payload)
	if err != nil {
		slog.Error("gateway_response_malformed", "endpoint", string(endpoint), "request_id", requestID, "error", err)
		return nil, errors.New(errors.KindUnknown, MessageMalformed, err)
	}

	slog.Info("gateway_request_complete",
		"endpoint", string(endpoint),
		"request_id", requestID,
		"status", httpResp.StatusCode,
		"results", len(resp.Results),
	)
	return resp, nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func encodeMultipart(f *media.File) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`,
		FieldName, quoteEscaper.Replace(f.Name)))
	partType := f.MediaType
	if partType == "" {
		partType = "application/octet-stream"
	}
	h.Set("Content-Type", partType)

	part, err := w.CreatePart(h)
	if err != nil {
		return nil, "", errors.Wrap(err, "failed to create multipart part")
	}
	if _, err := part.Write(f.Data); err != nil {
		return nil, "", errors.Wrap(err, "failed to write multipart part")
	}
	if err := w.Close(); err != nil {
		return nil, "", errors.Wrap(err, "failed to close multipart writer")
	}
	return &buf, w.FormDataContentType(), nil
}

// serverError prefers the server provided detail and falls back to the reason
// phrase the server sent, then to the canonical status text.
func serverError(resp *http.Response, payload []byte) *errors.Error {
	message := strings.TrimSpace(strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode)))
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}
	if message == "" {
		message = MessageServer
	}

	var body errorBody
	if err := json.Unmarshal(payload, &body); err == nil && len(body.Detail) > 0 && string(body.Detail) != "null" {
		var detail string
		if err := json.Unmarshal(body.Detail, &detail); err == nil {
			if detail != "" {
				message = detail
			}
		} else {
			// Structured details (validation error lists) are shown compacted.
			var compact bytes.Buffer
			if json.Compact(&compact, body.Detail) == nil {
				message = compact.String()
			}
		}
	}

	e := errors.New(errors.KindServer, message, nil)
	e.Status = resp.StatusCode
	return e
}

func decodeResponse(endpoint Endpoint, payload []byte) (*Response, error) {
	switch endpoint {
	case EndpointSearch:
		var body searchBody
		if err := json.Unmarshal(payload, &body); err != nil {
			return nil, errors.Wrap(err, "failed to decode search response")
		}
		if body.Results == nil {
			return nil, fmt.Errorf("search response has no results field")
		}
		results := *body.Results
		if results == nil {
			results = []ImageResult{}
		}
		return &Response{Results: results}, nil

	case EndpointAdd:
		var body addBody
		if err := json.Unmarshal(payload, &body); err != nil {
			return nil, errors.Wrap(err, "failed to decode add response")
		}
		if body.Image == nil {
			return nil, fmt.Errorf("add response has no image field")
		}
		return &Response{Image: body.Image}, nil
	}
	return nil, fmt.Errorf("unknown endpoint %q", endpoint)
}
