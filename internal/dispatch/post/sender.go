// Package post provides the HTTP POST sender for async queues.
package post

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/bissquit/async-dispatch/internal/dispatch"
)

// Qualifier is the sender qualifier queues use to select this sender.
const Qualifier = "POST"

const (
	defaultUserAgent         = "async-dispatch"
	defaultConnectTimeout    = 5 * time.Second
	defaultIdempotencyHeader = "Idempotency-Key"
	maxResponseBody          = 64 << 10
)

// Config holds POST sender configuration shared by all queues.
type Config struct {
	UserAgent      string
	RateLimit      float64 // requests per second per queue, 0 means unlimited
	Burst          int
	ConnectTimeout time.Duration
}

// Sender posts message payloads as JSON to the channel URL.
type Sender struct {
	config     Config
	queueID    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewSender creates a new POST sender. Init must be called before Send.
func NewSender(config Config) *Sender {
	if config.UserAgent == "" {
		config.UserAgent = defaultUserAgent
	}
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = defaultConnectTimeout
	}
	if config.Burst <= 0 {
		config.Burst = 1
	}
	return &Sender{config: config}
}

// Factory returns a sender factory for the registry.
func Factory(config Config) dispatch.SenderFactory {
	return func() dispatch.Sender {
		return NewSender(config)
	}
}

// Init prepares the sender for one queue.
func (s *Sender) Init(cfg dispatch.QueueConfig) error {
	s.queueID = cfg.QueueID

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{Timeout: s.config.ConnectTimeout}).DialContext
	s.httpClient = &http.Client{Transport: transport}

	limit := rate.Inf
	if s.config.RateLimit > 0 {
		limit = rate.Limit(s.config.RateLimit)
	}
	s.limiter = rate.NewLimiter(limit, s.config.Burst)

	slog.Info("post sender configured",
		"queue_id", s.queueID,
		"rate_limit", s.config.RateLimit,
		"burst", s.config.Burst,
	)
	return nil
}

// Send posts the message payload. Any HTTP answer is returned as a
// response; only failures to get one are returned as errors.
func (s *Sender) Send(ctx context.Context, req dispatch.SendRequest) (*dispatch.SendResponse, error) {
	if req.Channel.URL == "" {
		return nil, &PermanentError{Message: "channel URL is empty"}
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return nil, &RetryableError{Message: fmt.Sprintf("rate limit wait: %v", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.Channel.URL, bytes.NewReader(req.Message.Payload))
	if err != nil {
		return nil, &PermanentError{Message: fmt.Sprintf("create request: %v", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", s.config.UserAgent)
	if req.Channel.AuthParam != "" {
		httpReq.Header.Set("Authorization", req.Channel.AuthParam)
	}
	if req.IdempotencyKey != "" {
		header := req.Channel.IdempotencyHeader
		if header == "" {
			header = defaultIdempotencyHeader
		}
		httpReq.Header.Set(header, req.IdempotencyKey)
	}
	if req.Message.PayloadType != "" {
		httpReq.Header.Set("X-Payload-Type", req.Message.PayloadType)
	}

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return nil, &RetryableError{Message: fmt.Sprintf("send request: %v", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	return s.handleResponse(resp, req)
}

// receiverResponse is the optional structured answer of a receiver.
type receiverResponse struct {
	ReturnCode   *int   `json:"return_code"`
	Reference    string `json:"reference"`
	ErrorDetails string `json:"error_details"`
}

func (s *Sender) handleResponse(resp *http.Response, req dispatch.SendRequest) (*dispatch.SendResponse, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, &RetryableError{Code: resp.StatusCode, Message: fmt.Sprintf("read response: %v", err)}
	}

	out := &dispatch.SendResponse{HTTPCode: resp.StatusCode}

	var parsed receiverResponse
	if len(body) > 0 && json.Unmarshal(body, &parsed) == nil &&
		(parsed.ReturnCode != nil || parsed.Reference != "" || parsed.ErrorDetails != "") {
		out.ReturnCode = parsed.ReturnCode
		out.Reference = parsed.Reference
		out.ErrorDetails = parsed.ErrorDetails
	} else {
		out.Reference = string(body)
	}
	out.Reference = dispatch.CleanText(out.Reference, dispatch.MaxReferenceLength)
	out.ErrorDetails = dispatch.CleanText(out.ErrorDetails, 0)

	if out.Succeeded() {
		slog.Debug("message posted",
			"queue_id", s.queueID,
			"message_id", req.Message.ID,
			"url", maskURL(req.Channel.URL),
		)
	}
	return out, nil
}

// Close releases idle connections.
func (s *Sender) Close() error {
	if s.httpClient != nil {
		s.httpClient.CloseIdleConnections()
	}
	return nil
}

// maskURL hides part of the URL for logging.
func maskURL(url string) string {
	if len(url) > 40 {
		return url[:20] + "..." + url[len(url)-10:]
	}
	return url
}

// PermanentError indicates a request that cannot succeed as configured.
type PermanentError struct {
	Code    int
	Message string
}

func (e *PermanentError) Error() string {
	if e.Code > 0 {
		return fmt.Sprintf("post error %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("post error: %s", e.Message)
}

// IsRetryable returns false as permanent errors should not be retried.
func (e *PermanentError) IsRetryable() bool { return false }

// RetryableError indicates a temporary transport failure.
type RetryableError struct {
	Code    int
	Message string
}

func (e *RetryableError) Error() string {
	if e.Code > 0 {
		return fmt.Sprintf("post error %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("post error: %s", e.Message)
}

// IsRetryable returns true as these errors are temporary.
func (e *RetryableError) IsRetryable() bool { return true }
