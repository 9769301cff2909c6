// Package ingestion ships log containers to the HTTP ingestion endpoint.
package ingestion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"golang.org/x/time/rate"

	"github.com/Chichichkin/telemetry-agent/internal/logger"
	"github.com/Chichichkin/telemetry-agent/internal/logging"
)

// ErrClosed is reported, marked recoverable, for sends attempted or
// interrupted while the sender is closed.
var ErrClosed = errors.New("ingestion: sender closed")

const (
	HeaderAppID   = "X-App-Id"
	HeaderBatchID = "X-Batch-Id"

	defaultTimeout = 10 * time.Second
	maxErrorBody   = 4 << 10
)

type Config struct {
	URL     string
	Timeout time.Duration
	// RequestsPerSecond limits outgoing requests. Zero disables limiting.
	RequestsPerSecond float64
	Burst             int
	Gzip              bool
	// Headers are added to every request.
	Headers map[string]string

	Logger logger.Logger
	// Client overrides the HTTP client built from Timeout.
	Client *http.Client
}

type Sender struct {
	url     string
	gzip    bool
	headers map[string]string
	client  *http.Client
	limiter *rate.Limiter
	logger  logger.Logger

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	closed bool
}

var _ logging.Sender = (*Sender)(nil)

func NewSender(cfg Config) (*Sender, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("ingestion: url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNop()
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}

	s := &Sender{
		url:     cfg.URL,
		gzip:    cfg.Gzip,
		headers: cfg.Headers,
		client:  client,
		logger:  cfg.Logger,
	}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s, nil
}

// SendAsync posts the container on its own goroutine and reports the outcome
// through cb. A closed sender fails the call immediately.
func (s *Sender) SendAsync(appID, batchID uuid.UUID, container *logging.LogContainer, cb logging.Callback) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cb(logging.Recoverable(ErrClosed))
		return
	}
	ctx := s.ctx
	s.mu.Unlock()

	go func() {
		err := s.send(ctx, appID, batchID, container)
		if err != nil {
			s.logger.Warn("batch rejected",
				logger.F("batch", batchID.String()),
				logger.F("logs", len(container.Logs)),
				logger.F("error", err))
		} else {
			s.logger.Debug("batch delivered",
				logger.F("batch", batchID.String()),
				logger.F("logs", len(container.Logs)))
		}
		cb(err)
	}()
}

func (s *Sender) send(ctx context.Context, appID, batchID uuid.UUID, container *logging.LogContainer) error {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return s.interrupted(ctx, err)
		}
	}
	// Past the limiter the request is dispatched and runs to completion even
	// if the sender is closed meanwhile.
	ctx = context.WithoutCancel(ctx)

	body, err := s.encode(container)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.gzip {
		req.Header.Set("Content-Encoding", "gzip")
	}
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}
	req.Header.Set(HeaderAppID, appID.String())
	req.Header.Set(HeaderBatchID, batchID.String())

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		responseBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &logging.HTTPError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(responseBody))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (s *Sender) encode(container *logging.LogContainer) ([]byte, error) {
	payload, err := json.Marshal(container)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	if !s.gzip {
		return payload, nil
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(payload); err != nil {
		return nil, fmt.Errorf("failed to compress payload: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to compress payload: %w", err)
	}
	return buf.Bytes(), nil
}

// interrupted maps a rate limit wait cut short by Close to ErrClosed.
func (s *Sender) interrupted(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return logging.Recoverable(fmt.Errorf("%w: %v", ErrClosed, err))
	}
	return err
}

// Close rejects new sends until Reopen and interrupts sends still waiting on
// the rate limiter. Requests already dispatched run to completion.
func (s *Sender) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.cancel()
	s.mu.Unlock()

	s.client.CloseIdleConnections()
	return nil
}

func (s *Sender) Reopen() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		return
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.closed = false
}
