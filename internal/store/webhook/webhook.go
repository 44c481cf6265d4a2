package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/procsentry/procsentry/internal/store"
	"github.com/procsentry/procsentry/pkg/types"
)

// Payload is the JSON body posted for each batch.
type Payload struct {
	Host   string        `json:"host"`
	SentAt time.Time     `json:"sent_at"`
	Alerts []types.Alert `json:"alerts"`
}

// Store batches alerts and posts them to an HTTP endpoint from a background
// sender. A batch is sent when batchSize alerts are pending or every
// flushInterval, whichever comes first. AppendAlert never waits on the network.
type Store struct {
	url           string
	batchSize     int
	maxPending    int
	flushInterval time.Duration
	timeout       time.Duration
	headers       map[string]string
	host          string
	logger        *slog.Logger

	client *http.Client

	mu      sync.Mutex
	buf     []types.Alert
	dropped int
	closed  bool

	// ctx is cancelled by Close to abort an in-flight send.
	ctx     context.Context
	cancel  context.CancelFunc
	kick    chan struct{}
	stop    chan struct{}
	done    chan struct{}
	lastErr error
}

var _ store.AlertStore = (*Store)(nil)

type Option func(*Store)

func WithLogger(l *slog.Logger) Option { return func(s *Store) { s.logger = l } }

// New starts the background sender. Close stops it.
func New(url string, batchSize int, flushInterval time.Duration, timeout time.Duration, headers map[string]string, opts ...Option) (*Store, error) {
	if url == "" {
		return nil, fmt.Errorf("webhook url is empty")
	}
	if batchSize <= 0 {
		batchSize = 50
	}
	if flushInterval <= 0 {
		flushInterval = 10 * time.Second
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	hcopy := map[string]string{}
	for k, v := range headers {
		hcopy[k] = v
	}
	host, _ := os.Hostname()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Store{
		url:           url,
		batchSize:     batchSize,
		maxPending:    100 * batchSize,
		flushInterval: flushInterval,
		timeout:       timeout,
		headers:       hcopy,
		host:          host,
		client:        &http.Client{Timeout: timeout},
		ctx:           ctx,
		cancel:        cancel,
		kick:          make(chan struct{}, 1),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.logger == nil {
		s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	go s.run()
	return s, nil
}

// AppendAlert queues a for the sender.
func (s *Store) AppendAlert(_ context.Context, a types.Alert) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("webhook store closed")
	}
	s.pushLocked(a)
	full := len(s.buf) >= s.batchSize
	s.mu.Unlock()

	if full {
		select {
		case s.kick <- struct{}{}:
		default:
		}
	}
	return nil
}

// pushLocked appends alerts, dropping the oldest once maxPending is exceeded.
func (s *Store) pushLocked(alerts ...types.Alert) {
	s.buf = append(s.buf, alerts...)
	if over := len(s.buf) - s.maxPending; over > 0 {
		s.buf = append([]types.Alert(nil), s.buf[over:]...)
		s.dropped += over
	}
}

func (s *Store) QueryAlerts(_ context.Context, _ types.AlertQuery) ([]types.Alert, error) {
	return nil, nil
}

// Pending returns the number of queued alerts not yet delivered.
func (s *Store) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buf)
}

// Dropped returns the number of alerts discarded because the queue was full.
func (s *Store) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Flush sends the queued alerts now, in batches of batchSize. A batch that
// fails is put back at the head of the queue.
func (s *Store) Flush(ctx context.Context) error {
	for {
		s.mu.Lock()
		n := len(s.buf)
		if n > s.batchSize {
			n = s.batchSize
		}
		batch := append([]types.Alert(nil), s.buf[:n]...)
		s.buf = s.buf[n:]
		s.mu.Unlock()

		if len(batch) == 0 {
			return nil
		}
		if err := s.flush(ctx, batch); err != nil {
			s.mu.Lock()
			rest := s.buf
			s.buf = nil
			s.pushLocked(append(batch, rest...)...)
			s.mu.Unlock()
			return err
		}
	}
}

func (s *Store) run() {
	defer close(s.done)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
			s.lastErr = s.Flush(ctx)
			cancel()
			if s.lastErr != nil {
				s.logger.Error("webhook final flush failed", "url", s.url, "pending", s.Pending(), "error", s.lastErr)
			}
			return
		case <-ticker.C:
		case <-s.kick:
		}
		if err := s.Flush(s.ctx); err != nil && s.ctx.Err() == nil {
			s.logger.Warn("webhook delivery failed", "url", s.url, "pending", s.Pending(), "error", err)
		}
	}
}

// Close aborts any in-flight retry, sends what is still queued within one
// timeout and stops the sender.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	close(s.stop)
	<-s.done
	return s.lastErr
}

// flush retries transport errors and 5xx responses with exponential backoff
// for up to three timeouts. 4xx responses are not retried.
func (s *Store) flush(ctx context.Context, batch []types.Alert) error {
	b, err := json.Marshal(Payload{Host: s.host, SentAt: time.Now().UTC(), Alerts: batch})
	if err != nil {
		return fmt.Errorf("marshal batch: %w", err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxElapsedTime = 3 * s.timeout

	return backoff.Retry(func() error {
		return s.post(ctx, b)
	}, backoff.WithContext(bo, ctx))
}

func (s *Store) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500:
		return fmt.Errorf("webhook responded %s", resp.Status)
	default:
		return backoff.Permanent(fmt.Errorf("webhook responded %s", resp.Status))
	}
}
