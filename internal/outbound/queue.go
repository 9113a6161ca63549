package outbound

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
)

var ErrMessageTooLarge = errors.New("outbound message too large")

const (
	EncodingJSON = "json"
	EncodingGzip = "gzip"
)

type Config struct {
	QueueSize            int
	Expiration           time.Duration
	Batching             bool
	BatchSize            int
	BatchTimeout         time.Duration
	Compression          bool
	CompressionThreshold int
	MaxMessageSize       int
}

func DefaultConfig() Config {
	return Config{
		QueueSize:            500,
		Expiration:           30 * time.Second,
		Batching:             true,
		BatchSize:            20,
		BatchTimeout:         100 * time.Millisecond,
		Compression:          true,
		CompressionThreshold: 1024,
		MaxMessageSize:       64 * 1024,
	}
}

// Message is one telemetry or control entry destined for observers.
type Message struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	CallID     string    `json:"call_id,omitempty"`
	Payload    any       `json:"payload,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	ExpiresAt  time.Time `json:"-"`
}

// Batch is the encoded unit handed to a Sink.
type Batch struct {
	CallID   string
	Encoding string
	Count    int
	Body     []byte
}

// Sink receives flushed batches. Delivery is best effort.
type Sink interface {
	Deliver(ctx context.Context, b Batch) error
}

type SinkFunc func(ctx context.Context, b Batch) error

func (f SinkFunc) Deliver(ctx context.Context, b Batch) error { return f(ctx, b) }

// MultiSink delivers to every sink and joins their errors.
type MultiSink []Sink

func (m MultiSink) Deliver(ctx context.Context, b Batch) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Deliver(ctx, b); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type Stats struct {
	Enqueued         uint64 `json:"enqueued"`
	Dropped          uint64 `json:"dropped"`
	Expired          uint64 `json:"expired"`
	Delivered        uint64 `json:"delivered"`
	Batches          uint64 `json:"batches"`
	Compressed       uint64 `json:"compressed"`
	TooLarge         uint64 `json:"too_large"`
	DeliveryFailures uint64 `json:"delivery_failures"`
	Pending          int    `json:"pending"`
}

// Queue decouples telemetry emission from the audio path. Enqueue never blocks; when
// the queue is full the oldest entry is dropped.
type Queue struct {
	cfg    Config
	callID string
	sink   Sink
	logger *slog.Logger
	now    func() time.Time

	mu             sync.Mutex
	entries        []Message
	firstPendingAt time.Time
	stats          Stats

	wake chan struct{}
}

func New(callID string, cfg Config, sink Sink, logger *slog.Logger) *Queue {
	def := DefaultConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.Expiration <= 0 {
		cfg.Expiration = def.Expiration
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = def.BatchTimeout
	}
	if cfg.CompressionThreshold <= 0 {
		cfg.CompressionThreshold = def.CompressionThreshold
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		cfg:    cfg,
		callID: callID,
		sink:   sink,
		logger: logger,
		now:    time.Now,
		wake:   make(chan struct{}, 1),
	}
}

// SetClock replaces the time source. Intended for tests.
func (q *Queue) SetClock(now func() time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if now != nil {
		q.now = now
	}
}

func (q *Queue) Enqueue(msgType string, payload any) {
	q.mu.Lock()
	now := q.now()
	msg := Message{
		ID:         uuid.NewString(),
		Type:       msgType,
		CallID:     q.callID,
		Payload:    payload,
		EnqueuedAt: now,
		ExpiresAt:  now.Add(q.cfg.Expiration),
	}
	if len(q.entries) >= q.cfg.QueueSize {
		drop := len(q.entries) - q.cfg.QueueSize + 1
		q.entries = append(q.entries[:0], q.entries[drop:]...)
		q.stats.Dropped += uint64(drop)
	}
	if len(q.entries) == 0 {
		q.firstPendingAt = now
	}
	q.entries = append(q.entries, msg)
	q.stats.Enqueued++
	ready := !q.cfg.Batching || len(q.entries) >= q.cfg.BatchSize
	q.mu.Unlock()

	if ready {
		select {
		case q.wake <- struct{}{}:
		default:
		}
	}
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := q.stats
	s.Pending = len(q.entries)
	return s
}

// Due reports whether a flush should happen now under the batching policy.
func (q *Queue) Due() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dueLocked()
}

func (q *Queue) dueLocked() bool {
	if len(q.entries) == 0 {
		return false
	}
	if !q.cfg.Batching || len(q.entries) >= q.cfg.BatchSize {
		return true
	}
	return q.now().Sub(q.firstPendingAt) >= q.cfg.BatchTimeout
}

// Flush sweeps expired entries and delivers everything pending, grouped into batches
// when batching is enabled.
func (q *Queue) Flush(ctx context.Context) {
	q.mu.Lock()
	now := q.now()
	pending := q.entries
	q.entries = nil
	q.firstPendingAt = time.Time{}

	live := pending[:0]
	for _, m := range pending {
		if now.After(m.ExpiresAt) {
			q.stats.Expired++
			continue
		}
		live = append(live, m)
	}
	q.mu.Unlock()

	size := 1
	if q.cfg.Batching {
		size = q.cfg.BatchSize
	}
	for start := 0; start < len(live); start += size {
		end := start + size
		if end > len(live) {
			end = len(live)
		}
		q.deliver(ctx, live[start:end])
	}
}

func (q *Queue) deliver(ctx context.Context, msgs []Message) {
	batch, err := q.encode(msgs)
	if err != nil {
		q.mu.Lock()
		if errors.Is(err, ErrMessageTooLarge) {
			q.stats.TooLarge++
		} else {
			q.stats.DeliveryFailures++
		}
		q.mu.Unlock()
		q.logger.Warn("outbound batch rejected", "call_id", q.callID, "messages", len(msgs), "error", err)
		return
	}
	if q.sink == nil {
		return
	}
	if err := q.sink.Deliver(ctx, batch); err != nil {
		q.mu.Lock()
		q.stats.DeliveryFailures++
		q.mu.Unlock()
		q.logger.Debug("outbound delivery failed", "call_id", q.callID, "error", err)
		return
	}
	q.mu.Lock()
	q.stats.Delivered += uint64(len(msgs))
	q.stats.Batches++
	if batch.Encoding == EncodingGzip {
		q.stats.Compressed++
	}
	q.mu.Unlock()
}

func (q *Queue) encode(msgs []Message) (Batch, error) {
	var (
		body []byte
		err  error
	)
	if q.cfg.Batching {
		body, err = json.Marshal(msgs)
	} else {
		body, err = json.Marshal(msgs[0])
	}
	if err != nil {
		return Batch{}, fmt.Errorf("encode outbound batch: %w", err)
	}

	b := Batch{CallID: q.callID, Encoding: EncodingJSON, Count: len(msgs), Body: body}
	if q.cfg.Compression && len(body) > q.cfg.CompressionThreshold {
		compressed, err := gzipBytes(body)
		if err != nil {
			return Batch{}, fmt.Errorf("compress outbound batch: %w", err)
		}
		b.Body = compressed
		b.Encoding = EncodingGzip
	}
	if len(b.Body) > q.cfg.MaxMessageSize {
		return Batch{}, fmt.Errorf("%w: %d bytes > %d", ErrMessageTooLarge, len(b.Body), q.cfg.MaxMessageSize)
	}
	return b, nil
}

func gzipBytes(in []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, gzip.BestSpeed)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(in); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Run flushes on batch-size wakeups and on the batch timeout until ctx is done, then
// performs a final flush.
func (q *Queue) Run(ctx context.Context) {
	interval := q.cfg.BatchTimeout / 2
	if interval < 5*time.Millisecond {
		interval = 5 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			q.Flush(flushCtx)
			cancel()
			return
		case <-q.wake:
			q.Flush(ctx)
		case <-ticker.C:
			if q.Due() {
				q.Flush(ctx)
			}
		}
	}
}
