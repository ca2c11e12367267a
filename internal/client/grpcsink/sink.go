// Package grpcsink отправляет клиентские события мониторинга в quotes.v1.SaveMonitoring.
package grpcsink

import (
	"context"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/quotesave/internal/domain"
	"github.com/vladislavdragonenkov/quotesave/internal/transport/grpcapi"
)

const (
	defaultQueueSize   = 256
	defaultSendTimeout = 2 * time.Second
	flushTimeout       = 3 * time.Second
)

// Sink — fire-and-forget приёмник событий: Emit кладёт событие в буфер,
// Run отправляет их по одному с ограниченным таймаутом.
// При переполнении буфера событие отбрасывается.
type Sink struct {
	client      grpcapi.SaveMonitoringClient
	queue       chan domain.SaveEvent
	sendTimeout time.Duration
	logger      *log.Entry

	sent    atomic.Int64
	failed  atomic.Int64
	dropped atomic.Int64
}

// Option настраивает Sink.
type Option func(*Sink)

// WithQueueSize задаёт размер буфера событий.
func WithQueueSize(size int) Option {
	return func(s *Sink) {
		if size > 0 {
			s.queue = make(chan domain.SaveEvent, size)
		}
	}
}

// WithSendTimeout ограничивает время одного вызова Record.
func WithSendTimeout(timeout time.Duration) Option {
	return func(s *Sink) {
		if timeout > 0 {
			s.sendTimeout = timeout
		}
	}
}

// WithLogger задаёт логгер.
func WithLogger(logger *log.Entry) Option {
	return func(s *Sink) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New создаёт sink поверх gRPC-клиента мониторинга.
func New(client grpcapi.SaveMonitoringClient, opts ...Option) *Sink {
	s := &Sink{
		client:      client,
		queue:       make(chan domain.SaveEvent, defaultQueueSize),
		sendTimeout: defaultSendTimeout,
		logger:      log.WithField("component", "grpc-save-sink"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Emit не блокирует вызывающего.
func (s *Sink) Emit(event domain.SaveEvent) {
	select {
	case s.queue <- event:
	default:
		s.dropped.Add(1)
		s.logger.WithFields(log.Fields{
			"attempt_id": event.AttemptID,
			"outcome":    event.Outcome,
		}).Debug("save event dropped: queue is full")
	}
}

// Run отправляет события до отмены ctx, затем пытается дослать остаток буфера.
func (s *Sink) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			s.flush()
			return nil
		case event := <-s.queue:
			s.send(ctx, event)
		}
	}
}

func (s *Sink) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	for {
		select {
		case event := <-s.queue:
			if ctx.Err() != nil {
				s.dropped.Add(1)
				continue
			}
			s.send(ctx, event)
		default:
			return
		}
	}
}

func (s *Sink) send(ctx context.Context, event domain.SaveEvent) {
	in, err := grpcapi.EventToStruct(event)
	if err != nil {
		s.failed.Add(1)
		s.logger.WithError(err).WithField("attempt_id", event.AttemptID).Warn("failed to encode save event")
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, s.sendTimeout)
	defer cancel()
	if _, err := s.client.Record(callCtx, in); err != nil {
		s.failed.Add(1)
		s.logger.WithError(err).WithFields(log.Fields{
			"attempt_id": event.AttemptID,
			"outcome":    event.Outcome,
		}).Warn("failed to deliver save event")
		return
	}
	s.sent.Add(1)
}

// Counters возвращает число отправленных, неудачных и отброшенных событий.
func (s *Sink) Counters() (sent, failed, dropped int64) {
	return s.sent.Load(), s.failed.Load(), s.dropped.Load()
}
