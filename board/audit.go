package board

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"boardsync-api/storage"
)

// AuditQueue is the hand-off to the external audit persister.
type AuditQueue interface {
	EnqueueAudit(ctx context.Context, rec storage.AuditRecord) error
}

// AuditSender delivers audit records to the queue from a pool of workers so
// mutation latency never waits on the queue. Records for which no worker
// capacity is available within the hand-off window are sent inline by the
// caller's goroutine; audit delivery is best-effort either way.
type AuditSender struct {
	queue          AuditQueue
	logger         *log.Logger
	jobs           chan storage.AuditRecord
	enqueueTimeout time.Duration
	handoffTimeout time.Duration
	wg             sync.WaitGroup

	// mu orders Submit's channel sends against Close's close(jobs).
	mu     sync.RWMutex
	closed bool
}

// AuditSenderConfig tunes the worker pool. Zero values get defaults.
type AuditSenderConfig struct {
	Workers        int
	Buffer         int
	EnqueueTimeout time.Duration
	HandoffTimeout time.Duration
}

// NewAuditSender starts the worker pool.
func NewAuditSender(queue AuditQueue, logger *log.Logger, cfg AuditSenderConfig) *AuditSender {
	if logger == nil {
		panic("board.NewAuditSender: logger is not initialized")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 1024
	}
	if cfg.EnqueueTimeout <= 0 {
		cfg.EnqueueTimeout = 30 * time.Second
	}
	if cfg.HandoffTimeout < 0 {
		cfg.HandoffTimeout = 0
	}

	s := &AuditSender{
		queue:          queue,
		logger:         logger,
		jobs:           make(chan storage.AuditRecord, cfg.Buffer),
		enqueueTimeout: cfg.EnqueueTimeout,
		handoffTimeout: cfg.HandoffTimeout,
	}
	for i := 0; i < cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
	logger.Infof("audit sender started, workers: %d, buffer: %d", cfg.Workers, cfg.Buffer)
	return s
}

func (s *AuditSender) worker(id int) {
	defer s.wg.Done()
	for rec := range s.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), s.enqueueTimeout)
		err := s.queue.EnqueueAudit(ctx, rec)
		cancel()
		if err != nil {
			s.logger.Errorf("audit enqueue failed, err: %v, project: %s, type: %s, worker: %d", err, rec.ProjectID, rec.Type, id)
		}
	}
}

// Submit hands a record to the pool, falling back to an inline enqueue when
// the buffer is saturated. It never blocks past the hand-off window.
func (s *AuditSender) Submit(rec storage.AuditRecord) {
	sent, open := s.trySend(rec)
	if sent || !open {
		return
	}

	s.logger.Warn("audit buffer saturated; enqueueing inline")
	ctx, cancel := context.WithTimeout(context.Background(), s.enqueueTimeout)
	defer cancel()
	if err := s.queue.EnqueueAudit(ctx, rec); err != nil {
		s.logger.Errorf("audit enqueue inline failed: %v", err)
	}
}

// trySend queues the record while the sender is open. Holding the read lock
// across the channel sends keeps them ordered against Close's close(jobs), so
// a concurrent shutdown can never turn a Submit into a send on a closed
// channel.
func (s *AuditSender) trySend(rec storage.AuditRecord) (sent, open bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false, false
	}
	select {
	case s.jobs <- rec:
		return true, true
	default:
	}
	if s.handoffTimeout > 0 {
		timer := time.NewTimer(s.handoffTimeout)
		defer timer.Stop()
		select {
		case s.jobs <- rec:
			return true, true
		case <-timer.C:
		}
	}
	return false, true
}

// Close stops the workers after draining buffered records.
func (s *AuditSender) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.jobs)
	s.mu.Unlock()
	s.wg.Wait()
}

var lastTimestamp int64

// nextTimestamp returns a strictly increasing wall-clock nanosecond value so
// audit records from one process never share a timestamp.
func nextTimestamp() int64 {
	for {
		now := time.Now().UnixNano()
		last := atomic.LoadInt64(&lastTimestamp)
		if now <= last {
			now = last + 1
		}
		if atomic.CompareAndSwapInt64(&lastTimestamp, last, now) {
			return now
		}
	}
}
