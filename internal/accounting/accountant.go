package accounting

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/xiaochefight/tuwenv2/internal/db"
	"github.com/xiaochefight/tuwenv2/internal/metrics"
	"github.com/xiaochefight/tuwenv2/internal/model"
)

const (
	maxRequestTextRunes = 500
	defaultErrorMsg     = "generation failed"
	writeTimeout        = 10 * time.Second
)

// Outcome is the result of one generation attempt against a verified key.
type Outcome struct {
	KeyID       uint
	Origin      string
	RequestText string
	Success     bool
	ErrorMsg    string
}

// Recorder accepts generation outcomes.
type Recorder interface {
	Record(o Outcome)
}

// Accountant persists outcomes in the background so callers never wait on the store.
type Accountant struct {
	db      db.Service
	logger  *slog.Logger
	metrics *metrics.Metrics

	queue    chan Outcome
	mu       sync.RWMutex
	closed   bool
	wg       sync.WaitGroup
	overflow sync.WaitGroup
}

// NewAccountant starts the accounting worker. queueSize bounds the number of pending outcomes.
func NewAccountant(dbService db.Service, queueSize int, logger *slog.Logger, m *metrics.Metrics) *Accountant {
	if queueSize <= 0 {
		queueSize = 100
	}
	a := &Accountant{
		db:      dbService,
		logger:  logger.With("component", "accountant"),
		metrics: m,
		queue:   make(chan Outcome, queueSize),
	}

	a.wg.Add(1)
	go a.worker()

	return a
}

// Record queues an outcome without blocking.
// When the queue is full the outcome is written on its own goroutine; after Close it is written inline.
func (a *Accountant) Record(o Outcome) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		a.apply(o)
		return
	}

	select {
	case a.queue <- o:
	default:
		a.logger.Warn("Accounting queue is full, writing outcome directly", "key_id", o.KeyID)
		a.overflow.Add(1)
		go func() {
			defer a.overflow.Done()
			a.apply(o)
		}()
	}
}

func (a *Accountant) worker() {
	defer a.wg.Done()
	a.logger.Info("Starting accounting worker.")
	for o := range a.queue {
		a.apply(o)
	}
	a.logger.Info("Accounting worker stopped.")
}

func (a *Accountant) apply(o Outcome) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	a.Apply(ctx, o)
}

// Apply writes an outcome synchronously and returns the first error encountered.
// A success increments used_count before its log row is inserted; the log is inserted even if the increment failed.
// A failure only inserts a log row.
func (a *Accountant) Apply(ctx context.Context, o Outcome) error {
	var firstErr error

	if o.Success {
		if err := a.db.IncrementAccessKeyUsage(ctx, o.KeyID); err != nil {
			a.metrics.RecordAccountingError("increment")
			a.logger.Error("Failed to increment key usage", "key_id", o.KeyID, "error", err)
			firstErr = err
		}
	}

	entry := &model.UsageLog{
		KeyID:       o.KeyID,
		RequestText: formatRequestText(o.Origin, o.RequestText),
		Success:     o.Success,
	}
	if !o.Success {
		entry.ErrorMsg = o.ErrorMsg
		if entry.ErrorMsg == "" {
			entry.ErrorMsg = defaultErrorMsg
		}
	}

	if err := a.db.CreateUsageLog(ctx, entry); err != nil {
		a.metrics.RecordAccountingError("log")
		a.logger.Error("Failed to write usage log", "key_id", o.KeyID, "success", o.Success, "error", err)
		if firstErr == nil {
			firstErr = err
		}
	}

	a.metrics.RecordRedemption(o.Success)
	return firstErr
}

// Close stops accepting queued outcomes and waits for pending ones to be written.
func (a *Accountant) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	close(a.queue)
	a.mu.Unlock()

	a.wg.Wait()
	a.overflow.Wait()
	a.logger.Info("Accountant shutdown complete.")
}

func formatRequestText(origin, text string) string {
	if utf8.RuneCountInString(text) > maxRequestTextRunes {
		runes := []rune(text)
		text = string(runes[:maxRequestTextRunes]) + "..."
	}
	if origin == "" {
		return text
	}
	return fmt.Sprintf("[%s] %s", origin, text)
}
