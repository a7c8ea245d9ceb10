package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bissquit/async-dispatch/internal/domain"
)

// minShutdownTimeout is the shortest time a worker gets to finish an in-flight attempt.
const minShutdownTimeout = time.Second

// QueueStatus is a snapshot of one queue worker.
type QueueStatus struct {
	QueueID         string     `json:"queue_id"`
	Running         bool       `json:"running"`
	IsGreen         bool       `json:"is_green"`
	LastMessageSent *time.Time `json:"last_message_sent,omitempty"`
	ShuttingDown    bool       `json:"shutting_down"`
}

// worker drains one queue. The gate is GREEN while the in-memory buffer is
// the authoritative source of pending messages and RED while the durable
// backlog must be read back from the store.
type worker struct {
	cfg      QueueConfig
	store    Store
	channels *ChannelCache
	sender   Sender
	buf      *Buffer
	logger   *slog.Logger

	// lock serializes backlog refills with direct hand-offs so a message is
	// never both enqueued by a hand-off and read back by a refill.
	lock sync.Mutex

	green    atomic.Bool
	shutdown atomic.Bool
	lastSent atomic.Pointer[time.Time]

	ctx    context.Context
	cancel context.CancelFunc

	stopCh      chan struct{}
	stopOnce    sync.Once
	done        chan struct{}
	closeSender sync.Once
}

func newWorker(cfg QueueConfig, store Store, channels *ChannelCache, sender Sender) *worker {
	ctx, cancel := context.WithCancel(context.Background())
	w := &worker{
		cfg:      cfg,
		store:    store,
		channels: channels,
		sender:   sender,
		buf:      NewBuffer(),
		logger:   slog.Default().With("queue_id", cfg.QueueID),
		ctx:      ctx,
		cancel:   cancel,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	recordGate(cfg.QueueID, false)
	return w
}

func (w *worker) start() {
	go w.run()
}

func (w *worker) run() {
	defer close(w.done)
	defer w.closeSenderOnce()

	w.logger.Info("queue worker started",
		"sender", w.cfg.SenderQualifier,
		"max_message_at_startup", w.cfg.MaxMessageAtStartup,
	)

	for !w.shutdown.Load() {
		w.iterate()
	}

	w.logger.Info("queue worker stopped")
}

func (w *worker) iterate() {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("queue worker iteration panicked", "panic", r, "stack", string(debug.Stack()))
			w.sleep(w.cfg.WaitAfterExtError)
		}
	}()

	if msg := w.buf.Peek(); msg != nil {
		if !w.tryToSend(msg) {
			w.setGate(false, "transmission error")
			w.sleep(w.cfg.WaitAfterExtError)
			return
		}
		now := time.Now()
		w.lastSent.Store(&now)
		if !w.buf.RemoveHead(msg) {
			w.logger.Debug("buffer changed during delivery", "message_id", msg.ID)
		}
		recordBufferSize(w.cfg.QueueID, w.buf.Len())
		return
	}

	if w.green.Load() {
		w.idle(w.cfg.TimeoutIdleGreen)
		return
	}

	if !w.refill() {
		w.idle(w.cfg.TimeoutIdleGreen)
	}
}

// refill reads the durable backlog into the buffer. It returns false when
// the backlog was empty so the caller can idle.
func (w *worker) refill() bool {
	rows, err := w.queryBacklog()
	if err != nil {
		w.logger.Error("failed to read queue backlog", "error", err)
		recordRefill(w.cfg.QueueID, "error")
		w.sleep(w.cfg.WaitAfterDBErrors)
		return true
	}
	return rows > 0
}

func (w *worker) queryBacklog() (int, error) {
	w.lock.Lock()
	defer w.lock.Unlock()

	rows, err := w.store.FindPendingByQueue(w.ctx, w.cfg.QueueID, w.cfg.MaxMessageAtStartup)
	if err != nil {
		return 0, err
	}

	if len(rows) == 0 {
		recordRefill(w.cfg.QueueID, "empty")
		w.setGate(true, "queue empty")
		return 0, nil
	}

	for _, row := range rows {
		w.buf.Put(inMemoryFromRow(row))
	}
	recordBufferSize(w.cfg.QueueID, w.buf.Len())

	if len(rows) < w.cfg.MaxMessageAtStartup {
		recordRefill(w.cfg.QueueID, "partial")
		w.setGate(true, "low watermark")
	} else {
		recordRefill(w.cfg.QueueID, "full")
	}

	w.logger.Debug("refilled buffer from backlog", "count", len(rows))
	return len(rows), nil
}

// handOff schedules msg for the buffer once uow commits. Nothing is
// scheduled while the gate is RED; the next refill picks the row up instead.
func (w *worker) handOff(uow *UnitOfWork, msg *InMemoryMessage) {
	w.lock.Lock()
	defer w.lock.Unlock()

	if !w.green.Load() {
		return
	}
	uow.AfterCommit(func() {
		w.buf.Put(msg)
	})
}

// tryToSend attempts one delivery and records its outcome. It returns true
// when the message must leave the buffer.
func (w *worker) tryToSend(msg *InMemoryMessage) bool {
	channel, err := w.channels.Get(w.ctx, msg.TenantID, msg.ChannelID)
	if err != nil {
		w.logger.Error("failed to resolve channel",
			"message_id", msg.ID,
			"channel_id", msg.ChannelID,
			"error", err,
		)
		details := CleanText(err.Error(), 0)
		if w.recordOutcome(msg, Outcome{Status: domain.ExportStatusProcessingError, ErrorDetails: &details}) {
			return true
		}
		recordSent(w.cfg.QueueID, "error")
		return false
	}

	if !channel.IsActive {
		w.logger.Debug("discarding message for inactive channel",
			"message_id", msg.ID,
			"channel_id", msg.ChannelID,
		)
		w.recordOutcome(msg, Outcome{Status: domain.ExportStatusResponseOK})
		recordSent(w.cfg.QueueID, "discarded")
		return true
	}

	timeout := channel.Timeout
	if timeout <= 0 {
		timeout = w.cfg.TimeoutExternal
	}
	key, _ := DeriveKey(channel.IdempotencyPolicy, msg.ID, msg.Payload)

	ctx, cancel := context.WithTimeout(w.ctx, timeout)
	start := time.Now()
	resp, err := w.sender.Send(ctx, SendRequest{Channel: channel, Message: msg, IdempotencyKey: key})
	elapsed := time.Since(start)
	cancel()
	recordSendDuration(w.cfg.QueueID, elapsed)

	outcome := Outcome{Status: domain.ExportStatusResponseError, ResponseTime: elapsed}
	if err != nil {
		w.logger.Warn("send failed",
			"message_id", msg.ID,
			"attempt_duration", elapsed,
			"error", err,
		)
		code := TransportErrorCode
		details := CleanText(err.Error(), 0)
		outcome.HTTPCode = &code
		outcome.ErrorDetails = &details
	} else {
		outcome.HTTPCode = &resp.HTTPCode
		outcome.ReturnCode = resp.ReturnCode
		if resp.Reference != "" {
			ref := CleanText(resp.Reference, MaxReferenceLength)
			outcome.Reference = &ref
		}
		if resp.ErrorDetails != "" {
			details := CleanText(resp.ErrorDetails, 0)
			outcome.ErrorDetails = &details
		}
		if resp.Succeeded() {
			outcome.Status = domain.ExportStatusResponseOK
		} else {
			w.logger.Warn("receiver rejected message",
				"message_id", msg.ID,
				"http_code", resp.HTTPCode,
			)
		}
	}

	if w.recordOutcome(msg, outcome) {
		return true
	}

	if outcome.Status == domain.ExportStatusResponseOK {
		recordSent(w.cfg.QueueID, "ok")
		return true
	}
	recordSent(w.cfg.QueueID, "error")
	return false
}

// recordOutcome stores the attempt result. It reports true when retries of
// msg were stopped meanwhile and the buffered copy must be dropped.
func (w *worker) recordOutcome(msg *InMemoryMessage, outcome Outcome) bool {
	err := w.store.UpdateOutcome(w.ctx, msg.ID, outcome)
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrMessageNotScheduled):
		w.logger.Info("retries stopped, dropping buffered message", "message_id", msg.ID)
		recordSent(w.cfg.QueueID, "discarded")
		return true
	default:
		w.logger.Error("failed to record delivery outcome",
			"message_id", msg.ID,
			"status", outcome.Status,
			"error", err,
		)
		w.sleep(w.cfg.WaitAfterDBErrors)
		return false
	}
}

func (w *worker) setGate(green bool, reason string) {
	if w.green.Swap(green) == green {
		return
	}
	recordGate(w.cfg.QueueID, green)
	if green {
		w.logger.Debug("flipping gate to GREEN", "reason", reason)
	} else {
		w.logger.Debug("flipping gate to RED", "reason", reason)
	}
}

// sleep waits for d or until the worker is stopped.
func (w *worker) sleep(d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-w.stopCh:
	}
}

// idle is sleep that also wakes up when a message arrives.
func (w *worker) idle(d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-w.buf.Ready():
	case <-w.stopCh:
	}
}

// clear drops the buffer and trusts the store to be drained.
func (w *worker) clear() int {
	w.lock.Lock()
	defer w.lock.Unlock()

	n := w.buf.Clear()
	recordBufferSize(w.cfg.QueueID, 0)
	w.setGate(true, "queue cleared")
	w.logger.Info("queue buffer cleared", "dropped", n)
	return n
}

// stop shuts the worker down, waiting up to timeout for the in-flight
// attempt to finish. It reports whether the worker exited in time.
func (w *worker) stop(timeout time.Duration) bool {
	w.logger.Info("shutting down queue worker", "green", w.green.Load())

	w.setGate(false, "shutdown")
	w.shutdown.Store(true)
	w.stopOnce.Do(func() { close(w.stopCh) })

	if timeout < minShutdownTimeout {
		timeout = minShutdownTimeout
	}
	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case <-w.done:
		w.cancel()
		w.logger.Info("queue worker shut down")
		return true
	case <-t.C:
		w.logger.Warn("timeout during queue shutdown, forcing termination", "timeout", timeout)
		w.cancel()
		return false
	}
}

func (w *worker) closeSenderOnce() {
	w.closeSender.Do(func() {
		if err := w.sender.Close(); err != nil {
			w.logger.Error("failed to close sender", "error", err)
		}
	})
}

func (w *worker) status() QueueStatus {
	return QueueStatus{
		QueueID:         w.cfg.QueueID,
		Running:         !w.shutdown.Load(),
		IsGreen:         w.green.Load(),
		LastMessageSent: w.lastSent.Load(),
		ShuttingDown:    w.shutdown.Load(),
	}
}
