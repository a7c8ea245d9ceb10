package dispatch

import (
	"time"

	"github.com/bissquit/async-dispatch/internal/domain"
)

// Strategy names.
const (
	StrategyNoop = "noop"
	StrategyLTQ  = "ltq"
)

// DefaultSenderQualifier is used for queues without an explicit sender.
const DefaultSenderQualifier = "POST"

// Settings are the global async transmitter settings. Every queue starts
// from these values and applies its own overrides on top.
type Settings struct {
	Strategy            string
	MaxMessageAtStartup int
	TimeoutIdleGreen    time.Duration
	TimeoutIdleRed      time.Duration
	TimeoutExternal     time.Duration
	WaitAfterExtError   time.Duration
	WaitAfterDBErrors   time.Duration
	TimeoutShutdown     time.Duration
	ChannelCacheTTL     time.Duration
}

// DefaultSettings returns the built-in global settings.
func DefaultSettings() Settings {
	return Settings{
		Strategy:            StrategyNoop,
		MaxMessageAtStartup: 100,
		TimeoutIdleGreen:    500 * time.Millisecond,
		TimeoutIdleRed:      1 * time.Second,
		TimeoutExternal:     5 * time.Second,
		WaitAfterExtError:   10 * time.Second,
		WaitAfterDBErrors:   30 * time.Second,
		TimeoutShutdown:     5 * time.Second,
		ChannelCacheTTL:     60 * time.Second,
	}
}

// QueueConfig is the effective configuration of one running queue.
// A worker receives it by value and never changes it.
type QueueConfig struct {
	QueueID             string
	SenderQualifier     string
	MaxMessageAtStartup int
	TimeoutIdleGreen    time.Duration
	TimeoutIdleRed      time.Duration
	TimeoutExternal     time.Duration
	WaitAfterExtError   time.Duration
	WaitAfterDBErrors   time.Duration
	ShutdownTimeout     time.Duration
}

// Merge applies the overrides of q on top of the global settings.
func (s Settings) Merge(q domain.Queue) QueueConfig {
	cfg := QueueConfig{
		QueueID:             q.ID,
		SenderQualifier:     q.SenderQualifier,
		MaxMessageAtStartup: s.MaxMessageAtStartup,
		TimeoutIdleGreen:    s.TimeoutIdleGreen,
		TimeoutIdleRed:      s.TimeoutIdleRed,
		TimeoutExternal:     s.TimeoutExternal,
		WaitAfterExtError:   s.WaitAfterExtError,
		WaitAfterDBErrors:   s.WaitAfterDBErrors,
		ShutdownTimeout:     s.TimeoutShutdown,
	}
	if cfg.SenderQualifier == "" {
		cfg.SenderQualifier = DefaultSenderQualifier
	}
	if q.MaxMessageAtStartup != nil {
		cfg.MaxMessageAtStartup = *q.MaxMessageAtStartup
	}
	if q.TimeoutIdleGreen != nil {
		cfg.TimeoutIdleGreen = *q.TimeoutIdleGreen
	}
	if q.TimeoutIdleRed != nil {
		cfg.TimeoutIdleRed = *q.TimeoutIdleRed
	}
	if q.TimeoutExternal != nil {
		cfg.TimeoutExternal = *q.TimeoutExternal
	}
	if q.WaitAfterExtError != nil {
		cfg.WaitAfterExtError = *q.WaitAfterExtError
	}
	if q.WaitAfterDBErrors != nil {
		cfg.WaitAfterDBErrors = *q.WaitAfterDBErrors
	}
	return cfg
}
