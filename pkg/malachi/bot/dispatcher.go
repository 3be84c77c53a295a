package bot

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jholhewres/malachi/pkg/malachi/llm"
)

// Completer generates a reply from assembled chat messages. Satisfied by
// *llm.Client.
type Completer interface {
	Complete(ctx context.Context, messages []llm.Message) (string, error)
}

// DispatcherConfig controls completion retry behavior.
type DispatcherConfig struct {
	// RetryAttempts is the total number of tries per completion (min 1).
	RetryAttempts int `yaml:"retry_attempts"`

	// RetryDelay is the base backoff; attempt n waits delay * 2^n.
	RetryDelay time.Duration `yaml:"retry_delay"`

	// RequestTimeout bounds each individual attempt.
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// DefaultDispatcherConfig returns the default retry settings.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		RetryAttempts:  3,
		RetryDelay:     2 * time.Second,
		RequestTimeout: 60 * time.Second,
	}
}

// Dispatcher issues completion calls with retry and keeps concurrent work on
// the same conversation serialized.
type Dispatcher struct {
	completer Completer
	cfg       DispatcherConfig
	logger    *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewDispatcher creates a dispatcher around the completion client.
func NewDispatcher(completer Completer, cfg DispatcherConfig, logger *slog.Logger) *Dispatcher {
	if cfg.RetryAttempts < 1 {
		cfg.RetryAttempts = 1
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		completer: completer,
		cfg:       cfg,
		logger:    logger.With("component", "dispatcher"),
		locks:     make(map[string]*sync.Mutex),
	}
}

// LockConversation blocks until the caller holds the conversation's slot and
// returns the unlock function. At most one pipeline run per conversation is
// in flight; different conversations proceed in parallel.
func (d *Dispatcher) LockConversation(key string) func() {
	d.mu.Lock()
	lock, ok := d.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		d.locks[key] = lock
	}
	d.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}

// Dispatch runs the completion with retries. Transient failures back off
// exponentially; non-retryable failures and exhausted retries come back
// wrapped in ErrRemoteUnavailable so callers can tell policy rejections from
// upstream trouble.
func (d *Dispatcher) Dispatch(ctx context.Context, messages []llm.Message) (string, error) {
	var lastErr error
	for attempt := 0; attempt < d.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			delay := d.cfg.RetryDelay * (1 << (attempt - 1))
			d.logger.Warn("retrying completion", "attempt", attempt+1, "delay", delay, "error", lastErr)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return "", fmt.Errorf("%w: %w", ErrRemoteUnavailable, ctx.Err())
			}
		}

		attemptCtx := ctx
		var cancel context.CancelFunc
		if d.cfg.RequestTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, d.cfg.RequestTimeout)
		}
		reply, err := d.completer.Complete(attemptCtx, messages)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			return reply, nil
		}
		lastErr = err

		if !llm.IsRetryable(err) {
			return "", fmt.Errorf("%w: %w", ErrRemoteUnavailable,
				&RemoteError{Op: "chat completion", Err: err})
		}
	}
	return "", fmt.Errorf("%w: %d attempts failed: %w", ErrRemoteUnavailable, d.cfg.RetryAttempts,
		&RemoteError{Op: "chat completion", Transient: true, Err: lastErr})
}
