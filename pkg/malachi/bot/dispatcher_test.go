package bot

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jholhewres/malachi/pkg/malachi/llm"
)

// fakeCompleter scripts per-call results.
type fakeCompleter struct {
	mu      sync.Mutex
	calls   int
	results []error
	reply   string
	delay   time.Duration
	active  atomic.Int32
	maxSeen atomic.Int32
}

func (f *fakeCompleter) Complete(ctx context.Context, messages []llm.Message) (string, error) {
	cur := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		seen := f.maxSeen.Load()
		if cur <= seen || f.maxSeen.CompareAndSwap(seen, cur) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.calls
	f.calls++
	if idx < len(f.results) && f.results[idx] != nil {
		return "", f.results[idx]
	}
	return f.reply, nil
}

func transientErr() error {
	return &llm.APIError{StatusCode: 503, Body: "unavailable", Kind: llm.ErrorRetryable}
}

func TestDispatchRetriesTransientThenSucceeds(t *testing.T) {
	fake := &fakeCompleter{
		reply:   "hello",
		results: []error{transientErr(), transientErr(), nil},
	}
	d := NewDispatcher(fake, DispatcherConfig{RetryAttempts: 3, RetryDelay: time.Millisecond}, nil)

	reply, err := d.Dispatch(context.Background(), []llm.Message{{Role: llm.RoleUser, Content: "hi"}})
	if err != nil {
		t.Fatalf("expected success after retries: %v", err)
	}
	if reply != "hello" {
		t.Fatalf("wrong reply: %q", reply)
	}
	if fake.calls != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", fake.calls)
	}
}

func TestDispatchExhaustsRetries(t *testing.T) {
	fake := &fakeCompleter{
		results: []error{transientErr(), transientErr(), transientErr()},
	}
	d := NewDispatcher(fake, DispatcherConfig{RetryAttempts: 3, RetryDelay: time.Millisecond}, nil)

	_, err := d.Dispatch(context.Background(), []llm.Message{{Role: llm.RoleUser, Content: "hi"}})
	if !errors.Is(err, ErrRemoteUnavailable) {
		t.Fatalf("expected ErrRemoteUnavailable, got %v", err)
	}
	if !IsTransient(err) {
		t.Fatalf("exhausted retries should classify as transient: %v", err)
	}
	if fake.calls != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", fake.calls)
	}
}

func TestDispatchDoesNotRetryFatal(t *testing.T) {
	fake := &fakeCompleter{
		results: []error{&llm.APIError{StatusCode: 401, Body: "bad key", Kind: llm.ErrorAuth}},
	}
	d := NewDispatcher(fake, DispatcherConfig{RetryAttempts: 3, RetryDelay: time.Millisecond}, nil)

	_, err := d.Dispatch(context.Background(), []llm.Message{{Role: llm.RoleUser, Content: "hi"}})
	if !errors.Is(err, ErrRemoteUnavailable) {
		t.Fatalf("expected ErrRemoteUnavailable, got %v", err)
	}
	if IsTransient(err) {
		t.Fatalf("auth failure should classify as fatal: %v", err)
	}
	if fake.calls != 1 {
		t.Fatalf("auth error must not be retried, got %d attempts", fake.calls)
	}
}

func TestDispatchCancelledDuringBackoff(t *testing.T) {
	fake := &fakeCompleter{results: []error{transientErr()}}
	d := NewDispatcher(fake, DispatcherConfig{RetryAttempts: 3, RetryDelay: time.Minute}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := d.Dispatch(ctx, []llm.Message{{Role: llm.RoleUser, Content: "hi"}})
	if !errors.Is(err, ErrRemoteUnavailable) || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation wrapped as remote unavailable, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatal("backoff ignored cancellation")
	}
}

func TestLockConversationSerializesSameKey(t *testing.T) {
	fake := &fakeCompleter{reply: "ok", delay: 10 * time.Millisecond}
	d := NewDispatcher(fake, DispatcherConfig{RetryAttempts: 1, RetryDelay: time.Millisecond}, nil)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := d.LockConversation("conv-1")
			defer unlock()
			if _, err := d.Dispatch(context.Background(), []llm.Message{{Role: llm.RoleUser, Content: "hi"}}); err != nil {
				t.Errorf("dispatch: %v", err)
			}
		}()
	}
	wg.Wait()

	if max := fake.maxSeen.Load(); max != 1 {
		t.Fatalf("same conversation ran %d completions concurrently", max)
	}
}

func TestLockConversationAllowsParallelKeys(t *testing.T) {
	fake := &fakeCompleter{reply: "ok", delay: 30 * time.Millisecond}
	d := NewDispatcher(fake, DispatcherConfig{RetryAttempts: 1, RetryDelay: time.Millisecond}, nil)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		key := "conv-" + string(rune('a'+i))
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := d.LockConversation(key)
			defer unlock()
			d.Dispatch(context.Background(), []llm.Message{{Role: llm.RoleUser, Content: "hi"}})
		}()
	}
	wg.Wait()

	if max := fake.maxSeen.Load(); max < 2 {
		t.Fatalf("distinct conversations never overlapped (max in flight %d)", max)
	}
}
