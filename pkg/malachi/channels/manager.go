// Package channels – manager.go aggregates multiple communication channels
// into a single message stream and routes outgoing replies back to the
// channel that owns the target chat.
package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Manager orchestrates the registered channels. Each platform adapter is an
// independent event source; the manager fans their messages into one stream.
type Manager struct {
	// channels holds the registered channels, indexed by platform tag.
	channels map[string]Channel

	// messages is the aggregated stream fed by all channels.
	messages chan *IncomingMessage

	logger *slog.Logger

	// listenWg tracks listener goroutines for safe shutdown.
	listenWg sync.WaitGroup

	mu     sync.RWMutex
	ctx    context.Context
	cancel context.CancelFunc
}

// NewManager creates a channel manager with the given logger.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		channels: make(map[string]Channel),
		messages: make(chan *IncomingMessage, 256),
		logger:   logger.With("component", "channels"),
	}
}

// Register adds a channel to the manager. Must be called before Start.
func (m *Manager) Register(ch Channel) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := ch.Name()
	if _, exists := m.channels[name]; exists {
		return fmt.Errorf("channel %q already registered", name)
	}

	m.channels[name] = ch
	m.logger.Info("channel registered", "channel", name)
	return nil
}

// Start connects all registered channels and begins listening for messages.
// Channels that fail to connect are logged but do not block the others.
// Returns nil if at least one channel connected, or if none were registered.
func (m *Manager) Start(ctx context.Context) error {
	m.ctx, m.cancel = context.WithCancel(ctx)

	// Snapshot under lock to avoid racing with Register.
	m.mu.RLock()
	snapshot := make(map[string]Channel, len(m.channels))
	for k, v := range m.channels {
		snapshot[k] = v
	}
	m.mu.RUnlock()

	if len(snapshot) == 0 {
		m.logger.Warn("no channels registered, running without messaging channels")
		return nil
	}

	var connected int
	for name, ch := range snapshot {
		if err := ch.Connect(m.ctx); err != nil {
			m.logger.Error("failed to connect channel",
				"channel", name,
				"error", err,
			)
			continue
		}

		connected++
		m.logger.Info("channel connected", "channel", name)

		m.listenWg.Add(1)
		go func(c Channel) {
			defer m.listenWg.Done()
			m.listenChannel(c)
		}(ch)
	}

	if connected == 0 {
		return fmt.Errorf("no channel connected successfully")
	}

	m.logger.Info("channel manager started", "channels_connected", connected)
	return nil
}

// Stop disconnects all channels gracefully. Waits for listener goroutines to
// finish before closing the aggregated message stream.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}

	m.listenWg.Wait()

	m.mu.RLock()
	defer m.mu.RUnlock()

	for name, ch := range m.channels {
		if err := ch.Disconnect(); err != nil {
			m.logger.Error("error disconnecting channel",
				"channel", name,
				"error", err,
			)
		}
	}

	close(m.messages)
	m.logger.Info("channel manager stopped")
}

// Messages returns the aggregated stream of messages from all platforms.
func (m *Manager) Messages() <-chan *IncomingMessage {
	return m.messages
}

// Send sends a message through the named channel.
func (m *Manager) Send(ctx context.Context, platform, chatID string, msg *OutgoingMessage) error {
	m.mu.RLock()
	ch, exists := m.channels[platform]
	m.mu.RUnlock()

	if !exists {
		return fmt.Errorf("channel %q not found", platform)
	}

	if !ch.IsConnected() {
		return fmt.Errorf("channel %q: %w", platform, ErrChannelDisconnected)
	}

	return ch.Send(ctx, chatID, msg)
}

// SendTyping signals a typing indicator on the named channel. Platforms
// without typing support are a no-op.
func (m *Manager) SendTyping(ctx context.Context, platform, chatID string) error {
	m.mu.RLock()
	ch, exists := m.channels[platform]
	m.mu.RUnlock()

	if !exists || !ch.IsConnected() {
		return nil
	}
	pc, ok := ch.(PresenceChannel)
	if !ok {
		return nil
	}
	return pc.SendTyping(ctx, chatID)
}

// Channel returns a registered channel by platform tag.
func (m *Manager) Channel(name string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[name]
	return ch, ok
}

// HealthAll returns the health status of every registered channel.
func (m *Manager) HealthAll() map[string]HealthStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	statuses := make(map[string]HealthStatus, len(m.channels))
	for name, ch := range m.channels {
		statuses[name] = ch.Health()
	}
	return statuses
}

// ConnectedPlatforms returns the tags of currently connected channels.
func (m *Manager) ConnectedPlatforms() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var names []string
	for name, ch := range m.channels {
		if ch.IsConnected() {
			names = append(names, name)
		}
	}
	return names
}

// listenChannel forwards messages from one channel into the aggregated stream.
func (m *Manager) listenChannel(ch Channel) {
	for msg := range ch.Receive() {
		select {
		case m.messages <- msg:
		case <-m.ctx.Done():
			return
		}
	}
}
