package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Manager owns one Transport per configured bot identity and merges their
// mention streams into a single stream tagged with the bot name.
type Manager struct {
	transports map[string]Transport
	mentions   chan Mention
	logger     *slog.Logger

	// listenWg tracks the per-bot listener goroutines for a safe Stop.
	listenWg sync.WaitGroup

	mu     sync.RWMutex
	ctx    context.Context
	cancel context.CancelFunc
}

// NewManager creates a transport manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		transports: make(map[string]Transport),
		mentions:   make(chan Mention, 256),
		logger:     logger.With("component", "channels"),
	}
}

// Register binds a transport to a bot name. Must be called before Start.
func (m *Manager) Register(bot string, t Transport) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.transports[bot]; exists {
		return fmt.Errorf("bot %q already registered", bot)
	}
	m.transports[bot] = t
	m.logger.Info("transport registered", "bot", bot, "transport", t.Name())
	return nil
}

// Start connects every registered transport and starts one listener per bot.
// Transports that fail to connect are logged and skipped. Returns an error
// only when nothing connected.
func (m *Manager) Start(ctx context.Context) error {
	m.ctx, m.cancel = context.WithCancel(ctx)

	m.mu.RLock()
	snapshot := make(map[string]Transport, len(m.transports))
	for k, v := range m.transports {
		snapshot[k] = v
	}
	m.mu.RUnlock()

	if len(snapshot) == 0 {
		return fmt.Errorf("no transports registered")
	}

	var connected int
	for bot, t := range snapshot {
		if err := t.Connect(m.ctx); err != nil {
			m.logger.Error("failed to connect transport", "bot", bot, "transport", t.Name(), "error", err)
			continue
		}
		connected++

		m.listenWg.Add(1)
		go func(bot string, t Transport) {
			defer m.listenWg.Done()
			m.listen(bot, t)
		}(bot, t)
	}

	if connected == 0 {
		return fmt.Errorf("no transport connected")
	}
	m.logger.Info("all bots started, listening for mentions", "connected", connected)
	return nil
}

// Stop disconnects every transport and waits for listeners to exit before
// closing the merged stream.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}

	m.mu.RLock()
	for bot, t := range m.transports {
		if err := t.Disconnect(); err != nil {
			m.logger.Error("error disconnecting transport", "bot", bot, "error", err)
		}
	}
	m.mu.RUnlock()

	m.listenWg.Wait()
	close(m.mentions)
}

// Mentions returns the merged mention stream of all bots.
func (m *Manager) Mentions() <-chan Mention {
	return m.mentions
}

// Transport returns the transport bound to a bot.
func (m *Manager) Transport(bot string) (Transport, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.transports[bot]
	return t, ok
}

// Bots returns the registered bot names in sorted order.
func (m *Manager) Bots() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.transports))
	for name := range m.transports {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HealthAll returns the health of every transport that reports it.
func (m *Manager) HealthAll() map[string]HealthStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	statuses := make(map[string]HealthStatus, len(m.transports))
	for bot, t := range m.transports {
		if hr, ok := t.(HealthReporter); ok {
			statuses[bot] = hr.Health()
		}
	}
	return statuses
}

// listen forwards one transport's mentions into the merged stream.
func (m *Manager) listen(bot string, t Transport) {
	in := t.Mentions()
	for {
		select {
		case <-m.ctx.Done():
			return
		case mention, ok := <-in:
			if !ok {
				return
			}
			mention.Bot = bot
			select {
			case m.mentions <- mention:
			case <-m.ctx.Done():
				return
			}
		}
	}
}
