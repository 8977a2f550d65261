// Package shutdown coordinates graceful exit: a signal cancels the shared
// context, then registered cleanups run in reverse registration order.
package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"habitkeep/internal/utils"
)

// CleanupFunc is a function that performs cleanup on shutdown.
// Its context is cancelled when the shutdown deadline passes.
type CleanupFunc func(ctx context.Context) error

type cleanupEntry struct {
	name string
	fn   CleanupFunc
}

// Manager handles graceful shutdown coordination.
type Manager struct {
	mu         sync.Mutex
	cleanups   []cleanupEntry
	shutdown   bool
	shutdownCh chan struct{}
	ctx        context.Context
	cancel     context.CancelFunc
	once       sync.Once
	stopSignal func()
}

// NewManager creates a new shutdown manager.
func NewManager() *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		shutdownCh: make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
		stopSignal: func() {},
	}
}

// NotifyOnSignal starts shutdown when the process receives SIGINT or SIGTERM.
func (m *Manager) NotifyOnSignal() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	m.mu.Lock()
	m.stopSignal = func() { signal.Stop(sigCh) }
	m.mu.Unlock()

	go func() {
		select {
		case sig := <-sigCh:
			utils.GetLogger().Info("shutting down", "signal", sig.String())
			m.Shutdown()
		case <-m.shutdownCh:
		}
	}()
}

// RegisterCleanup registers a cleanup function to be called during shutdown.
// Cleanup functions are called in LIFO order (last registered, first called).
func (m *Manager) RegisterCleanup(name string, fn CleanupFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanups = append(m.cleanups, cleanupEntry{name: name, fn: fn})
}

// Shutdown cancels Context. Safe to call multiple times.
func (m *Manager) Shutdown() {
	m.once.Do(func() {
		m.mu.Lock()
		m.shutdown = true
		stop := m.stopSignal
		m.mu.Unlock()

		stop()
		m.cancel()
		close(m.shutdownCh)
	})
}

// Done is closed once shutdown has been initiated.
func (m *Manager) Done() <-chan struct{} {
	return m.shutdownCh
}

// runCleanups executes all cleanup functions in LIFO order. A failing
// cleanup is logged and the rest still run.
func (m *Manager) runCleanups(ctx context.Context) {
	m.mu.Lock()
	cleanups := make([]cleanupEntry, len(m.cleanups))
	copy(cleanups, m.cleanups)
	m.mu.Unlock()

	for i := len(cleanups) - 1; i >= 0; i-- {
		if err := cleanups[i].fn(ctx); err != nil {
			utils.GetLogger().Warn("cleanup failed", "name", cleanups[i].name, "error", err)
		}
	}
}

// Wait runs the cleanups and returns ctx.Err() if they outlive ctx.
func (m *Manager) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.runCleanups(ctx)
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsShutdown returns true if shutdown has been initiated.
func (m *Manager) IsShutdown() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shutdown
}

// Context returns a context that is cancelled when shutdown is initiated.
func (m *Manager) Context() context.Context {
	return m.ctx
}
