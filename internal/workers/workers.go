// Package workers contains code to manage the lifecycle of workers.
package workers

import (
	"errors"
	"sync"

	"github.com/facboy/openvpn3/internal/model"
)

// ErrShutdown is the error returned by a worker that is shutting down.
var ErrShutdown = errors.New("worker is shutting down")

// Manager coordinates the lifecycles of the workers implementing the
// OpenVPN protocol. The zero value is invalid; use [NewManager].
type Manager struct {
	// logger logs workers going up and down.
	logger model.Logger

	// shouldShutdown is closed to signal all workers to shut down.
	shouldShutdown chan any

	// shutdownOnce ensures we close shouldShutdown once.
	shutdownOnce sync.Once

	// wg tracks the running workers.
	wg *sync.WaitGroup
}

// NewManager creates a new [Manager].
func NewManager(logger model.Logger) *Manager {
	return &Manager{
		logger:         logger,
		shouldShutdown: make(chan any),
		shutdownOnce:   sync.Once{},
		wg:             &sync.WaitGroup{},
	}
}

// StartWorker starts a worker in a background goroutine.
func (m *Manager) StartWorker(fx func()) {
	m.wg.Add(1)
	go fx()
}

// OnWorkerDone must be called when a worker goroutine terminates.
func (m *Manager) OnWorkerDone(name string) {
	m.logger.Debugf("%s: worker done", name)
	m.wg.Done()
}

// StartShutdown initiates the shutdown of all workers.
func (m *Manager) StartShutdown() {
	m.shutdownOnce.Do(func() {
		close(m.shouldShutdown)
	})
}

// ShouldShutdown returns the channel closed when workers should shut down.
func (m *Manager) ShouldShutdown() <-chan any {
	return m.shouldShutdown
}

// WaitWorkersShutdown blocks until all workers have shut down.
func (m *Manager) WaitWorkersShutdown() {
	m.wg.Wait()
}
