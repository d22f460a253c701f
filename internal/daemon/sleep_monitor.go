package daemon

import (
	"log/slog"
	"sync"
	"time"
)

// SleepMonitor detects system sleep/wake events. A wake after suspend
// means every reconnect countdown computed before sleep is stale, so the
// daemon resets retry ladders when the system comes back.
type SleepMonitor struct {
	mu       sync.RWMutex
	sleeping bool
	wakeTime time.Time
	logger   *slog.Logger
	onSleep  func()
	onWake   func()
}

// NewSleepMonitor creates a new SleepMonitor with the given callbacks.
// onSleep and onWake are called when the system transitions to sleep or wake.
func NewSleepMonitor(logger *slog.Logger, onSleep, onWake func()) *SleepMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &SleepMonitor{
		logger:  logger,
		onSleep: onSleep,
		onWake:  onWake,
	}
}

func (m *SleepMonitor) markSleep() {
	m.mu.Lock()
	m.sleeping = true
	m.mu.Unlock()

	m.logger.Info("System entering sleep")

	if m.onSleep != nil {
		m.onSleep()
	}
}

func (m *SleepMonitor) markWake() {
	m.mu.Lock()
	wasSleeping := m.sleeping
	if !wasSleeping {
		m.mu.Unlock()
		return // Already awake
	}
	m.sleeping = false
	m.wakeTime = time.Now()
	m.mu.Unlock()

	m.logger.Info("System waking up")

	if m.onWake != nil {
		m.onWake()
	}
}

// IsSleeping returns true if the system is currently marked as sleeping.
func (m *SleepMonitor) IsSleeping() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sleeping
}

// LastWake returns when the system last woke, zero if it never slept.
func (m *SleepMonitor) LastWake() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.wakeTime
}
