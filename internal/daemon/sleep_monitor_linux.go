//go:build linux

package daemon

import (
	"context"
	"os"

	"github.com/godbus/dbus/v5"
)

const prepareForSleepSignal = "org.freedesktop.login1.Manager.PrepareForSleep"

// Start begins listening for system sleep/wake events via D-Bus (logind).
// Falls back to no-op if D-Bus is unavailable (e.g., headless servers).
func (m *SleepMonitor) Start(ctx context.Context) {
	go func() {
		conn, err := dbus.SystemBus()
		if err != nil {
			// D-Bus unavailable, common on headless servers that don't sleep
			if os.Getenv("DBUS_SYSTEM_BUS_ADDRESS") == "" {
				m.logger.Debug("D-Bus unavailable, sleep monitor disabled (headless server?)")
			} else {
				m.logger.Warn("Failed to connect to D-Bus for sleep monitoring", "error", err)
			}
			return
		}

		if err := conn.AddMatchSignal(
			dbus.WithMatchObjectPath("/org/freedesktop/login1"),
			dbus.WithMatchInterface("org.freedesktop.login1.Manager"),
			dbus.WithMatchMember("PrepareForSleep"),
		); err != nil {
			m.logger.Warn("Failed to subscribe to PrepareForSleep signal", "error", err)
			return
		}

		signals := make(chan *dbus.Signal, 8)
		conn.Signal(signals)

		m.logger.Info("Sleep monitor started (D-Bus logind)")
		m.watch(ctx, signals, func() { conn.RemoveSignal(signals) })
	}()
}

// watch consumes logind signals until ctx is cancelled. Split from Start
// so tests can feed it a channel without a system bus.
func (m *SleepMonitor) watch(ctx context.Context, signals <-chan *dbus.Signal, stop func()) {
	for {
		select {
		case <-ctx.Done():
			if stop != nil {
				stop()
			}
			m.logger.Debug("Sleep monitor stopped")
			return
		case sig := <-signals:
			if sig == nil {
				return
			}
			m.handleSignal(sig)
		}
	}
}

// handleSignal applies one PrepareForSleep signal. Body[0] is true when
// the system is about to suspend, false when it just resumed.
func (m *SleepMonitor) handleSignal(sig *dbus.Signal) {
	if sig.Name != prepareForSleepSignal || len(sig.Body) < 1 {
		return
	}
	entering, ok := sig.Body[0].(bool)
	if !ok {
		return
	}
	if entering {
		m.markSleep()
	} else {
		m.markWake()
	}
}
