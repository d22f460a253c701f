//go:build !linux

package daemon

import "context"

// Start is a no-op where logind is not available. Sleep detection only
// affects how quickly reconnects resume after resume; nothing else
// depends on it.
func (m *SleepMonitor) Start(ctx context.Context) {
	m.logger.Debug("Sleep monitor not supported on this platform")
}
