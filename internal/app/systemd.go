package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"runrelay/pkg/logx"
)

const sdReady = daemon.SdNotifyReady

// sdNotify is a no-op outside systemd (NOTIFY_SOCKET unset).
func sdNotify(state string) error {
	_, err := daemon.SdNotify(false, state)
	return err
}

// startWatchdog pings the service manager at half the configured watchdog
// interval. It does nothing unless WATCHDOG_USEC is set for this process.
func (a *App) startWatchdog() {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		a.log.Warn("watchdog config invalid", logx.Err(err))
		return
	}
	if interval <= 0 {
		return
	}
	every := interval / 2
	a.log.Info("systemd watchdog enabled", logx.Duration("every", every))
	a.sup.Go("systemd.watchdog", func(ctx context.Context) error {
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-t.C:
				if err := a.notify(daemon.SdNotifyWatchdog); err != nil {
					a.log.Debug("watchdog notify failed", logx.Err(err))
				}
			}
		}
	})
}
