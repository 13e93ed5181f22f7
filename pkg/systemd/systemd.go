// Package systemd speaks the sd_notify protocol so casewatch can run as a
// Type=notify unit with a watchdog. Every call is a no-op outside systemd.
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

func Ready() (bool, error)    { return daemon.SdNotify(false, daemon.SdNotifyReady) }
func Stopping() (bool, error) { return daemon.SdNotify(false, daemon.SdNotifyStopping) }

// Watchdog pings systemd at half the configured WatchdogSec until ctx ends.
// A ping is skipped while healthy returns an error, so systemd restarts a
// wedged process. It returns immediately when no watchdog is configured.
func Watchdog(ctx context.Context, healthy func() error) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return err
	}
	return watchdogLoop(ctx, interval/2, healthy, func() error {
		_, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog)
		return err
	})
}

func watchdogLoop(ctx context.Context, every time.Duration, healthy func() error, ping func() error) error {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if healthy != nil && healthy() != nil {
				continue
			}
			if err := ping(); err != nil {
				return err
			}
		}
	}
}
