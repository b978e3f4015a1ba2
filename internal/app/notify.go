package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"lockstep/internal/scheduler"
	logx "lockstep/pkg/logx"
)

// notifier reports lifecycle progress to systemd. Outside systemd
// (NOTIFY_SOCKET unset) every call is a no-op.
type notifier struct {
	log  logx.Logger
	send func(state string) (bool, error)
}

func newNotifier(log logx.Logger) *notifier {
	return &notifier{
		log:  log,
		send: func(state string) (bool, error) { return daemon.SdNotify(false, state) },
	}
}

func (n *notifier) notify(state string) {
	sent, err := n.send(state)
	if err != nil {
		n.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		n.log.Debug("sd_notify", logx.String("state", state))
	}
}

// phase is a manager phase observer.
func (n *notifier) phase(s scheduler.State) {
	switch s {
	case scheduler.StateExecute:
		n.notify(daemon.SdNotifyReady)
		n.notify("STATUS=running")
	case scheduler.StateShutdown:
		n.notify(daemon.SdNotifyStopping)
		n.notify("STATUS=shutting down")
	default:
		n.notify("STATUS=" + s.String())
	}
}

// watchdog pings systemd at half the configured WatchdogSec until ctx is done.
func (n *notifier) watchdog(ctx context.Context) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n.notify(daemon.SdNotifyWatchdog)
		}
	}
}
