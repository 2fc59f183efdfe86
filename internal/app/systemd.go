package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	rtsup "reqsched/internal/runtime/supervisor"
	logx "reqsched/pkg/logx"
)

// notifier reports lifecycle state to the service manager. All methods are
// no-ops when the process is not run under systemd (NOTIFY_SOCKET unset).
type notifier struct {
	log  logx.Logger
	send func(state string) (bool, error)
}

func newSystemdNotifier(log logx.Logger) notifier {
	return notifier{
		log:  log,
		send: func(state string) (bool, error) { return daemon.SdNotify(false, state) },
	}
}

func (n notifier) notify(state string) {
	if n.send == nil {
		return
	}
	sent, err := n.send(state)
	switch {
	case err != nil:
		n.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
	case sent:
		n.log.Debug("sd_notify sent", logx.String("state", state))
	}
}

func (n notifier) ready()    { n.notify(daemon.SdNotifyReady) }
func (n notifier) stopping() { n.notify(daemon.SdNotifyStopping) }

// start runs the watchdog pinger when WatchdogSec is configured for the unit.
func (n notifier) start(sup *rtsup.Supervisor) {
	every, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		n.log.Warn("systemd watchdog config invalid", logx.Err(err))
		return
	}
	if every <= 0 {
		return
	}
	sup.Go("systemd.watchdog", func(ctx context.Context) error {
		t := time.NewTicker(every / 2)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-t.C:
				n.notify(daemon.SdNotifyWatchdog)
			}
		}
	})
	n.log.Info("systemd watchdog enabled", logx.Duration("interval", every))
}
