package uplink

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"gwbridge/util"
)

// linkWatcher polls a Probe on its own goroutine and turns state
// changes into events.  The connected flag is what IsConnected reads;
// emitted is the last state reported and belongs to the run goroutine,
// so a caller sampling in between never swallows a transition.
type linkWatcher struct {
	iface  string
	probe  Probe
	every  time.Duration
	events chan<- Event
	logger *util.Logger

	connected atomic.Bool
	addr      atomic.Pointer[net.IP]
	emitted   bool

	once sync.Once
}

func (w *linkWatcher) start(ctx context.Context) {
	w.once.Do(func() {
		w.emitted = w.sample() // seed without emitting
		go w.run(ctx)
	})
}

func (w *linkWatcher) run(ctx context.Context) {
	t := time.NewTicker(w.every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			now := w.sample()
			if now == w.emitted {
				continue
			}
			w.emitted = now
			kind := LinkDown
			if now {
				kind = LinkUp
			}
			w.logger.Info("%s %s", w.iface, kind)
			w.emit(Event{Kind: kind, Iface: w.iface})
		}
	}
}

func (w *linkWatcher) sample() bool {
	up := w.probe.OperUp(w.iface)
	var ip net.IP
	if up {
		ip = w.probe.IPv4(w.iface)
	}
	w.addr.Store(&ip)
	ok := up && ip != nil
	w.connected.Store(ok)
	return ok
}

// emit never blocks the watcher; a full channel drops the event and
// the overseer's polling picks up the state instead.
func (w *linkWatcher) emit(ev Event) {
	if w.events == nil {
		return
	}
	select {
	case w.events <- ev:
	default:
		w.logger.Warn("uplink event queue full, dropped %s on %s", ev.Kind, ev.Iface)
	}
}

func (w *linkWatcher) localAddress() net.IP {
	if p := w.addr.Load(); p != nil {
		return *p
	}
	return nil
}
