package server

import (
	"net"

	"github.com/cbeuw/Shunt/internal/service"
	log "github.com/sirupsen/logrus"
)

// eventHandler turns what the Registry reports into metrics and ledger entries
type eventHandler struct {
	service.BaseHandler
	sta *State
}

// hostOf names the host a session came from, which is what usage is accounted to
func hostOf(addr net.Addr) string {
	if addr == nil || addr.String() == "" {
		return "unknown"
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

func (h eventHandler) HandleEvent(ev service.ServiceEvent) {
	m := h.sta.Metrics
	switch ev.Kind {
	case service.SessionOpen:
		m.SessionsOpened.Inc()
		m.SessionsActive.Inc()
	case service.SessionClose:
		m.SessionsActive.Dec()
		rx, tx := ev.Session.Valve.Nullify()
		m.Bytes.WithLabelValues("rx").Add(float64(rx))
		m.Bytes.WithLabelValues("tx").Add(float64(tx))
		if h.sta.Ledger == nil {
			return
		}
		usage := SessionUsage{
			Host:    hostOf(ev.Session.RemoteAddr),
			Streams: h.sta.streamsOf(ev.Session.ID),
			Rx:      rx,
			Tx:      tx,
		}
		err := h.sta.Registry.Spawn(func() {
			if err := h.sta.Ledger.Record(usage); err != nil {
				log.WithField("host", usage.Host).Errorf("failed to record usage: %v", err)
			}
		})
		if err != nil {
			log.Errorf("usage of %v not recorded: %v", ev.Session, err)
		}
	case service.ListenStarted:
		m.Listeners.Inc()
	case service.ListenClose:
		m.Listeners.Dec()
	}
}

func (h eventHandler) HandleError(e service.ServiceError) {
	h.sta.Metrics.Errors.WithLabelValues(e.Kind.String()).Inc()
	log.WithField("kind", e.Kind).Warn(e)
}
