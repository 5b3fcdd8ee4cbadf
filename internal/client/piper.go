package client

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	mux "github.com/cbeuw/Shunt/internal/multiplex"
	"github.com/cbeuw/Shunt/internal/service"
	log "github.com/sirupsen/logrus"
)

const dialTimeout = 15 * time.Second

// Client keeps one session to the server and bridges local connections into it
type Client struct {
	Registry *service.Registry
	// Dialer makes the connection of each new session, and defaults to DialerOf the remote config
	Dialer service.Dialer
	remote RemoteConnConfig

	sessionM sync.Mutex
	session  *service.SessionContext
}

type clientHandler struct {
	service.BaseHandler
	c *Client
}

func (h clientHandler) HandleEvent(ev service.ServiceEvent) {
	if ev.Kind != service.SessionClose {
		return
	}
	h.c.sessionM.Lock()
	if h.c.session == ev.Session {
		h.c.session = nil
	}
	h.c.sessionM.Unlock()
	log.WithFields(log.Fields{
		"sessionID": ev.Session.ID,
		"rx":        ev.Session.Valve.GetRx(),
		"tx":        ev.Session.Valve.GetTx(),
	}).Info("session to server closed")
}

func (h clientHandler) HandleError(e service.ServiceError) {
	log.WithField("kind", e.Kind).Warn(e)
}

func NewClient(remote RemoteConnConfig, config service.Config) *Client {
	c := &Client{
		Dialer: DialerOf(remote),
		remote: remote,
	}
	c.Registry = service.NewRegistry(config, clientHandler{c: c})
	return c
}

// control returns the Control of the current session, dialing the server if there is none
func (c *Client) control() (mux.Control, service.SessionID, error) {
	c.sessionM.Lock()
	defer c.sessionM.Unlock()
	if c.session != nil {
		control, err := c.Registry.Control(c.session.ID)
		if err == nil {
			return control, c.session.ID, nil
		}
		c.session = nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	session, err := c.Registry.Dial(ctx, c.Dialer, c.remote.RemoteAddr)
	if err != nil {
		return mux.Control{}, 0, err
	}
	log.WithField("sessionID", session.ID).Infof("session to %v established", c.remote.RemoteAddr)
	c.session = session
	control, err := c.Registry.Control(session.ID)
	return control, session.ID, err
}

// forget drops the current session if it's still the one behind control
func (c *Client) forget(id service.SessionID) {
	c.sessionM.Lock()
	if c.session != nil && c.session.ID == id {
		c.session = nil
	}
	c.sessionM.Unlock()
}

// admit turns localConn into a stream. At capacity the oldest stream is evicted to make room.
func admit(control mux.Control, localConn net.Conn) error {
	err := control.AddStream(localConn)
	if !errors.Is(err, mux.ErrStreamsExhausted) {
		return err
	}
	log.Debug("session at capacity, evicting the oldest stream")
	if err = control.CloseOldestStream(); err != nil {
		return err
	}
	return control.AddStream(localConn)
}

// Bridge hands localConn to the session, redialing once if the session has gone away
func (c *Client) Bridge(localConn net.Conn) error {
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		control, id, e := c.control()
		if e != nil {
			return e
		}
		err = admit(control, localConn)
		if errors.Is(err, mux.ErrSessionShutdown) || errors.Is(err, mux.ErrRemoteGoAway) {
			c.forget(id)
			continue
		}
		return err
	}
	return err
}

// RouteTCP accepts local connections from listener and bridges each into the session until listener is closed
func (c *Client) RouteTCP(listener net.Listener) error {
	for {
		localConn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go func() {
			if err := c.Bridge(localConn); err != nil {
				log.Errorf("Failed to open stream: %v", err)
				localConn.Close()
			}
		}()
	}
}

func (c *Client) Close() error {
	return c.Registry.Shutdown()
}
