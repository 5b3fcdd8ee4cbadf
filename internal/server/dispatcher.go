package server

import (
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/cbeuw/Shunt/internal/common"
	mux "github.com/cbeuw/Shunt/internal/multiplex"
	"github.com/cbeuw/Shunt/internal/service"
	gmux "github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"
)

var waitDur = [10]time.Duration{
	50 * time.Millisecond, 100 * time.Millisecond, 300 * time.Millisecond, 500 * time.Millisecond, 1 * time.Second,
	3 * time.Second, 5 * time.Second, 10 * time.Second, 15 * time.Second, 30 * time.Second}

// Serve accepts sessions from l using the configured transport until l or the State is closed
func Serve(l net.Listener, sta *State) error {
	if sta.Transport == TransportWebSocket {
		return serveWebSocket(l, sta)
	}

	fails := 0
	for {
		err := sta.Registry.Listen(l)
		if err == nil || errors.Is(err, service.ErrServiceShutdown) {
			return nil
		}
		log.Errorf("%v, retrying", err)
		time.Sleep(waitDur[fails])
		if fails < 9 {
			fails++
		}
	}
}

func serveWebSocket(l net.Listener, sta *State) error {
	router := gmux.NewRouter()
	router.Handle(sta.WebSocketPath, wsHandler{sta: sta})
	srv := &http.Server{Handler: router}
	if !sta.addServer(srv) {
		_ = l.Close()
		return nil
	}
	log.Infof("accepting websocket sessions on %v%v", l.Addr(), sta.WebSocketPath)
	err := srv.Serve(l)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// forward connects a stream opened by a client to RedirAddr and copies between them until either side is done
func (sta *State) forward(ctx *service.SessionContext, stream *mux.Stream) {
	sta.Metrics.StreamsAccepted.Inc()
	sta.countStream(ctx.ID)

	remote, err := sta.RedirDialer.Dial("tcp", sta.RedirAddr)
	if err != nil {
		sta.Metrics.ForwardFailures.Inc()
		log.WithFields(log.Fields{
			"sessionID": ctx.ID,
			"streamID":  stream.ID(),
			"redirAddr": sta.RedirAddr,
		}).Errorf("failed to connect to redirection address: %v", err)
		_ = stream.Reset()
		return
	}
	log.Tracef("%v: stream %v forwarding to %v", ctx, stream.ID(), remote.RemoteAddr())
	up, down, err := common.Pipe(stream, remote, sta.Timeout)
	log.Tracef("%v: stream %v finished (%v up, %v down): %v", ctx, stream.ID(), up, down, err)
}
