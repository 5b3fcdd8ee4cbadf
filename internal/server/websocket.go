package server

import (
	"net/http"

	"github.com/cbeuw/Shunt/internal/common"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

// wsHandler upgrades each request to a websocket and runs a server session over it
type wsHandler struct {
	sta *State
}

func (ws wsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{}
	c, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Errorf("failed to upgrade connection to ws: %v", err)
		return
	}
	if _, err := ws.sta.Registry.AddSession(common.NewWebSocketConn(c), false); err != nil {
		log.WithField("remoteAddr", r.RemoteAddr).Warnf("websocket session refused: %v", err)
	}
}
