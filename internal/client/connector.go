package client

import (
	"context"
	"fmt"
	"net"
	"net/url"

	"github.com/cbeuw/Shunt/internal/common"
	"github.com/cbeuw/Shunt/internal/service"
	"github.com/gorilla/websocket"
)

// DialerOf makes the service.Dialer establishing the underlying connection of each session to the server
func DialerOf(remote RemoteConnConfig) service.Dialer {
	d := &net.Dialer{KeepAlive: remote.KeepAlive}
	if remote.Transport != TransportWebSocket {
		return func(ctx context.Context, address string) (net.Conn, error) {
			return d.DialContext(ctx, "tcp", address)
		}
	}
	return func(ctx context.Context, address string) (net.Conn, error) {
		conn, err := d.DialContext(ctx, "tcp", address)
		if err != nil {
			return nil, err
		}
		u := url.URL{Scheme: "ws", Host: address, Path: remote.WebSocketPath}
		c, _, err := websocket.NewClient(conn, &u, nil, 16480, 16480)
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("failed to handshake: %v", err)
		}
		return common.NewWebSocketConn(c), nil
	}
}
