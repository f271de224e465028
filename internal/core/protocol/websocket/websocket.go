// Package websocket carries wire frames over gorilla websocket connections,
// one binary message per encoded frame or batch.
package websocket

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/zeusync/ghostline/internal/core/observability/log"
	"github.com/zeusync/ghostline/internal/core/protocol"
)

const handshakeTimeout = 10 * time.Second

// NewUpgrader builds an upgrader sized from config
func NewUpgrader(config protocol.Config) *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:    int(config.BufferSize),
		WriteBufferSize:   int(config.BufferSize),
		HandshakeTimeout:  handshakeTimeout,
		EnableCompression: config.EnableCompression,
		CheckOrigin: func(*http.Request) bool {
			// Viewers are not browsers bound to an origin
			return true
		},
	}
}

// Upgrade upgrades an HTTP request and wraps the result
func Upgrade(upgrader *websocket.Upgrader, w http.ResponseWriter, r *http.Request, config protocol.Config, logger log.Log) (*Connection, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, errors.Wrap(err, "websocket upgrade failed")
	}
	return NewConnection(conn, config, logger), nil
}

// Dial connects to a websocket endpoint such as ws://host:port/ws
func Dial(ctx context.Context, url string, header http.Header, config protocol.Config, logger log.Log) (*Connection, error) {
	dialer := websocket.Dialer{
		Proxy:             http.ProxyFromEnvironment,
		HandshakeTimeout:  handshakeTimeout,
		ReadBufferSize:    int(config.BufferSize),
		WriteBufferSize:   int(config.BufferSize),
		EnableCompression: config.EnableCompression,
	}

	conn, resp, err := dialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, errors.Wrapf(err, "websocket dial %s: status %d", url, resp.StatusCode)
		}
		return nil, errors.Wrapf(err, "websocket dial %s", url)
	}

	return NewConnection(conn, config, logger), nil
}
