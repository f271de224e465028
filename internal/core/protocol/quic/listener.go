package quic

import (
	"context"
	"crypto/tls"
	"net"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/quic-go/quic-go"

	"github.com/zeusync/ghostline/internal/core/observability/log"
	"github.com/zeusync/ghostline/internal/core/protocol"
)

// Listener accepts QUIC connections with datagrams enabled
type Listener struct {
	listener *quic.Listener
	config   protocol.Config
	closed   atomic.Bool
	logger   log.Log
}

// Listen starts a QUIC listener on addr
func Listen(addr string, tlsConfig *tls.Config, config protocol.Config, logger log.Log) (*Listener, error) {
	if logger == nil {
		logger = log.NewNop()
	}
	if tlsConfig == nil {
		return nil, errors.New("quic listener requires a TLS config")
	}

	listener, err := quic.ListenAddr(addr, tlsConfig, buildQUICConfig(config))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create QUIC listener")
	}

	l := &Listener{
		listener: listener,
		config:   config,
		logger:   logger.With(log.String("listener_addr", listener.Addr().String())),
	}

	l.logger.Info("QUIC listener created")
	return l, nil
}

// Accept accepts a new connection
func (l *Listener) Accept(ctx context.Context) (*Connection, error) {
	if l.closed.Load() {
		return nil, protocol.ErrConnectionClosed
	}

	conn, err := l.listener.Accept(ctx)
	if err != nil {
		if l.closed.Load() || errors.Is(err, quic.ErrServerClosed) {
			return nil, protocol.ErrConnectionClosed
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.Wrap(err, "failed to accept QUIC connection")
	}

	l.logger.Debug("QUIC connection accepted",
		log.String("remote_addr", conn.RemoteAddr().String()))

	return NewConnection(conn, l.config, l.logger), nil
}

// Addr returns the listener address
func (l *Listener) Addr() net.Addr {
	return l.listener.Addr()
}

// Close closes the listener
func (l *Listener) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil // Already closed
	}

	l.logger.Info("Closing QUIC listener")
	return l.listener.Close()
}
