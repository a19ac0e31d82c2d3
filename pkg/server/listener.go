// Package server runs the TCP accept loop: one goroutine per accepted
// connection, each driving its own session.Session against the shared
// export registry.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/marmos91/nbdserver/internal/logger"
	"github.com/marmos91/nbdserver/internal/metrics"
	"github.com/marmos91/nbdserver/pkg/export"
	"github.com/marmos91/nbdserver/pkg/session"
)

// Listener accepts NBD connections on a single TCP address and serves
// each with its own Session against a shared export Registry.
type Listener struct {
	addr     string
	registry *export.Registry

	listener net.Listener
	wg       sync.WaitGroup
	nextID   atomic.Uint64
}

// New prepares a Listener bound to addr (host:port). Call Serve to
// start accepting.
func New(addr string, registry *export.Registry) *Listener {
	return &Listener{addr: addr, registry: registry}
}

// Serve binds the listening socket and accepts connections until ctx
// is cancelled or the socket fails. Each accepted connection is served
// in its own goroutine; Serve returns once the socket is closed, after
// waiting for in-flight sessions to finish.
func (l *Listener) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", l.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", l.addr, err)
	}
	l.listener = ln

	logger.Info("nbd server listening", slog.String("addr", l.addr))

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				break
			}
			logger.Warn("accept failed", logger.Err(err))
			continue
		}

		id := l.nextID.Add(1)
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.serveConn(ctx, conn, id)
		}()
	}

	l.wg.Wait()
	return nil
}

func (l *Listener) serveConn(ctx context.Context, conn net.Conn, id uint64) {
	metrics.RecordSessionAccepted()
	defer metrics.RecordSessionClosed()

	sess := session.New("sess-"+strconv.FormatUint(id, 10), conn, l.registry)
	if err := sess.Serve(ctx); err != nil {
		logger.Warn("session ended with error", logger.Err(err))
	}
}

// Addr returns the bound local address, valid only after Serve has
// started accepting.
func (l *Listener) Addr() net.Addr {
	if l.listener == nil {
		return nil
	}
	return l.listener.Addr()
}
