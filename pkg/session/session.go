// Package session implements the per-connection NBD state machine:
// handshake, option negotiation, and the transmission-phase command
// loop. One Session is created per accepted TCP connection and runs
// until the client disconnects or a fatal framing error occurs.
package session

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"

	"github.com/marmos91/nbdserver/internal/logger"
	"github.com/marmos91/nbdserver/pkg/export"
	"github.com/marmos91/nbdserver/pkg/nbdproto"
)

// metaContextCounter assigns opaque ids to SET_META_CONTEXT queries.
// Seeded at 1 so a zero id can always mean "none assigned" if ever
// needed by a future caller.
var metaContextCounter atomic.Uint32

func init() {
	metaContextCounter.Store(1)
}

func nextMetaContextID() uint32 {
	return metaContextCounter.Add(1) - 1
}

// state is the session's position in the handshake → options →
// transmitting lifecycle.
type state int

const (
	stateHandshaking state = iota
	stateOptions
	stateTransmitting
	stateClosed
)

// Session drives one client connection end to end.
type Session struct {
	id       string
	conn     net.Conn
	registry *export.Registry

	state           state
	clientFlags     nbdproto.ClientFlags
	structuredReply bool
	metaContextID   uint32
	haveMetaContext bool

	export *export.Export
}

// New wraps an accepted connection. Call Serve to run it to
// completion.
func New(id string, conn net.Conn, registry *export.Registry) *Session {
	return &Session{id: id, conn: conn, registry: registry, state: stateHandshaking}
}

// Serve runs the session's full lifecycle: handshake, option
// negotiation, and the transmission loop, returning when the
// connection closes (cleanly or otherwise). The returned error is nil
// when the client closes the connection or sends a zero tag; a DISC
// command ends the session with a non-nil error.
func (s *Session) Serve(ctx context.Context) error {
	defer s.detach()

	lc := logger.NewLogContext(clientIP(s.conn)).WithSessionID(s.id)
	ctx = logger.WithContext(ctx, lc)

	logger.InfoCtx(ctx, "session accepted")

	if err := s.handshake(ctx); err != nil {
		logger.WarnCtx(ctx, "handshake failed", logger.Err(err))
		return err
	}
	s.state = stateOptions

	for {
		tag, err := nbdproto.ReadUint32(s.conn)
		if err != nil {
			logger.InfoCtx(ctx, "session closed", logger.Err(err))
			return nil
		}

		switch {
		case tag == 0 && s.state == stateTransmitting:
			logger.InfoCtx(ctx, "client disconnected")
			return nil

		case isIHaveOptPrefix(tag):
			if err := s.readRemainingMagicAndHandleOption(ctx, tag); err != nil {
				return err
			}

		case tag == nbdproto.RequestMagic && s.state == stateTransmitting:
			if err := s.handleRequest(ctx); err != nil {
				return err
			}

		default:
			return fmt.Errorf("nbdserver: unexpected tag %#x in state %d", tag, s.state)
		}
	}
}

// isIHaveOptPrefix reports whether the first 4 bytes just read match
// the high half of the 8-byte IHAVEOPT magic; the option-header reader
// consumes the remaining 4 bytes itself.
func isIHaveOptPrefix(tag uint32) bool {
	return uint64(tag) == nbdproto.IHaveOptMagic>>32
}

func (s *Session) readRemainingMagicAndHandleOption(ctx context.Context, highHalf uint32) error {
	lowHalf, err := nbdproto.ReadUint32(s.conn)
	if err != nil {
		return err
	}
	fullMagic := uint64(highHalf)<<32 | uint64(lowHalf)
	if fullMagic != nbdproto.IHaveOptMagic {
		return fmt.Errorf("nbdserver: bad option magic %#x", fullMagic)
	}

	option, err := nbdproto.ReadUint32(s.conn)
	if err != nil {
		return err
	}
	length, err := nbdproto.ReadUint32(s.conn)
	if err != nil {
		return err
	}
	data, err := nbdproto.ReadBytes(s.conn, length)
	if err != nil {
		return err
	}

	return s.handleOption(ctx, option, data)
}

func (s *Session) detach() {
	s.state = stateClosed
	if s.export != nil {
		s.export.Release()
	}
	_ = s.conn.Close()
}

func clientIP(conn net.Conn) string {
	addr := conn.RemoteAddr()
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
