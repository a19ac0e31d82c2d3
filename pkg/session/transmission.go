package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/marmos91/nbdserver/internal/logger"
	"github.com/marmos91/nbdserver/internal/metrics"
	"github.com/marmos91/nbdserver/pkg/bufpool"
	"github.com/marmos91/nbdserver/pkg/nbdproto"
	"github.com/marmos91/nbdserver/pkg/objectstore"
)

// requestTail is everything in a Request header after the magic,
// which the caller has already consumed while deciding this was a
// transmission-phase request rather than an option or disconnect.
type requestTail struct {
	flags  uint16
	typ    uint16
	handle uint64
	offset uint64
	length uint32
}

func (s *Session) readRequestTail() (requestTail, error) {
	flags, err := nbdproto.ReadUint16(s.conn)
	if err != nil {
		return requestTail{}, err
	}
	typ, err := nbdproto.ReadUint16(s.conn)
	if err != nil {
		return requestTail{}, err
	}
	handle, err := nbdproto.ReadUint64(s.conn)
	if err != nil {
		return requestTail{}, err
	}
	offset, err := nbdproto.ReadUint64(s.conn)
	if err != nil {
		return requestTail{}, err
	}
	length, err := nbdproto.ReadUint32(s.conn)
	if err != nil {
		return requestTail{}, err
	}
	return requestTail{flags: flags, typ: typ, handle: handle, offset: offset, length: length}, nil
}

// handleRequest reads one transmission-phase command and replies to
// it, in either simple or structured form depending on what the
// client negotiated.
func (s *Session) handleRequest(ctx context.Context) error {
	req, err := s.readRequestTail()
	if err != nil {
		return fmt.Errorf("read request: %w", err)
	}

	cmdName := commandName(req.typ)
	metrics.RecordCommand(cmdName)
	logger.DebugCtx(ctx, "request received",
		slog.String(logger.KeyCommand, cmdName),
		logger.Handle(req.handle),
		logger.Offset(req.offset),
		logger.Length(uint64(req.length)),
	)

	driver := s.export.Driver

	switch req.typ {
	case nbdproto.CmdRead:
		data, err := driver.ReadAt(ctx, req.offset, uint64(req.length))
		if err != nil {
			return s.replyError(req.handle, nbdproto.ReplyTypeError, err)
		}
		return s.replyRead(req.handle, req.offset, data)

	case nbdproto.CmdWrite:
		buf := bufpool.Get(int(req.length))
		defer bufpool.Put(buf)
		if _, err := io.ReadFull(s.conn, buf); err != nil {
			return fmt.Errorf("read write payload: %w", err)
		}
		if _, err := driver.WriteAt(ctx, req.offset, buf); err != nil {
			return s.replyError(req.handle, nbdproto.ReplyTypeError, err)
		}
		return s.replyOK(req.handle)

	case nbdproto.CmdFlush:
		if _, err := driver.Flush(ctx, 0, s.export.Size()); err != nil {
			return s.replyError(req.handle, nbdproto.ReplyTypeError, err)
		}
		return s.replyOK(req.handle)

	case nbdproto.CmdTrim:
		if !s.export.SupportsTrim() {
			return s.replyErrno(req.handle, nbdproto.ErrNOTSUP)
		}
		if _, err := driver.Trim(ctx, req.offset, uint64(req.length)); err != nil {
			return s.replyError(req.handle, nbdproto.ReplyTypeError, err)
		}
		return s.replyOK(req.handle)

	case nbdproto.CmdBlockStatus:
		return s.replyBlockStatus(req.handle, req.offset, req.length)

	case nbdproto.CmdDisconnect:
		_, _ = driver.Flush(ctx, 0, s.export.Size())
		return fmt.Errorf("nbdserver: client sent DISC")

	default:
		return s.replyErrno(req.handle, nbdproto.ErrNOTSUP)
	}
}

func commandName(typ uint16) string {
	switch typ {
	case nbdproto.CmdRead:
		return "read"
	case nbdproto.CmdWrite:
		return "write"
	case nbdproto.CmdDisconnect:
		return "disc"
	case nbdproto.CmdFlush:
		return "flush"
	case nbdproto.CmdTrim:
		return "trim"
	case nbdproto.CmdBlockStatus:
		return "block_status"
	default:
		return "unknown"
	}
}

// replyOK sends a success reply with no payload.
func (s *Session) replyOK(handle uint64) error {
	if !s.structuredReply {
		return nbdproto.WriteSimpleReply(s.conn, 0, handle)
	}
	return nbdproto.WriteStructuredReplyChunk(s.conn, nbdproto.StructuredReplyChunk{
		Done: true, Type: nbdproto.ReplyTypeNone, Handle: handle,
	})
}

// replyRead sends the bytes read from the driver back to the client.
func (s *Session) replyRead(handle uint64, offset uint64, data []byte) error {
	if !s.structuredReply {
		if err := nbdproto.WriteSimpleReply(s.conn, 0, handle); err != nil {
			return err
		}
		_, err := s.conn.Write(data)
		return err
	}
	return nbdproto.WriteStructuredReplyChunk(s.conn, nbdproto.StructuredReplyChunk{
		Done: true, Type: nbdproto.ReplyTypeOffsetData, Handle: handle,
		Payload: nbdproto.OffsetDataPayload(offset, data),
	})
}

// replyBlockStatus sends a minimal single-extent BLOCK_STATUS chunk:
// the entire requested range reported as allocated, non-hole,
// non-zero. Richer extent maps are a future extension.
func (s *Session) replyBlockStatus(handle uint64, offset uint64, length uint32) error {
	if !s.haveMetaContext {
		return s.replyErrno(handle, nbdproto.ErrINVAL)
	}
	if !s.structuredReply {
		return s.replyErrno(handle, nbdproto.ErrNOTSUP)
	}

	payload := nbdproto.BlockStatusPayload(s.metaContextID, length, 0)
	return nbdproto.WriteStructuredReplyChunk(s.conn, nbdproto.StructuredReplyChunk{
		Done: true, Type: nbdproto.ReplyTypeBlockStatus, Handle: handle, Payload: payload,
	})
}

// replyErrno sends a bare error reply (no message), used where the
// failure isn't tied to a Go error value.
func (s *Session) replyErrno(handle uint64, errCode uint32) error {
	if !s.structuredReply {
		return nbdproto.WriteSimpleReply(s.conn, errCode, handle)
	}
	return nbdproto.WriteStructuredReplyChunk(s.conn, nbdproto.StructuredReplyChunk{
		Done: true, Type: nbdproto.ReplyTypeError, Handle: handle,
		Payload: nbdproto.ErrorChunkPayload(errCode, "", nil),
	})
}

// replyError translates a driver/backend error into a wire reply,
// classifying known sentinel errors to a reasonable errno.
func (s *Session) replyError(handle uint64, chunkType uint16, err error) error {
	errCode := classifyErrno(err)
	msg := err.Error()

	if !s.structuredReply {
		return nbdproto.WriteSimpleReply(s.conn, errCode, handle)
	}
	return nbdproto.WriteStructuredReplyChunk(s.conn, nbdproto.StructuredReplyChunk{
		Done: true, Type: chunkType, Handle: handle,
		Payload: nbdproto.ErrorChunkPayload(errCode, msg, nil),
	})
}

func classifyErrno(err error) uint32 {
	switch {
	case errors.Is(err, objectstore.ErrNotFound):
		return nbdproto.ErrINVAL
	case errors.Is(err, objectstore.ErrUnsupported):
		return nbdproto.ErrNOTSUP
	case errors.Is(err, objectstore.ErrAllocation):
		return nbdproto.ErrNOSPC
	default:
		return nbdproto.ErrIO
	}
}
