package session

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"

	"github.com/marmos91/nbdserver/internal/logger"
	"github.com/marmos91/nbdserver/pkg/nbdproto"
)

// handleOption dispatches one client option request. data is the
// option's full payload, already read off the wire.
func (s *Session) handleOption(ctx context.Context, option uint32, data []byte) error {
	logger.DebugCtx(ctx, "option received", slog.Int(logger.KeyOption, int(option)))

	switch option {
	case nbdproto.OptAbort:
		_ = nbdproto.WriteOptionReply(s.conn, option, nbdproto.RepAck, nil)
		return fmt.Errorf("nbdserver: client aborted negotiation")

	case nbdproto.OptInfo:
		return s.handleInfoOrGo(ctx, option, data, false)

	case nbdproto.OptGo:
		return s.handleInfoOrGo(ctx, option, data, true)

	case nbdproto.OptStructuredReply:
		if len(data) != 0 {
			return nbdproto.WriteOptionReply(s.conn, option, nbdproto.RepErrInvalid, nil)
		}
		s.structuredReply = true
		return nbdproto.WriteOptionReply(s.conn, option, nbdproto.RepAck, nil)

	case nbdproto.OptSetMetaContext:
		return s.handleSetMetaContext(ctx, option, data)

	default:
		return nbdproto.WriteOptionReply(s.conn, option, nbdproto.RepErrUnsup, nil)
	}
}

// handleInfoOrGo implements NBD_OPT_INFO and NBD_OPT_GO, which share a
// payload format: a length-prefixed export name followed by a list of
// requested information types. GO additionally binds the session to
// the named export on success.
func (s *Session) handleInfoOrGo(ctx context.Context, option uint32, data []byte, bind bool) error {
	r := bytes.NewReader(data)

	nameLen, err := nbdproto.ReadUint32(r)
	if err != nil {
		return nbdproto.WriteOptionReply(s.conn, option, nbdproto.RepErrInvalid, nil)
	}
	nameBytes, err := nbdproto.ReadBytes(r, nameLen)
	if err != nil {
		return nbdproto.WriteOptionReply(s.conn, option, nbdproto.RepErrInvalid, nil)
	}
	name := string(nameBytes)

	numReqs, err := nbdproto.ReadUint16(r)
	if err != nil {
		return nbdproto.WriteOptionReply(s.conn, option, nbdproto.RepErrInvalid, nil)
	}
	reqs := make([]uint16, numReqs)
	for i := range reqs {
		reqs[i], err = nbdproto.ReadUint16(r)
		if err != nil {
			return nbdproto.WriteOptionReply(s.conn, option, nbdproto.RepErrInvalid, nil)
		}
	}
	if len(reqs) == 0 {
		reqs = []uint16{nbdproto.InfoBlockSize}
	}

	if bind && s.export != nil {
		msg := []byte("session already bound to an export")
		return nbdproto.WriteOptionReply(s.conn, option, nbdproto.RepErrInvalid, msg)
	}

	exp, ok := s.registry.Lookup(name)
	if !ok {
		msg := []byte(fmt.Sprintf("unknown export %q", name))
		return nbdproto.WriteOptionReply(s.conn, option, nbdproto.RepErrUnknown, msg)
	}

	for _, req := range reqs {
		var payload []byte
		switch req {
		case nbdproto.InfoExport:
			payload = nbdproto.ExportInfoPayload(exp.Size(), transmissionFlags(exp.SupportsTrim()))
		case nbdproto.InfoName:
			payload = nbdproto.NamedInfoPayload(nbdproto.InfoName, exp.Name)
		case nbdproto.InfoDescription:
			payload = nbdproto.NamedInfoPayload(nbdproto.InfoDescription, exp.Description)
		case nbdproto.InfoBlockSize:
			payload = nbdproto.BlockSizeInfoPayload(512, 4096, 32<<20)
		default:
			continue
		}
		if err := nbdproto.WriteOptionReply(s.conn, option, nbdproto.RepInfo, payload); err != nil {
			return err
		}
	}

	if bind {
		exp.Acquire()
		s.export = exp
		s.state = stateTransmitting
		logger.InfoCtx(ctx, "export bound", logger.Export(exp.Name), logger.Driver(exp.DriverKind))
	}

	return nbdproto.WriteOptionReply(s.conn, option, nbdproto.RepAck, nil)
}

// handleSetMetaContext assigns a fresh opaque id to each requested
// metadata-context query and echoes it back; only the most recently
// assigned id is retained for subsequent BLOCK_STATUS replies.
func (s *Session) handleSetMetaContext(ctx context.Context, option uint32, data []byte) error {
	r := bytes.NewReader(data)

	nameLen, err := nbdproto.ReadUint32(r)
	if err != nil {
		return nbdproto.WriteOptionReply(s.conn, option, nbdproto.RepErrInvalid, nil)
	}
	if _, err := nbdproto.ReadBytes(r, nameLen); err != nil {
		return nbdproto.WriteOptionReply(s.conn, option, nbdproto.RepErrInvalid, nil)
	}

	numQueries, err := nbdproto.ReadUint32(r)
	if err != nil {
		return nbdproto.WriteOptionReply(s.conn, option, nbdproto.RepErrInvalid, nil)
	}

	for i := uint32(0); i < numQueries; i++ {
		queryLen, err := nbdproto.ReadUint32(r)
		if err != nil {
			return nbdproto.WriteOptionReply(s.conn, option, nbdproto.RepErrInvalid, nil)
		}
		queryBytes, err := nbdproto.ReadBytes(r, queryLen)
		if err != nil {
			return nbdproto.WriteOptionReply(s.conn, option, nbdproto.RepErrInvalid, nil)
		}

		id := nextMetaContextID()
		s.metaContextID = id
		s.haveMetaContext = true
		logger.DebugCtx(ctx, "metadata context assigned", slog.Int(logger.KeyContextID, int(id)))

		payload := nbdproto.MetaContextReplyPayload(id, string(queryBytes))
		if err := nbdproto.WriteOptionReply(s.conn, option, nbdproto.RepMetaContext, payload); err != nil {
			return err
		}
	}

	return nbdproto.WriteOptionReply(s.conn, option, nbdproto.RepAck, nil)
}

func transmissionFlags(supportsTrim bool) uint16 {
	flags := nbdproto.FlagHasFlags | nbdproto.FlagSendFlush | nbdproto.FlagSendResize | nbdproto.FlagSendCache
	if supportsTrim {
		flags |= nbdproto.FlagSendTrim
	}
	return flags
}
