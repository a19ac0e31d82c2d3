package nbdproto

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Request is a transmission-phase command header, sent by the client
// before (for writes) or instead of (for everything else) a data
// payload:
//
//	┌──────────┬──────┬──────────────────────┐
//	│ Offset   │ Size │ Field                 │
//	├──────────┼──────┼──────────────────────┤
//	│ 0        │ 4    │ magic (RequestMagic)  │
//	│ 4        │ 2    │ flags                 │
//	│ 6        │ 2    │ type                  │
//	│ 8        │ 8    │ handle                │
//	│ 16       │ 8    │ offset                │
//	│ 24       │ 4    │ length                │
//	└──────────┴──────┴──────────────────────┘
type Request struct {
	Flags  uint16
	Type   uint16
	Handle uint64
	Offset uint64
	Length uint32
}

// ReadRequest decodes a Request header from r. The caller is
// responsible for reading the following data payload for writes.
func ReadRequest(r io.Reader) (Request, error) {
	var hdr [28]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Request{}, err
	}

	magic := binary.BigEndian.Uint32(hdr[0:4])
	if magic != RequestMagic {
		return Request{}, fmt.Errorf("nbdproto: bad request magic %#x", magic)
	}

	return Request{
		Flags:  binary.BigEndian.Uint16(hdr[4:6]),
		Type:   binary.BigEndian.Uint16(hdr[6:8]),
		Handle: binary.BigEndian.Uint64(hdr[8:16]),
		Offset: binary.BigEndian.Uint64(hdr[16:24]),
		Length: binary.BigEndian.Uint32(hdr[24:28]),
	}, nil
}

// WriteSimpleReply writes an NBD_SIMPLE_REPLY header, used for every
// reply type except READ/BLOCK_STATUS when NBD_OPT_STRUCTURED_REPLY
// was negotiated.
//
//	┌──────────┬──────┬──────────────────────┐
//	│ Offset   │ Size │ Field                 │
//	├──────────┼──────┼──────────────────────┤
//	│ 0        │ 4    │ magic (SimpleReplyMagic) │
//	│ 4        │ 4    │ error                 │
//	│ 8        │ 8    │ handle                │
//	└──────────┴──────┴──────────────────────┘
//
// The reply's data, if any, follows immediately and is not framed
// here.
func WriteSimpleReply(w io.Writer, errCode uint32, handle uint64) error {
	var hdr [16]byte
	binary.BigEndian.PutUint32(hdr[0:4], SimpleReplyMagic)
	binary.BigEndian.PutUint32(hdr[4:8], errCode)
	binary.BigEndian.PutUint64(hdr[8:16], handle)
	_, err := w.Write(hdr[:])
	return err
}

// StructuredReplyChunk is one chunk of a structured reply stream. A
// single client request may be answered by several chunks; the last
// one sets Done.
//
//	┌──────────┬──────┬──────────────────────────┐
//	│ Offset   │ Size │ Field                     │
//	├──────────┼──────┼──────────────────────────┤
//	│ 0        │ 4    │ magic (StructuredReplyMagic) │
//	│ 4        │ 2    │ flags                     │
//	│ 6        │ 2    │ type                      │
//	│ 8        │ 8    │ handle                    │
//	│ 16       │ 4    │ length of payload         │
//	└──────────┴──────┴──────────────────────────┘
type StructuredReplyChunk struct {
	Done    bool
	Type    uint16
	Handle  uint64
	Payload []byte
}

// WriteStructuredReplyChunk writes one chunk's header followed by its
// payload.
func WriteStructuredReplyChunk(w io.Writer, chunk StructuredReplyChunk) error {
	var flags uint16
	if chunk.Done {
		flags |= ReplyFlagDone
	}

	var hdr [20]byte
	binary.BigEndian.PutUint32(hdr[0:4], StructuredReplyMagic)
	binary.BigEndian.PutUint16(hdr[4:6], flags)
	binary.BigEndian.PutUint16(hdr[6:8], chunk.Type)
	binary.BigEndian.PutUint64(hdr[8:16], chunk.Handle)
	binary.BigEndian.PutUint32(hdr[16:20], uint32(len(chunk.Payload)))

	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if len(chunk.Payload) == 0 {
		return nil
	}
	_, err := w.Write(chunk.Payload)
	return err
}

// OffsetDataPayload builds the payload of a NBD_REPLY_TYPE_OFFSET_DATA
// chunk: an 8-byte offset followed by the data read from that offset.
func OffsetDataPayload(offset uint64, data []byte) []byte {
	buf := make([]byte, 8+len(data))
	binary.BigEndian.PutUint64(buf[0:8], offset)
	copy(buf[8:], data)
	return buf
}

// ErrorChunkPayload builds the payload of a NBD_REPLY_TYPE_ERROR (or
// _ERROR_OFFSET) chunk: a 4-byte error code, a 2-byte message length,
// the message itself, and (for the offset variant) a trailing 8-byte
// offset.
func ErrorChunkPayload(errCode uint32, message string, offset *uint64) []byte {
	size := 4 + 2 + len(message)
	if offset != nil {
		size += 8
	}
	buf := make([]byte, size)
	binary.BigEndian.PutUint32(buf[0:4], errCode)
	binary.BigEndian.PutUint16(buf[4:6], uint16(len(message)))
	copy(buf[6:6+len(message)], message)
	if offset != nil {
		binary.BigEndian.PutUint64(buf[6+len(message):], *offset)
	}
	return buf
}

// OptionHeader is a client option request during the haggling phase.
//
//	┌──────────┬──────┬──────────────────────┐
//	│ Offset   │ Size │ Field                 │
//	├──────────┼──────┼──────────────────────┤
//	│ 0        │ 8    │ magic (IHaveOptMagic) │
//	│ 8        │ 4    │ option                │
//	│ 12       │ 4    │ length                │
//	└──────────┴──────┴──────────────────────┘
type OptionHeader struct {
	Option uint32
	Length uint32
}

// ReadOptionHeader decodes an option request header; the caller reads
// Length bytes of option data afterward.
func ReadOptionHeader(r io.Reader) (OptionHeader, error) {
	var hdr [16]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return OptionHeader{}, err
	}

	magic := binary.BigEndian.Uint64(hdr[0:8])
	if magic != IHaveOptMagic {
		return OptionHeader{}, fmt.Errorf("nbdproto: bad option magic %#x", magic)
	}

	return OptionHeader{
		Option: binary.BigEndian.Uint32(hdr[8:12]),
		Length: binary.BigEndian.Uint32(hdr[12:16]),
	}, nil
}

// WriteOptionReply writes an option reply header followed by data.
//
//	┌──────────┬──────┬──────────────────────────┐
//	│ Offset   │ Size │ Field                     │
//	├──────────┼──────┼──────────────────────────┤
//	│ 0        │ 8    │ magic (OptionReplyMagic)  │
//	│ 8        │ 4    │ option being replied to   │
//	│ 12       │ 4    │ reply type                │
//	│ 16       │ 4    │ length of reply data      │
//	└──────────┴──────┴──────────────────────────┘
func WriteOptionReply(w io.Writer, option uint32, replyType uint32, data []byte) error {
	var hdr [20]byte
	binary.BigEndian.PutUint64(hdr[0:8], OptionReplyMagic)
	binary.BigEndian.PutUint32(hdr[8:12], option)
	binary.BigEndian.PutUint32(hdr[12:16], replyType)
	binary.BigEndian.PutUint32(hdr[16:20], uint32(len(data)))

	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	_, err := w.Write(data)
	return err
}

// ExportInfoPayload builds the NBD_INFO_EXPORT payload: the info type
// followed by the 8-byte export size and 2-byte transmission flags.
func ExportInfoPayload(size uint64, flags uint16) []byte {
	buf := make([]byte, 12)
	binary.BigEndian.PutUint16(buf[0:2], InfoExport)
	binary.BigEndian.PutUint64(buf[2:10], size)
	binary.BigEndian.PutUint16(buf[10:12], flags)
	return buf
}

// NamedInfoPayload builds an NBD_INFO_NAME or NBD_INFO_DESCRIPTION
// payload: the info type followed by the raw string bytes.
func NamedInfoPayload(infoType uint16, value string) []byte {
	buf := make([]byte, 2+len(value))
	binary.BigEndian.PutUint16(buf[0:2], infoType)
	copy(buf[2:], value)
	return buf
}

// BlockSizeInfoPayload builds the NBD_INFO_BLOCK_SIZE payload: the
// info type followed by minimum, preferred, and maximum block sizes.
func BlockSizeInfoPayload(minimum, preferred, maximum uint32) []byte {
	buf := make([]byte, 14)
	binary.BigEndian.PutUint16(buf[0:2], InfoBlockSize)
	binary.BigEndian.PutUint32(buf[2:6], minimum)
	binary.BigEndian.PutUint32(buf[6:10], preferred)
	binary.BigEndian.PutUint32(buf[10:14], maximum)
	return buf
}

// MetaContextReplyPayload builds an NBD_REP_META_CONTEXT payload: the
// assigned context ID followed by the context name.
func MetaContextReplyPayload(id uint32, name string) []byte {
	buf := make([]byte, 4+len(name))
	binary.BigEndian.PutUint32(buf[0:4], id)
	copy(buf[4:], name)
	return buf
}

// BlockStatusPayload builds the payload of a single-extent
// NBD_REPLY_TYPE_BLOCK_STATUS chunk: the metadata context id followed
// by one (length, status-flags) descriptor.
func BlockStatusPayload(contextID uint32, length uint32, statusFlags uint32) []byte {
	buf := make([]byte, 12)
	binary.BigEndian.PutUint32(buf[0:4], contextID)
	binary.BigEndian.PutUint32(buf[4:8], length)
	binary.BigEndian.PutUint32(buf[8:12], statusFlags)
	return buf
}

// ReadUint16 and friends decode big-endian fixed-width fields out of
// option data, where fields arrive back to back without their own
// headers (e.g. NBD_OPT_GO's name length + name + info-request list).

func ReadUint16(r io.Reader) (uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b[:]), nil
}

func ReadUint32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func ReadUint64(r io.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

func ReadBytes(r io.Reader, n uint32) ([]byte, error) {
	buf := make([]byte, n)
	if n == 0 {
		return buf, nil
	}
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
