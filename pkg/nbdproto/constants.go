// Package nbdproto defines the wire constants and framing for the NBD
// (Network Block Device) protocol: the fixed-newstyle handshake, option
// negotiation, and the transmission phase's simple and structured
// reply formats.
//
// # Handshake
//
// A connection always begins with the server's initial greeting:
//
//	┌──────────┬──────┬───────────────────────────────────┐
//	│ Offset   │ Size │ Field                              │
//	├──────────┼──────┼───────────────────────────────────┤
//	│ 0        │ 8    │ "NBDMAGIC"                         │
//	│ 8        │ 8    │ "IHAVEOPT"                         │
//	│ 16       │ 2    │ handshake flags (fixed-newstyle,   │
//	│          │      │ no-zeroes)                         │
//	└──────────┴──────┴───────────────────────────────────┘
//
// The client replies with a 4-byte flags field, then the connection
// enters the option haggling phase, where each client option request is
// framed as:
//
//	┌──────────┬──────┬───────────────────────────────────┐
//	│ Offset   │ Size │ Field                              │
//	├──────────┼──────┼───────────────────────────────────┤
//	│ 0        │ 8    │ IHAVEOPT magic (0x49484156454F5054)│
//	│ 8        │ 4    │ option code                        │
//	│ 12       │ 4    │ option data length                 │
//	│ 16       │ N    │ option data                        │
//	└──────────┴──────┴───────────────────────────────────┘
//
// and every server option reply as:
//
//	┌──────────┬──────┬───────────────────────────────────┐
//	│ Offset   │ Size │ Field                              │
//	├──────────┼──────┼───────────────────────────────────┤
//	│ 0        │ 8    │ reply magic (0x0003e889045565a9)   │
//	│ 8        │ 4    │ option code being replied to       │
//	│ 12       │ 4    │ reply type                         │
//	│ 16       │ 4    │ reply data length                  │
//	│ 20       │ N    │ reply data                         │
//	└──────────┴──────┴───────────────────────────────────┘
package nbdproto

// Handshake magics.
const (
	MagicNBD      = "NBDMAGIC"
	MagicIHaveOpt = "IHAVEOPT"
)

// Handshake/transmission flags, sent as part of the server's initial
// greeting and exchanged again per-export in NBD_OPT_INFO/NBD_OPT_GO.
const (
	FlagFixedNewstyle uint16 = 1 << 0
	FlagNoZeroes      uint16 = 1 << 1

	// Client handshake flags, read back from the 32-bit client flags
	// field following the server's greeting.
	ClientFlagFixedNewstyle uint32 = 1 << 0
	ClientFlagNoZeroes      uint32 = 1 << 1
)

// Per-export transmission flags, reported via NBD_INFO_EXPORT.
const (
	FlagHasFlags   uint16 = 1 << 0
	FlagReadOnly   uint16 = 1 << 1
	FlagSendFlush  uint16 = 1 << 2
	FlagSendTrim   uint16 = 1 << 5
	FlagSendResize uint16 = 1 << 6 // unused by clients in practice, kept for parity
	FlagSendCache  uint16 = 1 << 10
)

// Option codes sent by the client during the haggling phase
// (IHAVEOPT-framed requests).
const (
	OptExportName      uint32 = 1
	OptAbort           uint32 = 2
	OptList            uint32 = 3
	OptStartTLS        uint32 = 5
	OptInfo            uint32 = 6
	OptGo              uint32 = 7
	OptStructuredReply uint32 = 8
	OptListMetaContext uint32 = 9
	OptSetMetaContext  uint32 = 10
)

// Option reply types.
const (
	RepAck         uint32 = 1
	RepInfo        uint32 = 3
	RepMetaContext uint32 = 4
	RepErrUnsup    uint32 = 1<<31 | 1
	RepErrPolicy   uint32 = 1<<31 | 2
	RepErrInvalid  uint32 = 1<<31 | 3
	RepErrPlatform uint32 = 1<<31 | 4
	RepErrUnknown  uint32 = 1<<31 | 6
	RepErrShutdown uint32 = 1<<31 | 7
)

// NBD_INFO_* values, naming what kind of information NBD_OPT_INFO/GO
// should return.
const (
	InfoExport      uint16 = 0
	InfoName        uint16 = 1
	InfoDescription uint16 = 2
	InfoBlockSize   uint16 = 3
)

// Transmission phase magics.
const (
	RequestMagic         uint32 = 0x25609513
	SimpleReplyMagic     uint32 = 0x67446698
	StructuredReplyMagic uint32 = 0x668e33ef
	OptionReplyMagic     uint64 = 0x3e889045565a9
	IHaveOptMagic        uint64 = 0x49484156454f5054
)

// Command opcodes, carried in the request header's type field.
const (
	CmdRead        uint16 = 0
	CmdWrite       uint16 = 1
	CmdDisconnect  uint16 = 2
	CmdFlush       uint16 = 3
	CmdTrim        uint16 = 4
	CmdCache       uint16 = 5
	CmdWriteZeroes uint16 = 6
	CmdBlockStatus uint16 = 7
)

// Command flags, carried in the request header's flags field.
const (
	CmdFlagFUA      uint16 = 1 << 0
	CmdFlagNoHole   uint16 = 1 << 1
	CmdFlagDF       uint16 = 1 << 2
	CmdFlagReqOne   uint16 = 1 << 3
	CmdFlagFastZero uint16 = 1 << 4
)

// Structured reply flags/types.
const (
	ReplyFlagDone uint16 = 1 << 0

	ReplyTypeNone        uint16 = 0
	ReplyTypeOffsetData  uint16 = 1
	ReplyTypeOffsetHole  uint16 = 2
	ReplyTypeBlockStatus uint16 = 5
	ReplyTypeError       uint16 = 1<<15 + 1
	ReplyTypeErrorOffset uint16 = 1<<15 + 2
)

// Simple reply error codes, Linux errno values per the spec.
const (
	ErrPERM     uint32 = 1
	ErrIO       uint32 = 5
	ErrNOMEM    uint32 = 12
	ErrINVAL    uint32 = 22
	ErrNOSPC    uint32 = 28
	ErrOVERFLOW uint32 = 75
	ErrNOTSUP   uint32 = 95
	ErrSHUTDOWN uint32 = 108
)
