package session

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/nbdserver/pkg/blockdriver"
	"github.com/marmos91/nbdserver/pkg/export"
	"github.com/marmos91/nbdserver/pkg/nbdproto"
	"github.com/marmos91/nbdserver/pkg/objectstore/file"
)

func newTestRegistry(t *testing.T) *export.Registry {
	t.Helper()
	ctx := context.Background()
	store, err := file.New(file.Config{RootPath: t.TempDir()})
	require.NoError(t, err)

	cfg := blockdriver.Config{VolumeSize: 1024}
	require.NoError(t, blockdriver.InitRaw(ctx, store, cfg))
	driver, err := blockdriver.NewRaw(ctx, store, cfg)
	require.NoError(t, err)

	reg := export.NewRegistry()
	require.NoError(t, reg.Add(&export.Export{Name: "default", DriverKind: "raw", Driver: driver}))
	return reg
}

// TestHandshakeAndBlockSizeInfo drives a Session through the greeting
// and a GO with no info requests (answered with the default block-size
// info), then issues a write/read pair and a clean disconnect.
func TestHandshakeAndBlockSizeInfo(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	reg := newTestRegistry(t)
	sess := New("test-session", serverConn, reg)

	done := make(chan error, 1)
	go func() { done <- sess.Serve(context.Background()) }()

	// Server greeting.
	greeting := make([]byte, 18)
	_, err := clientConn.Read(greeting)
	require.NoError(t, err)
	assert.Equal(t, nbdproto.MagicNBD, string(greeting[0:8]))
	assert.Equal(t, nbdproto.MagicIHaveOpt, string(greeting[8:16]))

	// Client flags.
	require.NoError(t, writeClientFlags(clientConn, nbdproto.ClientFlagFixedNewstyle|nbdproto.ClientFlagNoZeroes))

	// NBD_OPT_GO with export name "default" and zero info requests.
	require.NoError(t, writeGoOption(clientConn, "default"))

	replyOpt, replyType, data := readOptionReply(t, clientConn)
	assert.Equal(t, nbdproto.OptGo, replyOpt)
	assert.Equal(t, nbdproto.RepInfo, replyType)
	assert.Equal(t, nbdproto.InfoBlockSize, beUint16(data[0:2]))

	replyOpt, replyType, _ = readOptionReply(t, clientConn)
	assert.Equal(t, nbdproto.OptGo, replyOpt)
	assert.Equal(t, nbdproto.RepAck, replyType)

	// WRITE "hello" at offset 0.
	require.NoError(t, writeRequest(clientConn, nbdproto.CmdWrite, 1, 0, []byte("hello")))
	errCode, handle := readSimpleReplyHeader(t, clientConn)
	assert.Equal(t, uint32(0), errCode)
	assert.Equal(t, uint64(1), handle)

	// READ it back.
	require.NoError(t, writeRequest(clientConn, nbdproto.CmdRead, 2, 0, nil, 5))
	errCode, handle = readSimpleReplyHeader(t, clientConn)
	assert.Equal(t, uint32(0), errCode)
	assert.Equal(t, uint64(2), handle)

	payload := make([]byte, 5)
	_, err = readFullTest(clientConn, payload)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), payload)

	// Clean disconnect: zero tag.
	require.NoError(t, writeZeroTag(clientConn))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("session did not terminate after disconnect")
	}
}

// --- minimal client-side wire helpers, intentionally separate from
// nbdproto's server-side helpers so the test exercises the protocol
// from a real client's point of view. ---

func writeClientFlags(w net.Conn, flags uint32) error {
	b := []byte{byte(flags >> 24), byte(flags >> 16), byte(flags >> 8), byte(flags)}
	_, err := w.Write(b)
	return err
}

func writeGoOption(w net.Conn, name string) error {
	var buf bytes.Buffer
	buf.Write(beBytes64(nbdproto.IHaveOptMagic))
	buf.Write(beBytes32(nbdproto.OptGo))

	var payload bytes.Buffer
	payload.Write(beBytes32(uint32(len(name))))
	payload.WriteString(name)
	payload.Write(beBytes16(0)) // zero info requests

	buf.Write(beBytes32(uint32(payload.Len())))
	buf.Write(payload.Bytes())

	_, err := w.Write(buf.Bytes())
	return err
}

func writeRequest(w net.Conn, cmd uint16, handle uint64, offset uint64, data []byte, length ...uint32) error {
	var buf bytes.Buffer
	buf.Write(beBytes32(nbdproto.RequestMagic))
	buf.Write(beBytes16(0))
	buf.Write(beBytes16(cmd))
	buf.Write(beBytes64(handle))
	buf.Write(beBytes64(offset))

	l := uint32(len(data))
	if len(length) > 0 {
		l = length[0]
	}
	buf.Write(beBytes32(l))
	buf.Write(data)

	_, err := w.Write(buf.Bytes())
	return err
}

func writeZeroTag(w net.Conn) error {
	_, err := w.Write(beBytes32(0))
	return err
}

func readOptionReply(t *testing.T, r net.Conn) (option uint32, replyType uint32, data []byte) {
	t.Helper()
	hdr := make([]byte, 20)
	_, err := readFullTest(r, hdr)
	require.NoError(t, err)
	require.Equal(t, nbdproto.OptionReplyMagic, beUint64(hdr[0:8]))

	option = beUint32(hdr[8:12])
	replyType = beUint32(hdr[12:16])
	length := beUint32(hdr[16:20])

	data = make([]byte, length)
	_, err = readFullTest(r, data)
	require.NoError(t, err)
	return option, replyType, data
}

func readSimpleReplyHeader(t *testing.T, r net.Conn) (errCode uint32, handle uint64) {
	t.Helper()
	hdr := make([]byte, 16)
	_, err := readFullTest(r, hdr)
	require.NoError(t, err)
	require.Equal(t, nbdproto.SimpleReplyMagic, beUint32(hdr[0:4]))
	return beUint32(hdr[4:8]), beUint64(hdr[8:16])
}

func readFullTest(r net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func beBytes16(v uint16) []byte { return []byte{byte(v >> 8), byte(v)} }
func beBytes32(v uint32) []byte {
	return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}
func beBytes64(v uint64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> uint(56-8*i))
	}
	return b
}
func beUint16(b []byte) uint16 { return uint16(b[0])<<8 | uint16(b[1]) }
func beUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
func beUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(b[i])
	}
	return v
}
