package nbdproto

import (
	"encoding/binary"
	"fmt"
	"io"
)

// WriteGreeting sends the server's initial fixed-newstyle greeting:
// "NBDMAGIC", "IHAVEOPT", and the 16-bit handshake flags.
func WriteGreeting(w io.Writer) error {
	buf := make([]byte, 0, 18)
	buf = append(buf, []byte(MagicNBD)...)
	buf = append(buf, []byte(MagicIHaveOpt)...)

	var flagBytes [2]byte
	binary.BigEndian.PutUint16(flagBytes[:], FlagFixedNewstyle|FlagNoZeroes)
	buf = append(buf, flagBytes[:]...)

	_, err := w.Write(buf)
	return err
}

// ClientFlags are the bits the client sends back in response to the
// server's greeting, read as a single big-endian uint32.
type ClientFlags struct {
	FixedNewstyle bool
	NoZeroes      bool
}

// ReadClientFlags reads and decodes the client's 32-bit flags field.
func ReadClientFlags(r io.Reader) (ClientFlags, error) {
	v, err := ReadUint32(r)
	if err != nil {
		return ClientFlags{}, fmt.Errorf("read client flags: %w", err)
	}
	return ClientFlags{
		FixedNewstyle: v&ClientFlagFixedNewstyle != 0,
		NoZeroes:      v&ClientFlagNoZeroes != 0,
	}, nil
}
