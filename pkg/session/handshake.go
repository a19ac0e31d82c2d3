package session

import (
	"context"
	"fmt"

	"github.com/marmos91/nbdserver/internal/logger"
	"github.com/marmos91/nbdserver/pkg/nbdproto"
)

// handshake performs the server-led fixed-newstyle greeting: write
// magic + handshake flags, then read back the client's flags.
func (s *Session) handshake(ctx context.Context) error {
	if err := nbdproto.WriteGreeting(s.conn); err != nil {
		return fmt.Errorf("write greeting: %w", err)
	}

	flags, err := nbdproto.ReadClientFlags(s.conn)
	if err != nil {
		return fmt.Errorf("read client flags: %w", err)
	}
	s.clientFlags = flags

	logger.DebugCtx(ctx, "handshake complete")
	return nil
}
