package rtmp

import (
	"crypto/rand"
	"fmt"
	"io"
	"net"
	"time"
)

const (
	rtmpVersion      = 0x03
	handshakeSize    = 1536
	handshakeTimeout = 15 * time.Second
)

// handshake runs the client side of the C0/C1/C2 exchange. The random
// echo check is skipped; servers that answer at all are trusted to have
// echoed correctly.
func handshake(conn net.Conn) error {
	c0c1 := make([]byte, 1+handshakeSize)
	c0c1[0] = rtmpVersion
	// C1: zero time, zero version, random fill.
	if _, err := rand.Read(c0c1[9:]); err != nil {
		return fmt.Errorf("handshake random: %w", err)
	}
	if _, err := conn.Write(c0c1); err != nil {
		return fmt.Errorf("write C0+C1: %w", err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(handshakeTimeout)); err != nil {
		return err
	}
	defer conn.SetReadDeadline(time.Time{})

	s0s1s2 := make([]byte, 1+2*handshakeSize)
	if _, err := io.ReadFull(conn, s0s1s2); err != nil {
		return fmt.Errorf("read S0+S1+S2: %w", err)
	}
	if s0s1s2[0] != rtmpVersion {
		return fmt.Errorf("server RTMP version %d, want %d", s0s1s2[0], rtmpVersion)
	}

	// C2 echoes S1.
	if _, err := conn.Write(s0s1s2[1 : 1+handshakeSize]); err != nil {
		return fmt.Errorf("write C2: %w", err)
	}
	return nil
}
