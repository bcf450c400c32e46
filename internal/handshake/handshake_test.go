package handshake_test

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/spearit/spearhead/internal/connection"
	"github.com/spearit/spearhead/internal/cryptosession"
	"github.com/spearit/spearhead/internal/handshake"
	"github.com/spearit/spearhead/internal/protocol"
)

// fakeClient plays the wrapper side of the handshake over one end of a
// net.Pipe, applying the given skew (in seconds) to the time it echoes
// back to the server.
func fakeClient(t *testing.T, conn net.Conn, skewSeconds int64) {
	t.Helper()
	c := connection.New(conn)

	hello, err := c.Recv()
	if err != nil {
		t.Errorf("client: failed to receive hello: %v", err)
		return
	}
	if len(hello.Fields) != 2 {
		t.Errorf("client: hello field count = %d, want 2", len(hello.Fields))
		return
	}

	var iv [cryptosession.IVSize]byte
	copy(iv[:], hello.Fields[0].Value)
	serverPub := hello.Fields[1].Value

	keypair, err := cryptosession.GenerateX25519Keypair()
	if err != nil {
		t.Errorf("client: failed to generate keypair: %v", err)
		return
	}

	reply := &protocol.Frame{Fields: []protocol.Field{protocol.NewRawField(keypair.PublicKey)}}
	if err := c.Send(reply); err != nil {
		t.Errorf("client: failed to send public key: %v", err)
		return
	}

	sessionKey, err := keypair.DeriveSessionKey(serverPub)
	if err != nil {
		t.Errorf("client: failed to derive session key: %v", err)
		return
	}
	c.EnableEncryption(sessionKey, iv)

	probe, err := c.Recv()
	if err != nil {
		t.Errorf("client: failed to receive time probe: %v", err)
		return
	}
	if len(probe.Fields) != 1 || len(probe.Fields[0].Value) != 8 {
		t.Errorf("client: malformed time probe")
		return
	}
	serverTime := int64(binary.BigEndian.Uint64(probe.Fields[0].Value))

	var echoBuf [8]byte
	binary.BigEndian.PutUint64(echoBuf[:], uint64(serverTime+skewSeconds))
	echo := &protocol.Frame{Fields: []protocol.Field{protocol.NewRawField(echoBuf[:])}}
	if err := c.Send(echo); err != nil {
		t.Errorf("client: failed to send time echo: %v", err)
	}
}

func TestRunSucceedsWithinClockSkewTolerance(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		fakeClient(t, clientConn, 0)
	}()

	server := connection.New(serverConn)
	ok := handshake.Run(server)
	<-done

	if !ok {
		t.Fatal("Run() = false, want true")
	}
	if !server.IsEncrypted() {
		t.Error("server connection not marked encrypted after successful handshake")
	}
}

func TestRunSucceedsAtExactSkewBoundary(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		fakeClient(t, clientConn, int64(handshake.MaxClockSkew/time.Second))
	}()

	server := connection.New(serverConn)
	ok := handshake.Run(server)
	<-done

	if !ok {
		t.Fatal("Run() = false at exact skew boundary, want true")
	}
}

func TestRunRejectsExcessiveClockSkew(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		fakeClient(t, clientConn, int64(handshake.MaxClockSkew/time.Second)+1)
	}()

	server := connection.New(serverConn)
	ok := handshake.Run(server)
	<-done

	if ok {
		t.Fatal("Run() = true with clock skew past tolerance, want false")
	}
	if server.IsEncrypted() {
		t.Error("server connection still marked encrypted after rejected handshake")
	}
}

func TestRunWithPlaintextFramesLeavesSessionUnencrypted(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		c := connection.New(clientConn)
		if _, err := c.Recv(); err != nil {
			t.Errorf("client: failed to receive hello: %v", err)
			return
		}
		keypair, err := cryptosession.GenerateX25519Keypair()
		if err != nil {
			t.Errorf("client: failed to generate keypair: %v", err)
			return
		}
		reply := &protocol.Frame{Fields: []protocol.Field{protocol.NewRawField(keypair.PublicKey)}}
		if err := c.Send(reply); err != nil {
			t.Errorf("client: failed to send public key: %v", err)
		}
	}()

	server := connection.New(serverConn)
	ok := handshake.RunWithOptions(server, handshake.Options{PlaintextFrames: true})
	<-done

	if !ok {
		t.Fatal("RunWithOptions() = false in plaintext mode, want true")
	}
	if server.IsEncrypted() {
		t.Error("server connection marked encrypted in plaintext mode")
	}
}

func TestRunFailsOnMalformedClientHello(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		c := connection.New(clientConn)
		if _, err := c.Recv(); err != nil {
			return
		}
		// Two fields instead of the expected single RAW public key.
		bad := &protocol.Frame{Fields: []protocol.Field{
			protocol.NewIntField(1),
			protocol.NewIntField(2),
		}}
		_ = c.Send(bad)
	}()

	server := connection.New(serverConn)
	ok := handshake.Run(server)
	<-done

	if ok {
		t.Fatal("Run() = true with malformed client hello, want false")
	}
}
