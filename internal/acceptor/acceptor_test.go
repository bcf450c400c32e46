package acceptor_test

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/spearit/spearhead/internal/acceptor"
	"github.com/spearit/spearhead/internal/connection"
	"github.com/spearit/spearhead/internal/cryptosession"
	"github.com/spearit/spearhead/internal/handshake"
	"github.com/spearit/spearhead/internal/protocol"
)

// runFakeClient plays the wrapper agent side of the handshake over a
// freshly dialed TCP connection, the same script internal/handshake's
// tests exercise from the server side.
func runFakeClient(t *testing.T, raw net.Conn) *connection.Connection {
	t.Helper()
	c := connection.New(raw)

	hello, err := c.Recv()
	if err != nil {
		t.Fatalf("client: failed to receive hello: %v", err)
	}
	var iv [cryptosession.IVSize]byte
	copy(iv[:], hello.Fields[0].Value)
	serverPub := hello.Fields[1].Value

	keypair, err := cryptosession.GenerateX25519Keypair()
	if err != nil {
		t.Fatalf("client: keypair: %v", err)
	}
	if err := c.Send(&protocol.Frame{Fields: []protocol.Field{protocol.NewRawField(keypair.PublicKey)}}); err != nil {
		t.Fatalf("client: send pubkey: %v", err)
	}

	sessionKey, err := keypair.DeriveSessionKey(serverPub)
	if err != nil {
		t.Fatalf("client: derive key: %v", err)
	}
	c.EnableEncryption(sessionKey, iv)

	probe, err := c.Recv()
	if err != nil {
		t.Fatalf("client: recv time probe: %v", err)
	}
	serverTime := int64(binary.BigEndian.Uint64(probe.Fields[0].Value))
	var echoBuf [8]byte
	binary.BigEndian.PutUint64(echoBuf[:], uint64(serverTime))
	if err := c.Send(&protocol.Frame{Fields: []protocol.Field{protocol.NewRawField(echoBuf[:])}}); err != nil {
		t.Fatalf("client: send echo: %v", err)
	}
	return c
}

func TestAcceptorEstablishesSessionAndDispatchesFrame(t *testing.T) {
	var receivedEvents []acceptor.EventType
	var gotFrame *protocol.Frame
	sessionDone := make(chan struct{})

	a := acceptor.New(acceptor.NewInProcessSessionCache(), func(conn *connection.Connection) error {
		f, err := conn.Recv()
		if err != nil {
			close(sessionDone)
			return err
		}
		gotFrame = f
		close(sessionDone)
		return nil
	}, handshake.Options{})
	a.Subscribe(func(ev acceptor.Event) { receivedEvents = append(receivedEvents, ev.Type) })

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to reserve listener: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	serveErr := make(chan error, 1)
	go func() { serveErr <- a.Serve(addr) }()
	time.Sleep(20 * time.Millisecond)

	raw, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("failed to dial acceptor: %v", err)
	}
	client := runFakeClient(t, raw)

	if err := client.Send(&protocol.Frame{Fields: []protocol.Field{
		protocol.NewTextField("aa:bb:cc:dd:ee:ff"),
		protocol.NewTextField("RQRL"),
	}}); err != nil {
		t.Fatalf("failed to send frame: %v", err)
	}

	select {
	case <-sessionDone:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for session handler")
	}

	if gotFrame == nil || len(gotFrame.Fields) != 2 {
		t.Fatalf("expected 2-field frame delivered to handler, got %v", gotFrame)
	}

	a.Close()
	a.Wait()
	raw.Close()

	// Observers are wired before the handshake, so its two exchanges
	// (public key, clock probe) are reported before ESTABLISHED.
	wantPrefix := []acceptor.EventType{
		acceptor.EventConnectionAccepted,
		acceptor.EventMessageSent,
		acceptor.EventMessageReceived,
		acceptor.EventMessageSent,
		acceptor.EventMessageReceived,
		acceptor.EventConnectionEstablished,
	}
	for i, want := range wantPrefix {
		if i >= len(receivedEvents) || receivedEvents[i] != want {
			t.Fatalf("event[%d] = %v, want %v (all events: %v)", i, safeIndex(receivedEvents, i), want, receivedEvents)
		}
	}
}

func safeIndex(evs []acceptor.EventType, i int) acceptor.EventType {
	if i >= len(evs) {
		return ""
	}
	return evs[i]
}

func TestInProcessSessionCacheEnforcesUniqueness(t *testing.T) {
	cache := acceptor.NewInProcessSessionCache()

	ok, err := cache.Acquire("10.0.0.5")
	if err != nil || !ok {
		t.Fatalf("first acquire should succeed, got ok=%v err=%v", ok, err)
	}

	ok, err = cache.Acquire("10.0.0.5")
	if err != nil {
		t.Fatalf("second acquire errored: %v", err)
	}
	if ok {
		t.Fatal("second acquire for same IP should fail")
	}

	if err := cache.Release("10.0.0.5"); err != nil {
		t.Fatalf("release: %v", err)
	}

	ok, err = cache.Acquire("10.0.0.5")
	if err != nil || !ok {
		t.Fatalf("acquire after release should succeed, got ok=%v err=%v", ok, err)
	}
}
