package connection_test

import (
	"bytes"
	"errors"
	"net"
	"testing"

	"github.com/spearit/spearhead/internal/connection"
	"github.com/spearit/spearhead/internal/cryptosession"
	"github.com/spearit/spearhead/internal/protocol"
)

func fixedKeyIV() ([cryptosession.KeySize]byte, [cryptosession.IVSize]byte) {
	var key [cryptosession.KeySize]byte
	var iv [cryptosession.IVSize]byte
	for i := range key {
		key[i] = byte(i + 1)
	}
	for i := range iv {
		iv[i] = byte(0xB0 + i)
	}
	return key, iv
}

func TestSendRecvPlaintextRoundTrip(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	server := connection.New(serverConn)
	client := connection.New(clientConn)

	f := &protocol.Frame{Fields: []protocol.Field{
		protocol.NewTextField("aa:bb:cc:dd:ee:ff"),
		protocol.NewTextField("RPRT"),
		protocol.NewRawField([]byte{0x01, 0x02}),
	}}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := client.Send(f); err != nil {
			t.Errorf("Send() error = %v", err)
		}
	}()

	got, err := server.Recv()
	<-done
	if err != nil {
		t.Fatalf("Recv() error = %v", err)
	}
	if len(got.Fields) != 3 || !bytes.Equal(got.Fields[2].Value, []byte{0x01, 0x02}) {
		t.Fatalf("Recv() = %+v, want original frame", got)
	}
}

func TestSendRecvEncryptedRoundTrip(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	key, iv := fixedKeyIV()
	server := connection.New(serverConn)
	client := connection.New(clientConn)
	server.EnableEncryption(key, iv)
	client.EnableEncryption(key, iv)

	f := &protocol.Frame{Fields: []protocol.Field{
		protocol.NewTextField("RPRT"),
		protocol.NewTextField(`{"violated_rule_id":7}`),
	}}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := client.Send(f); err != nil {
			t.Errorf("Send() error = %v", err)
		}
	}()

	got, err := server.Recv()
	<-done
	if err != nil {
		t.Fatalf("Recv() error = %v", err)
	}
	if len(got.Fields) != 2 || !bytes.Equal(got.Fields[1].Value, f.Fields[1].Value) {
		t.Fatalf("Recv() = %+v, want original frame", got)
	}
}

func TestObserversReceiveDeepCopies(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	server := connection.New(serverConn)
	client := connection.New(clientConn)

	var observed *protocol.Frame
	server.SetObservers(nil, func(peer string, f *protocol.Frame) {
		observed = f
		// mutating the observed copy must not corrupt the delivered frame
		f.Fields[0].Value[0] = 0xFF
	})

	f := &protocol.Frame{Fields: []protocol.Field{protocol.NewRawField([]byte{0x10, 0x20})}}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := client.Send(f); err != nil {
			t.Errorf("Send() error = %v", err)
		}
	}()

	got, err := server.Recv()
	<-done
	if err != nil {
		t.Fatalf("Recv() error = %v", err)
	}
	if observed == nil {
		t.Fatal("on_recv observer never fired")
	}
	if got.Fields[0].Value[0] != 0x10 {
		t.Errorf("delivered frame mutated through observer copy: % x", got.Fields[0].Value)
	}
}

func TestSendAfterCloseReturnsErrClosed(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	c := connection.New(serverConn)
	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	// idempotent
	if err := c.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}

	err := c.Send(&protocol.Frame{})
	if !errors.Is(err, connection.ErrClosed) {
		t.Fatalf("Send() after Close = %v, want ErrClosed", err)
	}
}
