// Package connection implements the per-session Connection described in
// spec.md §4.3: it owns a socket, the session cipher state, and the
// observer hooks fired on every send/recv, the way the teacher's
// ClientConnection owns a websocket.Conn plus its frame encryptors
// (relay/server/connection.go) — generalized here to a raw net.Conn since
// the wrapper wire protocol is plain TCP, not a WebSocket upgrade.
package connection

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/spearit/spearhead/internal/cryptosession"
	"github.com/spearit/spearhead/internal/protocol"
)

var (
	// ErrTransport is returned when the underlying socket breaks.
	ErrTransport = errors.New("connection: transport error")
	// ErrProtocol is returned for malformed frames or shape violations.
	ErrProtocol = errors.New("connection: protocol error")
	// ErrClosed is returned by operations attempted after Close.
	ErrClosed = errors.New("connection: connection is closed")
)

// ObserverFunc receives a deep copy of a plaintext frame. Implementations
// must not retain references into the live connection state.
type ObserverFunc func(peerAddr string, f *protocol.Frame)

// Connection owns one agent session's socket and cipher state. It is
// single-reader, single-writer per spec.md §4.3: Recv is only ever called
// from the session's dedicated reader goroutine, while Send may be called
// concurrently from any goroutine and is serialized internally.
type Connection struct {
	conn     net.Conn
	peerAddr string

	writeMu sync.Mutex

	stateMu    sync.RWMutex
	encrypted  bool
	iv         [cryptosession.IVSize]byte
	sessionKey [cryptosession.KeySize]byte
	cipher     *cryptosession.Cipher

	onSend ObserverFunc
	onRecv ObserverFunc

	closeOnce sync.Once
	closed    chan struct{}
}

// New wraps an accepted net.Conn. The connection starts unencrypted;
// EnableEncryption is called by the handshake on success.
func New(conn net.Conn) *Connection {
	return &Connection{
		conn:     conn,
		peerAddr: conn.RemoteAddr().String(),
		closed:   make(chan struct{}),
	}
}

// PeerAddr returns the remote address captured at accept time.
func (c *Connection) PeerAddr() string {
	return c.peerAddr
}

// SetObservers wires the fan-out hooks the acceptor installs before the
// handshake begins (spec.md §4.5 step 2).
func (c *Connection) SetObservers(onSend, onRecv ObserverFunc) {
	c.onSend = onSend
	c.onRecv = onRecv
}

// IsEncrypted reports whether EnableEncryption has succeeded.
func (c *Connection) IsEncrypted() bool {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.encrypted
}

// EnableEncryption promotes the connection to encrypted mode with the
// given session key and IV, called by Handshake on success.
func (c *Connection) EnableEncryption(key [cryptosession.KeySize]byte, iv [cryptosession.IVSize]byte) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.sessionKey = key
	c.iv = iv
	c.cipher = cryptosession.NewCipher(key, iv)
	c.encrypted = true
}

// ClearCryptoState zeroes key/IV and disables encryption. Called on any
// handshake failure per spec.md §4.2.
func (c *Connection) ClearCryptoState() {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.sessionKey = [cryptosession.KeySize]byte{}
	c.iv = [cryptosession.IVSize]byte{}
	c.cipher = nil
	c.encrypted = false
}

// SetTimeout bounds subsequent blocking socket operations. A zero
// duration clears the deadline (used once the handshake completes, since
// the regular operating socket has no read timeout per spec.md §4.2).
func (c *Connection) SetTimeout(d time.Duration) error {
	if d <= 0 {
		return c.conn.SetDeadline(time.Time{})
	}
	return c.conn.SetDeadline(time.Now().Add(d))
}

// Send serializes f, conditionally encrypts it, and writes it atomically.
// on_send fires before the write per spec.md §4.3, with a deep copy so the
// observer cannot mutate in-flight state.
func (c *Connection) Send(f *protocol.Frame) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}

	if c.onSend != nil {
		c.onSend(c.peerAddr, f.Clone())
	}

	encrypted, cipher := c.cryptoSnapshot()

	var wire []byte
	var err error
	if encrypted {
		wire, err = cipher.EncryptFrame(f)
	} else {
		wire, err = protocol.Encode(f)
	}
	if err != nil {
		return fmt.Errorf("%w: failed to encode outbound frame: %v", ErrProtocol, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.closed:
		return ErrClosed
	default:
	}

	if _, err := c.conn.Write(wire); err != nil {
		return fmt.Errorf("%w: write failed: %v", ErrTransport, err)
	}
	return nil
}

// Recv reads one frame: the outer total_len/ciphertext_len prefix, then
// exactly that many bytes. In encrypted mode it decrypts and re-parses;
// on_recv fires with a deep copy of the decoded plaintext frame.
func (c *Connection) Recv() (*protocol.Frame, error) {
	var lenBuf [8]byte
	if _, err := io.ReadFull(c.conn, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	n := binary.BigEndian.Uint64(lenBuf[:])

	body := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(c.conn, body); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTransport, err)
		}
	}

	encrypted, cipher := c.cryptoSnapshot()

	var f *protocol.Frame
	var err error
	if encrypted {
		f, err = cipher.DecryptFrame(body)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
		}
	} else {
		prefixed := make([]byte, 8+len(body))
		binary.BigEndian.PutUint64(prefixed[:8], n)
		copy(prefixed[8:], body)
		f, err = protocol.Decode(prefixed)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
		}
	}

	if c.onRecv != nil {
		c.onRecv(c.peerAddr, f.Clone())
	}

	return f, nil
}

func (c *Connection) cryptoSnapshot() (bool, *cryptosession.Cipher) {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.encrypted, c.cipher
}

// Close half-closes then closes the socket. Idempotent.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		if tc, ok := c.conn.(*net.TCPConn); ok {
			_ = tc.CloseWrite()
		}
		err = c.conn.Close()
	})
	return err
}
