// Package handshake implements the scripted key-agreement exchange of
// spec.md §4.2/§4.4 that promotes a Connection from plaintext to
// encrypted, grounded on the message-exchange shape of the teacher's
// shared/protocol/handshake.go (HandshakeState + Create/Process/Verify
// steps) but using a single X25519 exchange and AES-128-CBC instead of
// the teacher's hybrid KEM+signature scheme, per spec.md.
package handshake

import (
	"encoding/binary"
	"log"
	"time"

	"github.com/spearit/spearhead/internal/connection"
	"github.com/spearit/spearhead/internal/cryptosession"
	"github.com/spearit/spearhead/internal/protocol"
)

// Timeout is the mandatory handshake deadline from spec.md §4.2.
const Timeout = 20 * time.Second

// MaxClockSkew is the maximum tolerated difference between server and
// client clocks before the session is rejected.
const MaxClockSkew = 5 * time.Second

// Options tunes a handshake run. The zero value uses the spec.md §4.2
// defaults: the 20-second deadline with session encryption enabled.
type Options struct {
	// Timeout bounds the whole exchange; zero falls back to Timeout.
	Timeout time.Duration
	// PlaintextFrames is the enable_encryption=false config mode of
	// spec.md §6: the public-key exchange still happens, but the session
	// stays plaintext and the encrypted clock-skew probe is skipped.
	PlaintextFrames bool
}

// Run performs the server side of the handshake on conn using the
// spec.md §4.2 default deadline. On success it enables encryption on
// conn and returns true. On any failure it clears conn's crypto state
// and returns false; the caller (the acceptor) is responsible for
// closing the socket per spec.md §4.4.
func Run(conn *connection.Connection) bool {
	return RunWithOptions(conn, Options{})
}

// RunWithTimeout is Run with an operator-configured deadline (spec.md
// §6's handshake_timeout_seconds).
func RunWithTimeout(conn *connection.Connection, timeout time.Duration) bool {
	return RunWithOptions(conn, Options{Timeout: timeout})
}

// RunWithOptions is Run with the full operator-configured surface, used
// by the acceptor so the config values actually govern handshake
// behavior instead of only documenting the defaults.
func RunWithOptions(conn *connection.Connection, opts Options) bool {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = Timeout
	}
	if err := conn.SetTimeout(timeout); err != nil {
		log.Printf("handshake: failed to set timeout for %s: %v", conn.PeerAddr(), err)
		conn.ClearCryptoState()
		return false
	}

	ok := run(conn, opts.PlaintextFrames)
	if !ok {
		conn.ClearCryptoState()
	}
	return ok
}

func run(conn *connection.Connection, plaintext bool) bool {
	iv, err := cryptosession.GenerateIV()
	if err != nil {
		log.Printf("handshake: failed to generate IV for %s: %v", conn.PeerAddr(), err)
		return false
	}

	keypair, err := cryptosession.GenerateX25519Keypair()
	if err != nil {
		log.Printf("handshake: failed to generate X25519 keypair for %s: %v", conn.PeerAddr(), err)
		return false
	}

	hello := &protocol.Frame{Fields: []protocol.Field{
		protocol.NewRawField(iv[:]),
		protocol.NewRawField(keypair.PublicKey),
	}}
	if err := conn.Send(hello); err != nil {
		log.Printf("handshake: failed to send hello to %s: %v", conn.PeerAddr(), err)
		return false
	}

	clientHello, err := conn.Recv()
	if err != nil {
		log.Printf("handshake: failed to receive client public key from %s: %v", conn.PeerAddr(), err)
		return false
	}
	if len(clientHello.Fields) != 1 || clientHello.Fields[0].Type != protocol.FieldRaw {
		log.Printf("handshake: malformed client hello from %s", conn.PeerAddr())
		return false
	}
	clientPub := clientHello.Fields[0].Value

	sessionKey, err := keypair.DeriveSessionKey(clientPub)
	if err != nil {
		log.Printf("handshake: key derivation failed for %s: %v", conn.PeerAddr(), err)
		return false
	}

	if plaintext {
		// enable_encryption=false: the key agreement completed, frames
		// stay plaintext, and the encrypted clock probe never happens.
		if err := conn.SetTimeout(0); err != nil {
			log.Printf("handshake: failed to clear timeout for %s: %v", conn.PeerAddr(), err)
			return false
		}
		return true
	}

	// Encryption is enabled from here on; both the server's time probe
	// and the client's echo travel as encrypted frames.
	conn.EnableEncryption(sessionKey, iv)

	serverTime := time.Now().Unix()
	var tsBuf [8]byte
	binary.BigEndian.PutUint64(tsBuf[:], uint64(serverTime))

	timeFrame := &protocol.Frame{Fields: []protocol.Field{protocol.NewRawField(tsBuf[:])}}
	if err := conn.Send(timeFrame); err != nil {
		log.Printf("handshake: failed to send time probe to %s: %v", conn.PeerAddr(), err)
		return false
	}

	echo, err := conn.Recv()
	if err != nil {
		log.Printf("handshake: failed to receive time echo from %s: %v", conn.PeerAddr(), err)
		return false
	}
	if len(echo.Fields) != 1 || echo.Fields[0].Type != protocol.FieldRaw || len(echo.Fields[0].Value) != 8 {
		log.Printf("handshake: malformed time echo from %s", conn.PeerAddr())
		return false
	}

	clientTime := int64(binary.BigEndian.Uint64(echo.Fields[0].Value))
	skew := serverTime - clientTime
	if skew < 0 {
		skew = -skew
	}
	if time.Duration(skew)*time.Second > MaxClockSkew {
		log.Printf("handshake: clock skew %ds from %s exceeds %s", skew, conn.PeerAddr(), MaxClockSkew)
		return false
	}

	if err := conn.SetTimeout(0); err != nil {
		log.Printf("handshake: failed to clear timeout for %s: %v", conn.PeerAddr(), err)
		return false
	}

	return true
}
