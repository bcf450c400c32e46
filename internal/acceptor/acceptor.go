// Package acceptor implements the connection acceptor of spec.md §4.5:
// it listens on the wrapper port, enforces per-source-IP session
// uniqueness, runs the handshake on every accepted socket, and spawns
// the per-session reader, grounded on the teacher's
// ConnectionManager.handleWebSocket/handleClient pair in
// relay/server/connection.go but generalized from a WebSocket upgrade
// to a raw TCP accept loop, since the wrapper wire protocol has no
// HTTP upgrade step.
package acceptor

import (
	"log"
	"net"
	"strings"
	"sync"

	"github.com/spearit/spearhead/internal/connection"
	"github.com/spearit/spearhead/internal/handshake"
	"github.com/spearit/spearhead/internal/protocol"
)

// SessionHandler processes frames on an established Connection until it
// closes or errors. The acceptor calls this once per accepted session,
// in its own goroutine. Implementations are internal/router.Router.Run.
type SessionHandler func(conn *connection.Connection) error

// Acceptor owns the listening socket and the live-sessions set of
// spec.md §5: "read by acceptor and readers, mutated under a lock."
type Acceptor struct {
	listener net.Listener
	cache    SessionCache
	handler  SessionHandler

	hsOpts handshake.Options

	subsMu sync.RWMutex
	subs   []Subscriber

	liveMu sync.Mutex
	live   map[string]*connection.Connection

	wg sync.WaitGroup
}

// New builds an Acceptor that will listen on addr once Serve is called.
// cache enforces the per-IP uniqueness invariant; handler processes
// frames on each established session. The zero hsOpts uses the handshake
// defaults (20s deadline, encryption on).
func New(cache SessionCache, handler SessionHandler, hsOpts handshake.Options) *Acceptor {
	return &Acceptor{
		cache:   cache,
		handler: handler,
		hsOpts:  hsOpts,
		live:    make(map[string]*connection.Connection),
	}
}

// Subscribe registers a Subscriber to be called for every Event the
// acceptor fires. Must be called before Serve to avoid missing early
// events.
func (a *Acceptor) Subscribe(sub Subscriber) {
	a.subsMu.Lock()
	defer a.subsMu.Unlock()
	a.subs = append(a.subs, sub)
}

func (a *Acceptor) fire(ev Event) {
	a.subsMu.RLock()
	defer a.subsMu.RUnlock()
	for _, sub := range a.subs {
		sub(ev)
	}
}

// Serve listens on addr and accepts sessions until the listener is
// closed (by Close, typically from a shutdown goroutine). It returns
// once the accept loop exits; Close causes Accept to return an error,
// which Serve treats as a clean stop rather than propagating it.
func (a *Acceptor) Serve(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	a.listener = ln
	log.Printf("acceptor: listening on %s", addr)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if isClosedErr(err) {
				return nil
			}
			log.Printf("acceptor: accept error: %v", err)
			continue
		}
		a.wg.Add(1)
		go a.handleAccepted(conn)
	}
}

func isClosedErr(err error) bool {
	return strings.Contains(err.Error(), "use of closed network connection")
}

// Close stops accepting new sessions and closes every live connection,
// the first half of the graceful-shutdown sequence in spec.md §5.
func (a *Acceptor) Close() error {
	var err error
	if a.listener != nil {
		err = a.listener.Close()
	}

	a.liveMu.Lock()
	conns := make([]*connection.Connection, 0, len(a.live))
	for _, c := range a.live {
		conns = append(conns, c)
	}
	a.liveMu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	return err
}

// Wait blocks until every spawned session goroutine has returned.
func (a *Acceptor) Wait() {
	a.wg.Wait()
}

func sourceIP(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

func (a *Acceptor) handleAccepted(rawConn net.Conn) {
	defer a.wg.Done()

	peerAddr := rawConn.RemoteAddr().String()
	ip := sourceIP(peerAddr)

	a.fire(Event{Type: EventConnectionAccepted, PeerAddr: peerAddr})

	acquired, err := a.cache.Acquire(ip)
	if err != nil {
		log.Printf("acceptor: session cache error for %s: %v", ip, err)
		rawConn.Close()
		return
	}
	if !acquired {
		log.Printf("acceptor: rejecting %s: source IP already has a live session", ip)
		rawConn.Close()
		return
	}
	defer a.cache.Release(ip)

	conn := connection.New(rawConn)
	conn.SetObservers(
		func(peer string, f *protocol.Frame) { a.fire(Event{Type: EventMessageSent, PeerAddr: peer, Frame: f}) },
		func(peer string, f *protocol.Frame) { a.fire(Event{Type: EventMessageReceived, PeerAddr: peer, Frame: f}) },
	)

	if !handshake.RunWithOptions(conn, a.hsOpts) {
		a.fire(Event{Type: EventConnectionFailedToEstablish, PeerAddr: peerAddr})
		conn.Close()
		return
	}

	a.register(ip, conn)
	defer a.unregister(ip)

	a.fire(Event{Type: EventConnectionEstablished, PeerAddr: peerAddr})

	err = a.handler(conn)
	conn.Close()
	a.fire(Event{Type: EventConnectionTerminated, PeerAddr: peerAddr, Err: err})
}

func (a *Acceptor) register(ip string, conn *connection.Connection) {
	a.liveMu.Lock()
	defer a.liveMu.Unlock()
	a.live[ip] = conn
}

func (a *Acceptor) unregister(ip string) {
	a.liveMu.Lock()
	defer a.liveMu.Unlock()
	delete(a.live, ip)
}

// LiveCount reports the number of currently established sessions, for
// the admin API's stats surface.
func (a *Acceptor) LiveCount() int {
	a.liveMu.Lock()
	defer a.liveMu.Unlock()
	return len(a.live)
}
