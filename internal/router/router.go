// Package router implements the per-session message dispatch of
// spec.md §4.6: the session reader loop extracts the device MAC and
// 4-character message id from each inbound frame and dispatches to the
// matching handler, grounded on the teacher's handleClientMessage
// switch in relay/server/connection.go but keyed by a wire message id
// instead of a protocol.MessageType enum, since the wrapper protocol
// carries its dispatch tag as a TEXT field rather than a header byte.
package router

import (
	"errors"
	"fmt"
	"log"

	"github.com/spearit/spearhead/internal/connection"
	"github.com/spearit/spearhead/internal/device"
	"github.com/spearit/spearhead/internal/events"
	"github.com/spearit/spearhead/internal/heartbeat"
	"github.com/spearit/spearhead/internal/protocol"
	"github.com/spearit/spearhead/internal/protoinfo"
	"github.com/spearit/spearhead/internal/rules"
)

// Message ids recognized on the wrapper wire protocol, per spec.md §4.6.
const (
	MsgReport       = "RPRT"
	MsgHeartbeat    = "HRTB"
	MsgRulesRequest = "RQRL"
	MsgRulesReply   = "RSLR"
)

// ErrUnknownMessage indicates a frame carried a message id the router
// has no handler for; the single frame is dropped and the session
// continues per spec.md §4.6.
var ErrUnknownMessage = errors.New("router: unknown message id")

// HeartbeatRepository is the storage dependency heartbeat ingress needs.
type HeartbeatRepository = heartbeat.Repository

// RulesRepository is the storage dependency rule resolution needs.
type RulesRepository = rules.Repository

// Deps bundles everything the Router needs to process a frame, kept as
// narrow interfaces so tests can supply fakes per spec.md §9's emphasis
// on instantiable, testable server state.
type Deps struct {
	ProtoMap    *protoinfo.Map
	Queue       *events.Queue
	HeartbeatDB HeartbeatRepository
	RulesDB     RulesRepository
}

// Router dispatches frames received on one Connection per spec.md §4.6.
// A Router instance is stateless aside from its dependencies and is
// safe to share across sessions; the per-session loop lives in Run.
type Router struct {
	deps Deps
}

// New builds a Router against deps.
func New(deps Deps) *Router {
	return &Router{deps: deps}
}

// Run loops recv -> dispatch until conn's Recv returns an error (a
// Transport or Protocol failure per spec.md §7), at which point the
// caller (the acceptor's per-session goroutine) tears the session down.
func (r *Router) Run(conn *connection.Connection) error {
	for {
		frame, err := conn.Recv()
		if err != nil {
			return err
		}
		if err := r.dispatch(conn, frame); err != nil {
			log.Printf("router: dropping message from %s: %v", conn.PeerAddr(), err)
		}
	}
}

// dispatch extracts the device MAC and message id (the first two TEXT
// fields per spec.md §4.6) and routes to the matching handler. Any
// malformation is a Validation-class failure: log and drop the single
// message, never tear down the session.
func (r *Router) dispatch(conn *connection.Connection, frame *protocol.Frame) error {
	if len(frame.Fields) < 2 {
		return errors.New("router: frame has fewer than 2 fields")
	}
	if frame.Fields[0].Type != protocol.FieldText || frame.Fields[1].Type != protocol.FieldText {
		return errors.New("router: device mac and message id must be TEXT fields")
	}

	mac, err := frame.Fields[0].Text()
	if err != nil {
		return err
	}
	msgID, err := frame.Fields[1].Text()
	if err != nil {
		return err
	}

	switch msgID {
	case MsgReport:
		return r.handleReport(mac, frame)
	case MsgHeartbeat:
		return r.handleHeartbeat(frame)
	case MsgRulesRequest:
		return r.handleRulesRequest(conn, mac)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMessage, msgID)
	}
}

func (r *Router) handleReport(mac string, frame *protocol.Frame) error {
	if len(frame.Fields) < 3 || frame.Fields[2].Type != protocol.FieldText {
		return errors.New("router: RPRT payload must be a TEXT field")
	}
	payload, err := frame.Fields[2].Text()
	if err != nil {
		return err
	}

	pe, err := events.ParsePacketEvent([]byte(payload), r.deps.ProtoMap)
	if err != nil {
		return err
	}

	if _, err := device.NormalizeMAC(mac); err != nil {
		return err
	}

	if err := r.deps.Queue.Push(pe); err != nil {
		return err
	}
	return nil
}

func (r *Router) handleHeartbeat(frame *protocol.Frame) error {
	if len(frame.Fields) < 3 || frame.Fields[2].Type != protocol.FieldText {
		return errors.New("router: HRTB payload must be a TEXT field")
	}
	payload, err := frame.Fields[2].Text()
	if err != nil {
		return err
	}

	hb, err := heartbeat.Parse([]byte(payload))
	if err != nil {
		return err
	}
	return heartbeat.Apply(r.deps.HeartbeatDB, hb)
}

func (r *Router) handleRulesRequest(conn *connection.Connection, mac string) error {
	normalized, err := device.NormalizeMAC(mac)
	if err != nil {
		return err
	}

	compact, err := rules.ResolveForDevice(r.deps.RulesDB, normalized)
	if err != nil {
		return err
	}

	reply := &protocol.Frame{Fields: []protocol.Field{
		protocol.NewTextField(normalized),
		protocol.NewTextField(MsgRulesReply),
		protocol.NewTextField(string(compact)),
	}}
	return conn.Send(reply)
}
