// Package events implements the event ingress of spec.md §4.7: parsing a
// JSON packet-event document into a typed PacketEvent and validating
// every field spec.md requires, grounded on the teacher's protocol
// message decoding in shared/protocol/messages.go (strict field-by-field
// validation, sentinel errors per failure class) but operating on JSON
// payloads instead of the teacher's binary message bodies.
package events

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spearit/spearhead/internal/device"
	"github.com/spearit/spearhead/internal/protoinfo"
)

// ErrValidation is the sentinel wrapped by every ingress rejection.
// Per spec.md §7, a Validation error drops the single offending message
// without affecting the session.
var ErrValidation = errors.New("events: validation failed")

// ViolationType enumerates the kind of policy violation observed.
type ViolationType string

const (
	ViolationTypePacket     ViolationType = "packet"
	ViolationTypeConnection ViolationType = "connection"
)

// ViolationResponse enumerates the action the agent took.
type ViolationResponse string

const (
	ResponseAirGap  ViolationResponse = "air_gap"
	ResponseKill    ViolationResponse = "kill"
	ResponseIsolate ViolationResponse = "isolate"
	ResponseAlert   ViolationResponse = "alert"
	ResponseRun     ViolationResponse = "run"
)

// Direction enumerates which way a packet event's traffic flowed.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// EventKind identifies the concrete event shape. Only "packet" exists
// today per spec.md §3.
type EventKind string

const EventKindPacket EventKind = "packet"

// Event is the common base shared by every event shape.
type Event struct {
	ID                int64
	CampaignID        int64 // 0 means unassigned
	TimestampNS       int64
	ViolatedRuleID    int64
	ViolationType     ViolationType
	ViolationResponse ViolationResponse
	Kind              EventKind

	// DeviceID is the resolved owning device, populated by the processing
	// loop after it upserts OwnerMAC. Zero until resolved.
	DeviceID int64
	OwnerMAC string
}

// Process describes the local process an agent attributed the violation to.
type Process struct {
	PID  int
	Name string
}

// Endpoint is one side of a network conversation. IP and Port are nil
// when the agent reported no value for that side.
type Endpoint struct {
	IP   *string
	Port *int
	MAC  string
}

// Payload carries the (possibly truncated) captured bytes for a packet
// event, along with the agent-declared full size.
type Payload struct {
	FullSize int
	Data     []byte
}

// PacketEvent specializes Event with the packet-level fields of spec.md §3.
type PacketEvent struct {
	Event

	Protocol     int64
	ProtocolInfo protoinfo.Info

	IsConnectionEstablishing bool
	Direction                Direction
	Process                  Process
	Src                      Endpoint
	Dst                      Endpoint
	Payload                  Payload

	// RemoteMAC is the peer device's MAC for this conversation, derived
	// from Direction the same way OwnerMAC is: the side opposite the
	// local device (spec.md §4.9 step 5).
	RemoteMAC string
}

// wireEvent mirrors the JSON document shape agents send in RPRT frames.
type wireEvent struct {
	TimestampNS              int64       `json:"timestamp_ns"`
	ViolatedRuleID           int64       `json:"violated_rule_id"`
	ViolationType            string      `json:"violation_type"`
	ViolationResponse        string      `json:"violation_response"`
	Protocol                 int64       `json:"protocol"`
	IsConnectionEstablishing bool        `json:"is_connection_establishing"`
	Direction                string      `json:"direction"`
	Process                  wireProcess `json:"process"`
	IP                       wireIP      `json:"ip"`
	SrcMAC                   string      `json:"src_mac"`
	DstMAC                   string      `json:"dst_mac"`
	Payload                  wirePayload `json:"payload"`
}

type wireProcess struct {
	PID  int    `json:"pid"`
	Name string `json:"name"`
}

type wireIP struct {
	SrcIP   *string `json:"src_ip"`
	DstIP   *string `json:"dst_ip"`
	SrcPort *int    `json:"src_port"`
	DstPort *int    `json:"dst_port"`
}

type wirePayload struct {
	FullSize int    `json:"full_size"`
	Data     string `json:"data"`
}

// ParsePacketEvent validates and decodes raw into a PacketEvent, resolving
// the protocol descriptor via protoMap. A missing or unreadable protocol
// info file is fatal per spec.md §6 and is returned unwrapped so callers
// can distinguish it from an ordinary Validation error.
func ParsePacketEvent(raw []byte, protoMap *protoinfo.Map) (*PacketEvent, error) {
	var w wireEvent
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON: %v", ErrValidation, err)
	}

	if w.TimestampNS < 0 {
		return nil, fmt.Errorf("%w: timestamp_ns must be >= 0, got %d", ErrValidation, w.TimestampNS)
	}

	violationType := ViolationType(w.ViolationType)
	if violationType != ViolationTypePacket && violationType != ViolationTypeConnection {
		return nil, fmt.Errorf("%w: unknown violation_type %q", ErrValidation, w.ViolationType)
	}

	response := ViolationResponse(w.ViolationResponse)
	switch response {
	case ResponseAirGap, ResponseKill, ResponseIsolate, ResponseAlert, ResponseRun:
	default:
		response = ResponseAlert
	}

	direction := Direction(w.Direction)
	if direction != DirectionInbound && direction != DirectionOutbound {
		direction = DirectionInbound
	}

	protoInfo, err := protoMap.Lookup(w.Protocol)
	if err != nil {
		return nil, err
	}

	srcMAC, err := device.NormalizeMAC(w.SrcMAC)
	if err != nil {
		return nil, fmt.Errorf("%w: src_mac: %v", ErrValidation, err)
	}
	dstMAC, err := device.NormalizeMAC(w.DstMAC)
	if err != nil {
		return nil, fmt.Errorf("%w: dst_mac: %v", ErrValidation, err)
	}

	data, err := base64.StdEncoding.DecodeString(w.Payload.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: payload.data: invalid base64: %v", ErrValidation, err)
	}
	if w.Payload.FullSize < len(data) {
		return nil, fmt.Errorf("%w: payload.full_size %d is less than captured %d bytes", ErrValidation, w.Payload.FullSize, len(data))
	}

	ownerMAC, remoteMAC := dstMAC, srcMAC
	if direction == DirectionOutbound {
		ownerMAC, remoteMAC = srcMAC, dstMAC
	}

	pe := &PacketEvent{
		Event: Event{
			TimestampNS:       w.TimestampNS,
			ViolatedRuleID:    w.ViolatedRuleID,
			ViolationType:     violationType,
			ViolationResponse: response,
			Kind:              EventKindPacket,
			OwnerMAC:          ownerMAC,
		},
		Protocol:                 w.Protocol,
		ProtocolInfo:             protoInfo,
		IsConnectionEstablishing: w.IsConnectionEstablishing,
		Direction:                direction,
		Process:                  Process{PID: w.Process.PID, Name: w.Process.Name},
		Src:                      Endpoint{IP: w.IP.SrcIP, Port: w.IP.SrcPort, MAC: srcMAC},
		Dst:                      Endpoint{IP: w.IP.DstIP, Port: w.IP.DstPort, MAC: dstMAC},
		Payload:                  Payload{FullSize: w.Payload.FullSize, Data: data},
		RemoteMAC:                remoteMAC,
	}
	return pe, nil
}
