package campaign

import (
	"math"

	"github.com/spearit/spearhead/internal/events"
)

// scoreNormalizer is the fixed divisor spec.md §4.9 applies to the
// weighted signal sum.
const scoreNormalizer = 0.50 + 0.25 + 0.25 + 0.15 + 0.50

// DefaultTCPFlowTimeoutNS is the default flow window for conversation
// scoring, spec.md §6.
const DefaultTCPFlowTimeoutNS = 120_000_000_000

// eventScore computes the per-event score in [0,1] between e and member,
// per spec.md §4.9 step 3.
func eventScore(e, member *events.PacketEvent, tcpFlowTimeoutNS int64) float64 {
	score := 0.0

	if e.OwnerMAC == member.OwnerMAC {
		score += 0.50
	}
	if e.ViolationType == member.ViolationType {
		score += 0.25
	}
	if e.ViolatedRuleID == member.ViolatedRuleID {
		score += 0.25
	}
	if e.Kind == member.Kind {
		score += 0.15
		if e.Kind == events.EventKindPacket {
			score += 0.50 * sameConversationScore(e, member, tcpFlowTimeoutNS)
		}
	}

	return score / scoreNormalizer
}

// campaignScore is the mean of per-event scores between e and every
// event already in c, per spec.md §4.9 step 2. An empty campaign scores 0.
func campaignScore(e *events.PacketEvent, c *Campaign, tcpFlowTimeoutNS int64) float64 {
	if len(c.Events) == 0 {
		return 0
	}
	total := 0.0
	for _, member := range c.Events {
		total += eventScore(e, member, tcpFlowTimeoutNS)
	}
	return total / float64(len(c.Events))
}

// sameConversationScore implements spec.md §4.9's conversation similarity,
// grounded on original_source's packet_event.same_conversation_score.
func sameConversationScore(p1, p2 *events.PacketEvent, tcpFlowTimeoutNS int64) float64 {
	if p1.Protocol != p2.Protocol {
		return 0.0
	}
	score := 0.25

	forward := eqStrPtr(p1.Src.IP, p2.Src.IP) && eqIntPtr(p1.Src.Port, p2.Src.Port) &&
		eqStrPtr(p1.Dst.IP, p2.Dst.IP) && eqIntPtr(p1.Dst.Port, p2.Dst.Port)
	reverse := eqStrPtr(p1.Src.IP, p2.Dst.IP) && eqIntPtr(p1.Src.Port, p2.Dst.Port) &&
		eqStrPtr(p1.Dst.IP, p2.Src.IP) && eqIntPtr(p1.Dst.Port, p2.Src.Port)

	if !forward && !reverse {
		return score
	}
	score += 0.45

	dt := p1.TimestampNS - p2.TimestampNS
	if dt < 0 {
		dt = -dt
	}
	if dt >= tcpFlowTimeoutNS {
		return score * 0.5
	}

	score += 0.30 * math.Exp(-float64(dt)/float64(tcpFlowTimeoutNS))
	if score > 1.0 {
		score = 1.0
	}
	return score
}

func eqStrPtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func eqIntPtr(a, b *int) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
