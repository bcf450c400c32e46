// Package campaign implements the correlator of spec.md §4.9, the
// scoring engine that assigns each incoming packet event to an ongoing
// campaign or opens a new one and closes campaigns after an inactivity
// timeout. It is grounded on the teacher's single-writer state-machine
// idiom for session bookkeeping (relay/server/connection.go's
// ClientState) generalized to a richer campaign lifecycle, and on
// original_source/spear_head/models/events/campaign_manager.py for the
// exact scoring and assignment algorithm spec.md distills.
package campaign

import (
	"github.com/spearit/spearhead/internal/events"
)

// Status is a campaign's lifecycle state.
type Status string

const (
	StatusOngoing   Status = "ONGOING"
	StatusCompleted Status = "COMPLETED"
	StatusAborted   Status = "ABORTED"
)

// Severity is the assessed severity of a closed campaign.
type Severity string

const (
	SeverityLow    Severity = "LOW"
	SeverityMedium Severity = "MEDIUM"
	SeverityHigh   Severity = "HIGH"
)

// Campaign is a correlated set of events believed to stem from one
// incident. Events are held by pointer (the processing loop is the
// only mutator, so no aliasing hazard); the campaign never holds a
// pointer back to itself from an event, avoiding the owning-pointer
// cycle spec.md §9 design notes warn about.
type Campaign struct {
	ID                  int64
	Status              Status
	Severity            Severity
	InitialEventTimeNS  int64
	LastUpdatedNS       int64
	InvolvedDeviceIDs   []int64
	Events              []*events.PacketEvent
	Name                string
	Description         string
	DetailedDescription string
}

// NewCampaign returns a fresh ONGOING campaign with the fallback labels
// of spec.md §6, overwritten on close if labeling succeeds.
func NewCampaign() *Campaign {
	return &Campaign{
		Status:      StatusOngoing,
		Severity:    SeverityLow,
		Name:        "Unnamed Campaign",
		Description: "No description available.",
	}
}

func (c *Campaign) addInvolvedDevice(deviceID int64) {
	if deviceID == 0 {
		return
	}
	for _, id := range c.InvolvedDeviceIDs {
		if id == deviceID {
			return
		}
	}
	c.InvolvedDeviceIDs = append(c.InvolvedDeviceIDs, deviceID)
}
