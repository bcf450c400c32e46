package campaign

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/spearit/spearhead/internal/events"
)

// DefaultMatchThreshold is the default assignment threshold, as a
// percentage, per spec.md §6.
const DefaultMatchThreshold = 70.0

// DefaultOngoingTimeout is the default campaign inactivity window, per
// spec.md §6.
const DefaultOngoingTimeout = 10 * time.Second

// Repository is the subset of the storage layer the correlator needs:
// upsert-by-id for campaigns and linking an already-persisted event to
// its assigned campaign.
type Repository interface {
	CampaignUpsert(c *Campaign) (id int64, err error)
	EventSetCampaign(eventID, campaignID int64) error
}

// LabelResult is the narrative label produced for a closed campaign.
type LabelResult struct {
	Name                string
	Description         string
	DetailedDescription string
	Severity            Severity
}

// Labeler requests a narrative label from the external language-model
// collaborator. Implementations must tolerate being called with a
// campaign that has already closed; the correlator never retries.
type Labeler interface {
	LabelCampaign(ctx context.Context, c *Campaign) (LabelResult, error)
}

// fallbackLabel is applied whenever labeling fails, per spec.md §6.
var fallbackLabel = LabelResult{
	Name:                "Unnamed Campaign",
	Description:         "No description available.",
	DetailedDescription: "",
	Severity:            SeverityLow,
}

// Clock abstracts time.Now so tests can drive the correlator with a
// synthetic clock, per spec.md §9 design notes on testability.
type Clock func() time.Time

// Options configures a Correlator. Zero values fall back to spec.md §6
// defaults.
type Options struct {
	MatchThreshold   float64
	OngoingTimeout   time.Duration
	TCPFlowTimeoutNS int64
	Clock            Clock
	LabelTimeout     time.Duration
}

// Correlator owns the in-memory ongoing-campaigns list and is the single
// mutator of campaign state, per spec.md §4.8's single-writer discipline.
// It is not safe for concurrent use from more than one goroutine; the
// processing loop is its only caller.
type Correlator struct {
	repo    Repository
	labeler Labeler

	matchThreshold   float64
	ongoingTimeout   time.Duration
	tcpFlowTimeoutNS int64
	clock            Clock
	labelTimeout     time.Duration

	mu      sync.RWMutex // guards ongoing for read-only inspection (stats, admin API)
	ongoing []*Campaign
}

// New builds a Correlator against repo and labeler.
func New(repo Repository, labeler Labeler, opts Options) *Correlator {
	if opts.MatchThreshold == 0 {
		opts.MatchThreshold = DefaultMatchThreshold
	}
	if opts.OngoingTimeout == 0 {
		opts.OngoingTimeout = DefaultOngoingTimeout
	}
	if opts.TCPFlowTimeoutNS == 0 {
		opts.TCPFlowTimeoutNS = DefaultTCPFlowTimeoutNS
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.LabelTimeout == 0 {
		opts.LabelTimeout = 10 * time.Second
	}
	return &Correlator{
		repo:             repo,
		labeler:          labeler,
		matchThreshold:   opts.MatchThreshold,
		ongoingTimeout:   opts.OngoingTimeout,
		tcpFlowTimeoutNS: opts.TCPFlowTimeoutNS,
		clock:            opts.Clock,
		labelTimeout:     opts.LabelTimeout,
	}
}

// Ongoing returns a snapshot of the currently ongoing campaigns, for the
// admin API's stats surface.
func (c *Correlator) Ongoing() []*Campaign {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Campaign, len(c.ongoing))
	copy(out, c.ongoing)
	return out
}

// Process scores e against every ongoing campaign, assigns it to the
// best match above threshold or opens a new campaign, and persists the
// result. localDeviceID and remoteDeviceID are the already-resolved
// device ids for e's owner and (for packet events) its conversation
// peer; the correlator itself never calls device upsert.
func (c *Correlator) Process(e *events.PacketEvent, localDeviceID, remoteDeviceID int64) error {
	now := c.clock()
	c.expireStale(now)

	c.mu.Lock()
	defer c.mu.Unlock()

	var best *Campaign
	bestScore := 0.0
	for _, camp := range c.ongoing {
		s := campaignScore(e, camp, c.tcpFlowTimeoutNS)
		if s > bestScore {
			bestScore = s
			best = camp
		}
	}

	var target *Campaign
	opened := false
	if best != nil && bestScore*100 >= c.matchThreshold {
		target = best
	} else {
		target = NewCampaign()
		opened = true
	}

	if e.CampaignID != 0 && e.CampaignID != target.ID {
		log.Printf("campaign: event already linked to campaign %d, refusing reassignment to %d", e.CampaignID, target.ID)
		return nil
	}

	target.Events = append(target.Events, e)
	target.addInvolvedDevice(localDeviceID)
	if e.Kind == events.EventKindPacket {
		target.addInvolvedDevice(remoteDeviceID)
	}

	if len(target.Events) == 1 {
		target.InitialEventTimeNS = e.TimestampNS
	} else if e.TimestampNS < target.InitialEventTimeNS {
		target.InitialEventTimeNS = e.TimestampNS
	}
	target.LastUpdatedNS = e.TimestampNS

	id, err := c.repo.CampaignUpsert(target)
	if err != nil {
		return err
	}
	target.ID = id

	if opened {
		c.ongoing = append(c.ongoing, target)
	}

	e.CampaignID = target.ID
	return c.repo.EventSetCampaign(e.ID, target.ID)
}

// expireStale closes and removes every ongoing campaign whose inactivity
// strictly exceeds the configured timeout, per spec.md §4.9 step 1 and
// the strict-greater-than boundary of spec.md §8.
func (c *Correlator) expireStale(now time.Time) {
	c.mu.Lock()
	var remaining []*Campaign
	var expired []*Campaign
	for _, camp := range c.ongoing {
		age := now.Sub(time.Unix(0, camp.LastUpdatedNS))
		if age > c.ongoingTimeout {
			expired = append(expired, camp)
		} else {
			remaining = append(remaining, camp)
		}
	}
	c.ongoing = remaining
	c.mu.Unlock()

	for _, camp := range expired {
		c.closeCampaign(camp)
	}
}

// CloseAll force-closes every ongoing campaign, used on graceful
// shutdown per spec.md §5.
func (c *Correlator) CloseAll() {
	c.mu.Lock()
	expired := c.ongoing
	c.ongoing = nil
	c.mu.Unlock()

	for _, camp := range expired {
		c.closeCampaign(camp)
	}
}

func (c *Correlator) closeCampaign(camp *Campaign) {
	camp.Status = StatusCompleted

	ctx, cancel := context.WithTimeout(context.Background(), c.labelTimeout)
	label, err := c.labeler.LabelCampaign(ctx, camp)
	cancel()
	if err != nil {
		log.Printf("campaign: labeling failed for campaign %d, using fallback: %v", camp.ID, err)
		label = fallbackLabel
	}

	camp.Name = label.Name
	camp.Description = label.Description
	camp.DetailedDescription = label.DetailedDescription
	camp.Severity = label.Severity

	if _, err := c.repo.CampaignUpsert(camp); err != nil {
		log.Printf("campaign: failed to persist closed campaign %d: %v", camp.ID, err)
	}
}
