package campaign

import (
	"context"
	"testing"
	"time"

	"github.com/spearit/spearhead/internal/events"
)

type fakeRepo struct {
	nextID      int64
	upserts     []int64
	linkedEvent map[int64]int64
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{linkedEvent: make(map[int64]int64)}
}

func (r *fakeRepo) CampaignUpsert(c *Campaign) (int64, error) {
	if c.ID == 0 {
		r.nextID++
		c.ID = r.nextID
	}
	r.upserts = append(r.upserts, c.ID)
	return c.ID, nil
}

func (r *fakeRepo) EventSetCampaign(eventID, campaignID int64) error {
	r.linkedEvent[eventID] = campaignID
	return nil
}

type fakeLabeler struct {
	fail bool
}

func (l *fakeLabeler) LabelCampaign(ctx context.Context, c *Campaign) (LabelResult, error) {
	if l.fail {
		return LabelResult{}, errFakeLabel
	}
	return LabelResult{Name: "Port Scan Wave", Description: "desc", DetailedDescription: "detail", Severity: SeverityHigh}, nil
}

var errFakeLabel = &labelErr{}

type labelErr struct{}

func (*labelErr) Error() string { return "label failure" }

func strp(s string) *string { return &s }
func intp(i int) *int       { return &i }

func mkPacketEvent(id int64, tsNS int64, rule int64, ownerMAC, remoteMAC string, srcIP string, srcPort int, dstIP string, dstPort int, protocol int64) *events.PacketEvent {
	return &events.PacketEvent{
		Event: events.Event{
			ID:                id,
			TimestampNS:       tsNS,
			ViolatedRuleID:    rule,
			ViolationType:     events.ViolationTypePacket,
			ViolationResponse: events.ResponseAlert,
			Kind:              events.EventKindPacket,
			OwnerMAC:          ownerMAC,
		},
		Protocol:  protocol,
		Direction: events.DirectionInbound,
		Src:       events.Endpoint{IP: strp(srcIP), Port: intp(srcPort), MAC: remoteMAC},
		Dst:       events.Endpoint{IP: strp(dstIP), Port: intp(dstPort), MAC: ownerMAC},
		RemoteMAC: remoteMAC,
	}
}

// TestScenarioS1SingleEventOpensCampaign mirrors the literal scenario
// from spec.md §8.
func TestScenarioS1SingleEventOpensCampaign(t *testing.T) {
	repo := newFakeRepo()
	corr := New(repo, &fakeLabeler{}, Options{})

	e := mkPacketEvent(1, 1_000_000_000, 7, "mac-b", "mac-a", "10.0.0.1", 443, "10.0.0.2", 51000, 6)
	e.ID = 1

	if err := corr.Process(e, 100, 200); err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	ongoing := corr.Ongoing()
	if len(ongoing) != 1 {
		t.Fatalf("ongoing campaigns = %d, want 1", len(ongoing))
	}
	camp := ongoing[0]
	if camp.InitialEventTimeNS != 1_000_000_000 || camp.LastUpdatedNS != 1_000_000_000 {
		t.Errorf("initial=%d last=%d, want both 1e9", camp.InitialEventTimeNS, camp.LastUpdatedNS)
	}
	if len(camp.InvolvedDeviceIDs) != 2 || camp.InvolvedDeviceIDs[0] != 100 || camp.InvolvedDeviceIDs[1] != 200 {
		t.Errorf("InvolvedDeviceIDs = %v, want [100 200]", camp.InvolvedDeviceIDs)
	}
	if repo.linkedEvent[1] != camp.ID {
		t.Errorf("event 1 linked to campaign %d, want %d", repo.linkedEvent[1], camp.ID)
	}
}

// TestScenarioS2IdenticalFlowJoinsSameCampaign mirrors spec.md §8 S2.
func TestScenarioS2IdenticalFlowJoinsSameCampaign(t *testing.T) {
	repo := newFakeRepo()
	corr := New(repo, &fakeLabeler{}, Options{Clock: func() time.Time { return time.Unix(1, 500_000_000) }})

	e1 := mkPacketEvent(1, 1_000_000_000, 7, "mac-b", "mac-a", "10.0.0.1", 443, "10.0.0.2", 51000, 6)
	e2 := mkPacketEvent(2, 1_500_000_000, 7, "mac-b", "mac-a", "10.0.0.1", 443, "10.0.0.2", 51000, 6)

	if err := corr.Process(e1, 100, 200); err != nil {
		t.Fatalf("Process(e1) error = %v", err)
	}
	if err := corr.Process(e2, 100, 200); err != nil {
		t.Fatalf("Process(e2) error = %v", err)
	}

	ongoing := corr.Ongoing()
	if len(ongoing) != 1 {
		t.Fatalf("ongoing campaigns = %d, want 1", len(ongoing))
	}
	if len(ongoing[0].Events) != 2 {
		t.Fatalf("events in campaign = %d, want 2", len(ongoing[0].Events))
	}
	if ongoing[0].LastUpdatedNS != 1_500_000_000 {
		t.Errorf("LastUpdatedNS = %d, want 1.5e9", ongoing[0].LastUpdatedNS)
	}
}

// TestScenarioS3DifferentRuleAndDeviceOpensNewCampaign mirrors spec.md §8 S3.
func TestScenarioS3DifferentRuleAndDeviceOpensNewCampaign(t *testing.T) {
	repo := newFakeRepo()
	corr := New(repo, &fakeLabeler{}, Options{Clock: func() time.Time { return time.Unix(1, 500_000_000) }})

	e1 := mkPacketEvent(1, 1_000_000_000, 7, "mac-b", "mac-a", "10.0.0.1", 443, "10.0.0.2", 51000, 6)
	e2 := mkPacketEvent(2, 1_500_000_000, 8, "mac-d", "mac-c", "10.0.0.3", 80, "10.0.0.4", 52000, 6)

	if err := corr.Process(e1, 100, 200); err != nil {
		t.Fatalf("Process(e1) error = %v", err)
	}
	if err := corr.Process(e2, 300, 400); err != nil {
		t.Fatalf("Process(e2) error = %v", err)
	}

	if len(corr.Ongoing()) != 2 {
		t.Fatalf("ongoing campaigns = %d, want 2", len(corr.Ongoing()))
	}
}

// TestScenarioS4TimeoutClosesAndLabels mirrors spec.md §8 S4.
func TestScenarioS4TimeoutClosesAndLabels(t *testing.T) {
	repo := newFakeRepo()
	labeler := &fakeLabeler{}

	fakeNow := time.Unix(1, 0)
	corr := New(repo, labeler, Options{Clock: func() time.Time { return fakeNow }})

	e1 := mkPacketEvent(1, 1_000_000_000, 7, "mac-b", "mac-a", "10.0.0.1", 443, "10.0.0.2", 51000, 6)
	if err := corr.Process(e1, 100, 200); err != nil {
		t.Fatalf("Process(e1) error = %v", err)
	}

	fakeNow = time.Unix(12, 0)
	unrelated := mkPacketEvent(2, 12_000_000_000, 99, "mac-z", "mac-y", "10.9.9.1", 1, "10.9.9.2", 2, 17)
	if err := corr.Process(unrelated, 900, 901); err != nil {
		t.Fatalf("Process(unrelated) error = %v", err)
	}

	ongoing := corr.Ongoing()
	if len(ongoing) != 1 {
		t.Fatalf("ongoing campaigns after expiry = %d, want 1 (only the unrelated one)", len(ongoing))
	}
	if ongoing[0].Events[0].ID != 2 {
		t.Errorf("surviving campaign holds event %d, want 2", ongoing[0].Events[0].ID)
	}
}

// TestScenarioS5ReverseFourTupleAtWindowEdge mirrors spec.md §8 S5.
func TestScenarioS5ReverseFourTupleAtWindowEdge(t *testing.T) {
	p1 := mkPacketEvent(1, 0, 1, "mac-a", "mac-b", "10.0.0.1", 443, "10.0.0.2", 51000, 6)
	p2 := mkPacketEvent(2, 120_000_000_000, 1, "mac-a", "mac-b", "10.0.0.2", 51000, "10.0.0.1", 443, 6)

	got := sameConversationScore(p1, p2, DefaultTCPFlowTimeoutNS)
	want := 0.35
	if diff := got - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("sameConversationScore() = %v, want %v", got, want)
	}
}

func TestSameConversationScoreReflexive(t *testing.T) {
	p := mkPacketEvent(1, 42, 1, "mac-a", "mac-b", "10.0.0.1", 443, "10.0.0.2", 51000, 6)
	got := sameConversationScore(p, p, DefaultTCPFlowTimeoutNS)
	if got < 0.999999 || got > 1.000001 {
		t.Errorf("sameConversationScore(p,p) = %v, want 1.0", got)
	}
}

func TestSameConversationScoreSymmetric(t *testing.T) {
	p1 := mkPacketEvent(1, 10, 1, "mac-a", "mac-b", "10.0.0.1", 443, "10.0.0.2", 51000, 6)
	p2 := mkPacketEvent(2, 40, 1, "mac-a", "mac-b", "10.0.0.3", 9999, "10.0.0.4", 8888, 6)

	if sameConversationScore(p1, p2, DefaultTCPFlowTimeoutNS) != sameConversationScore(p2, p1, DefaultTCPFlowTimeoutNS) {
		t.Error("sameConversationScore is not symmetric")
	}
}

func TestExpiryIsStrictlyGreaterThan(t *testing.T) {
	repo := newFakeRepo()
	fakeNow := time.Unix(0, 0)
	corr := New(repo, &fakeLabeler{}, Options{
		OngoingTimeout: 10 * time.Second,
		Clock:          func() time.Time { return fakeNow },
	})

	e1 := mkPacketEvent(1, 0, 1, "mac-a", "mac-b", "10.0.0.1", 1, "10.0.0.2", 2, 6)
	if err := corr.Process(e1, 1, 2); err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	// exactly at the timeout boundary: must NOT expire.
	fakeNow = time.Unix(10, 0)
	e2 := mkPacketEvent(2, 10_000_000_000, 1, "mac-a", "mac-b", "10.0.0.1", 1, "10.0.0.2", 2, 6)
	if err := corr.Process(e2, 1, 2); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if len(corr.Ongoing()) != 1 {
		t.Fatalf("campaign expired at exact boundary; ongoing = %d, want 1", len(corr.Ongoing()))
	}
}

func TestLabelFailureFallsBackToDefaults(t *testing.T) {
	repo := newFakeRepo()
	fakeNow := time.Unix(0, 0)
	corr := New(repo, &fakeLabeler{fail: true}, Options{
		OngoingTimeout: 1 * time.Second,
		Clock:          func() time.Time { return fakeNow },
	})

	e1 := mkPacketEvent(1, 0, 1, "mac-a", "mac-b", "10.0.0.1", 1, "10.0.0.2", 2, 6)
	if err := corr.Process(e1, 1, 2); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	camp := corr.Ongoing()[0]

	fakeNow = time.Unix(5, 0)
	corr.CloseAll()

	if camp.Name != fallbackLabel.Name || camp.Severity != fallbackLabel.Severity {
		t.Errorf("campaign labels = %q/%q, want fallback", camp.Name, camp.Severity)
	}
	if camp.Status != StatusCompleted {
		t.Errorf("Status = %v, want COMPLETED", camp.Status)
	}
}
