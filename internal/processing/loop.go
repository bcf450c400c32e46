// Package processing implements the single-consumer event loop of
// spec.md §4.8: dequeue, persist (assigning the event id), then hand
// off to the campaign correlator, grounded on the teacher's
// heartbeatMonitor ticker loop in relay/server/connection.go (a fixed
// ~10Hz select/ticker poll against a select-based stopper) but driving
// internal/events.Queue instead of a heartbeat deadline.
package processing

import (
	"context"
	"log"
	"time"

	"github.com/spearit/spearhead/internal/campaign"
	"github.com/spearit/spearhead/internal/device"
	"github.com/spearit/spearhead/internal/events"
)

// PollInterval is the ~10Hz poll cadence of spec.md §4.8.
const PollInterval = 100 * time.Millisecond

// Repository is the storage dependency the processing loop needs
// directly (campaign persistence goes through Correlator instead).
type Repository interface {
	EventInsert(e *events.PacketEvent) (id int64, err error)
	DeviceUpsertByMAC(mac, name, os, ip string) (created bool, id int64, err error)
}

// Loop is the single consumer of spec.md §4.8. Only this goroutine may
// call Correlator.Process; it is the sole mutator of campaign state.
type Loop struct {
	queue        *events.Queue
	repo         Repository
	correlator   *campaign.Correlator
	pollInterval time.Duration
}

// New builds a Loop. A zero pollInterval falls back to PollInterval.
func New(queue *events.Queue, repo Repository, correlator *campaign.Correlator, pollInterval time.Duration) *Loop {
	if pollInterval <= 0 {
		pollInterval = PollInterval
	}
	return &Loop{queue: queue, repo: repo, correlator: correlator, pollInterval: pollInterval}
}

// Run blocks, processing events until ctx is canceled. On cancellation
// it drains the queue up to drainDeadline before returning, per spec.md
// §5's graceful-shutdown sequence.
func (l *Loop) Run(ctx context.Context, drainDeadline time.Duration) {
	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.drain(drainDeadline)
			return
		case <-ticker.C:
			l.processOne()
		}
	}
}

func (l *Loop) drain(deadline time.Duration) {
	cutoff := time.Now().Add(deadline)
	for time.Now().Before(cutoff) {
		if !l.processOne() {
			return
		}
	}
}

// processOne pops and processes a single event, reporting whether one
// was available.
func (l *Loop) processOne() bool {
	e, ok := l.queue.TryPop()
	if !ok {
		return false
	}

	localID, err := l.resolveDevice(e.OwnerMAC)
	if err != nil {
		log.Printf("processing: failed to resolve owning device %s: %v", e.OwnerMAC, err)
		return true
	}
	e.DeviceID = localID

	var remoteID int64
	if e.RemoteMAC != "" {
		remoteID, err = l.resolveDevice(e.RemoteMAC)
		if err != nil {
			log.Printf("processing: failed to resolve remote device %s: %v", e.RemoteMAC, err)
		}
	}

	id, err := l.repo.EventInsert(e)
	if err != nil {
		log.Printf("processing: failed to persist event for device %s: %v", e.OwnerMAC, err)
		return true
	}
	e.ID = id

	if err := l.correlator.Process(e, localID, remoteID); err != nil {
		log.Printf("processing: correlation failed for event %d: %v", e.ID, err)
	}
	return true
}

func (l *Loop) resolveDevice(mac string) (int64, error) {
	if mac == "" {
		return 0, nil
	}
	normalized, err := device.NormalizeMAC(mac)
	if err != nil {
		return 0, err
	}
	_, id, err := l.repo.DeviceUpsertByMAC(normalized, "", "", "")
	return id, err
}
