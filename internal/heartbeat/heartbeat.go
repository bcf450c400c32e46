// Package heartbeat implements the heartbeat ingress of spec.md §4.11:
// validating the reported MAC, upserting the device, and persisting a
// heartbeat row, grounded on the teacher's heartbeat monitor in
// relay/server/connection.go (lastHeartbeat bookkeeping) generalized
// from a liveness timer into a validated, persisted ingress path.
package heartbeat

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spearit/spearhead/internal/device"
)

// ErrValidation is the sentinel wrapped by a rejected heartbeat payload.
var ErrValidation = errors.New("heartbeat: validation failed")

// Heartbeat is the validated, decoded heartbeat ready for persistence.
type Heartbeat struct {
	DeviceMAC     string
	Name          string
	OS            string
	IP            string
	CPUPercent    float64
	MemoryPercent float64
	ContactedMACs []string
}

type wireHeartbeat struct {
	MACAddress    string   `json:"mac_address"`
	Name          string   `json:"name"`
	OS            string   `json:"os"`
	IP            string   `json:"ip"`
	CPUPercent    float64  `json:"cpu_percent"`
	MemoryPercent float64  `json:"memory_percent"`
	ContactedMACs []string `json:"contacted_macs"`
}

// Parse validates and decodes raw into a Heartbeat. A missing, all-zero,
// or syntactically invalid mac_address is rejected per spec.md §4.11.
func Parse(raw []byte) (*Heartbeat, error) {
	var w wireHeartbeat
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON: %v", ErrValidation, err)
	}
	if w.MACAddress == "" {
		return nil, fmt.Errorf("%w: mac_address is required", ErrValidation)
	}

	mac, err := device.NormalizeMAC(w.MACAddress)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if device.IsZero(mac) {
		return nil, fmt.Errorf("%w: mac_address %q is the all-zero address", ErrValidation, mac)
	}

	contacted := make([]string, 0, len(w.ContactedMACs))
	for _, m := range w.ContactedMACs {
		normalized, err := device.NormalizeMAC(m)
		if err != nil {
			continue // drop malformed contacted entries, not the whole heartbeat
		}
		contacted = append(contacted, normalized)
	}

	return &Heartbeat{
		DeviceMAC:     mac,
		Name:          w.Name,
		OS:            w.OS,
		IP:            w.IP,
		CPUPercent:    w.CPUPercent,
		MemoryPercent: w.MemoryPercent,
		ContactedMACs: contacted,
	}, nil
}

// Repository is the subset of the storage layer heartbeat ingress needs.
type Repository interface {
	DeviceUpsertByMAC(mac, name, os, ip string) (created bool, id int64, err error)
	HeartbeatInsert(deviceID int64, contactedDeviceIDs []int64, cpuPercent, memoryPercent float64) error
}

// Apply upserts hb's device (only overwriting name/os/ip when the new
// value is non-empty per spec.md §4.11) and persists the heartbeat row,
// resolving each contacted MAC to its device id via the same upsert path.
func Apply(repo Repository, hb *Heartbeat) error {
	_, deviceID, err := repo.DeviceUpsertByMAC(hb.DeviceMAC, hb.Name, hb.OS, hb.IP)
	if err != nil {
		return err
	}

	contactedIDs := make([]int64, 0, len(hb.ContactedMACs))
	for _, mac := range hb.ContactedMACs {
		_, id, err := repo.DeviceUpsertByMAC(mac, "", "", "")
		if err != nil {
			continue
		}
		contactedIDs = append(contactedIDs, id)
	}

	return repo.HeartbeatInsert(deviceID, contactedIDs, hb.CPUPercent, hb.MemoryPercent)
}
