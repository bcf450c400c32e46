// Package repository defines the abstract persistence boundary of
// spec.md §6 and a concrete Postgres-backed implementation, grounded on
// the teacher's pkg/persistence/postgres.go (database/sql + lib/pq,
// upsert via ON CONFLICT, connection pool tuning) generalized from peer
// records to the device/event/campaign/rule/heartbeat schema this
// domain needs.
package repository

import (
	"encoding/json"

	"github.com/spearit/spearhead/internal/campaign"
	"github.com/spearit/spearhead/internal/events"
	"github.com/spearit/spearhead/internal/rules"
)

// Repository is the full storage boundary the core depends on, per
// spec.md §1: devices, events, campaigns, rules, heartbeats are all out
// of scope for the core's own logic, consumed only through this
// interface.
type Repository interface {
	DeviceUpsertByMAC(mac, name, os, ip string) (created bool, id int64, err error)
	DeviceGetByMAC(mac string) (deviceID int64, err error)
	DeviceGroupsByMAC(mac string) (deviceID int64, groupIDs []int64, err error)

	EventInsert(e *events.PacketEvent) (id int64, err error)
	EventSetCampaign(eventID, campaignID int64) error

	CampaignUpsert(c *campaign.Campaign) (id int64, err error)

	ActiveRulesForGroups(groupIDs []int64) ([]rules.Rule, error)

	HeartbeatInsert(deviceID int64, contactedDeviceIDs []int64, cpuPercent, memoryPercent float64) error
}

// eventRow is the JSON shape the Postgres store writes into the
// events.detail jsonb column: the flat scalar fields plus the nested
// src/dst/payload blob in Detail; kept here so schema and Go types stay
// next to each other.
type eventRow struct {
	TimestampNS       int64           `json:"timestamp_ns"`
	ViolatedRuleID    int64           `json:"violated_rule_id"`
	ViolationType     string          `json:"violation_type"`
	ViolationResponse string          `json:"violation_response"`
	Kind              string          `json:"kind"`
	Protocol          int64           `json:"protocol"`
	Direction         string          `json:"direction"`
	ProcessPID        int             `json:"process_pid"`
	ProcessName       string          `json:"process_name"`
	Detail            json.RawMessage `json:"detail"`
}
