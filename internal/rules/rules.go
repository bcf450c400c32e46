// Package rules implements the rule-request handler of spec.md §4.10:
// data-only Rule records read from the repository and filtered to the
// set active for a requesting device's groups, grounded on the
// teacher's read-only config-derived filtering in relay/server/config.go
// (GetTLSFiles-style pure derivation from loaded state) generalized to a
// repository-backed lookup.
package rules

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownDevice indicates a rule request named a MAC the repository
// has no device record for; per spec.md §4.10 the request is dropped.
var ErrUnknownDevice = errors.New("rules: unknown device")

// Rule is the data-only record the core reads but never authors.
type Rule struct {
	ID              int64
	Order           int
	Name            string
	Enabled         bool
	Priority        int
	EventTypes      []string
	Conditions      json.RawMessage
	Responses       json.RawMessage
	ActiveForGroups []int64
}

// wireRule is the compact JSON shape emitted in an RSLR frame.
type wireRule struct {
	ID         int64           `json:"id"`
	Order      int             `json:"order"`
	Name       string          `json:"name"`
	Enabled    bool            `json:"enabled"`
	Priority   int             `json:"priority"`
	EventTypes []string        `json:"event_types"`
	Conditions json.RawMessage `json:"conditions"`
	Responses  json.RawMessage `json:"responses"`
}

// Repository is the subset of the storage layer rule resolution needs.
type Repository interface {
	DeviceGroupsByMAC(mac string) (deviceID int64, groupIDs []int64, err error)
	ActiveRulesForGroups(groupIDs []int64) ([]Rule, error)
}

// ResolveForDevice returns the compact JSON array of active rules scoped
// to mac's device, per spec.md §4.10: a rule matches if its
// ActiveForGroups is empty (global) or intersects the device's groups.
func ResolveForDevice(repo Repository, mac string) (json.RawMessage, error) {
	_, groupIDs, err := repo.DeviceGroupsByMAC(mac)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnknownDevice, err)
	}

	candidates, err := repo.ActiveRulesForGroups(groupIDs)
	if err != nil {
		return nil, err
	}

	wire := make([]wireRule, 0, len(candidates))
	for _, r := range candidates {
		if !r.Enabled {
			continue
		}
		if len(r.ActiveForGroups) > 0 && !intersects(r.ActiveForGroups, groupIDs) {
			continue
		}
		wire = append(wire, wireRule{
			ID:         r.ID,
			Order:      r.Order,
			Name:       r.Name,
			Enabled:    r.Enabled,
			Priority:   r.Priority,
			EventTypes: r.EventTypes,
			Conditions: r.Conditions,
			Responses:  r.Responses,
		})
	}

	return json.Marshal(wire)
}

func intersects(a, b []int64) bool {
	set := make(map[int64]struct{}, len(a))
	for _, v := range a {
		set[v] = struct{}{}
	}
	for _, v := range b {
		if _, ok := set[v]; ok {
			return true
		}
	}
	return false
}
