// Package device implements the canonical-MAC device entity of spec.md §3
// and its upsert-by-MAC semantics, grounded on the teacher's handling of
// peer identity in pkg/discovery (stable keying by a fixed-width
// identifier) but keyed by MAC address instead of a Kademlia peer id.
package device

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrInvalidMAC indicates a MAC address failed canonical syntax checks.
var ErrInvalidMAC = errors.New("device: invalid MAC address")

var macPattern = regexp.MustCompile(
	`^([0-9a-fA-F]{2}([:\-.])){5}[0-9a-fA-F]{2}$|^([0-9a-fA-F]{4}\.){2}[0-9a-fA-F]{4}$`,
)

// ZeroMAC is the all-zero MAC address rejected by heartbeat ingress.
const ZeroMAC = "00:00:00:00:00:00"

// Device is the fleet entity identified by its canonical MAC address.
type Device struct {
	ID             int64
	MAC            string
	Name           string
	OS             string
	LastIP         string
	HandlerUserIDs []int64
	GroupIDs       []int64
	LastHeartbeat  int64 // unix seconds, 0 if never
	Note           string
}

// NormalizeMAC validates s against the accepted MAC syntaxes (colon,
// dash, or dotted-quad hex groups) and returns it lower-cased with
// colon separators, the form the repository keys on.
func NormalizeMAC(s string) (string, error) {
	if !macPattern.MatchString(s) {
		return "", fmt.Errorf("%w: %q", ErrInvalidMAC, s)
	}
	lower := strings.ToLower(s)

	if strings.Contains(lower, ".") {
		groups := strings.Split(lower, ".")
		hex := strings.Join(groups, "")
		var b strings.Builder
		for i := 0; i < len(hex); i += 2 {
			if i > 0 {
				b.WriteByte(':')
			}
			b.WriteString(hex[i : i+2])
		}
		return b.String(), nil
	}

	return strings.Map(func(r rune) rune {
		if r == '-' {
			return ':'
		}
		return r
	}, lower), nil
}

// IsZero reports whether mac (already normalized) is the all-zero address
// rejected by heartbeat ingress.
func IsZero(mac string) bool {
	return mac == ZeroMAC
}

// UpsertInfo carries the fields a caller may want to overwrite on an
// existing device. Empty string fields are treated as "leave unchanged"
// per spec.md §4.11.
type UpsertInfo struct {
	MAC  string
	Name string
	OS   string
	IP   string
}

// Repository is the subset of internal/repository.Repository that device
// upserts need, kept narrow so this package has no dependency on the
// storage layer's concrete shape.
type Repository interface {
	DeviceUpsertByMAC(mac, name, os, ip string) (created bool, id int64, err error)
}

// Upsert normalizes info.MAC and delegates to repo, returning whether the
// device was newly created and its id.
func Upsert(repo Repository, info UpsertInfo) (created bool, id int64, err error) {
	mac, err := NormalizeMAC(info.MAC)
	if err != nil {
		return false, 0, err
	}
	return repo.DeviceUpsertByMAC(mac, info.Name, info.OS, info.IP)
}
