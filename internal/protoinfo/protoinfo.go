// Package protoinfo provides the read-only numeric-protocol-id to
// (libc name, display name) mapping of spec.md §3, loaded once from a
// JSON data file, grounded on the teacher's lazy-loaded TOML rule tables
// in pkg/discovery but using the stdlib encoding/json since nothing in
// the example pack ships a dedicated config-table library for this
// shape of static reference data.
package protoinfo

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
)

// ErrNotLoaded indicates the backing file could not be read or parsed,
// so the map holds no data.
var ErrNotLoaded = errors.New("protoinfo: protocol info map is not loaded")

// Info is the (libc, display) pair for one protocol id.
type Info struct {
	Libc string `json:"libc"`
	Name string `json:"name"`
}

// Unknown is returned for protocol ids absent from the map, per spec.md §4.7.
var Unknown = Info{Libc: "N/A", Name: "N/A"}

// Map is the lazily-loaded protocol id -> Info table, built with New.
// The backing file is loaded on the first Lookup; if that load fails,
// every Lookup returns Unknown together with the load error.
type Map struct {
	once sync.Once
	mu   sync.RWMutex
	data map[int64]Info
	err  error
	path string
}

// New returns a Map that will load its data from path on first use.
func New(path string) *Map {
	return &Map{path: path}
}

// Lookup resolves id, loading the backing file on first call. A missing
// or malformed backing file is fatal to packet-event ingress per
// spec.md §6: the caller should treat a non-nil error as unrecoverable
// for the calling session, not silently fall back to Unknown.
func (m *Map) Lookup(id int64) (Info, error) {
	m.once.Do(m.load)

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.err != nil {
		return Unknown, m.err
	}
	if info, ok := m.data[id]; ok {
		return info, nil
	}
	return Unknown, nil
}

func (m *Map) load() {
	m.mu.Lock()
	defer m.mu.Unlock()

	raw, err := os.ReadFile(m.path)
	if err != nil {
		m.err = fmt.Errorf("%w: %v", ErrNotLoaded, err)
		return
	}

	var byString map[string]Info
	if err := json.Unmarshal(raw, &byString); err != nil {
		m.err = fmt.Errorf("%w: %v", ErrNotLoaded, err)
		return
	}

	data := make(map[int64]Info, len(byString))
	for k, v := range byString {
		id, err := strconv.ParseInt(k, 10, 64)
		if err != nil {
			m.err = fmt.Errorf("%w: non-numeric protocol id %q", ErrNotLoaded, k)
			return
		}
		data[id] = v
	}
	m.data = data
}
