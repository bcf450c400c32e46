package adminapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

type fakeStats struct{}

func (fakeStats) LiveSessionCount() int     { return 3 }
func (fakeStats) QueueDepth() int           { return 5 }
func (fakeStats) QueueRejected() uint64     { return 1 }
func (fakeStats) OngoingCampaignCount() int { return 2 }

func TestStatsEndpointReportsProviderValues(t *testing.T) {
	srv := New("127.0.0.1:0", fakeStats{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	handleStats(rec, req, fakeStats{})

	var got statsResponse
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.LiveSessions != 3 || got.QueueDepth != 5 || got.QueueRejected != 1 || got.OngoingCampaigns != 2 {
		t.Fatalf("unexpected stats response: %+v", got)
	}
	_ = srv
}

func TestHealthEndpointReportsOK(t *testing.T) {
	srv := New("127.0.0.1:0", fakeStats{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	srv.handleHealth(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}
