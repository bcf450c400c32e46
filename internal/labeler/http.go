package labeler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spearit/spearhead/internal/campaign"
	"github.com/spearit/spearhead/internal/events"
)

// severityEnforcementRules documents, without copying prompt text
// verbatim, the constraint original_source/spear_head's
// campaign_utils.py placed on the language-model response: severity
// must be exactly one of LOW, MEDIUM, HIGH, defaulting to LOW when the
// model returns anything else.
const severityEnforcementRules = "severity must be one of LOW, MEDIUM, HIGH"

// HTTPLabeler requests a narrative label from an HTTP collaborator
// endpoint that accepts a JSON campaign summary and returns JSON labels.
// No LLM SDK appears anywhere in the retrieval pack, so this stays on
// net/http rather than a vendor-specific client.
type HTTPLabeler struct {
	endpoint string
	client   *http.Client
}

// NewHTTPLabeler builds an HTTPLabeler posting to endpoint with the
// given per-request timeout.
func NewHTTPLabeler(endpoint string, timeout time.Duration) *HTTPLabeler {
	return &HTTPLabeler{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

type labelRequest struct {
	EventCount         int      `json:"event_count"`
	InitialEventTimeNS int64    `json:"initial_event_time_ns"`
	LastUpdatedNS      int64    `json:"last_updated_ns"`
	InvolvedDeviceIDs  []int64  `json:"involved_device_ids"`
	RuleIDs            []int64  `json:"rule_ids"`
	ViolationTypes     []string `json:"violation_types"`
	Rules              string   `json:"constraints"`
}

type labelResponse struct {
	Name                string `json:"name"`
	Description         string `json:"description"`
	DetailedDescription string `json:"detailed_description"`
	Severity            string `json:"severity"`
}

// LabelCampaign posts a compact summary of c and decodes the response,
// satisfying campaign.Labeler. Any failure (transport, non-2xx, decode)
// is returned to the caller, which per spec.md §6 must fall back to
// Fallback rather than propagate the error.
func (h *HTTPLabeler) LabelCampaign(ctx context.Context, c *campaign.Campaign) (campaign.LabelResult, error) {
	req := labelRequest{
		EventCount:         len(c.Events),
		InitialEventTimeNS: c.InitialEventTimeNS,
		LastUpdatedNS:      c.LastUpdatedNS,
		InvolvedDeviceIDs:  c.InvolvedDeviceIDs,
		Rules:              severityEnforcementRules,
	}
	seenRule := make(map[int64]bool)
	seenType := make(map[events.ViolationType]bool)
	for _, e := range c.Events {
		if !seenRule[e.ViolatedRuleID] {
			seenRule[e.ViolatedRuleID] = true
			req.RuleIDs = append(req.RuleIDs, e.ViolatedRuleID)
		}
		if !seenType[e.ViolationType] {
			seenType[e.ViolationType] = true
			req.ViolationTypes = append(req.ViolationTypes, string(e.ViolationType))
		}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return campaign.LabelResult{}, fmt.Errorf("labeler: failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return campaign.LabelResult{}, fmt.Errorf("labeler: failed to build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return campaign.LabelResult{}, fmt.Errorf("labeler: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return campaign.LabelResult{}, fmt.Errorf("labeler: unexpected status %d", resp.StatusCode)
	}

	var lr labelResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return campaign.LabelResult{}, fmt.Errorf("labeler: failed to decode response: %w", err)
	}

	severity := campaign.Severity(strings.ToUpper(lr.Severity))
	switch severity {
	case campaign.SeverityLow, campaign.SeverityMedium, campaign.SeverityHigh:
	default:
		severity = campaign.SeverityLow
	}

	return campaign.LabelResult{
		Name:                lr.Name,
		Description:         lr.Description,
		DetailedDescription: lr.DetailedDescription,
		Severity:            severity,
	}, nil
}
