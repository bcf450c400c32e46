// Package labeler implements the external narrative-generation
// collaborator of spec.md §6: given a closed campaign, produce a name,
// description, detailed description, and severity, tolerating arbitrary
// failure by falling back to neutral defaults. Grounded on the
// prompt-construction rules in original_source/spear_head's
// campaign_utils.py, carried here as request-shaping logic rather than
// copied prompt text.
package labeler

import (
	"context"

	"github.com/spearit/spearhead/internal/campaign"
)

// Fallback is applied whenever a Labeler call fails, per spec.md §6.
// It mirrors the fallback label campaign.Correlator applies internally so
// both paths agree on the exact wording.
var Fallback = campaign.LabelResult{
	Name:                "Unnamed Campaign",
	Description:         "No description available.",
	DetailedDescription: "",
	Severity:            campaign.SeverityLow,
}

// Static is a Labeler that always returns Fallback, used when no
// external collaborator endpoint is configured.
type Static struct{}

// LabelCampaign satisfies campaign.Labeler.
func (Static) LabelCampaign(context.Context, *campaign.Campaign) (campaign.LabelResult, error) {
	return Fallback, nil
}
