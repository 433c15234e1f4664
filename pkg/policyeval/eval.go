package policyeval

import (
	"strings"

	"killswitch/pkg/settings"
	"killswitch/pkg/version"
)

const (
	ChannelBeta = "beta"

	ReasonBetaEnded       = "beta ended."
	ReasonVersionDisabled = "version disabled"
	ReasonUpdateRequired  = "update required."

	CodeNone           = ""
	CodeBetaEnded      = "BETA_ENDED"
	CodeVersionKilled  = "VERSION_KILLED"
	CodeUpdateRequired = "UPDATE_REQUIRED"
)

// Report is what a client says about itself.
type Report struct {
	Version string `json:"version"`
	Channel string `json:"channel"`
}

// Decision is the full payload returned to clients. Every field is always
// emitted; kill_build and kill_reason mirror locked and reason for clients
// built against the first heartbeat response.
type Decision struct {
	Locked          bool   `json:"locked"`
	Reason          string `json:"reason"`
	ReasonCode      string `json:"reason_code"`
	KillBuild       bool   `json:"kill_build"`
	KillReason      string `json:"kill_reason"`
	BetaEnabled     bool   `json:"beta_enabled"`
	LatestVersion   string `json:"latest_version"`
	PatchURL        string `json:"patch_url"`
	ForceUpdate     bool   `json:"force_update"`
	UpdateAvailable bool   `json:"update_available"`
	StatusText      string `json:"status_text"`
	StatusNote      string `json:"status_note"`
	StatusSubnote   string `json:"status_subnote"`
}

// Evaluate turns a client report and a settings snapshot into a decision.
// Locking conditions are checked in fixed precedence and the first one that
// holds supplies the reason. It touches no storage. The reported version
// and channel are trimmed the same way kill-list keys are on write.
func Evaluate(report Report, s settings.Settings) Decision {
	report.Version = strings.TrimSpace(report.Version)
	report.Channel = strings.TrimSpace(report.Channel)
	d := Decision{
		BetaEnabled:     s.BetaEnabled,
		LatestVersion:   s.LatestVersion,
		PatchURL:        s.PatchURL,
		ForceUpdate:     s.ForceUpdate,
		UpdateAvailable: version.Newer(s.LatestVersion, report.Version),
		StatusText:      s.StatusText,
		StatusNote:      s.StatusNote,
		StatusSubnote:   s.StatusSubnote,
	}
	reason, code := lockReason(report, s)
	if code != CodeNone {
		d.Locked = true
		d.Reason = reason
		d.ReasonCode = code
	}
	d.KillBuild = d.Locked
	d.KillReason = d.Reason
	return d
}

func lockReason(report Report, s settings.Settings) (string, string) {
	if !s.BetaEnabled && report.Channel == ChannelBeta {
		return ReasonBetaEnded, CodeBetaEnded
	}
	if reason, ok := s.KillList[report.Version]; ok {
		if strings.TrimSpace(reason) == "" {
			reason = ReasonVersionDisabled
		}
		return reason, CodeVersionKilled
	}
	if s.ForceUpdate && !version.Equal(report.Version, s.LatestVersion) {
		return ReasonUpdateRequired, CodeUpdateRequired
	}
	return "", CodeNone
}
