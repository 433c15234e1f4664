package settings

import (
	"strconv"
)

// Keys used by row-per-setting backends.
const (
	KeyBetaEnabled   = "beta_enabled"
	KeyLatestVersion = "latest_version"
	KeyPatchURL      = "patch_url"
	KeyForceUpdate   = "force_update"
	KeyStatusText    = "status_text"
	KeyStatusNote    = "status_note"
	KeyStatusSubnote = "status_subnote"
)

// Pairs encodes the scalar fields of p as key/value rows. The kill list is
// stored separately and is not included.
func (p Partial) Pairs() map[string]string {
	out := map[string]string{}
	if p.BetaEnabled != nil {
		out[KeyBetaEnabled] = strconv.FormatBool(*p.BetaEnabled)
	}
	if p.LatestVersion != nil {
		out[KeyLatestVersion] = *p.LatestVersion
	}
	if p.PatchURL != nil {
		out[KeyPatchURL] = *p.PatchURL
	}
	if p.ForceUpdate != nil {
		out[KeyForceUpdate] = strconv.FormatBool(*p.ForceUpdate)
	}
	if p.StatusText != nil {
		out[KeyStatusText] = *p.StatusText
	}
	if p.StatusNote != nil {
		out[KeyStatusNote] = *p.StatusNote
	}
	if p.StatusSubnote != nil {
		out[KeyStatusSubnote] = *p.StatusSubnote
	}
	return out
}

// ApplyPair decodes one stored row onto s. Unknown keys and undecodable
// booleans are ignored so older rows never break reads.
func ApplyPair(s *Settings, key, value string) {
	switch key {
	case KeyBetaEnabled:
		if b, err := strconv.ParseBool(value); err == nil {
			s.BetaEnabled = b
		}
	case KeyLatestVersion:
		s.LatestVersion = value
	case KeyPatchURL:
		s.PatchURL = value
	case KeyForceUpdate:
		if b, err := strconv.ParseBool(value); err == nil {
			s.ForceUpdate = b
		}
	case KeyStatusText:
		s.StatusText = value
	case KeyStatusNote:
		s.StatusNote = value
	case KeyStatusSubnote:
		s.StatusSubnote = value
	}
}
