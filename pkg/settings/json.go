package settings

import (
	"encoding/json"
)

type settingsJSON Settings

// MarshalJSON always emits every field, including the legacy
// killed_versions list read by clients that predate the reason map.
func (s Settings) MarshalJSON() ([]byte, error) {
	out := struct {
		settingsJSON
		KilledVersions []string `json:"killed_versions"`
	}{
		settingsJSON:   settingsJSON(s),
		KilledVersions: s.KilledVersions(),
	}
	if out.KillList == nil {
		out.KillList = map[string]string{}
	}
	return json.Marshal(out)
}

type partialJSON Partial

// UnmarshalJSON accepts the map form (kill_list) and the older list form
// (killed_versions). The map form wins when both are present. Unknown
// fields are ignored.
func (p *Partial) UnmarshalJSON(data []byte) error {
	var in struct {
		partialJSON
		KilledVersions *[]string `json:"killed_versions"`
	}
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*p = Partial(in.partialJSON)
	if p.KillList == nil && in.KilledVersions != nil {
		list := make(map[string]string, len(*in.KilledVersions))
		for _, v := range *in.KilledVersions {
			if v, err := NormalizeVersion(v); err == nil {
				list[v] = ""
			}
		}
		p.KillList = &list
	}
	return nil
}
