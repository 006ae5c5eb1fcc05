package kumo

import (
	"time"
)

// Site is one Kumo Cloud installation site. Accounts usually have exactly
// one; multi-site accounts must pin cloud.site_id in configuration.
type Site struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Zone is a named group holding one device adapter. The cloud models a
// zone per indoor unit, so the adapter is effectively the device.
type Zone struct {
	ID      string      `json:"id"`
	Name    string      `json:"name"`
	Adapter DeviceState `json:"adapter"`
}

// DeviceSerial returns the serial of the adapter in this zone, or "" if
// the zone has no adapter attached.
func (z Zone) DeviceSerial() string {
	return z.Adapter.Serial()
}

// DeviceState is the raw attribute map the cloud reports for a device.
// Keys follow the cloud's own naming (operationMode, spCool, spHeat,
// fanSpeed, airDirection, power, roomTemp, humidity, connected,
// updatedAt). The map is kept untyped so the merge logic treats every
// attribute uniformly; typed accessors cover the fields the core needs.
type DeviceState map[string]any

// Serial returns the device serial number, checking both naming
// variants the cloud uses (deviceSerial on adapters, serialNumber on
// device detail responses).
func (s DeviceState) Serial() string {
	for _, key := range []string{"deviceSerial", "serialNumber"} {
		if v, ok := s[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// UpdatedAt parses the server-side update timestamp. The second return
// is false when the field is absent or malformed; callers must treat
// that as "not yet confirmed", never as an error.
func (s DeviceState) UpdatedAt() (time.Time, bool) {
	raw, ok := s["updatedAt"].(string)
	if !ok || raw == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Connected reports whether the cloud considers the adapter reachable.
// Missing field defaults to true so a sparse response does not flap
// availability.
func (s DeviceState) Connected() bool {
	if v, ok := s["connected"].(bool); ok {
		return v
	}
	return true
}

// Clone returns a shallow-value deep copy of the state map. Values are
// JSON scalars and nested maps; nested maps are copied recursively.
func (s DeviceState) Clone() DeviceState {
	if s == nil {
		return nil
	}
	out := make(DeviceState, len(s))
	for k, v := range s {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, e := range t {
			m[k] = cloneValue(e)
		}
		return m
	case []any:
		l := make([]any, len(t))
		for i, e := range t {
			l[i] = cloneValue(e)
		}
		return l
	default:
		return v
	}
}

// SetPointRange is a heat/cool temperature bound pair from a profile.
type SetPointRange struct {
	Heat float64 `json:"heat"`
	Cool float64 `json:"cool"`
}

// DeviceProfile describes a device's capability set. Commands are
// validated against the profile before any network call.
type DeviceProfile struct {
	NumberOfFanSpeeds int           `json:"numberOfFanSpeeds"`
	HasVaneSwing      bool          `json:"hasVaneSwing"`
	HasVaneDir        bool          `json:"hasVaneDir"`
	HasModeHeat       bool          `json:"hasModeHeat"`
	HasModeDry        bool          `json:"hasModeDry"`
	HasModeVent       bool          `json:"hasModeVent"`
	MinimumSetPoints  SetPointRange `json:"minimumSetPoints"`
	MaximumSetPoints  SetPointRange `json:"maximumSetPoints"`
}

// Commands is the attribute set of one command request, using the same
// attribute names as DeviceState.
type Commands map[string]any

// tokenPair is the access/refresh pair embedded in auth responses.
type tokenPair struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}

// loginResponse is the body of POST /v3/login.
type loginResponse struct {
	Token tokenPair `json:"token"`
}

// commandRequest is the body of POST /v3/devices/send-command.
type commandRequest struct {
	DeviceSerial string   `json:"deviceSerial"`
	Commands     Commands `json:"commands"`
}
