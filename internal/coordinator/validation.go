package coordinator

import (
	"fmt"

	"github.com/openkumo/kumo-core/internal/kumo"
)

// commandAttributes is the set of attributes a command may carry.
var commandAttributes = map[string]bool{
	"power":         true,
	"operationMode": true,
	"spCool":        true,
	"spHeat":        true,
	"fanSpeed":      true,
	"airDirection":  true,
}

// baseModes are the operation modes every unit supports.
var baseModes = map[string]bool{
	"off":      true,
	"cool":     true,
	"auto":     true,
	"autoCool": true,
	"autoHeat": true,
}

// validateCommands rejects malformed or out-of-range command attributes
// before any network call. profile may be nil when the device's profile
// fetch failed; only structural checks apply in that case.
func validateCommands(attrs kumo.Commands, profile *kumo.DeviceProfile) error {
	if len(attrs) == 0 {
		return &ValidationError{Attribute: "", Message: "command has no attributes"}
	}

	for name, value := range attrs {
		if !commandAttributes[name] {
			return &ValidationError{Attribute: name, Message: "not a commandable attribute"}
		}

		switch name {
		case "power":
			if err := validatePower(value); err != nil {
				return err
			}
		case "operationMode":
			if err := validateMode(value, profile); err != nil {
				return err
			}
		case "spCool", "spHeat":
			if err := validateSetpoint(name, value, profile); err != nil {
				return err
			}
		case "fanSpeed":
			if _, ok := value.(string); !ok {
				return &ValidationError{Attribute: name, Message: "must be a string"}
			}
		case "airDirection":
			if _, ok := value.(string); !ok {
				return &ValidationError{Attribute: name, Message: "must be a string"}
			}
			if profile != nil && !profile.HasVaneDir && !profile.HasVaneSwing {
				return &ValidationError{Attribute: name, Message: "unit has no controllable vanes"}
			}
		}
	}

	return nil
}

func validatePower(value any) error {
	f, ok := toFloat(value)
	if !ok || (f != 0 && f != 1) {
		return &ValidationError{Attribute: "power", Message: "must be 0 or 1"}
	}
	return nil
}

func validateMode(value any, profile *kumo.DeviceProfile) error {
	mode, ok := value.(string)
	if !ok {
		return &ValidationError{Attribute: "operationMode", Message: "must be a string"}
	}
	if baseModes[mode] {
		return nil
	}

	switch mode {
	case "heat":
		if profile != nil && !profile.HasModeHeat {
			return &ValidationError{Attribute: "operationMode", Message: "unit does not support heat"}
		}
	case "dry":
		if profile != nil && !profile.HasModeDry {
			return &ValidationError{Attribute: "operationMode", Message: "unit does not support dry"}
		}
	case "vent":
		if profile != nil && !profile.HasModeVent {
			return &ValidationError{Attribute: "operationMode", Message: "unit does not support vent"}
		}
	default:
		return &ValidationError{Attribute: "operationMode", Message: fmt.Sprintf("unknown mode %q", mode)}
	}
	return nil
}

func validateSetpoint(name string, value any, profile *kumo.DeviceProfile) error {
	f, ok := toFloat(value)
	if !ok {
		return &ValidationError{Attribute: name, Message: "must be a number"}
	}
	if profile == nil {
		return nil
	}

	var min, max float64
	if name == "spCool" {
		min, max = profile.MinimumSetPoints.Cool, profile.MaximumSetPoints.Cool
	} else {
		min, max = profile.MinimumSetPoints.Heat, profile.MaximumSetPoints.Heat
	}
	// Profiles with no reported range leave both bounds at zero.
	if min == 0 && max == 0 {
		return nil
	}
	if f < min || f > max {
		return &ValidationError{
			Attribute: name,
			Message:   fmt.Sprintf("%.1f outside range %.1f-%.1f", f, min, max),
		}
	}
	return nil
}
