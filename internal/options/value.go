package options

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/mortarbuild/mortar/internal/decl"
)

// Value is the effective value of an option. Each option type has one
// concrete implementation.
type Value interface {
	// EncodeString renders the value in the form ParseValue accepts.
	EncodeString() string
}

// BoolValue holds a boolean option value.
type BoolValue bool

func (v BoolValue) EncodeString() string { return strconv.FormatBool(bool(v)) }

// StringValue holds a string or combo option value.
type StringValue string

func (v StringValue) EncodeString() string { return string(v) }

// IntValue holds an integer option value.
type IntValue int

func (v IntValue) EncodeString() string { return strconv.Itoa(int(v)) }

// ArrayValue holds an array option value.
type ArrayValue []string

func (v ArrayValue) EncodeString() string { return strings.Join(v, ",") }

// FeatureState is the tri-state of a feature option.
type FeatureState int

const (
	FeatureAuto FeatureState = iota
	FeatureEnabled
	FeatureDisabled
)

// FeatureValue holds a feature option value.
type FeatureValue FeatureState

func (v FeatureValue) EncodeString() string {
	switch FeatureState(v) {
	case FeatureEnabled:
		return "enabled"
	case FeatureDisabled:
		return "disabled"
	default:
		return "auto"
	}
}

// Enabled reports whether the feature is explicitly enabled.
func (v FeatureValue) Enabled() bool { return FeatureState(v) == FeatureEnabled }

// Disabled reports whether the feature is explicitly disabled.
func (v FeatureValue) Disabled() bool { return FeatureState(v) == FeatureDisabled }

// Auto reports whether the feature is left to auto-detection.
func (v FeatureValue) Auto() bool { return FeatureState(v) == FeatureAuto }

// ParseValue converts the string form of an option value into its typed
// form, validating against the option type and combo choices.
func ParseValue(t decl.OptionType, choices []string, raw string) (Value, error) {
	switch t {
	case decl.BoolOption:
		switch raw {
		case "true":
			return BoolValue(true), nil
		case "false":
			return BoolValue(false), nil
		}
		return nil, fmt.Errorf("invalid boolean value %q", raw)
	case decl.ComboOption:
		for _, c := range choices {
			if raw == c {
				return StringValue(raw), nil
			}
		}
		return nil, fmt.Errorf("value %q is not one of the choices %v", raw, choices)
	case decl.FeatureOption:
		switch raw {
		case "enabled":
			return FeatureValue(FeatureEnabled), nil
		case "disabled":
			return FeatureValue(FeatureDisabled), nil
		case "auto", "":
			return FeatureValue(FeatureAuto), nil
		}
		return nil, fmt.Errorf("invalid feature value %q (want enabled, disabled or auto)", raw)
	case decl.StringOption:
		return StringValue(raw), nil
	case decl.IntegerOption:
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid integer value %q", raw)
		}
		return IntValue(n), nil
	case decl.ArrayOption:
		if raw == "" {
			return ArrayValue(nil), nil
		}
		parts := strings.Split(raw, ",")
		for i, p := range parts {
			parts[i] = strings.TrimSpace(p)
		}
		return ArrayValue(parts), nil
	default:
		return nil, fmt.Errorf("unhandled option type %v", t)
	}
}

func zeroValue(t decl.OptionType) Value {
	switch t {
	case decl.BoolOption:
		return BoolValue(false)
	case decl.FeatureOption:
		return FeatureValue(FeatureAuto)
	case decl.IntegerOption:
		return IntValue(0)
	case decl.ArrayOption:
		return ArrayValue(nil)
	default:
		return StringValue("")
	}
}
