package climate

import "fmt"

// fanLadder maps HomeKit rotation speed steps to device fan modes.
var fanLadder = []struct {
	percent float64
	mode    FanMode
}{
	{25, FanAuto},
	{50, FanLow},
	{75, FanMedium},
	{100, FanHigh},
}

// FanModeForPercent quantizes a rotation speed into the fan ladder.
func FanModeForPercent(percent float64) FanMode {
	for _, step := range fanLadder {
		if percent <= step.percent {
			return step.mode
		}
	}
	return FanHigh
}

// PercentForFanMode is the rotation speed shown for a fan mode. Fan modes
// outside the ladder have no rotation speed.
func PercentForFanMode(mode FanMode) (float64, bool) {
	for _, step := range fanLadder {
		if step.mode == mode {
			return step.percent, true
		}
	}
	return 0, false
}

// TargetStateFor maps a device mode to the HomeKit target state. OFF has no
// target state. FAN_ONLY and DRY have no HomeKit equivalent and show as
// AUTO.
func TargetStateFor(mode Mode) (TargetState, bool) {
	switch mode {
	case ModeAuto, ModeFanOnly, ModeDry:
		return TargetAuto, true
	case ModeCool:
		return TargetCool, true
	case ModeHeat:
		return TargetHeat, true
	default:
		return TargetAuto, false
	}
}

// ModeForTargetState maps a HomeKit target state to a device mode.
func ModeForTargetState(t TargetState) (Mode, bool) {
	switch t {
	case TargetAuto:
		return ModeAuto, true
	case TargetHeat:
		return ModeHeat, true
	case TargetCool:
		return ModeCool, true
	default:
		return ModeOff, false
	}
}

// ParseTargetState parses "auto", "heat" or "cool".
func ParseTargetState(s string) (TargetState, error) {
	for _, t := range []TargetState{TargetAuto, TargetHeat, TargetCool} {
		if t.String() == s {
			return t, nil
		}
	}
	return TargetAuto, fmt.Errorf("unknown target state %q", s)
}

// CurrentStateFor derives the HomeKit current state from device state. It
// is display only and never sent to the device.
func CurrentStateFor(s State) CurrentState {
	if s.Mode == ModeOff {
		return CurrentInactive
	}
	if !s.Mode.HasSetpoint() || s.CurrentTemperature == nil || s.TargetTemperature == nil {
		return CurrentIdle
	}

	current, target := *s.CurrentTemperature, *s.TargetTemperature
	switch s.Mode {
	case ModeAuto:
		switch {
		case current < target:
			return CurrentHeating
		case current > target:
			return CurrentCooling
		}
	case ModeCool:
		if current > target {
			return CurrentCooling
		}
	case ModeHeat:
		if current < target {
			return CurrentHeating
		}
	}
	return CurrentIdle
}
