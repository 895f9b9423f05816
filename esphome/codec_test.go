package esphome

import (
	"testing"

	"github.com/kradalby/esphome-homekit/climate"
)

func TestModeCodec(t *testing.T) {
	for _, m := range []climate.Mode{
		climate.ModeOff, climate.ModeAuto, climate.ModeCool,
		climate.ModeHeat, climate.ModeFanOnly, climate.ModeDry,
	} {
		payload, err := EncodeMode(m)
		if err != nil {
			t.Fatalf("EncodeMode(%v) error = %v", m, err)
		}
		got, err := DecodeMode(payload)
		if err != nil || got != m {
			t.Errorf("DecodeMode(%q) = %v, %v, want %v", payload, got, err, m)
		}
	}

	if got, err := DecodeMode("AUTO"); err != nil || got != climate.ModeAuto {
		t.Errorf("DecodeMode(AUTO) = %v, %v, want auto", got, err)
	}
	if _, err := DecodeMode("turbo"); err == nil {
		t.Error("DecodeMode(turbo) expected error")
	}
	if _, err := EncodeMode(climate.Mode(9)); err == nil {
		t.Error("EncodeMode(9) expected error")
	}
}

func TestFanModeCodec(t *testing.T) {
	tests := []struct {
		payload string
		want    climate.FanMode
		wantErr bool
	}{
		{"auto", climate.FanAuto, false},
		{"low", climate.FanLow, false},
		{"medium", climate.FanMedium, false},
		{"high", climate.FanHigh, false},
		{" Quiet ", climate.FanQuiet, false},
		{"diffuse", climate.FanDiffuse, false},
		{"turbo", climate.FanOn, true},
	}

	for _, tt := range tests {
		t.Run(tt.payload, func(t *testing.T) {
			got, err := DecodeFanMode(tt.payload)
			if (err != nil) != tt.wantErr {
				t.Fatalf("DecodeFanMode() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("DecodeFanMode() = %v, want %v", got, tt.want)
			}
		})
	}

	if _, err := EncodeFanMode(climate.FanMode(10)); err == nil {
		t.Error("EncodeFanMode(10) expected error")
	}
}

func TestSwingModeCodec(t *testing.T) {
	for s := climate.SwingOff; s <= climate.SwingHorizontal; s++ {
		payload, err := EncodeSwingMode(s)
		if err != nil {
			t.Fatalf("EncodeSwingMode(%v) error = %v", s, err)
		}
		got, err := DecodeSwingMode(payload)
		if err != nil || got != s {
			t.Errorf("DecodeSwingMode(%q) = %v, %v, want %v", payload, got, err, s)
		}
	}
	if _, err := DecodeSwingMode("diagonal"); err == nil {
		t.Error("DecodeSwingMode(diagonal) expected error")
	}
}

func TestTemperatureCodec(t *testing.T) {
	tests := []struct {
		payload string
		want    float64
		wantOK  bool
		wantErr bool
	}{
		{"21.5", 21.5, true, false},
		{" 22 ", 22, true, false},
		{"nan", 0, false, false},
		{"NaN", 0, false, false},
		{"", 0, false, false},
		{"warm", 0, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.payload, func(t *testing.T) {
			got, ok, err := DecodeTemperature(tt.payload)
			if (err != nil) != tt.wantErr {
				t.Fatalf("DecodeTemperature() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("DecodeTemperature() = %v, %v, want %v, %v", got, ok, tt.want, tt.wantOK)
			}
		})
	}

	if got := EncodeTemperature(21.25); got != "21.2" && got != "21.3" {
		t.Errorf("EncodeTemperature(21.25) = %q", got)
	}
	if got := EncodeTemperature(22); got != "22.0" {
		t.Errorf("EncodeTemperature(22) = %q, want 22.0", got)
	}
}

func TestTopics(t *testing.T) {
	topics := Topics{Prefix: "ac", Entity: "bedroom"}

	if got := topics.Command("mode"); got != "ac/climate/bedroom/mode/command" {
		t.Errorf("Command() = %q", got)
	}

	tests := []struct {
		topic  string
		want   string
		wantOK bool
	}{
		{"ac/climate/bedroom/mode/state", "mode", true},
		{"ac/climate/bedroom/target_temperature/state", "target_temperature", true},
		{"ac/climate/kitchen/mode/state", "", false},
		{"ac/climate/bedroom/mode/command", "", false},
		{"ac/climate/bedroom//state", "", false},
	}

	for _, tt := range tests {
		got, ok := topics.Field(tt.topic)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("Field(%q) = %q, %v, want %q, %v", tt.topic, got, ok, tt.want, tt.wantOK)
		}
	}
}
