package models

import (
	"fmt"
	"strings"
)

// FanLevel represents the fan speed of the unit
type FanLevel string

const (
	FanLow    FanLevel = "low"
	FanMedium FanLevel = "medium"
	FanHigh   FanLevel = "high"
)

var fanOrder = []FanLevel{FanLow, FanMedium, FanHigh}

// Index returns the position of the level in the cycle low → medium → high
func (f FanLevel) Index() int {
	for i, l := range fanOrder {
		if l == f {
			return i
		}
	}
	return -1
}

// Next returns the level after f, wrapping high back to low
func (f FanLevel) Next() FanLevel {
	i := f.Index()
	if i < 0 {
		return FanLow
	}
	return fanOrder[(i+1)%len(fanOrder)]
}

// FanLevelFromIndex maps the ledger's numeric fan level (0..2)
func FanLevelFromIndex(i int) (FanLevel, error) {
	if i < 0 || i >= len(fanOrder) {
		return "", fmt.Errorf("fan level index out of range: %d", i)
	}
	return fanOrder[i], nil
}

// ParseFanLevel accepts both the client names and the ledger's event names
// (weak, medium, power/strong).
func ParseFanLevel(s string) (FanLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low", "weak":
		return FanLow, nil
	case "medium":
		return FanMedium, nil
	case "high", "strong", "power":
		return FanHigh, nil
	}
	return "", fmt.Errorf("unknown fan level: %q", s)
}

// Mode represents the operating mode of the unit
type Mode string

const (
	ModeCool Mode = "cool"
	ModeHeat Mode = "heat"
)

// Toggle returns the opposite mode
func (m Mode) Toggle() Mode {
	if m == ModeHeat {
		return ModeCool
	}
	return ModeHeat
}

// Index returns the ledger's numeric mode (cool=0, heat=1)
func (m Mode) Index() int {
	if m == ModeHeat {
		return 1
	}
	return 0
}

// ModeFromIndex maps the ledger's numeric mode
func ModeFromIndex(i int) (Mode, error) {
	switch i {
	case 0:
		return ModeCool, nil
	case 1:
		return ModeHeat, nil
	}
	return "", fmt.Errorf("mode index out of range: %d", i)
}

// DeviceState is the projected state of the climate unit.
// Temperature, FanLevel and Mode are only meaningful while Power is true;
// the last known values are kept while the unit is off.
type DeviceState struct {
	Power       bool     `json:"power"`
	Temperature int      `json:"temperature"`
	FanLevel    FanLevel `json:"fanLevel"`
	Mode        Mode     `json:"mode"`
}

// DefaultDeviceState is the state assumed before the first read completes
func DefaultDeviceState() DeviceState {
	return DeviceState{
		Power:       false,
		Temperature: 25,
		FanLevel:    FanHigh,
		Mode:        ModeCool,
	}
}

// TemperatureRange describes the device-defined temperature bounds
type TemperatureRange struct {
	Min  int `json:"min" yaml:"min"`
	Max  int `json:"max" yaml:"max"`
	Step int `json:"step" yaml:"step"`
}

// Contains reports whether t lies within the range
func (r TemperatureRange) Contains(t int) bool {
	return t >= r.Min && t <= r.Max
}
