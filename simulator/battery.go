package main

import (
	"strconv"
	"sync"
	"time"
)

// Battery models a home storage battery driven by the dongle's settings.
// Charging applies while AC charge is enabled, the clock is inside the
// programmed window and the SOC is below the programmed limit. Outside of
// charging the house load slowly drains it.
type Battery struct {
	CapacityKWh  float64
	ChargeRateKW float64
	HouseLoadKW  float64

	mu       sync.Mutex
	soc      float64 // percent [0,100]
	enabled  bool
	socLimit int
	winStart string // "HH:MM"
	winEnd   string
}

func NewBattery(capacityKWh, chargeRateKW, houseLoadKW, initialSOC float64) *Battery {
	return &Battery{
		CapacityKWh:  capacityKWh,
		ChargeRateKW: chargeRateKW,
		HouseLoadKW:  houseLoadKW,
		soc:          initialSOC,
		socLimit:     100,
	}
}

// Apply updates the battery's charging directives from a dongle setting.
func (b *Battery) Apply(setting, value string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch setting {
	case "ACCharge":
		b.enabled = value == "1"
	case "ACChgSOCLimit":
		if n, err := strconv.Atoi(value); err == nil {
			b.socLimit = n
		}
	case "ACChgStart":
		b.winStart = value
	case "ACChgEnd":
		b.winEnd = value
	}
}

// Step advances the simulation by dt and returns the current SOC percent and
// battery power in watts (positive while charging, negative while draining).
func (b *Battery) Step(now time.Time, dt time.Duration) (int, float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	hours := dt.Hours()
	powerKW := -b.HouseLoadKW
	if b.charging(now) {
		powerKW = b.ChargeRateKW
	}
	b.soc += powerKW * hours / b.CapacityKWh * 100
	if b.soc < 0 {
		b.soc = 0
	}
	if b.soc > 100 {
		b.soc = 100
	}
	return int(b.soc), powerKW * 1000
}

func (b *Battery) charging(now time.Time) bool {
	if !b.enabled || int(b.soc) >= b.socLimit {
		return false
	}
	if b.winStart == "" || b.winEnd == "" {
		return true
	}
	cur := now.Format("15:04")
	if b.winStart <= b.winEnd {
		return cur >= b.winStart && cur < b.winEnd
	}
	// window crosses midnight
	return cur >= b.winStart || cur < b.winEnd
}
