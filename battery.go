package epuck

import (
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strconv"
	"strings"

	"github.com/hashicorp/go-hclog"
)

// Rail identifies a battery
type Rail string

const (
	RailEPuck Rail = "epuck"
	RailAux   Rail = "aux"
)

const (
	// BatteryMinVoltage and BatteryMaxVoltage map to 0% and 100%
	BatteryMinVoltage = 3.3
	BatteryMaxVoltage = 4.138

	adcDivisor = 500.0
)

// ParseRail accepts "epuck", "aux" and "external"
func ParseRail(s string) (Rail, error) {
	switch strings.ToLower(s) {
	case "epuck", "e-puck":
		return RailEPuck, nil
	case "aux", "external":
		return RailAux, nil
	}

	return "", fmt.Errorf("%w: %q", ErrInvalidRail, s)
}

// BatteryReading is the state of one rail as reported by one source
type BatteryReading struct {
	Rail       Rail
	Source     string
	Voltage    float64
	Percentage float64
	Charging   bool
}

// BatteryReport holds the readings of both sources side by side. They are
// not reconciled.
type BatteryReport struct {
	Primary    BatteryReading
	PrimaryErr error
	Legacy     BatteryReading
	LegacyErr  error
}

// FuelGauge reports battery state through a higher level driver
type FuelGauge interface {
	Battery(rail Rail) (BatteryReading, error)
}

// ADCPath is a raw ADC value file and its optional scale file, relative to
// the root of the filesystem.
type ADCPath struct {
	Raw   string
	Scale string
}

// BatteryPercentage maps v linearly between BatteryMinVoltage and
// BatteryMaxVoltage, clamped to 0..100.
func BatteryPercentage(v float64) float64 {
	p := (v - BatteryMinVoltage) / (BatteryMaxVoltage - BatteryMinVoltage) * 100

	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}

	return p
}

// PowerSupplyGauge reads the kernel power_supply class
// (sys/class/power_supply/<name>/voltage_now, capacity, status).
type PowerSupplyGauge struct {
	fsys     fs.FS
	supplies map[Rail]string
}

// NewPowerSupplyGauge creates a gauge reading fsys, which is rooted at /
func NewPowerSupplyGauge(fsys fs.FS, supplies map[Rail]string) *PowerSupplyGauge {
	return &PowerSupplyGauge{fsys: fsys, supplies: supplies}
}

// Battery implements FuelGauge
func (g *PowerSupplyGauge) Battery(rail Rail) (BatteryReading, error) {
	name, ok := g.supplies[rail]
	if !ok {
		return BatteryReading{}, fmt.Errorf("%w: no power supply for %q", ErrInvalidRail, rail)
	}

	dir := path.Join("sys/class/power_supply", name)

	uv, err := readFloat(g.fsys, path.Join(dir, "voltage_now"))
	if err != nil {
		return BatteryReading{}, err
	}

	r := BatteryReading{Rail: rail, Source: "power_supply", Voltage: uv / 1e6}

	if c, err := readFloat(g.fsys, path.Join(dir, "capacity")); err == nil {
		r.Percentage = c
	} else {
		r.Percentage = BatteryPercentage(r.Voltage)
	}

	if status, err := fs.ReadFile(g.fsys, path.Join(dir, "status")); err == nil {
		r.Charging = strings.TrimSpace(string(status)) == "Charging"
	}

	return r, nil
}

// Battery reads both battery telemetry paths
type Battery struct {
	gauge FuelGauge
	fsys  fs.FS
	adc   map[Rail][]ADCPath
	log   hclog.Logger
}

// NewBattery creates the reader. adc lists, per rail, the ADC paths to try
// in order. gauge may be nil when no fuel gauge driver is present.
func NewBattery(gauge FuelGauge, fsys fs.FS, adc map[Rail][]ADCPath, l hclog.Logger) *Battery {
	return &Battery{gauge: gauge, fsys: fsys, adc: adc, log: l}
}

// Read returns the fuel gauge reading and the raw ADC reading for rail.
// An error is only returned when neither source could be read.
func (b *Battery) Read(rail Rail) (BatteryReport, error) {
	if rail != RailEPuck && rail != RailAux {
		return BatteryReport{}, fmt.Errorf("%w: %q", ErrInvalidRail, rail)
	}

	var r BatteryReport

	if b.gauge == nil {
		r.PrimaryErr = errors.New("no fuel gauge")
	} else {
		r.Primary, r.PrimaryErr = b.gauge.Battery(rail)
	}

	if r.PrimaryErr != nil {
		b.log.Debug("Fuel gauge unavailable", "rail", rail, "error", r.PrimaryErr)
	}

	r.Legacy, r.LegacyErr = b.readADC(rail)
	if r.LegacyErr != nil {
		b.log.Debug("Battery ADC unavailable", "rail", rail, "error", r.LegacyErr)
	}

	if r.PrimaryErr != nil && r.LegacyErr != nil {
		err := fmt.Errorf("%w: %w", ErrPeripheralUnavailable, errors.Join(r.PrimaryErr, r.LegacyErr))
		b.log.Warn("Unable to read battery", "rail", rail, "error", err)
		return r, err
	}

	return r, nil
}

func (b *Battery) readADC(rail Rail) (BatteryReading, error) {
	p, err := b.findADC(rail)
	if err != nil {
		return BatteryReading{}, err
	}

	raw, err := readFloat(b.fsys, p.Raw)
	if err != nil {
		return BatteryReading{}, err
	}

	scale := 1.0
	if p.Scale != "" {
		if s, err := readFloat(b.fsys, p.Scale); err == nil {
			scale = s
		}
	}

	v := raw * scale / adcDivisor

	return BatteryReading{
		Rail:       rail,
		Source:     "adc",
		Voltage:    v,
		Percentage: BatteryPercentage(v),
	}, nil
}

func (b *Battery) findADC(rail Rail) (ADCPath, error) {
	for _, p := range b.adc[rail] {
		if _, err := fs.Stat(b.fsys, p.Raw); err == nil {
			return p, nil
		}
	}

	return ADCPath{}, fmt.Errorf("no adc path found for %q", rail)
}

func readFloat(fsys fs.FS, name string) (float64, error) {
	d, err := fs.ReadFile(fsys, name)
	if err != nil {
		return 0, err
	}

	return strconv.ParseFloat(strings.TrimSpace(string(d)), 64)
}
