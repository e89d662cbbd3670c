package epuck

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/hashicorp/go-hclog"
	"periph.io/x/conn/v3/i2c"
)

const (
	magRegWhoAmI = 0x00
	magRegData   = 0x03
	magRegCntl1  = 0x0A

	magDeviceID = 0x48
	// continuous measurement mode 2, 16 bit output
	magModeContinuous16 = 0x16
)

// MagnetometerReading is a raw sample plus the heading derived from the
// current calibration.
type MagnetometerReading struct {
	X, Y, Z int16
	Heading float64
}

// Magnetometer drives the 3-axis compass
type Magnetometer struct {
	peripheral

	samples  int
	interval time.Duration

	offsetX float64
	offsetY float64
	offsetZ float64
}

// NewMagnetometer creates the driver. samples readings are taken interval
// apart during Calibrate.
func NewMagnetometer(opener BusOpener, candidates []Candidate, samples int, interval time.Duration, l hclog.Logger) *Magnetometer {
	return &Magnetometer{
		peripheral: peripheral{opener: opener, candidates: candidates, log: l},
		samples:    samples,
		interval:   interval,
	}
}

// Initialize tries every address on every channel and puts the first
// device found into continuous measurement mode.
func (m *Magnetometer) Initialize() error {
	return m.discover(func(bus i2c.Bus, c Candidate) error {
		id := make([]byte, 1)
		if err := bus.Tx(c.Addr, []byte{magRegWhoAmI}, id); err != nil {
			return err
		}

		if id[0] != magDeviceID {
			return fmt.Errorf("unexpected device id 0x%02x", id[0])
		}

		return bus.Tx(c.Addr, []byte{magRegCntl1, magModeContinuous16}, nil)
	})
}

// ReadRaw returns one raw sample
func (m *Magnetometer) ReadRaw() (x, y, z int16, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.readRaw()
}

func (m *Magnetometer) readRaw() (x, y, z int16, err error) {
	dev, err := m.device()
	if err != nil {
		return 0, 0, 0, err
	}

	// HXL..HZH then ST2, reading ST2 releases the data registers
	buf := make([]byte, 7)
	if err := dev.Tx([]byte{magRegData}, buf); err != nil {
		return 0, 0, 0, fmt.Errorf("%w: %w", ErrTransport, err)
	}

	x = int16(binary.LittleEndian.Uint16(buf[0:2]))
	y = int16(binary.LittleEndian.Uint16(buf[2:4]))
	z = int16(binary.LittleEndian.Uint16(buf[4:6]))

	return x, y, z, nil
}

// Calibrate samples the field while the robot drives a figure eight and
// stores the midpoint of each axis as its offset. It blocks for
// samples*interval. The device lock is only held while a sample is read,
// so Close interrupts a running calibration.
func (m *Magnetometer) Calibrate(ctx context.Context) error {
	minV := [3]float64{math.Inf(1), math.Inf(1), math.Inf(1)}
	maxV := [3]float64{math.Inf(-1), math.Inf(-1), math.Inf(-1)}

	m.log.Info("Calibrating magnetometer, move the robot in a figure eight", "samples", m.samples)

	for i := 0; i < m.samples; i++ {
		x, y, z, err := m.ReadRaw()
		if err != nil {
			m.log.Warn("Magnetometer calibration aborted", "sample", i, "error", err)
			return err
		}

		for a, v := range [3]float64{float64(x), float64(y), float64(z)} {
			minV[a] = math.Min(minV[a], v)
			maxV[a] = math.Max(maxV[a], v)
		}

		if err := sleep(ctx, m.interval); err != nil {
			return err
		}
	}

	if m.samples == 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.offsetX = (minV[0] + maxV[0]) / 2
	m.offsetY = (minV[1] + maxV[1]) / 2
	m.offsetZ = (minV[2] + maxV[2]) / 2

	m.log.Debug("Magnetometer calibrated", "offset_x", m.offsetX, "offset_y", m.offsetY, "offset_z", m.offsetZ)

	return nil
}

// Offsets returns the per axis calibration offsets
func (m *Magnetometer) Offsets() (x, y, z float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.offsetX, m.offsetY, m.offsetZ
}

// Read returns a sample and its heading
func (m *Magnetometer) Read() (MagnetometerReading, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	x, y, z, err := m.readRaw()
	if err != nil {
		return MagnetometerReading{}, err
	}

	return MagnetometerReading{
		X:       x,
		Y:       y,
		Z:       z,
		Heading: Heading(float64(x)-m.offsetX, float64(y)-m.offsetY),
	}, nil
}

// Heading converts calibrated x/y field values to degrees in [0, 360)
func Heading(x, y float64) float64 {
	h := math.Atan2(x, y)*180/math.Pi - 90

	h = math.Mod(h, 360)
	if h < 0 {
		h += 360
	}
	if h >= 360 {
		h -= 360
	}

	return h
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
