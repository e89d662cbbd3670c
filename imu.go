package epuck

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"periph.io/x/conn/v3/i2c"
)

const (
	imuRegAccelXOutH = 0x3B
	imuRegPwrMgmt1   = 0x6B

	// accel x,y,z, temperature, gyro x,y,z
	imuBurstSize = 14

	// raw counts per unit of the scaled accelerometer and gyroscope values
	imuAccelDivisor = 32768.0 * 2
	imuGyroDivisor  = 32768.0 * 250
)

// GravityRaw is 1g in raw accelerometer counts, removed from the Z offset
// only.
const GravityRaw = 16384.0

// ImuSample is one offset-corrected accelerometer and gyroscope reading,
// each axis divided by its fixed divisor.
type ImuSample struct {
	AccelX, AccelY, AccelZ float64
	GyroX, GyroY, GyroZ    float64
}

type imuRaw struct {
	accel [3]int16
	gyro  [3]int16
}

// IMU reads the accelerometer and gyroscope registers on the robot bus.
type IMU struct {
	dev      *i2c.Dev
	samples  int
	interval time.Duration
	log      hclog.Logger

	mu    sync.Mutex
	awake bool
}

// NewIMU creates the reader. samples raw readings taken interval apart are
// averaged into the offsets on every Read.
func NewIMU(bus i2c.Bus, addr uint16, samples int, interval time.Duration, l hclog.Logger) *IMU {
	return &IMU{
		dev:      &i2c.Dev{Bus: bus, Addr: addr},
		samples:  samples,
		interval: interval,
		log:      l,
	}
}

// Read calibrates the offsets from scratch and then takes one sample. It
// blocks for about samples*interval and is never called implicitly.
func (m *IMU) Read(ctx context.Context) (ImuSample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.wake(); err != nil {
		m.log.Warn("Unable to wake IMU", "error", err)
		return ImuSample{}, err
	}

	accelOff, gyroOff, err := m.calibrate(ctx)
	if err != nil {
		m.log.Warn("IMU calibration failed", "error", err)
		return ImuSample{}, err
	}

	raw, err := m.readRaw()
	if err != nil {
		m.log.Warn("Unable to read IMU", "error", err)
		return ImuSample{}, err
	}

	s := ImuSample{
		AccelX: (float64(raw.accel[0]) - accelOff[0]) / imuAccelDivisor,
		AccelY: (float64(raw.accel[1]) - accelOff[1]) / imuAccelDivisor,
		AccelZ: (float64(raw.accel[2]) - accelOff[2]) / imuAccelDivisor,
		GyroX:  (float64(raw.gyro[0]) - gyroOff[0]) / imuGyroDivisor,
		GyroY:  (float64(raw.gyro[1]) - gyroOff[1]) / imuGyroDivisor,
		GyroZ:  (float64(raw.gyro[2]) - gyroOff[2]) / imuGyroDivisor,
	}

	m.log.Trace("Read IMU", "sample", s)

	return s, nil
}

func (m *IMU) wake() error {
	if m.awake {
		return nil
	}

	if err := m.dev.Tx([]byte{imuRegPwrMgmt1, 0x00}, nil); err != nil {
		return err
	}

	m.awake = true

	return nil
}

func (m *IMU) calibrate(ctx context.Context) (accel, gyro [3]float64, err error) {
	if m.samples <= 0 {
		return accel, gyro, fmt.Errorf("imu calibration needs at least one sample")
	}

	for i := 0; i < m.samples; i++ {
		raw, err := m.readRaw()
		if err != nil {
			return accel, gyro, err
		}

		for a := 0; a < 3; a++ {
			accel[a] += float64(raw.accel[a])
			gyro[a] += float64(raw.gyro[a])
		}

		if err := sleep(ctx, m.interval); err != nil {
			return accel, gyro, err
		}
	}

	n := float64(m.samples)
	for a := 0; a < 3; a++ {
		accel[a] /= n
		gyro[a] /= n
	}

	accel[2] -= GravityRaw

	return accel, gyro, nil
}

func (m *IMU) readRaw() (imuRaw, error) {
	buf := make([]byte, imuBurstSize)
	if err := m.dev.Tx([]byte{imuRegAccelXOutH}, buf); err != nil {
		return imuRaw{}, err
	}

	return decodeIMU(buf), nil
}

// registers are big-endian, accel at 0..5, temperature 6..7, gyro 8..13
func decodeIMU(b []byte) imuRaw {
	var r imuRaw
	for a := 0; a < 3; a++ {
		r.accel[a] = int16(binary.BigEndian.Uint16(b[a*2:]))
		r.gyro[a] = int16(binary.BigEndian.Uint16(b[8+a*2:]))
	}

	return r
}
