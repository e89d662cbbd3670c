package epuck

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"periph.io/x/conn/v3/physic"
)

const adcDir = "sys/bus/i2c/drivers/ads1015/3-0048"

// Config holds the hardware constants of the robot. DefaultConfig matches
// a Pi-puck mounted e-puck2.
type Config struct {
	// Channels are tried in order for the robot and every peripheral
	Channels []int
	BusSpeed physic.Frequency

	RobotAddr         uint16
	GroundAddr        uint16
	ToFAddr           uint16
	IMUAddr           uint16
	MagnetometerAddrs []uint16

	IMUSamples  int
	IMUInterval time.Duration

	MagnetometerSamples  int
	MagnetometerInterval time.Duration

	ToFBudget time.Duration

	PowerSupplies map[Rail]string
	BatteryADC    map[Rail][]ADCPath

	LogLevel string
}

// DefaultConfig returns the standard configuration
func DefaultConfig() Config {
	return Config{
		Channels: []int{ChannelPrimary, ChannelLegacy},

		RobotAddr:         RobotAddr,
		GroundAddr:        GroundAddr,
		ToFAddr:           ToFAddr,
		IMUAddr:           IMUAddr,
		MagnetometerAddrs: append([]uint16(nil), MagnetometerAddrs...),

		IMUSamples:  20,
		IMUInterval: 50 * time.Millisecond,

		MagnetometerSamples:  100,
		MagnetometerInterval: 50 * time.Millisecond,

		ToFBudget: BetterAccuracyBudget,

		PowerSupplies: map[Rail]string{
			RailEPuck: "epuck-battery",
			RailAux:   "aux-battery",
		},
		BatteryADC: map[Rail][]ADCPath{
			RailEPuck: {
				{Raw: adcDir + "/iio:device0/in_voltage0_raw", Scale: adcDir + "/iio:device0/in_voltage0_scale"},
				{Raw: adcDir + "/in4_input"},
			},
			RailAux: {
				{Raw: adcDir + "/iio:device0/in_voltage1_raw", Scale: adcDir + "/iio:device0/in_voltage1_scale"},
				{Raw: adcDir + "/in5_input"},
			},
		},

		LogLevel: "info",
	}
}

// ConfigFromEnv returns DefaultConfig overridden by any of
// EPUCK_I2C_CHANNELS (comma separated), EPUCK_IMU_SAMPLES,
// EPUCK_MAG_SAMPLES and EPUCK_LOG_LEVEL.
func ConfigFromEnv() (Config, error) {
	c := DefaultConfig()

	if v := os.Getenv("EPUCK_I2C_CHANNELS"); v != "" {
		chs, err := ParseChannels(v)
		if err != nil {
			return c, fmt.Errorf("EPUCK_I2C_CHANNELS: %w", err)
		}
		c.Channels = chs
	}

	if v := os.Getenv("EPUCK_IMU_SAMPLES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return c, fmt.Errorf("EPUCK_IMU_SAMPLES: invalid value %q", v)
		}
		c.IMUSamples = n
	}

	if v := os.Getenv("EPUCK_MAG_SAMPLES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return c, fmt.Errorf("EPUCK_MAG_SAMPLES: invalid value %q", v)
		}
		c.MagnetometerSamples = n
	}

	if v := os.Getenv("EPUCK_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}

	return c, nil
}

// ParseChannels parses a comma separated list of bus numbers
func ParseChannels(s string) ([]int, error) {
	var chs []int
	for _, f := range strings.Split(s, ",") {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}

		n, err := strconv.Atoi(f)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid channel %q", f)
		}
		chs = append(chs, n)
	}

	if len(chs) == 0 {
		return nil, fmt.Errorf("no channels in %q", s)
	}

	return chs, nil
}
