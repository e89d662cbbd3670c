package epuck

const (
	// RobotAddr is the I2C address of the e-puck2 main microcontroller.
	RobotAddr = 0x1F

	// ChannelPrimary is the I2C channel used by current Pi-puck images,
	// ChannelLegacy the one used by older kernels.
	ChannelPrimary = 12
	ChannelLegacy  = 4

	ActuatorPacketSize = 20
	SensorPacketSize   = 47

	MaxMotorSpeed = 1000
	MaxLEDValue   = 100

	NumProximity   = 8
	NumAmbient     = 8
	NumMicrophones = 4
	NumBodyLEDs    = 4
)

// Peripheral addresses
const (
	GroundAddr = 0x60
	ToFAddr    = 0x29
	IMUAddr    = 0x68
)

// MagnetometerAddrs are the addresses the magnetometer may answer on
// depending on how its CAD pins are strapped.
var MagnetometerAddrs = []uint16{0x0C, 0x0D, 0x0E, 0x0F}

// Sound is the speaker byte of the actuator packet. At most one sound is
// active at a time.
type Sound uint8

const (
	SoundNone       Sound = 0x00
	SoundMario      Sound = 0x01
	SoundUnderworld Sound = 0x02
	SoundStarWars   Sound = 0x04
	SoundTone4k     Sound = 0x08
	SoundTone10k    Sound = 0x10
	SoundStop       Sound = 0x20
)

func (s Sound) String() string {
	switch s {
	case SoundNone:
		return "none"
	case SoundMario:
		return "mario"
	case SoundUnderworld:
		return "underworld"
	case SoundStarWars:
		return "starwars"
	case SoundTone4k:
		return "tone4k"
	case SoundTone10k:
		return "tone10k"
	case SoundStop:
		return "stop"
	}
	return "unknown"
}

// Valid reports whether s is one of the sounds understood by the firmware.
func (s Sound) Valid() bool {
	return s.String() != "unknown"
}

// Bits of byte 5 of the actuator packet. The odd LED bits are never set by
// the firmware examples but their positions are reserved.
const (
	LEDFront = 0x01
	LED1     = 0x02
	LED3     = 0x04
	LED5     = 0x08
	LED7     = 0x10

	oddLEDMask = LED1 | LED3 | LED5 | LED7
)

// Settings bits, byte 18 of the actuator packet.
const (
	SettingCalibrateIR       = 0x04
	SettingObstacleAvoidance = 0x08
	SettingPositionMode      = 0x10
)

// AllLEDs addresses every body LED in SetBodyLed.
const AllLEDs = -1
