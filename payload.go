package epuck

import (
	"encoding/binary"
	"fmt"
)

// RGB is a body LED colour with each component in 0..100.
type RGB struct {
	R, G, B uint8
}

// ActuatorState is the last commanded value of every actuator. A full
// packet is derived from it on every write so that commanding one actuator
// never resets the others.
type ActuatorState struct {
	Left  int
	Right int

	FrontLED bool
	// OddLEDs holds the LED1/3/5/7 bits of the LED byte.
	OddLEDs  uint8
	BodyLEDs [NumBodyLEDs]RGB

	Sound Sound

	PositionMode      bool
	ObstacleAvoidance bool
	CalibrateIR       bool
}

// ActuatorPacket is the 20 byte command buffer written to the robot.
type ActuatorPacket [ActuatorPacketSize]byte

// SafePacket stops the motors and turns off every LED and the speaker.
var SafePacket = ActuatorPacket{}

// EncodeActuatorPacket builds the command packet for the given state.
//
//	0-1    left motor speed, int16 LE
//	2-3    right motor speed, int16 LE
//	4      speaker
//	5      front / odd LED bits
//	6-17   body LED2, LED4, LED6, LED8 as R,G,B
//	18     settings
//	19     XOR of bytes 0..18
func EncodeActuatorPacket(s ActuatorState) ActuatorPacket {
	var p ActuatorPacket

	binary.LittleEndian.PutUint16(p[0:2], uint16(int16(clampInt(s.Left, -MaxMotorSpeed, MaxMotorSpeed))))
	binary.LittleEndian.PutUint16(p[2:4], uint16(int16(clampInt(s.Right, -MaxMotorSpeed, MaxMotorSpeed))))

	p[4] = byte(s.Sound)

	leds := s.OddLEDs & oddLEDMask
	if s.FrontLED {
		leds |= LEDFront
	}
	p[5] = leds

	for i, c := range s.BodyLEDs {
		off := 6 + i*3
		p[off] = clampLED(c.R)
		p[off+1] = clampLED(c.G)
		p[off+2] = clampLED(c.B)
	}

	var settings byte
	if s.PositionMode {
		settings |= SettingPositionMode
	}
	if s.ObstacleAvoidance {
		settings |= SettingObstacleAvoidance
	}
	if s.CalibrateIR {
		settings |= SettingCalibrateIR
	}
	p[18] = settings

	// must stay last
	p[19] = Checksum(p[:19])

	return p
}

// Valid reports whether the trailing checksum matches the body.
func (p ActuatorPacket) Valid() bool {
	return Checksum(p[:19]) == p[19]
}

func (p ActuatorPacket) String() string {
	return fmt.Sprintf("% x", p[:])
}

// Checksum is the XOR of every byte in b.
func Checksum(b []byte) byte {
	var cs byte
	for _, v := range b {
		cs ^= v
	}

	return cs
}

// ScaleLED maps a 0-255 colour component onto the 0-100 range the firmware
// expects.
func ScaleLED(v uint8) uint8 {
	return uint8((int(v)*MaxLEDValue + 127) / 255)
}

func clampLED(v uint8) uint8 {
	if v > MaxLEDValue {
		return MaxLEDValue
	}
	return v
}

func clampInt(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
