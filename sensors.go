package epuck

import (
	"encoding/binary"
	"fmt"
)

// SensorPacket is the telemetry returned by the robot in the same
// transaction as an actuator packet.
type SensorPacket struct {
	Proximity    [NumProximity]uint16
	AmbientLight [NumAmbient]uint16
	Microphone   [NumMicrophones]uint16
	Selector     uint8
	Button       bool
	MotorSteps   [2]uint16
	RemoteTV     uint8
}

// DecodeSensorPacket parses a 47 byte response. ok is false when the
// checksum does not match, in which case the packet must be dropped.
//
// Any other buffer length is a caller bug and panics.
func DecodeSensorPacket(b []byte) (p SensorPacket, ok bool) {
	if len(b) != SensorPacketSize {
		panic(fmt.Sprintf("epuck: sensor packet must be %d bytes, got %d", SensorPacketSize, len(b)))
	}

	if Checksum(b[:SensorPacketSize-1]) != b[SensorPacketSize-1] {
		return SensorPacket{}, false
	}

	for i := 0; i < NumProximity; i++ {
		p.Proximity[i] = binary.LittleEndian.Uint16(b[i*2:])
	}

	for i := 0; i < NumAmbient; i++ {
		p.AmbientLight[i] = binary.LittleEndian.Uint16(b[16+i*2:])
	}

	for i := 0; i < NumMicrophones; i++ {
		p.Microphone[i] = binary.LittleEndian.Uint16(b[32+i*2:])
	}

	p.Selector = b[40] & 0x0F
	p.Button = b[40]&0x10 != 0

	p.MotorSteps[0] = binary.LittleEndian.Uint16(b[41:])
	p.MotorSteps[1] = binary.LittleEndian.Uint16(b[43:])

	p.RemoteTV = b[45]

	return p, true
}
