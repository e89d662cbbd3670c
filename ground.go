package epuck

import (
	"encoding/binary"
	"fmt"

	"github.com/hashicorp/go-hclog"
	"periph.io/x/conn/v3/i2c"
)

const groundRegister = 0x00

// GroundReading holds the three ground contact sensors.
type GroundReading struct {
	Left   uint16
	Center uint16
	Right  uint16
}

// GroundSensors reads the ground sensor module
type GroundSensors struct {
	peripheral
}

// NewGroundSensors creates the driver, call Initialize to discover it
func NewGroundSensors(opener BusOpener, candidates []Candidate, l hclog.Logger) *GroundSensors {
	return &GroundSensors{peripheral{opener: opener, candidates: candidates, log: l}}
}

// Initialize looks for the module on its candidate channels
func (g *GroundSensors) Initialize() error {
	return g.discover(func(bus i2c.Bus, c Candidate) error {
		return bus.Tx(c.Addr, []byte{groundRegister}, make([]byte, 6))
	})
}

// Read returns the left, center and right values. There is no
// calibration.
func (g *GroundSensors) Read() (GroundReading, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	dev, err := g.device()
	if err != nil {
		return GroundReading{}, err
	}

	buf := make([]byte, 6)
	if err := dev.Tx([]byte{groundRegister}, buf); err != nil {
		g.log.Warn("Unable to read ground sensors", "error", err)
		return GroundReading{}, fmt.Errorf("%w: %w", ErrTransport, err)
	}

	r := DecodeGround(buf)
	g.log.Trace("Read ground sensors", "left", r.Left, "center", r.Center, "right", r.Right)

	return r, nil
}

// DecodeGround reconstructs the three values as big-endian words, the
// opposite byte order to the robot's sensor packet.
func DecodeGround(b []byte) GroundReading {
	return GroundReading{
		Left:   binary.BigEndian.Uint16(b[0:2]),
		Center: binary.BigEndian.Uint16(b[2:4]),
		Right:  binary.BigEndian.Uint16(b[4:6]),
	}
}
