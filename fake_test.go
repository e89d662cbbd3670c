package epuck

import (
	"errors"
	"fmt"
	"sync"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2ctest"
	"periph.io/x/conn/v3/physic"
)

// fakeBus is a physical bus shared by every handle opened on its channel
type fakeBus struct {
	mu      sync.Mutex
	devices map[uint16]func(w, r []byte) error
	ops     []i2ctest.IO
}

func newFakeBus() *fakeBus {
	return &fakeBus{devices: map[uint16]func(w, r []byte) error{}}
}

func (b *fakeBus) tx(addr uint16, w, r []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	dev, ok := b.devices[addr]
	if !ok {
		return fmt.Errorf("no device at 0x%02x", addr)
	}

	err := dev(w, r)

	b.ops = append(b.ops, i2ctest.IO{Addr: addr, W: append([]byte(nil), w...), R: append([]byte(nil), r...)})

	return err
}

type fakeHandle struct {
	bus     *fakeBus
	channel int

	mu     sync.Mutex
	closed bool
}

func (h *fakeHandle) String() string {
	return fmt.Sprintf("fake-i2c-%d", h.channel)
}

func (h *fakeHandle) Tx(addr uint16, w, r []byte) error {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()

	if closed {
		return errors.New("bus closed")
	}

	return h.bus.tx(addr, w, r)
}

func (h *fakeHandle) SetSpeed(f physic.Frequency) error {
	return nil
}

func (h *fakeHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	return nil
}

func (h *fakeHandle) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.closed
}

type fakeOpener struct {
	mu      sync.Mutex
	buses   map[int]*fakeBus
	opened  []int
	handles []*fakeHandle
}

func newFakeOpener() *fakeOpener {
	return &fakeOpener{buses: map[int]*fakeBus{}}
}

func (o *fakeOpener) bus(channel int) *fakeBus {
	o.mu.Lock()
	defer o.mu.Unlock()

	b, ok := o.buses[channel]
	if !ok {
		b = newFakeBus()
		o.buses[channel] = b
	}

	return b
}

func (o *fakeOpener) Open(channel int) (i2c.BusCloser, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.opened = append(o.opened, channel)

	b, ok := o.buses[channel]
	if !ok {
		return nil, fmt.Errorf("no such bus i2c-%d", channel)
	}

	h := &fakeHandle{bus: b, channel: channel}
	o.handles = append(o.handles, h)

	return h, nil
}

// playbackOpener hands out i2ctest playback buses per channel
type playbackOpener struct {
	buses  map[int]*i2ctest.Playback
	opened []int
}

func (o *playbackOpener) Open(channel int) (i2c.BusCloser, error) {
	o.opened = append(o.opened, channel)

	b, ok := o.buses[channel]
	if !ok {
		return nil, fmt.Errorf("no such bus i2c-%d", channel)
	}

	return b, nil
}

// fakeRobot answers the actuator/sensor exchange
type fakeRobot struct {
	mu       sync.Mutex
	packets  []ActuatorPacket
	response []byte
	err      error
}

func newFakeRobot() *fakeRobot {
	return &fakeRobot{response: sensorBytes(nil)}
}

func (f *fakeRobot) device(w, r []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return f.err
	}

	var p ActuatorPacket
	copy(p[:], w)
	f.packets = append(f.packets, p)

	copy(r, f.response)

	return nil
}

func (f *fakeRobot) setResponse(b []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.response = b
}

func (f *fakeRobot) setError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.err = err
}

func (f *fakeRobot) sent() []ActuatorPacket {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]ActuatorPacket(nil), f.packets...)
}

func (f *fakeRobot) last() ActuatorPacket {
	p := f.sent()
	return p[len(p)-1]
}

// sensorBytes builds a valid sensor packet, fill may modify the body
// before the checksum is added
func sensorBytes(fill func(b []byte)) []byte {
	b := make([]byte, SensorPacketSize)
	if fill != nil {
		fill(b)
	}

	b[SensorPacketSize-1] = Checksum(b[:SensorPacketSize-1])

	return b
}

// fakeToF is an in memory VL53L0X register file
type fakeToF struct {
	mu     sync.Mutex
	regs   map[byte]byte
	words  map[byte]uint16
	fixed  map[byte]byte
	closed bool
}

func newFakeToF() *fakeToF {
	return &fakeToF{
		regs: map[byte]byte{
			tofModelID:               tofExpectedModelID,
			tofPreRangeVCSELPeriod:   6,
			tofFinalRangeVCSELPeriod: 4,
			tofMSRCConfigTimeout:     0x20,
		},
		words: map[byte]uint16{
			tofPreRangeTimeoutHi:   0x0150,
			tofFinalRangeTimeoutHi: 0x0280,
		},
		fixed: map[byte]byte{
			tofSysRangeStart:         0x00,
			tofResultInterruptStatus: 0x07,
		},
	}
}

func (f *fakeToF) ReadRegU8(reg byte) (byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if v, ok := f.fixed[reg]; ok {
		return v, nil
	}

	return f.regs[reg], nil
}

func (f *fakeToF) WriteRegU8(reg byte, value byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.regs[reg] = value
	return nil
}

func (f *fakeToF) ReadRegU16BE(reg byte) (uint16, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.words[reg], nil
}

func (f *fakeToF) WriteRegU16BE(reg byte, value uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.words[reg] = value
	return nil
}

func (f *fakeToF) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closed = true
	return nil
}

func (f *fakeToF) setRange(mm uint16) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.words[tofResultRange] = mm
}

func tofOpenerFor(devices map[int]*fakeToF) ToFOpener {
	return func(addr uint8, channel int) (ToFRegisters, error) {
		d, ok := devices[channel]
		if !ok {
			return nil, fmt.Errorf("no ranger on i2c-%d", channel)
		}

		return d, nil
	}
}
