package epuck

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/go-hclog"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/physic"
)

// Transport owns the I2C bus the robot sits on and performs the combined
// actuator write / sensor read exchange.
//
// All bus access is executed on a single worker goroutine, so transactions
// from concurrent callers are serialized and never interleave.
type Transport struct {
	opener     BusOpener
	candidates []Candidate
	speed      physic.Frequency
	log        hclog.Logger

	mu     sync.Mutex
	bus    i2c.BusCloser
	device Candidate
	ready  bool
	closed bool

	jobs    chan job
	quit    chan struct{}
	stopped chan struct{}
}

type job struct {
	fn  func(bus i2c.Bus) error
	res chan error
}

// NewTransport creates a transport that will look for the robot on the
// given candidates, in order. A zero speed leaves the bus speed untouched.
func NewTransport(opener BusOpener, candidates []Candidate, speed physic.Frequency, l hclog.Logger) *Transport {
	return &Transport{
		opener:     opener,
		candidates: candidates,
		speed:      speed,
		log:        l,
	}
}

// Initialize discovers the robot. The first candidate that answers a safe
// packet is kept for the lifetime of the transport.
func (t *Transport) Initialize() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrClosed
	}

	if t.ready {
		return nil
	}

	bus, c, err := Discover(t.opener, t.candidates, probeRobot, t.log)
	if err != nil {
		t.log.Error("Unable to find the robot on any i2c channel", "error", err)
		return err
	}

	if t.speed > 0 {
		if err := bus.SetSpeed(t.speed); err != nil {
			t.log.Warn("Unable to set bus speed", "speed", t.speed, "error", err)
		}
	}

	t.log.Info("Connected to robot", "channel", c.Channel, "address", fmt.Sprintf("0x%02x", c.Addr))

	t.bus = bus
	t.device = c
	t.jobs = make(chan job)
	t.quit = make(chan struct{})
	t.stopped = make(chan struct{})
	t.ready = true

	go t.worker(bus, t.jobs, t.quit, t.stopped)

	return nil
}

func probeRobot(bus i2c.Bus, c Candidate) error {
	rx := make([]byte, SensorPacketSize)
	return bus.Tx(c.Addr, SafePacket[:], rx)
}

// Channel returns the channel the robot was discovered on
func (t *Transport) Channel() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.device.Channel
}

// Transact writes p and reads the sensor packet back in one repeated-start
// transaction. ok is false when the response failed its checksum; that is
// not an error, the caller keeps its last known readings.
func (t *Transport) Transact(ctx context.Context, p ActuatorPacket) (SensorPacket, bool, error) {
	addr := t.address()
	rx := make([]byte, SensorPacketSize)

	err := t.submit(ctx, func(bus i2c.Bus) error {
		t.log.Trace("Sending packet", "bytes", p)

		if err := bus.Tx(addr, p[:], rx); err != nil {
			return fmt.Errorf("%w: %w", ErrTransport, err)
		}

		return nil
	})
	if err != nil {
		t.log.Error("Unable to exchange packets with robot", "error", err)
		return SensorPacket{}, false, err
	}

	sp, ok := DecodeSensorPacket(rx)
	if !ok {
		t.log.Warn("Dropping sensor packet with bad checksum", "bytes", fmt.Sprintf("% x", rx))
	}

	return sp, ok, nil
}

// Tx implements i2c.Bus so devices sharing the robot's bus are serialized
// with the actuator exchange.
func (t *Transport) Tx(addr uint16, w, r []byte) error {
	return t.submit(context.Background(), func(bus i2c.Bus) error {
		if err := bus.Tx(addr, w, r); err != nil {
			return fmt.Errorf("%w: %w", ErrTransport, err)
		}

		return nil
	})
}

// SetSpeed implements i2c.Bus.
func (t *Transport) SetSpeed(f physic.Frequency) error {
	return t.submit(context.Background(), func(bus i2c.Bus) error {
		return bus.SetSpeed(f)
	})
}

func (t *Transport) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.ready {
		return "epuck-transport"
	}

	return fmt.Sprintf("epuck-transport(%s)", t.device)
}

// Close sends a safe packet so the robot stops and goes dark, then
// releases the bus. Failures are logged, never returned. Calling Close
// more than once is a no-op.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}

	t.closed = true
	ready := t.ready
	t.ready = false
	t.mu.Unlock()

	if !ready {
		return nil
	}

	// wait for the in flight transaction, the safe packet must be the last
	// thing on the wire
	close(t.quit)
	<-t.stopped

	rx := make([]byte, SensorPacketSize)
	if err := t.bus.Tx(t.device.Addr, SafePacket[:], rx); err != nil {
		t.log.Warn("Unable to send safe packet", "error", err)
	}

	if err := t.bus.Close(); err != nil {
		t.log.Warn("Unable to close bus", "error", err)
	}

	t.log.Debug("Transport closed")

	return nil
}

func (t *Transport) address() uint16 {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.device.Addr
}

func (t *Transport) submit(ctx context.Context, fn func(bus i2c.Bus) error) error {
	t.mu.Lock()
	ready, closed := t.ready, t.closed
	jobs, stopped := t.jobs, t.stopped
	t.mu.Unlock()

	if closed {
		return ErrClosed
	}

	if !ready {
		return ErrNotReady
	}

	res := make(chan error, 1)

	select {
	case jobs <- job{fn: fn, res: res}:
	case <-stopped:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	// a transaction that has started always runs to completion, only the
	// wait is abandoned
	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Transport) worker(bus i2c.Bus, jobs chan job, quit, stopped chan struct{}) {
	defer close(stopped)

	for {
		select {
		case <-quit:
			return
		case j := <-jobs:
			j.res <- j.fn(bus)
		}
	}
}
