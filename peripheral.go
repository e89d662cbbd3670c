package epuck

import (
	"sync"

	"github.com/hashicorp/go-hclog"
	"periph.io/x/conn/v3/i2c"
)

// peripheral holds the bus handle of an independent I2C device that is
// discovered on its own, outside the robot transaction.
type peripheral struct {
	opener     BusOpener
	candidates []Candidate
	log        hclog.Logger

	mu     sync.Mutex
	bus    i2c.BusCloser
	dev    *i2c.Dev
	closed bool
}

func (p *peripheral) discover(probe ProbeFunc) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}

	if p.dev != nil {
		return nil
	}

	bus, c, err := Discover(p.opener, p.candidates, probe, p.log)
	if err != nil {
		p.log.Warn("Peripheral unavailable", "error", err)
		return err
	}

	p.bus = bus
	p.dev = &i2c.Dev{Bus: bus, Addr: c.Addr}

	return nil
}

// device returns the discovered device or ErrPeripheralUnavailable. The
// caller must hold p.mu.
func (p *peripheral) device() (*i2c.Dev, error) {
	if p.closed {
		return nil, ErrClosed
	}

	if p.dev == nil {
		return nil, ErrPeripheralUnavailable
	}

	return p.dev, nil
}

// Available reports whether discovery succeeded
func (p *peripheral) Available() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.dev != nil && !p.closed
}

// Close releases the bus handle
func (p *peripheral) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}

	p.closed = true

	if p.bus == nil {
		return nil
	}

	err := p.bus.Close()
	p.bus = nil
	p.dev = nil

	return err
}
