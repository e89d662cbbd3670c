package epuck

import (
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/hashicorp/go-hclog"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
)

// BusOpener opens the I2C bus with the given channel number. It allows the
// physical bus to be replaced in tests.
type BusOpener interface {
	Open(channel int) (i2c.BusCloser, error)
}

// PeriphOpener opens buses through the periph host drivers
type PeriphOpener struct {
	once    sync.Once
	initErr error
}

// Open initializes the host drivers on first use and opens /dev/i2c-<channel>
func (p *PeriphOpener) Open(channel int) (i2c.BusCloser, error) {
	p.once.Do(func() {
		_, p.initErr = host.Init()
	})

	if p.initErr != nil {
		return nil, fmt.Errorf("unable to initialize host drivers: %w", p.initErr)
	}

	return i2creg.Open(strconv.Itoa(channel))
}

// Candidate is a channel/address pair tried during discovery
type Candidate struct {
	Channel int
	Addr    uint16
}

func (c Candidate) String() string {
	return fmt.Sprintf("i2c-%d@0x%02x", c.Channel, c.Addr)
}

// Candidates returns every channel/address combination, channel major.
func Candidates(channels []int, addrs ...uint16) []Candidate {
	cs := make([]Candidate, 0, len(channels)*len(addrs))
	for _, ch := range channels {
		for _, a := range addrs {
			cs = append(cs, Candidate{Channel: ch, Addr: a})
		}
	}

	return cs
}

// ProbeFunc checks that the device at c answers on bus
type ProbeFunc func(bus i2c.Bus, c Candidate) error

// Discover tries every candidate in order and returns the bus of the first
// one whose probe succeeds. Buses of failed candidates are closed.
func Discover(opener BusOpener, candidates []Candidate, probe ProbeFunc, l hclog.Logger) (i2c.BusCloser, Candidate, error) {
	var errs []error

	for _, c := range candidates {
		l.Trace("Probing device", "candidate", c)

		bus, err := opener.Open(c.Channel)
		if err != nil {
			l.Debug("Unable to open bus", "candidate", c, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", c, err))
			continue
		}

		if err := probe(bus, c); err != nil {
			l.Debug("Device did not respond", "candidate", c, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", c, err))
			if cerr := bus.Close(); cerr != nil {
				l.Debug("Unable to close bus", "candidate", c, "error", cerr)
			}
			continue
		}

		l.Debug("Found device", "candidate", c)
		return bus, c, nil
	}

	if len(errs) == 0 {
		return nil, Candidate{}, fmt.Errorf("%w: no candidates", ErrConnectionFailed)
	}

	return nil, Candidate{}, fmt.Errorf("%w: %w", ErrConnectionFailed, errors.Join(errs...))
}
