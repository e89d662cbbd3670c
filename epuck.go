package epuck

import (
	"context"
	"io/fs"
	"os"
	"sync"

	"github.com/hashicorp/go-hclog"
)

// State is the lifecycle state of the robot
type State int

const (
	StateUninitialized State = iota
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// EPuck2 drives an e-puck2 robot over I2C.
//
// It keeps the last commanded value of every actuator so that a command
// touching one actuator is sent as a full packet without resetting the
// others, and caches the sensor readings returned by each exchange.
//
// example:
//
//	robot := epuck.New(epuck.DefaultConfig(), &epuck.PeriphOpener{}, hclog.Default())
//	if err := robot.Initialize(); err != nil {
//		fmt.Printf("Unable to connect to the robot: %s\n", err)
//		os.Exit(1)
//	}
//	defer robot.Close()
//
//	robot.SetBodyLed(ctx, 255, 0, 0, epuck.AllLEDs)
//	robot.GoForward(ctx, 500)
type EPuck2 struct {
	cfg Config
	log hclog.Logger

	transport    *Transport
	ground       *GroundSensors
	magnetometer *Magnetometer
	tof          *ToF
	imu          *IMU
	battery      *Battery

	tofOpener ToFOpener
	gauge     FuelGauge
	fsys      fs.FS

	// mu guards the lifecycle, the actuator state and the sensor cache. It
	// is held across the exchange so commands never interleave.
	mu         sync.Mutex
	state      State
	actuators  ActuatorState
	sensors    SensorPacket
	hasSensors bool
}

// Option customizes the devices used by New
type Option func(*EPuck2)

// WithToFOpener replaces the opener used to reach the ranger
func WithToFOpener(o ToFOpener) Option {
	return func(e *EPuck2) {
		e.tofOpener = o
	}
}

// WithFuelGauge replaces the primary battery source
func WithFuelGauge(g FuelGauge) Option {
	return func(e *EPuck2) {
		e.gauge = g
	}
}

// WithFS replaces the filesystem sysfs files are read from. fsys must be
// rooted at /.
func WithFS(fsys fs.FS) Option {
	return func(e *EPuck2) {
		e.fsys = fsys
	}
}

// New creates a robot. No I/O happens until Initialize.
func New(cfg Config, opener BusOpener, l hclog.Logger, opts ...Option) *EPuck2 {
	e := &EPuck2{
		cfg:       cfg,
		log:       l,
		tofOpener: OpenToF,
		fsys:      os.DirFS("/"),
	}

	for _, o := range opts {
		o(e)
	}

	if err := SetRegisterLogLevel(hclog.LevelFromString(cfg.LogLevel)); err != nil {
		l.Debug("Unable to set register log level", "error", err)
	}

	if e.gauge == nil {
		e.gauge = NewPowerSupplyGauge(e.fsys, cfg.PowerSupplies)
	}

	e.transport = NewTransport(opener, Candidates(cfg.Channels, cfg.RobotAddr), cfg.BusSpeed, l.Named("transport"))
	e.ground = NewGroundSensors(opener, Candidates(cfg.Channels, cfg.GroundAddr), l.Named("ground"))
	e.magnetometer = NewMagnetometer(opener, Candidates(cfg.Channels, cfg.MagnetometerAddrs...), cfg.MagnetometerSamples, cfg.MagnetometerInterval, l.Named("magnetometer"))
	e.tof = NewToF(e.tofOpener, Candidates(cfg.Channels, cfg.ToFAddr), cfg.ToFBudget, l.Named("tof"))
	e.imu = NewIMU(e.transport, cfg.IMUAddr, cfg.IMUSamples, cfg.IMUInterval, l.Named("imu"))
	e.battery = NewBattery(e.gauge, e.fsys, cfg.BatteryADC, l.Named("battery"))

	return e
}

// Initialize connects to the robot and discovers the peripherals. Failing
// to find the robot is fatal; missing peripherals are logged and their
// reads return ErrPeripheralUnavailable.
func (e *EPuck2) Initialize() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case StateReady:
		return nil
	case StateClosed:
		return ErrClosed
	}

	e.log.Debug("Initialize robot", "channels", e.cfg.Channels)

	if err := e.transport.Initialize(); err != nil {
		return err
	}

	e.state = StateReady

	peripherals := []struct {
		name string
		init func() error
	}{
		{"ground", e.ground.Initialize},
		{"magnetometer", e.magnetometer.Initialize},
		{"tof", e.tof.Initialize},
	}

	for _, p := range peripherals {
		if err := p.init(); err != nil {
			e.log.Warn("Continuing without peripheral", "peripheral", p.name, "error", err)
		}
	}

	return nil
}

// State returns the lifecycle state
func (e *EPuck2) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.state
}

// Channel returns the I2C channel the robot was found on
func (e *EPuck2) Channel() int {
	return e.transport.Channel()
}

// Actuators returns a copy of the last commanded actuator state
func (e *EPuck2) Actuators() ActuatorState {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.actuators
}

// Close stops the robot, turns everything off and releases every handle.
// Errors are logged, never returned, and calling Close again is a no-op.
func (e *EPuck2) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == StateClosed {
		return nil
	}

	e.log.Debug("Close robot")

	e.state = StateClosed
	e.actuators = ActuatorState{}

	// sends the safe packet
	e.transport.Close()

	closers := []struct {
		name  string
		close func() error
	}{
		{"ground", e.ground.Close},
		{"magnetometer", e.magnetometer.Close},
		{"tof", e.tof.Close},
	}

	for _, c := range closers {
		if err := c.close(); err != nil {
			e.log.Warn("Unable to close peripheral", "peripheral", c.name, "error", err)
		}
	}

	return nil
}

// checkReady must be called with e.mu held
func (e *EPuck2) checkReady() error {
	switch e.state {
	case StateUninitialized:
		return ErrNotReady
	case StateClosed:
		return ErrClosed
	}

	return nil
}

func (e *EPuck2) ready() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.checkReady()
}

// apply mutates the actuator state and sends the full resulting packet
func (e *EPuck2) apply(ctx context.Context, fn func(s *ActuatorState)) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkReady(); err != nil {
		return err
	}

	fn(&e.actuators)

	return e.flush(ctx)
}

// flush must be called with e.mu held
func (e *EPuck2) flush(ctx context.Context) error {
	sp, ok, err := e.transport.Transact(ctx, EncodeActuatorPacket(e.actuators))
	if err != nil {
		return err
	}

	if ok {
		e.sensors = sp
		e.hasSensors = true
	}

	return nil
}
