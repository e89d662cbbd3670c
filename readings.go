package epuck

import (
	"context"
	"errors"
)

// Refresh exchanges the current actuator state for fresh sensor readings.
// A response with a bad checksum leaves the cached readings untouched.
func (e *EPuck2) Refresh(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkReady(); err != nil {
		return err
	}

	return e.flush(ctx)
}

// Sensors returns the cached readings without any I/O. ok is false until
// a valid sensor packet has been received.
func (e *EPuck2) Sensors() (SensorPacket, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.sensors, e.hasSensors
}

func (e *EPuck2) refreshed(ctx context.Context) (SensorPacket, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkReady(); err != nil {
		return SensorPacket{}, err
	}

	if err := e.flush(ctx); err != nil {
		return SensorPacket{}, err
	}

	return e.sensors, nil
}

// ReadProximity returns the eight infrared proximity values
func (e *EPuck2) ReadProximity(ctx context.Context) ([NumProximity]uint16, error) {
	s, err := e.refreshed(ctx)
	return s.Proximity, err
}

// ReadAmbientLight returns the eight ambient light values
func (e *EPuck2) ReadAmbientLight(ctx context.Context) ([NumAmbient]uint16, error) {
	s, err := e.refreshed(ctx)
	return s.AmbientLight, err
}

// ReadMicrophone returns the four microphone amplitudes
func (e *EPuck2) ReadMicrophone(ctx context.Context) ([NumMicrophones]uint16, error) {
	s, err := e.refreshed(ctx)
	return s.Microphone, err
}

// ReadMotorSteps returns the left and right encoder counts
func (e *EPuck2) ReadMotorSteps(ctx context.Context) ([2]uint16, error) {
	s, err := e.refreshed(ctx)
	return s.MotorSteps, err
}

// ReadSelector returns the rotary selector position and the button state
func (e *EPuck2) ReadSelector(ctx context.Context) (selector uint8, button bool, err error) {
	s, err := e.refreshed(ctx)
	return s.Selector, s.Button, err
}

// ReadButton returns true while the user button is pressed
func (e *EPuck2) ReadButton(ctx context.Context) (bool, error) {
	s, err := e.refreshed(ctx)
	return s.Button, err
}

// ReadRemote returns the last byte received from the TV remote
func (e *EPuck2) ReadRemote(ctx context.Context) (uint8, error) {
	s, err := e.refreshed(ctx)
	return s.RemoteTV, err
}

// ReadGroundSensors reads the ground sensor module
func (e *EPuck2) ReadGroundSensors() (GroundReading, error) {
	if err := e.ready(); err != nil {
		return GroundReading{}, err
	}

	return e.ground.Read()
}

// ReadImu calibrates and samples the IMU. It takes about a second and
// does not block actuator commands meanwhile.
func (e *EPuck2) ReadImu(ctx context.Context) (ImuSample, error) {
	if err := e.ready(); err != nil {
		return ImuSample{}, err
	}

	return e.imu.Read(ctx)
}

// ReadMagnetometer returns a raw sample and the calibrated heading
func (e *EPuck2) ReadMagnetometer() (MagnetometerReading, error) {
	if err := e.ready(); err != nil {
		return MagnetometerReading{}, err
	}

	return e.magnetometer.Read()
}

// CalibrateMagnetometer samples the magnetometer while the robot is moved
// in a figure eight. Drive the robot from another goroutine meanwhile.
func (e *EPuck2) CalibrateMagnetometer(ctx context.Context) error {
	if err := e.ready(); err != nil {
		return err
	}

	return e.magnetometer.Calibrate(ctx)
}

// CalibrateMagnetometerWhileDriving calibrates the magnetometer while drive
// moves the robot, then stops the motors. A failed drive cancels the
// calibration and is returned once the calibration has ended.
func (e *EPuck2) CalibrateMagnetometerWhileDriving(ctx context.Context, drive func(ctx context.Context) error) error {
	if err := e.ready(); err != nil {
		return err
	}

	calCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- e.magnetometer.Calibrate(calCtx)
	}()

	err := drive(ctx)

	if serr := e.Stop(context.Background()); serr != nil {
		e.log.Warn("Unable to stop after calibration drive", "error", serr)
		err = errors.Join(err, serr)
	}

	if err != nil {
		cancel()
		<-done
		return err
	}

	return <-done
}

// RangeToF returns one distance in millimeters, 0 when nothing is in range
func (e *EPuck2) RangeToF() (int, error) {
	if err := e.ready(); err != nil {
		return 0, err
	}

	return e.tof.RangeOnce()
}

// StreamToF ranges continuously until ctx is cancelled
func (e *EPuck2) StreamToF(ctx context.Context) (<-chan int, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}

	return e.tof.Stream(ctx), nil
}

// ReadBattery returns both battery readings for rail. The battery is read
// from sysfs and works in any lifecycle state.
func (e *EPuck2) ReadBattery(rail Rail) (BatteryReport, error) {
	return e.battery.Read(rail)
}
