package epuck

import "errors"

var (
	// ErrConnectionFailed is returned when no candidate channel answers
	// during discovery.
	ErrConnectionFailed = errors.New("unable to connect to i2c device")

	// ErrTransport is returned when a bus write or read fails. Failed
	// transactions are never retried.
	ErrTransport = errors.New("i2c transaction failed")

	// ErrNotReady is returned when the robot is used before Initialize.
	ErrNotReady = errors.New("robot not initialized")

	// ErrClosed is returned when the robot is used after Close.
	ErrClosed = errors.New("robot closed")

	// ErrPeripheralUnavailable is returned alongside zero values when a
	// peripheral failed discovery.
	ErrPeripheralUnavailable = errors.New("peripheral unavailable")

	ErrInvalidLED   = errors.New("invalid led")
	ErrInvalidSound = errors.New("invalid sound")
	ErrInvalidRail  = errors.New("invalid battery rail")
)
