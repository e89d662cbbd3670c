package epuck

import (
	"context"
	"fmt"
)

// SetMotorSpeeds sets both wheel speeds in steps/s, clamped to ±1000.
func (e *EPuck2) SetMotorSpeeds(ctx context.Context, left, right int) error {
	e.log.Debug("Set motor speeds", "left", left, "right", right)

	err := e.apply(ctx, func(s *ActuatorState) {
		s.Left = clampInt(left, -MaxMotorSpeed, MaxMotorSpeed)
		s.Right = clampInt(right, -MaxMotorSpeed, MaxMotorSpeed)
	})
	if err != nil {
		e.log.Error("Unable to set motor speeds", "error", err)
	}

	return err
}

func (e *EPuck2) GoForward(ctx context.Context, speed int) error {
	return e.SetMotorSpeeds(ctx, speed, speed)
}

func (e *EPuck2) GoBackward(ctx context.Context, speed int) error {
	return e.SetMotorSpeeds(ctx, -speed, -speed)
}

// TurnLeft spins on the spot counter clockwise
func (e *EPuck2) TurnLeft(ctx context.Context, speed int) error {
	return e.SetMotorSpeeds(ctx, -speed, speed)
}

// TurnRight spins on the spot clockwise
func (e *EPuck2) TurnRight(ctx context.Context, speed int) error {
	return e.SetMotorSpeeds(ctx, speed, -speed)
}

func (e *EPuck2) Stop(ctx context.Context) error {
	return e.SetMotorSpeeds(ctx, 0, 0)
}

// SetFrontLed switches the front LED
func (e *EPuck2) SetFrontLed(ctx context.Context, on bool) error {
	e.log.Debug("Set front LED", "on", on)

	err := e.apply(ctx, func(s *ActuatorState) {
		s.FrontLED = on
	})
	if err != nil {
		e.log.Error("Unable to set front LED", "error", err)
	}

	return err
}

// SetBodyLed sets the colour of body LED 2, 4, 6 or 8, or of all of them
// with AllLEDs. Components are 0-255 and rescaled to the firmware's 0-100.
func (e *EPuck2) SetBodyLed(ctx context.Context, r, g, b uint8, led int) error {
	e.log.Debug("Set body LED", "led", led, "r", r, "g", g, "b", b)

	idx, err := bodyLEDIndex(led)
	if err != nil {
		return err
	}

	c := RGB{R: ScaleLED(r), G: ScaleLED(g), B: ScaleLED(b)}

	err = e.apply(ctx, func(s *ActuatorState) {
		if idx < 0 {
			for i := range s.BodyLEDs {
				s.BodyLEDs[i] = c
			}
			return
		}
		s.BodyLEDs[idx] = c
	})
	if err != nil {
		e.log.Error("Unable to set body LED", "error", err)
	}

	return err
}

func bodyLEDIndex(led int) (int, error) {
	switch led {
	case AllLEDs:
		return -1, nil
	case 2, 4, 6, 8:
		return led/2 - 1, nil
	}

	return 0, fmt.Errorf("%w: body led %d", ErrInvalidLED, led)
}

// SetOddLed switches LED 1, 3, 5 or 7
func (e *EPuck2) SetOddLed(ctx context.Context, led int, on bool) error {
	e.log.Debug("Set LED", "led", led, "on", on)

	var bit uint8
	switch led {
	case 1:
		bit = LED1
	case 3:
		bit = LED3
	case 5:
		bit = LED5
	case 7:
		bit = LED7
	default:
		return fmt.Errorf("%w: led %d", ErrInvalidLED, led)
	}

	err := e.apply(ctx, func(s *ActuatorState) {
		if on {
			s.OddLEDs |= bit
		} else {
			s.OddLEDs &^= bit
		}
	})
	if err != nil {
		e.log.Error("Unable to set LED", "error", err)
	}

	return err
}

// PlaySound replaces the active sound
func (e *EPuck2) PlaySound(ctx context.Context, sound Sound) error {
	e.log.Debug("Play sound", "sound", sound)

	if !sound.Valid() {
		return fmt.Errorf("%w: 0x%02x", ErrInvalidSound, uint8(sound))
	}

	err := e.apply(ctx, func(s *ActuatorState) {
		s.Sound = sound
	})
	if err != nil {
		e.log.Error("Unable to play sound", "error", err)
	}

	return err
}

func (e *EPuck2) StopSound(ctx context.Context) error {
	return e.PlaySound(ctx, SoundStop)
}

// SetSettingsFlag sets SettingPositionMode, SettingObstacleAvoidance or
// SettingCalibrateIR. Prefer CalibrateIR for the latter.
func (e *EPuck2) SetSettingsFlag(ctx context.Context, flag uint8, on bool) error {
	e.log.Debug("Set settings flag", "flag", fmt.Sprintf("0x%02x", flag), "on", on)

	var field func(s *ActuatorState) *bool
	switch flag {
	case SettingPositionMode:
		field = func(s *ActuatorState) *bool { return &s.PositionMode }
	case SettingObstacleAvoidance:
		field = func(s *ActuatorState) *bool { return &s.ObstacleAvoidance }
	case SettingCalibrateIR:
		field = func(s *ActuatorState) *bool { return &s.CalibrateIR }
	default:
		return fmt.Errorf("unknown settings flag 0x%02x", flag)
	}

	err := e.apply(ctx, func(s *ActuatorState) {
		*field(s) = on
	})
	if err != nil {
		e.log.Error("Unable to set settings flag", "error", err)
	}

	return err
}

// CalibrateIR asks the firmware to recalibrate the proximity sensors. The
// flag is sent once and cleared from the state afterwards.
func (e *EPuck2) CalibrateIR(ctx context.Context) error {
	e.log.Debug("Calibrate IR")

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkReady(); err != nil {
		return err
	}

	e.actuators.CalibrateIR = true
	err := e.flush(ctx)
	e.actuators.CalibrateIR = false

	if err != nil {
		e.log.Error("Unable to calibrate IR", "error", err)
	}

	return err
}
