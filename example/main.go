package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/nicholasjackson/epuck2"
)

var channels = flag.String("channels", "", "Comma separated I2C channels to try, defaults to 12,4")
var logLevel = flag.String("log-level", "", "Log level: trace, debug, info, warn, error")
var speed = flag.Int("speed", 300, "Motor speed for the move demo, -1000 to 1000")
var demo = flag.String("demo", "leds", "Demo to run: leds, move, sensors, imu, compass, tof, battery")

func main() {
	flag.Parse()

	cfg, err := epuck.ConfigFromEnv()
	if err != nil {
		fmt.Printf("Invalid configuration: %s\n", err)
		os.Exit(1)
	}

	if *channels != "" {
		cfg.Channels, err = epuck.ParseChannels(*channels)
		if err != nil {
			fmt.Printf("Invalid channels: %s\n", err)
			os.Exit(1)
		}
	}

	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	logger := createLogger(cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	robot := epuck.New(cfg, &epuck.PeriphOpener{}, logger)
	if err := robot.Initialize(); err != nil {
		fmt.Printf("Unable to connect to the robot: %s\n", err)
		os.Exit(1)
	}

	// always leave the robot stopped with everything off
	defer robot.Close()

	if err := run(ctx, robot, *demo); err != nil && ctx.Err() == nil {
		logger.Error("Demo failed", "demo", *demo, "error", err)
	}
}

func run(ctx context.Context, robot *epuck.EPuck2, demo string) error {
	switch demo {
	case "leds":
		return epuck.DoWithDelay(ctx, time.Second,
			func() error { return robot.SetBodyLed(ctx, 235, 64, 52, epuck.AllLEDs) },
			func() error { return robot.SetBodyLed(ctx, 52, 235, 88, epuck.AllLEDs) },
			func() error { return robot.SetBodyLed(ctx, 52, 122, 235, epuck.AllLEDs) },
			func() error { return robot.SetFrontLed(ctx, true) },
			func() error { return robot.SetBodyLed(ctx, 0, 0, 0, epuck.AllLEDs) },
		)

	case "move":
		return epuck.DoWithDelay(ctx, time.Second,
			func() error { return robot.GoForward(ctx, *speed) },
			func() error { return robot.TurnLeft(ctx, *speed) },
			func() error { return robot.GoBackward(ctx, *speed) },
			func() error { return robot.TurnRight(ctx, *speed) },
			func() error { return robot.Stop(ctx) },
		)

	case "sensors":
		for ctx.Err() == nil {
			prox, err := robot.ReadProximity(ctx)
			if err != nil {
				return err
			}

			s, _ := robot.Sensors()
			fmt.Printf("proximity: %v ambient: %v mic: %v steps: %v selector: %d\n",
				prox, s.AmbientLight, s.Microphone, s.MotorSteps, s.Selector)

			g, err := robot.ReadGroundSensors()
			if err == nil {
				fmt.Printf("ground: %d %d %d\n", g.Left, g.Center, g.Right)
			}

			if err := epuck.DoFor(ctx, 500*time.Millisecond, func() error { return nil }); err != nil {
				return err
			}
		}

	case "imu":
		s, err := robot.ReadImu(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("accel: %.4f %.4f %.4f gyro: %.5f %.5f %.5f\n",
			s.AccelX, s.AccelY, s.AccelZ, s.GyroX, s.GyroY, s.GyroZ)

	case "compass":
		// rough figure eight while calibrating
		err := robot.CalibrateMagnetometerWhileDriving(ctx, func(ctx context.Context) error {
			return epuck.DoWithDelay(ctx, 2500*time.Millisecond,
				func() error { return robot.SetMotorSpeeds(ctx, *speed, *speed/3) },
				func() error { return robot.SetMotorSpeeds(ctx, *speed/3, *speed) },
			)
		})
		if err != nil {
			return err
		}

		m, err := robot.ReadMagnetometer()
		if err != nil {
			return err
		}
		fmt.Printf("heading: %.1f\n", m.Heading)

	case "tof":
		ch, err := robot.StreamToF(ctx)
		if err != nil {
			return err
		}
		for mm := range ch {
			fmt.Printf("distance: %d mm\n", mm)
		}

	case "battery":
		for _, rail := range []epuck.Rail{epuck.RailEPuck, epuck.RailAux} {
			r, err := robot.ReadBattery(rail)
			if err != nil {
				fmt.Printf("%s: %s\n", rail, err)
				continue
			}
			fmt.Printf("%s: gauge %.2fV %.0f%% charging=%t, adc %.2fV %.0f%%\n",
				rail, r.Primary.Voltage, r.Primary.Percentage, r.Primary.Charging,
				r.Legacy.Voltage, r.Legacy.Percentage)
		}

	default:
		return fmt.Errorf("unknown demo %q", demo)
	}

	return nil
}

func createLogger(level string) hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{Level: hclog.LevelFromString(level), Color: hclog.AutoColor})
}
