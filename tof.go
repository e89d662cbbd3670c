package epuck

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/d2r2/go-i2c"
	"github.com/d2r2/go-logger"
	"github.com/hashicorp/go-hclog"
)

// VL53L0X registers
const (
	tofSysRangeStart          = 0x00
	tofSequenceConfig         = 0x01
	tofInterruptConfigGPIO    = 0x0A
	tofInterruptClear         = 0x0B
	tofResultInterruptStatus  = 0x13
	tofResultRange            = 0x14 + 10
	tofFinalRangeMinCountRate = 0x44
	tofMSRCConfigTimeout      = 0x46
	tofPreRangeVCSELPeriod    = 0x50
	tofPreRangeTimeoutHi      = 0x51
	tofMSRCConfigControl      = 0x60
	tofFinalRangeVCSELPeriod  = 0x70
	tofFinalRangeTimeoutHi    = 0x71
	tofGPIOHVMuxActiveHigh    = 0x84
	tofI2CMode                = 0x88
	tofVHVConfigPad           = 0x89
	tofModelID                = 0xC0

	tofExpectedModelID = 0xEE

	// readings at or above this are the sensor's out of range codes
	tofOutOfRange = 8190
)

// timing budget overheads in microseconds
const (
	tofStartOverheadGet = 1910
	tofStartOverheadSet = 1320
	tofEndOverhead      = 960
	tofMSRCOverhead     = 660
	tofTCCOverhead      = 590
	tofDSSOverhead      = 690
	tofPreRangeOverhead = 660
	tofFinalOverhead    = 550
	tofMinBudgetUs      = 20000
)

const (
	// BetterAccuracyBudget is the measurement timing budget of the better
	// accuracy ranging profile.
	BetterAccuracyBudget = 200 * time.Millisecond

	// MinRangingInterval is the shortest pause between two readings of a
	// ranging loop.
	MinRangingInterval = 20 * time.Millisecond

	tofSignalRateLimit = 0.25
	tofPollTimeout     = 500 * time.Millisecond
)

// ToFRegisters is the register access the ranger needs.
// *i2c.I2C from github.com/d2r2/go-i2c satisfies it.
type ToFRegisters interface {
	ReadRegU8(reg byte) (byte, error)
	WriteRegU8(reg byte, value byte) error
	ReadRegU16BE(reg byte) (uint16, error)
	WriteRegU16BE(reg byte, value uint16) error
	Close() error
}

// ToFOpener opens the ranger at addr on the given channel
type ToFOpener func(addr uint8, channel int) (ToFRegisters, error)

// OpenToF opens the ranger with the d2r2 i2c driver
func OpenToF(addr uint8, channel int) (ToFRegisters, error) {
	dev, err := i2c.NewI2C(addr, channel)
	if err != nil {
		return nil, err
	}

	return dev, nil
}

// SetRegisterLogLevel sets the level of the d2r2 i2c package logger, which
// otherwise prints every register access to stdout.
func SetRegisterLogLevel(level hclog.Level) error {
	return logger.ChangePackageLogLevel("i2c", registerLogLevel(level))
}

func registerLogLevel(level hclog.Level) logger.LogLevel {
	switch level {
	case hclog.Trace, hclog.Debug:
		return logger.DebugLevel
	case hclog.Warn:
		return logger.WarnLevel
	case hclog.Error:
		return logger.ErrorLevel
	case hclog.Off:
		return logger.FatalLevel
	}

	return logger.InfoLevel
}

// ToF drives the VL53L0X time-of-flight ranger
type ToF struct {
	opener     ToFOpener
	candidates []Candidate
	budget     time.Duration
	log        hclog.Logger

	mu           sync.Mutex
	dev          ToFRegisters
	stopVariable byte
	interval     time.Duration
	closed       bool
}

// NewToF creates the ranger driver. budget is the measurement timing
// budget configured by Initialize.
func NewToF(opener ToFOpener, candidates []Candidate, budget time.Duration, l hclog.Logger) *ToF {
	return &ToF{
		opener:     opener,
		candidates: candidates,
		budget:     budget,
		log:        l,
		interval:   MinRangingInterval,
	}
}

// Initialize discovers the ranger and configures the better accuracy
// profile.
func (t *ToF) Initialize() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrClosed
	}

	if t.dev != nil {
		return nil
	}

	var errs []error
	for _, c := range t.candidates {
		dev, err := t.opener(uint8(c.Addr), c.Channel)
		if err != nil {
			t.log.Debug("Unable to open ranger", "candidate", c, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", c, err))
			continue
		}

		if err := t.setup(dev); err != nil {
			t.log.Debug("Ranger did not respond", "candidate", c, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", c, err))
			dev.Close()
			continue
		}

		t.dev = dev
		t.log.Debug("Found ranger", "candidate", c, "interval", t.interval)
		return nil
	}

	err := fmt.Errorf("%w: %w", ErrConnectionFailed, errors.Join(errs...))
	t.log.Warn("Peripheral unavailable", "error", err)

	return err
}

func (t *ToF) setup(dev ToFRegisters) error {
	id, err := dev.ReadRegU8(tofModelID)
	if err != nil {
		return err
	}

	if id != tofExpectedModelID {
		return fmt.Errorf("unexpected model id 0x%02x", id)
	}

	// 2V8 I/O
	if err := updateReg(dev, tofVHVConfigPad, 0x01, 0); err != nil {
		return err
	}

	if err := dev.WriteRegU8(tofI2CMode, 0x00); err != nil {
		return err
	}

	stop, err := readStopVariable(dev)
	if err != nil {
		return err
	}
	t.stopVariable = stop

	// disable the MSRC and pre-range signal limit checks
	if err := updateReg(dev, tofMSRCConfigControl, 0x12, 0); err != nil {
		return err
	}

	if err := dev.WriteRegU16BE(tofFinalRangeMinCountRate, uint16(tofSignalRateLimit*(1<<7))); err != nil {
		return err
	}

	if err := dev.WriteRegU8(tofSequenceConfig, 0xFF); err != nil {
		return err
	}

	// new sample ready interrupt, active low
	if err := dev.WriteRegU8(tofInterruptConfigGPIO, 0x04); err != nil {
		return err
	}
	if err := updateReg(dev, tofGPIOHVMuxActiveHigh, 0, 0x10); err != nil {
		return err
	}
	if err := dev.WriteRegU8(tofInterruptClear, 0x01); err != nil {
		return err
	}

	if err := setTimingBudget(dev, uint32(t.budget/time.Microsecond)); err != nil {
		return err
	}

	budget, err := timingBudget(dev)
	if err != nil {
		return err
	}

	t.interval = rangingInterval(budget)

	return nil
}

// RangeOnce performs one single-shot measurement and returns the distance
// in millimeters. 0 means nothing was detected.
func (t *ToF) RangeOnce() (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return 0, ErrClosed
	}

	if t.dev == nil {
		return 0, ErrPeripheralUnavailable
	}

	mm, err := t.rangeSingle()
	if err != nil {
		t.log.Warn("Unable to read range", "error", err)
		return 0, fmt.Errorf("%w: %w", ErrTransport, err)
	}

	if mm <= 0 || mm >= tofOutOfRange {
		return 0, nil
	}

	return mm, nil
}

func (t *ToF) rangeSingle() (int, error) {
	dev := t.dev

	seq := []struct{ reg, val byte }{
		{0x80, 0x01}, {0xFF, 0x01}, {0x00, 0x00}, {0x91, t.stopVariable},
		{0x00, 0x01}, {0xFF, 0x00}, {0x80, 0x00},
		{tofSysRangeStart, 0x01},
	}
	for _, s := range seq {
		if err := dev.WriteRegU8(s.reg, s.val); err != nil {
			return 0, err
		}
	}

	if err := pollReg(dev, tofSysRangeStart, func(v byte) bool { return v&0x01 == 0 }); err != nil {
		return 0, err
	}

	if err := pollReg(dev, tofResultInterruptStatus, func(v byte) bool { return v&0x07 != 0 }); err != nil {
		return 0, err
	}

	mm, err := dev.ReadRegU16BE(tofResultRange)
	if err != nil {
		return 0, err
	}

	if err := dev.WriteRegU8(tofInterruptClear, 0x01); err != nil {
		return 0, err
	}

	return int(mm), nil
}

// TimingBudget reads the measurement timing budget back from the device
func (t *ToF) TimingBudget() (time.Duration, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.dev == nil {
		return 0, ErrPeripheralUnavailable
	}

	us, err := timingBudget(t.dev)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrTransport, err)
	}

	return time.Duration(us) * time.Microsecond, nil
}

// Interval is the pause between two readings of a ranging loop, the
// device timing budget but never less than MinRangingInterval.
func (t *ToF) Interval() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.interval
}

// Stream ranges continuously until ctx is cancelled. Failed reads are
// logged and skipped. The channel is closed when the loop exits.
func (t *ToF) Stream(ctx context.Context) <-chan int {
	out := make(chan int)

	go func() {
		defer close(out)

		for {
			mm, err := t.RangeOnce()
			if errors.Is(err, ErrClosed) || errors.Is(err, ErrPeripheralUnavailable) {
				return
			}

			if err == nil {
				select {
				case out <- mm:
				case <-ctx.Done():
					return
				}
			}

			if err := sleep(ctx, t.Interval()); err != nil {
				return
			}
		}
	}()

	return out
}

// Available reports whether discovery succeeded
func (t *ToF) Available() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.dev != nil && !t.closed
}

// Close releases the device handle
func (t *ToF) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true

	if t.dev == nil {
		return nil
	}

	err := t.dev.Close()
	t.dev = nil

	return err
}

func rangingInterval(budgetUs uint32) time.Duration {
	d := time.Duration(budgetUs) * time.Microsecond
	if d < MinRangingInterval {
		return MinRangingInterval
	}

	return d
}

func updateReg(dev ToFRegisters, reg, set, clear byte) error {
	v, err := dev.ReadRegU8(reg)
	if err != nil {
		return err
	}

	return dev.WriteRegU8(reg, (v|set)&^clear)
}

func readStopVariable(dev ToFRegisters) (byte, error) {
	for _, s := range []struct{ reg, val byte }{{0x80, 0x01}, {0xFF, 0x01}, {0x00, 0x00}} {
		if err := dev.WriteRegU8(s.reg, s.val); err != nil {
			return 0, err
		}
	}

	stop, err := dev.ReadRegU8(0x91)
	if err != nil {
		return 0, err
	}

	for _, s := range []struct{ reg, val byte }{{0x00, 0x01}, {0xFF, 0x00}, {0x80, 0x00}} {
		if err := dev.WriteRegU8(s.reg, s.val); err != nil {
			return 0, err
		}
	}

	return stop, nil
}

func pollReg(dev ToFRegisters, reg byte, done func(byte) bool) error {
	deadline := time.Now().Add(tofPollTimeout)

	for {
		v, err := dev.ReadRegU8(reg)
		if err != nil {
			return err
		}

		if done(v) {
			return nil
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("timeout waiting for register 0x%02x", reg)
		}

		time.Sleep(time.Millisecond)
	}
}

type tofSequence struct {
	tcc, dss, msrc, preRange, finalRange bool

	preRangeVCSEL   uint32
	finalRangeVCSEL uint32

	msrcUs        uint32
	preRangeMclks uint32
	preRangeUs    uint32
	finalRangeUs  uint32
}

func readSequence(dev ToFRegisters) (tofSequence, error) {
	var s tofSequence

	cfg, err := dev.ReadRegU8(tofSequenceConfig)
	if err != nil {
		return s, err
	}

	s.tcc = cfg&0x10 != 0
	s.dss = cfg&0x08 != 0
	s.msrc = cfg&0x04 != 0
	s.preRange = cfg&0x40 != 0
	s.finalRange = cfg&0x80 != 0

	pre, err := dev.ReadRegU8(tofPreRangeVCSELPeriod)
	if err != nil {
		return s, err
	}
	s.preRangeVCSEL = decodeVCSELPeriod(pre)

	msrc, err := dev.ReadRegU8(tofMSRCConfigTimeout)
	if err != nil {
		return s, err
	}
	s.msrcUs = mclksToMicroseconds(uint32(msrc)+1, s.preRangeVCSEL)

	preTimeout, err := dev.ReadRegU16BE(tofPreRangeTimeoutHi)
	if err != nil {
		return s, err
	}
	s.preRangeMclks = decodeTimeout(preTimeout)
	s.preRangeUs = mclksToMicroseconds(s.preRangeMclks, s.preRangeVCSEL)

	final, err := dev.ReadRegU8(tofFinalRangeVCSELPeriod)
	if err != nil {
		return s, err
	}
	s.finalRangeVCSEL = decodeVCSELPeriod(final)

	finalTimeout, err := dev.ReadRegU16BE(tofFinalRangeTimeoutHi)
	if err != nil {
		return s, err
	}

	finalMclks := decodeTimeout(finalTimeout)
	if s.preRange {
		finalMclks -= s.preRangeMclks
	}
	s.finalRangeUs = mclksToMicroseconds(finalMclks, s.finalRangeVCSEL)

	return s, nil
}

// overhead returns the budget used by every enabled step but the final
// range timeout itself.
func (s tofSequence) overhead(start uint32) uint32 {
	used := start + tofEndOverhead

	if s.tcc {
		used += s.msrcUs + tofTCCOverhead
	}

	if s.dss {
		used += 2 * (s.msrcUs + tofDSSOverhead)
	} else if s.msrc {
		used += s.msrcUs + tofMSRCOverhead
	}

	if s.preRange {
		used += s.preRangeUs + tofPreRangeOverhead
	}

	if s.finalRange {
		used += tofFinalOverhead
	}

	return used
}

func timingBudget(dev ToFRegisters) (uint32, error) {
	s, err := readSequence(dev)
	if err != nil {
		return 0, err
	}

	budget := s.overhead(tofStartOverheadGet)
	if s.finalRange {
		budget += s.finalRangeUs
	}

	return budget, nil
}

func setTimingBudget(dev ToFRegisters, budgetUs uint32) error {
	if budgetUs < tofMinBudgetUs {
		return fmt.Errorf("timing budget %dus below minimum %dus", budgetUs, tofMinBudgetUs)
	}

	s, err := readSequence(dev)
	if err != nil {
		return err
	}

	if !s.finalRange {
		return nil
	}

	used := s.overhead(tofStartOverheadSet)
	if used > budgetUs {
		return fmt.Errorf("timing budget %dus too short, steps need %dus", budgetUs, used)
	}

	mclks := microsecondsToMclks(budgetUs-used, s.finalRangeVCSEL)
	if s.preRange {
		mclks += s.preRangeMclks
	}

	return dev.WriteRegU16BE(tofFinalRangeTimeoutHi, encodeTimeout(mclks))
}

func decodeVCSELPeriod(v byte) uint32 {
	return (uint32(v) + 1) << 1
}

func macroPeriodNs(vcselPclks uint32) uint32 {
	return ((2304 * vcselPclks * 1655) + 500) / 1000
}

func mclksToMicroseconds(mclks, vcselPclks uint32) uint32 {
	macro := macroPeriodNs(vcselPclks)
	return ((mclks * macro) + 500) / 1000
}

func microsecondsToMclks(us, vcselPclks uint32) uint32 {
	macro := macroPeriodNs(vcselPclks)
	return ((us * 1000) + (macro / 2)) / macro
}

// timeouts are stored as (LSB * 2^MSB) + 1
func decodeTimeout(v uint16) uint32 {
	return (uint32(v&0xFF) << (v >> 8)) + 1
}

func encodeTimeout(mclks uint32) uint16 {
	if mclks == 0 {
		return 0
	}

	ls := mclks - 1
	var ms uint16
	for ls&0xFFFFFF00 > 0 {
		ls >>= 1
		ms++
	}

	return ms<<8 | uint16(ls&0xFF)
}
