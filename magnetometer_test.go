package epuck

import (
	"context"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCompass answers the AK8963 registers, data samples are served in
// order and the last one repeats
type fakeCompass struct {
	mu      sync.Mutex
	mode    byte
	samples [][3]int16
	next    int
}

func (f *fakeCompass) device(w, r []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch w[0] {
	case magRegWhoAmI:
		r[0] = magDeviceID
	case magRegCntl1:
		f.mode = w[1]
	case magRegData:
		s := f.samples[f.next]
		if f.next < len(f.samples)-1 {
			f.next++
		}

		binary.LittleEndian.PutUint16(r[0:2], uint16(s[0]))
		binary.LittleEndian.PutUint16(r[2:4], uint16(s[1]))
		binary.LittleEndian.PutUint16(r[4:6], uint16(s[2]))
	}

	return nil
}

func TestHeadingCardinalPoints(t *testing.T) {
	tt := []struct {
		x, y float64
		want float64
	}{
		{0, 1, 270},
		{1, 0, 0},
		{0, -1, 90},
		{-1, 0, 180},
	}

	for _, tc := range tt {
		assert.InDelta(t, tc.want, Heading(tc.x, tc.y), 1e-9, "x=%v y=%v", tc.x, tc.y)
	}
}

func TestHeadingIsAlwaysInRange(t *testing.T) {
	for x := -100.0; x <= 100; x += 7.5 {
		for y := -100.0; y <= 100; y += 7.5 {
			h := Heading(x, y)
			assert.GreaterOrEqual(t, h, 0.0)
			assert.Less(t, h, 360.0)
		}
	}
}

func TestMagnetometerDiscoveryOrder(t *testing.T) {
	o := newFakeOpener()
	o.bus(ChannelPrimary)

	compass := &fakeCompass{samples: [][3]int16{{10, 20, 30}}}
	o.bus(ChannelLegacy).devices[0x0E] = compass.device

	m := NewMagnetometer(o, Candidates([]int{ChannelPrimary, ChannelLegacy}, MagnetometerAddrs[:]...), 0, 0, hclog.NewNullLogger())
	require.NoError(t, m.Initialize())

	assert.Equal(t, []int{12, 12, 12, 12, 4, 4, 4}, o.opened)
	assert.Equal(t, byte(magModeContinuous16), compass.mode)

	x, y, z, err := m.ReadRaw()
	require.NoError(t, err)
	assert.Equal(t, [3]int16{10, 20, 30}, [3]int16{x, y, z})
}

func TestMagnetometerRejectsWrongDevice(t *testing.T) {
	o := newFakeOpener()
	o.bus(ChannelPrimary).devices[0x0C] = func(w, r []byte) error {
		if len(r) > 0 {
			r[0] = 0x00
		}
		return nil
	}

	m := NewMagnetometer(o, Candidates([]int{ChannelPrimary}, 0x0C), 0, 0, hclog.NewNullLogger())

	assert.ErrorIs(t, m.Initialize(), ErrConnectionFailed)
	assert.False(t, m.Available())
}

func TestMagnetometerCalibrate(t *testing.T) {
	o := newFakeOpener()
	compass := &fakeCompass{samples: [][3]int16{
		{-100, 50, 10},
		{300, -150, 30},
		{100, 250, -10},
		{0, 0, 0},
	}}
	o.bus(ChannelPrimary).devices[0x0C] = compass.device

	m := NewMagnetometer(o, Candidates([]int{ChannelPrimary}, 0x0C), 3, 0, hclog.NewNullLogger())
	require.NoError(t, m.Initialize())

	require.NoError(t, m.Calibrate(context.Background()))

	ox, oy, oz := m.Offsets()
	assert.Equal(t, 100.0, ox)
	assert.Equal(t, 50.0, oy)
	assert.Equal(t, 10.0, oz)

	r, err := m.Read()
	require.NoError(t, err)
	assert.InDelta(t, Heading(-100, -50), r.Heading, 1e-9)
}

func TestMagnetometerCalibrateWithoutSamplesKeepsOffsets(t *testing.T) {
	o := newFakeOpener()
	compass := &fakeCompass{samples: [][3]int16{{5, 5, 5}}}
	o.bus(ChannelPrimary).devices[0x0C] = compass.device

	m := NewMagnetometer(o, Candidates([]int{ChannelPrimary}, 0x0C), 0, 0, hclog.NewNullLogger())
	require.NoError(t, m.Initialize())
	require.NoError(t, m.Calibrate(context.Background()))

	ox, oy, oz := m.Offsets()
	assert.Zero(t, ox)
	assert.Zero(t, oy)
	assert.Zero(t, oz)
}

func TestMagnetometerCalibrateCancelled(t *testing.T) {
	o := newFakeOpener()
	compass := &fakeCompass{samples: [][3]int16{{5, 5, 5}}}
	o.bus(ChannelPrimary).devices[0x0C] = compass.device

	m := NewMagnetometer(o, Candidates([]int{ChannelPrimary}, 0x0C), 10, 0, hclog.NewNullLogger())
	require.NoError(t, m.Initialize())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, m.Calibrate(ctx), context.Canceled)
}

func TestMagnetometerUnavailable(t *testing.T) {
	m := NewMagnetometer(newFakeOpener(), nil, 0, 0, hclog.NewNullLogger())

	_, err := m.Read()
	assert.ErrorIs(t, err, ErrPeripheralUnavailable)
}

func TestMagnetometerCloseInterruptsCalibration(t *testing.T) {
	o := newFakeOpener()
	compass := &fakeCompass{samples: [][3]int16{{5, 5, 5}}}
	o.bus(ChannelPrimary).devices[0x0C] = compass.device

	// 1000 samples 10ms apart would take ten seconds
	m := NewMagnetometer(o, Candidates([]int{ChannelPrimary}, 0x0C), 1000, 10*time.Millisecond, hclog.NewNullLogger())
	require.NoError(t, m.Initialize())

	done := make(chan error, 1)
	go func() {
		done <- m.Calibrate(context.Background())
	}()

	time.Sleep(30 * time.Millisecond)

	closed := make(chan struct{})
	go func() {
		m.Close()
		close(closed)
	}()

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("Close blocked by calibration")
	}

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("calibration did not stop after Close")
	}
}
