package epuck

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/i2c"
)

func setupTransport(t *testing.T, channels ...int) (*Transport, *fakeOpener) {
	t.Helper()

	o := newFakeOpener()
	tr := NewTransport(o, Candidates(channels, RobotAddr), 0, hclog.NewNullLogger())

	t.Cleanup(func() { tr.Close() })

	return tr, o
}

func TestDiscoverUsesFirstAnsweringChannel(t *testing.T) {
	tr, o := setupTransport(t, ChannelPrimary, ChannelLegacy)

	legacy := newFakeRobot()
	o.bus(ChannelLegacy).devices[RobotAddr] = legacy.device

	require.NoError(t, tr.Initialize())

	assert.Equal(t, []int{ChannelPrimary, ChannelLegacy}, o.opened)
	assert.Equal(t, ChannelLegacy, tr.Channel())

	_, _, err := tr.Transact(context.Background(), EncodeActuatorPacket(ActuatorState{Left: 10}))
	require.NoError(t, err)

	// discovery packet plus the transaction
	require.Len(t, legacy.sent(), 2)
	assert.Equal(t, SafePacket, legacy.sent()[0])
}

func TestDiscoverClosesBusesThatDoNotAnswer(t *testing.T) {
	tr, o := setupTransport(t, ChannelPrimary, ChannelLegacy)

	// bus exists but nothing answers at the robot address
	o.bus(ChannelPrimary)
	legacy := newFakeRobot()
	o.bus(ChannelLegacy).devices[RobotAddr] = legacy.device

	require.NoError(t, tr.Initialize())

	require.Len(t, o.handles, 2)
	assert.True(t, o.handles[0].isClosed())
	assert.False(t, o.handles[1].isClosed())

	_, _, err := tr.Transact(context.Background(), SafePacket)
	require.NoError(t, err)
	assert.Len(t, legacy.sent(), 2)
}

func TestDiscoverStopsAtFirstSuccess(t *testing.T) {
	tr, o := setupTransport(t, ChannelPrimary, ChannelLegacy)

	o.bus(ChannelPrimary).devices[RobotAddr] = newFakeRobot().device
	o.bus(ChannelLegacy).devices[RobotAddr] = newFakeRobot().device

	require.NoError(t, tr.Initialize())

	assert.Equal(t, []int{ChannelPrimary}, o.opened)
	assert.Equal(t, ChannelPrimary, tr.Channel())
}

func TestInitializeFailsWhenNoChannelAnswers(t *testing.T) {
	tr, _ := setupTransport(t, ChannelPrimary, ChannelLegacy)

	err := tr.Initialize()

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnectionFailed)
}

func TestTransactBeforeInitialize(t *testing.T) {
	tr, _ := setupTransport(t, ChannelPrimary)

	_, _, err := tr.Transact(context.Background(), SafePacket)

	assert.ErrorIs(t, err, ErrNotReady)
}

func TestTransactDecodesResponse(t *testing.T) {
	tr, o := setupTransport(t, ChannelPrimary)

	robot := newFakeRobot()
	robot.setResponse(sensorBytes(func(b []byte) { b[0] = 0x2A }))
	o.bus(ChannelPrimary).devices[RobotAddr] = robot.device

	require.NoError(t, tr.Initialize())

	p := EncodeActuatorPacket(ActuatorState{Left: 200, Right: 200})
	sp, ok, err := tr.Transact(context.Background(), p)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, uint16(42), sp.Proximity[0])
	assert.Equal(t, p, robot.last())
}

func TestTransactWritesAndReadsInOneTransaction(t *testing.T) {
	tr, o := setupTransport(t, ChannelPrimary)

	bus := o.bus(ChannelPrimary)
	bus.devices[RobotAddr] = newFakeRobot().device

	require.NoError(t, tr.Initialize())

	p := EncodeActuatorPacket(ActuatorState{FrontLED: true})
	_, _, err := tr.Transact(context.Background(), p)
	require.NoError(t, err)

	bus.mu.Lock()
	defer bus.mu.Unlock()

	last := bus.ops[len(bus.ops)-1]
	assert.Equal(t, p[:], last.W)
	assert.Len(t, last.R, SensorPacketSize)
}

func TestTransactBadChecksumIsNotAnError(t *testing.T) {
	tr, o := setupTransport(t, ChannelPrimary)

	robot := newFakeRobot()
	o.bus(ChannelPrimary).devices[RobotAddr] = robot.device
	require.NoError(t, tr.Initialize())

	bad := sensorBytes(nil)
	bad[SensorPacketSize-1] ^= 0x01
	robot.setResponse(bad)

	_, ok, err := tr.Transact(context.Background(), SafePacket)

	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestTransactBusErrorIsNotRetried(t *testing.T) {
	tr, o := setupTransport(t, ChannelPrimary)

	robot := newFakeRobot()
	o.bus(ChannelPrimary).devices[RobotAddr] = robot.device
	require.NoError(t, tr.Initialize())

	bus := o.bus(ChannelPrimary)
	bus.mu.Lock()
	before := len(bus.ops)
	bus.mu.Unlock()

	robot.setError(errors.New("nack"))

	_, _, err := tr.Transact(context.Background(), EncodeActuatorPacket(ActuatorState{Left: 1}))

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransport)

	bus.mu.Lock()
	defer bus.mu.Unlock()
	assert.Len(t, bus.ops, before+1)
}

func TestTransactSerializesConcurrentCallers(t *testing.T) {
	tr, o := setupTransport(t, ChannelPrimary)

	robot := newFakeRobot()
	o.bus(ChannelPrimary).devices[RobotAddr] = robot.device
	require.NoError(t, tr.Initialize())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, err := tr.Transact(context.Background(), EncodeActuatorPacket(ActuatorState{Left: i}))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	sent := robot.sent()
	require.Len(t, sent, 21)

	seen := map[int16]bool{}
	for _, p := range sent[1:] {
		require.True(t, p.Valid())
		seen[int16(p[0])|int16(p[1])<<8] = true
	}
	assert.Len(t, seen, 20)
}

func TestTransactContextCancelled(t *testing.T) {
	tr, o := setupTransport(t, ChannelPrimary)

	release := make(chan struct{})
	robot := newFakeRobot()
	o.bus(ChannelPrimary).devices[RobotAddr] = robot.device
	require.NoError(t, tr.Initialize())

	o.bus(ChannelPrimary).mu.Lock()
	o.bus(ChannelPrimary).devices[RobotAddr] = func(w, r []byte) error {
		<-release
		return robot.device(w, r)
	}
	o.bus(ChannelPrimary).mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, _, err := tr.Transact(ctx, SafePacket)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// the started transaction still completes
	close(release)
	assert.Eventually(t, func() bool { return len(robot.sent()) == 2 }, time.Second, 5*time.Millisecond)
}

func TestCloseSendsSafePacketOnce(t *testing.T) {
	tr, o := setupTransport(t, ChannelPrimary)

	robot := newFakeRobot()
	o.bus(ChannelPrimary).devices[RobotAddr] = robot.device
	require.NoError(t, tr.Initialize())

	_, _, err := tr.Transact(context.Background(), EncodeActuatorPacket(ActuatorState{Left: 500, Right: 500}))
	require.NoError(t, err)

	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())

	sent := robot.sent()
	require.Len(t, sent, 3)
	assert.Equal(t, SafePacket, sent[2])
	assert.True(t, o.handles[0].isClosed())

	_, _, err = tr.Transact(context.Background(), SafePacket)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCloseReleasesBusWhenSafePacketFails(t *testing.T) {
	tr, o := setupTransport(t, ChannelPrimary)

	robot := newFakeRobot()
	o.bus(ChannelPrimary).devices[RobotAddr] = robot.device
	require.NoError(t, tr.Initialize())

	robot.setError(errors.New("nack"))

	assert.NoError(t, tr.Close())
	assert.True(t, o.handles[0].isClosed())
}

func TestTransportImplementsBus(t *testing.T) {
	var _ i2c.Bus = (*Transport)(nil)

	tr, o := setupTransport(t, ChannelPrimary)
	o.bus(ChannelPrimary).devices[RobotAddr] = newFakeRobot().device

	var got []byte
	o.bus(ChannelPrimary).devices[0x42] = func(w, r []byte) error {
		got = append([]byte(nil), w...)
		r[0] = 0x99
		return nil
	}

	require.NoError(t, tr.Initialize())

	r := make([]byte, 1)
	require.NoError(t, tr.Tx(0x42, []byte{0x01}, r))

	assert.Equal(t, []byte{0x01}, got)
	assert.Equal(t, byte(0x99), r[0])

	err := tr.Tx(0x43, []byte{0x01}, r)
	assert.ErrorIs(t, err, ErrTransport)
}

func TestCandidatesAreChannelMajor(t *testing.T) {
	cs := Candidates([]int{12, 4}, 0x0C, 0x0D)

	assert.Equal(t, []Candidate{
		{Channel: 12, Addr: 0x0C},
		{Channel: 12, Addr: 0x0D},
		{Channel: 4, Addr: 0x0C},
		{Channel: 4, Addr: 0x0D},
	}, cs)
	assert.Equal(t, "i2c-12@0x0c", cs[0].String())
}
