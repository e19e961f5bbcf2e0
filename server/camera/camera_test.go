package camera

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	reads    atomic.Int32
	failFrom int32 // Start failing reads at this count (0 = never fail)
	closed   atomic.Bool
}

func (f *fakeSource) Read() (*cimg.Image, error) {
	n := f.reads.Add(1)
	time.Sleep(time.Millisecond)
	if f.failFrom != 0 && n >= f.failFrom {
		return nil, errors.New("stream ended")
	}
	return cimg.NewImage(4, 4, cimg.PixelFormatRGB), nil
}

func (f *fakeSource) Close() error {
	f.closed.Store(true)
	return nil
}

// flakyOpener fails the first 'failures' attempts, and records whether a frame
// was ever visible, or the service ever claimed to be connected, during those attempts.
type flakyOpener struct {
	lock             sync.Mutex
	failures         int
	attempts         int
	svc              *Service
	sawFrameInFail   bool
	sawConnectInFail bool
	sources          []*fakeSource
	failFrom         int32
}

func (o *flakyOpener) open() (Source, error) {
	o.lock.Lock()
	defer o.lock.Unlock()
	o.attempts++
	if o.attempts <= o.failures {
		if o.svc.Read() != nil {
			o.sawFrameInFail = true
		}
		if o.svc.Connected() {
			o.sawConnectInFail = true
		}
		return nil, errors.New("connection refused")
	}
	src := &fakeSource{failFrom: o.failFrom}
	o.sources = append(o.sources, src)
	return src, nil
}

func (o *flakyOpener) numAttempts() int {
	o.lock.Lock()
	defer o.lock.Unlock()
	return o.attempts
}

func TestReconnectAfterFailedOpens(t *testing.T) {
	op := &flakyOpener{failures: 3}
	svc := NewService(logs.NewTestingLog(t), "Camera_1", op.open, 5*time.Millisecond)
	op.svc = svc
	require.Nil(t, svc.Read())
	require.False(t, svc.Connected())

	svc.Start()
	require.Eventually(t, func() bool { return svc.Connected() && svc.Read() != nil }, 2*time.Second, time.Millisecond)
	require.Equal(t, 4, op.numAttempts())
	require.False(t, op.sawFrameInFail)
	require.False(t, op.sawConnectInFail)
	require.Equal(t, StateConnected, svc.Status().State)
	require.Equal(t, "connection refused", svc.Status().LastError)

	svc.Close()
	require.False(t, svc.Connected())
	require.Equal(t, StateStopped, svc.Status().State)
	require.True(t, op.sources[0].closed.Load())
}

func TestReconnectAfterReadFailure(t *testing.T) {
	op := &flakyOpener{failFrom: 3}
	svc := NewService(logs.NewTestingLog(t), "Camera_2", op.open, 5*time.Millisecond)
	op.svc = svc
	svc.Start()
	defer svc.Close()
	require.Eventually(t, func() bool { return op.numAttempts() >= 2 }, 2*time.Second, time.Millisecond)
	op.lock.Lock()
	require.True(t, op.sources[0].closed.Load())
	op.lock.Unlock()
}

func TestFrameSequence(t *testing.T) {
	op := &flakyOpener{}
	svc := NewService(logs.NewTestingLog(t), "Camera_3", op.open, 5*time.Millisecond)
	op.svc = svc
	svc.Start()
	defer svc.Close()
	require.Eventually(t, func() bool { return svc.Read() != nil }, 2*time.Second, time.Millisecond)
	first := svc.Read()
	require.Eventually(t, func() bool { return svc.Read().Seq > first.Seq }, 2*time.Second, time.Millisecond)
	require.Greater(t, svc.Status().Frames, int64(1))
}

func TestStopIsPromptDuringBackoff(t *testing.T) {
	op := &flakyOpener{failures: 1000}
	svc := NewService(logs.NewTestingLog(t), "Camera_4", op.open, time.Hour)
	op.svc = svc
	svc.Start()
	require.Eventually(t, func() bool { return op.numAttempts() >= 1 }, 2*time.Second, time.Millisecond)
	start := time.Now()
	svc.Close()
	require.Less(t, time.Since(start), time.Second)
	require.Equal(t, StateStopped, svc.Status().State)
}
