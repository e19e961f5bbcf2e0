package monitor

import (
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Luis-Dokkaebi/eficiencia/pkg/gen"
	"github.com/Luis-Dokkaebi/eficiencia/pkg/nn"
	"github.com/Luis-Dokkaebi/eficiencia/server/camera"
	"github.com/Luis-Dokkaebi/eficiencia/server/eventdb"
	"github.com/Luis-Dokkaebi/eficiencia/server/identity"
	"github.com/Luis-Dokkaebi/eficiencia/server/storage"
	"github.com/Luis-Dokkaebi/eficiencia/server/tracking"
	"github.com/Luis-Dokkaebi/eficiencia/server/zones"
	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"
)

// Test frames carry their instructions in the first pixels:
// Pixels[0] is the frame number, and Pixels[1] is 1 if a person is visible.
const (
	pixFrame  = 0
	pixPerson = 1
	pixPanic  = 2 // face recognition panics on this frame
)

var baseTime = time.Date(2024, 3, 5, 8, 0, 0, 0, time.UTC)

var personBox = nn.Rect{X: 4, Y: 4, Width: 4, Height: 4}

func makeFrame(seq int64, person bool) *camera.Frame {
	img := cimg.NewImage(16, 16, cimg.PixelFormatRGB)
	img.Pixels[pixFrame] = byte(seq)
	if person {
		img.Pixels[pixPerson] = 1
	}
	return &camera.Frame{
		Image: img,
		Seq:   seq,
		Time:  baseTime.Add(time.Duration(seq) * time.Second),
	}
}

// scriptedSource delivers its frames in order, one per Read, and then repeats the last frame
type scriptedSource struct {
	lock    sync.Mutex
	frames  []*camera.Frame
	next    int
	started atomic.Bool
	closed  atomic.Bool
}

func (s *scriptedSource) Read() *camera.Frame {
	s.lock.Lock()
	defer s.lock.Unlock()
	if len(s.frames) == 0 {
		return nil
	}
	f := s.frames[min(s.next, len(s.frames)-1)]
	s.next++
	return f
}

func (s *scriptedSource) Start() {
	s.started.Store(true)
}

func (s *scriptedSource) Close() {
	s.closed.Store(true)
}

// A person is visible in frames [first, last]
func scriptedPerson(nFrames, first, last int64) *scriptedSource {
	s := &scriptedSource{}
	for i := int64(1); i <= nFrames; i++ {
		s.frames = append(s.frames, makeFrame(i, i >= first && i <= last))
	}
	return s
}

type fakeDetector struct {
	err     error
	nCalls  atomic.Int64
	nClosed atomic.Int64
}

func (d *fakeDetector) Close() {
	d.nClosed.Add(1)
}

func (d *fakeDetector) DetectBatch(images []*cimg.Image) ([][]nn.ObjectDetection, error) {
	d.nCalls.Add(1)
	if d.err != nil {
		return nil, d.err
	}
	res := make([][]nn.ObjectDetection, len(images))
	for i, img := range images {
		if img.Pixels[pixPerson] == 1 {
			res[i] = []nn.ObjectDetection{{Class: nn.COCOPerson, Confidence: 0.9, Box: personBox}}
		}
	}
	return res, nil
}

// fakeFaces recognizes "Ana" from frame firstFrame onwards
type fakeFaces struct {
	firstFrame byte
}

func (f *fakeFaces) Recognize(img *cimg.Image, box nn.Rect) (string, error) {
	if img.Pixels[pixPanic] == 1 {
		panic("face model crashed")
	}
	if img.Pixels[pixFrame] >= f.firstFrame {
		return "Ana", nil
	}
	return identity.Unknown, nil
}

var zoneA = zones.Zone{
	Name:    "Zone A",
	Polygon: []zones.Point{{0, 0}, {16, 0}, {16, 16}, {0, 16}},
}

type testRig struct {
	worker   *Worker
	queue    chan eventdb.Item
	detector *fakeDetector
	root     string
}

func newRig(t *testing.T, cams []Camera, faces identity.FaceIdentifier, queueSize int) *testRig {
	log := logs.NewTestingLog(t)
	root := t.TempDir()
	store, err := storage.NewStorageFS(log, root)
	require.NoError(t, err)
	rig := &testRig{
		queue:    make(chan eventdb.Item, queueSize),
		detector: &fakeDetector{},
		root:     root,
	}
	rig.worker = NewWorker(log, Config{
		Cameras: cams,
		LoadModels: func() (*Models, error) {
			return &Models{Detector: rig.detector, Faces: faces}, nil
		},
		Zones:          []zones.Zone{zoneA},
		Identity:       identity.DefaultSettings(),
		Tracking:       tracking.DefaultSettings(),
		Storage:        store,
		Queue:          rig.queue,
		EnqueueTimeout: time.Millisecond,
	})
	return rig
}

func (r *testRig) run(nIterations int) {
	for i := 0; i < nIterations; i++ {
		r.worker.iterate()
	}
}

func split(items []eventdb.Item) (events []*eventdb.TrackingEvent, snapshots []*eventdb.Snapshot) {
	for _, it := range items {
		if it.Event != nil {
			events = append(events, it.Event)
		}
		if it.Snapshot != nil {
			snapshots = append(snapshots, it.Snapshot)
		}
	}
	return
}

func TestSinglePersonEntersZone(t *testing.T) {
	src := scriptedPerson(50, 10, 40)
	rig := newRig(t, []Camera{{Name: "cam 1", Source: src}}, &fakeFaces{firstFrame: 13}, 1000)
	require.NoError(t, rig.worker.init())
	defer rig.worker.shutdown()

	confirmedAt := int64(0)
	for i := 1; i <= 50; i++ {
		rig.worker.iterate()
		if confirmedAt == 0 && rig.worker.resolver.Name(1) == "Ana" {
			confirmedAt = int64(i)
		}
	}
	require.EqualValues(t, 15, confirmedAt)

	events, snapshots := split(gen.DrainChannelIntoSlice(rig.queue))
	require.Len(t, snapshots, 1)
	require.Len(t, events, 31)

	snap := snapshots[0]
	require.Equal(t, "cam 1", snap.CameraID)
	require.EqualValues(t, 1, snap.TrackID)
	require.Equal(t, "Zone A", snap.Zone)
	require.Equal(t, identity.Unknown, snap.EmployeeName)
	require.Equal(t, baseTime.Add(10*time.Second).UnixMilli(), int64(snap.Timestamp))
	_, err := os.Stat(snap.SnapshotPath)
	require.NoError(t, err)
	require.Contains(t, snap.SnapshotPath, "cam_1_1_Unknown_Zone_A_20240305_080010_000000.jpg")

	for i, ev := range events {
		require.True(t, ev.InsideZone)
		require.Equal(t, "Zone A", ev.Zone)
		require.EqualValues(t, 1, ev.TrackID)
		require.Equal(t, 6.0, ev.X)
		require.Equal(t, 6.0, ev.Y)
		require.Equal(t, baseTime.Add(time.Duration(10+i)*time.Second).UnixMilli(), int64(ev.Timestamp))
	}

	st := rig.worker.Status()
	require.Len(t, st.Cameras, 1)
	require.EqualValues(t, 50, st.Cameras[0].Processed)
	require.EqualValues(t, 50, st.Batches)
}

func TestRepeatedFrameIsSkipped(t *testing.T) {
	src := &scriptedSource{frames: []*camera.Frame{makeFrame(1, true)}}
	rig := newRig(t, []Camera{{Name: "cam", Source: src}}, nil, 100)
	require.NoError(t, rig.worker.init())
	defer rig.worker.shutdown()

	require.True(t, rig.worker.iterate())
	require.False(t, rig.worker.iterate())
	require.False(t, rig.worker.iterate())
	require.EqualValues(t, 1, rig.detector.nCalls.Load())
	events, _ := split(gen.DrainChannelIntoSlice(rig.queue))
	require.Len(t, events, 1)
}

func TestGlobalIDsUseGroupOffset(t *testing.T) {
	a := scriptedPerson(3, 1, 3)
	b := scriptedPerson(3, 1, 3)
	rig := newRig(t, []Camera{{Name: "a", Source: a}, {Name: "b", Source: b}}, nil, 100)
	rig.worker.cfg.GroupIndex = 2
	require.NoError(t, rig.worker.init())
	defer rig.worker.shutdown()
	rig.run(3)

	ids := map[string]int64{}
	events, _ := split(gen.DrainChannelIntoSlice(rig.queue))
	require.Len(t, events, 6)
	for _, ev := range events {
		ids[ev.CameraID] = ev.TrackID
	}
	require.GreaterOrEqual(t, ids["a"], int64(2*tracking.OffsetStride))
	require.GreaterOrEqual(t, ids["b"], int64(2*tracking.OffsetStride))
	require.NotEqual(t, ids["a"], ids["b"])
}

func TestCameraPanicIsIsolated(t *testing.T) {
	bad := scriptedPerson(5, 1, 5)
	for _, f := range bad.frames {
		f.Image.Pixels[pixPanic] = 1
	}
	good := scriptedPerson(5, 1, 5)
	rig := newRig(t, []Camera{{Name: "bad", Source: bad}, {Name: "good", Source: good}}, &fakeFaces{firstFrame: 1}, 100)
	require.NoError(t, rig.worker.init())
	defer rig.worker.shutdown()
	rig.run(5)

	events, snapshots := split(gen.DrainChannelIntoSlice(rig.queue))
	require.Len(t, events, 5)
	for _, ev := range events {
		require.Equal(t, "good", ev.CameraID)
	}
	require.Len(t, snapshots, 1)
	require.Equal(t, "good", snapshots[0].CameraID)
	require.EqualValues(t, 5, rig.worker.Status().Cameras[0].Processed)
}

func TestDetectorErrorSkipsBatch(t *testing.T) {
	src := scriptedPerson(3, 1, 3)
	rig := newRig(t, []Camera{{Name: "cam", Source: src}}, nil, 100)
	require.NoError(t, rig.worker.init())
	defer rig.worker.shutdown()
	rig.detector.err = errors.New("GPU melted")
	rig.run(3)
	require.Len(t, gen.DrainChannelIntoSlice(rig.queue), 0)
	require.EqualValues(t, 3, rig.detector.nCalls.Load())
}

func TestFullQueueDropsItems(t *testing.T) {
	src := scriptedPerson(4, 1, 4)
	rig := newRig(t, []Camera{{Name: "cam", Source: src}}, nil, 0)
	require.NoError(t, rig.worker.init())
	defer rig.worker.shutdown()
	rig.run(4)
	// 4 events + 1 snapshot, and nobody is reading the queue
	require.EqualValues(t, 5, rig.worker.Status().QueueDropped)
}

func TestWorkerLifecycle(t *testing.T) {
	src := scriptedPerson(20, 1, 20)
	rig := newRig(t, []Camera{{Name: "cam", Source: src}}, nil, 1000)
	rig.worker.Start()
	require.Eventually(t, func() bool { return len(rig.queue) >= 20 }, 5*time.Second, time.Millisecond)
	require.True(t, rig.worker.Alive())
	require.True(t, src.started.Load())

	rig.worker.Close()
	require.False(t, rig.worker.Alive())
	require.NoError(t, rig.worker.Err())
	require.True(t, src.closed.Load())
	require.EqualValues(t, 1, rig.detector.nClosed.Load())
	require.NotEmpty(t, rig.worker.Status().RunID)
}

func TestModelLoadFailureKillsWorker(t *testing.T) {
	src := scriptedPerson(1, 1, 1)
	w := NewWorker(logs.NewTestingLog(t), Config{
		Cameras:    []Camera{{Name: "cam", Source: src}},
		LoadModels: func() (*Models, error) { return nil, errors.New("Model file not found") },
		Zones:      []zones.Zone{zoneA},
		Queue:      make(chan eventdb.Item, 1),
	})
	w.Start()
	select {
	case <-w.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("Worker did not exit")
	}
	require.False(t, w.Alive())
	require.ErrorContains(t, w.Err(), "Model file not found")
	require.False(t, src.started.Load())
	require.Equal(t, "Model file not found", errors.Unwrap(w.Err()).Error())
}

func TestSnapshotFilename(t *testing.T) {
	ts := time.Date(2024, 3, 5, 14, 7, 9, 123456789, time.UTC)
	require.Equal(t, "cam_1_100001_Ana_María_Zone_A_20240305_140709_123456.jpg", SnapshotFilename("cam 1", 100001, "Ana María", "Zone A", ts))
}
