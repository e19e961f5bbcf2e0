package monitor

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Luis-Dokkaebi/eficiencia/pkg/gen"
	"github.com/Luis-Dokkaebi/eficiencia/pkg/nn"
	"github.com/Luis-Dokkaebi/eficiencia/pkg/perfstats"
	"github.com/Luis-Dokkaebi/eficiencia/server/camera"
	"github.com/Luis-Dokkaebi/eficiencia/server/eventdb"
	"github.com/Luis-Dokkaebi/eficiencia/server/identity"
	"github.com/Luis-Dokkaebi/eficiencia/server/storage"
	"github.com/Luis-Dokkaebi/eficiencia/server/tracking"
	"github.com/Luis-Dokkaebi/eficiencia/server/zones"
	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/logs"
	"github.com/google/uuid"
)

// Hot loop errors are logged at most this often (per camera)
const errorLogInterval = 15 * time.Second

// Sleep when no camera has a new frame
const DefaultIdleSleep = 10 * time.Millisecond

// How long we wait for space in the event queue before dropping an item
const DefaultEnqueueTimeout = 100 * time.Millisecond

// JPEG quality of zone entry snapshots
const SnapshotQuality = 85

var ErrBatchMismatch = errors.New("Detector returned the wrong number of results")

// FrameSource is the part of an acquisition service that the worker reads from.
// If a FrameSource also has Start() and Close() methods, then the worker starts it
// during initialization and closes it on exit.
type FrameSource interface {
	Read() *camera.Frame
}

type startCloser interface {
	Start()
	Close()
}

type statuser interface {
	Status() camera.Status
}

// Camera is one camera assigned to a worker
type Camera struct {
	Name   string
	Source FrameSource
}

// Models are the neural networks of one worker.
// Faces and Appearance may be nil, which disables that part of identity resolution.
type Models struct {
	Detector   nn.BatchDetector
	Faces      identity.FaceIdentifier
	Appearance identity.AppearanceExtractor
	Release    func() // Called when the worker exits. If nil, Detector.Close is called instead.
}

func (m *Models) close() {
	if m.Release != nil {
		m.Release()
	} else if m.Detector != nil {
		m.Detector.Close()
	}
}

// ModelLoader creates a private set of models for a worker
type ModelLoader func() (*Models, error)

type Config struct {
	GroupIndex     int
	Cameras        []Camera
	LoadModels     ModelLoader
	ZonesFile      string       // If not empty, zones are loaded from here during initialization
	Zones          []zones.Zone // Used if ZonesFile is empty
	Identity       identity.Settings
	Tracking       tracking.Settings
	Storage        storage.Storage
	Queue          chan<- eventdb.Item
	EnqueueTimeout time.Duration
	IdleSleep      time.Duration
}

// CameraStatus is a camera's acquisition state, plus what the worker has done with it
type CameraStatus struct {
	camera.Status
	Processed  int64 `json:"processed"`  // Frames that went through detection
	LiveTracks int   `json:"liveTracks"` // Tracks currently held by the tracker
}

type WorkerStatus struct {
	GroupIndex   int            `json:"groupIndex"`
	RunID        string         `json:"runID"`
	Alive        bool           `json:"alive"`
	Error        string         `json:"error,omitempty"`
	Batches      int64          `json:"batches"`
	AvgDetectMS  float64        `json:"avgDetectMS"`
	MaxDetectMS  float64        `json:"maxDetectMS"`
	QueueDropped int64          `json:"queueDropped"`
	Cameras      []CameraStatus `json:"cameras"`
}

type workerCamera struct {
	name       string
	source     FrameSource
	tracker    *tracking.Tracker
	zones      *zones.Tracker
	lastSeq    int64
	frameCount atomic.Int64
	liveTracks atomic.Int64
	lastErrAt  time.Time
}

// Worker runs the detect -> track -> identify -> zone check pipeline for a group of cameras.
// All identity and zone state belongs to the worker, so a restarted worker begins from scratch.
type Worker struct {
	Log   logs.Log
	RunID string // Unique to each run, so that restarts can be told apart

	cfg      Config
	models   *Models
	resolver *identity.Resolver
	cameras  []*workerCamera
	ids      *tracking.IDPool

	mustStop    atomic.Bool
	started     atomic.Bool
	alive       atomic.Bool
	loopStopped chan bool

	errLock sync.Mutex
	err     error

	statsLock  sync.Mutex
	detectTime perfstats.TimeAccumulator

	nQueueDropped  atomic.Int64
	lastDetectErr  time.Time
	lastQueueWarn  time.Time
}

func NewWorker(logger logs.Log, cfg Config) *Worker {
	if cfg.IdleSleep == 0 {
		cfg.IdleSleep = DefaultIdleSleep
	}
	if cfg.EnqueueTimeout == 0 {
		cfg.EnqueueTimeout = DefaultEnqueueTimeout
	}
	runID := uuid.NewString()
	w := &Worker{
		Log:         logs.NewPrefixLogger(logger, fmt.Sprintf("Worker %v:", cfg.GroupIndex)),
		RunID:       runID,
		cfg:         cfg,
		ids:         tracking.NewIDPool(cfg.Tracking.IDLimit),
		loopStopped: make(chan bool),
	}
	for _, cam := range cfg.Cameras {
		w.cameras = append(w.cameras, &workerCamera{
			name:    cam.Name,
			source:  cam.Source,
			tracker: tracking.NewTrackerWithPool(cfg.Tracking, w.ids),
		})
	}
	return w
}

func (w *Worker) Start() {
	if w.started.Swap(true) {
		return
	}
	w.alive.Store(true)
	go w.run()
}

// Stop tells the worker to exit, and returns immediately
func (w *Worker) Stop() {
	w.mustStop.Store(true)
}

// Close stops the worker and waits for it to exit
func (w *Worker) Close() {
	w.Stop()
	if w.started.Load() {
		<-w.loopStopped
	}
}

// Done is closed when the worker goroutine exits
func (w *Worker) Done() <-chan bool {
	return w.loopStopped
}

func (w *Worker) Alive() bool {
	return w.alive.Load()
}

// Err returns the reason the worker died, or nil
func (w *Worker) Err() error {
	w.errLock.Lock()
	defer w.errLock.Unlock()
	return w.err
}

func (w *Worker) setErr(err error) {
	w.errLock.Lock()
	defer w.errLock.Unlock()
	w.err = err
}

func (w *Worker) Status() WorkerStatus {
	st := WorkerStatus{
		GroupIndex:   w.cfg.GroupIndex,
		RunID:        w.RunID,
		Alive:        w.Alive(),
		QueueDropped: w.nQueueDropped.Load(),
	}
	if err := w.Err(); err != nil {
		st.Error = err.Error()
	}
	w.statsLock.Lock()
	st.Batches = w.detectTime.Samples
	st.AvgDetectMS = w.detectTime.Milliseconds()
	st.MaxDetectMS = float64(w.detectTime.Max.Microseconds()) / 1000
	w.statsLock.Unlock()
	for _, cam := range w.cameras {
		cs := CameraStatus{
			Status:     camera.Status{Name: cam.name},
			Processed:  cam.frameCount.Load(),
			LiveTracks: int(cam.liveTracks.Load()),
		}
		if s, ok := cam.source.(statuser); ok {
			cs.Status = s.Status()
		}
		st.Cameras = append(st.Cameras, cs)
	}
	return st
}

func (w *Worker) run() {
	defer func() {
		if r := recover(); r != nil {
			w.setErr(fmt.Errorf("Worker panic: %v", r))
			w.Log.Errorf("Panic: %v", r)
		}
		w.shutdown()
		w.alive.Store(false)
		close(w.loopStopped)
	}()

	if err := w.init(); err != nil {
		w.setErr(err)
		w.Log.Errorf("Initialization failed: %v", err)
		return
	}
	w.Log.Infof("Running with %v cameras (run %v)", len(w.cameras), w.RunID)

	for !w.mustStop.Load() {
		if !w.iterate() {
			time.Sleep(w.cfg.IdleSleep)
		}
	}
	w.Log.Infof("Stopped")
}

// Load models and zones, and start the cameras
func (w *Worker) init() error {
	zoneList := w.cfg.Zones
	if w.cfg.ZonesFile != "" {
		var err error
		if zoneList, err = zones.Load(w.cfg.ZonesFile); err != nil {
			return err
		}
	}
	if w.cfg.LoadModels == nil {
		return fmt.Errorf("No model loader")
	}
	models, err := w.cfg.LoadModels()
	if err != nil {
		return fmt.Errorf("Failed to load models: %w", err)
	}
	if models.Detector == nil {
		models.close()
		return fmt.Errorf("No detector")
	}
	w.models = models
	w.resolver = identity.NewResolver(w.Log, w.cfg.Identity)
	for _, cam := range w.cameras {
		cam.zones = zones.NewTracker(zoneList)
		if sc, ok := cam.source.(startCloser); ok {
			sc.Start()
		}
	}
	return nil
}

func (w *Worker) shutdown() {
	for _, cam := range w.cameras {
		if sc, ok := cam.source.(startCloser); ok {
			sc.Close()
		}
	}
	if w.models != nil {
		w.models.close()
		w.models = nil
	}
}

type validFrame struct {
	cam   *workerCamera
	frame *camera.Frame
}

// Run one batch through the pipeline.
// Returns false if there were no new frames.
func (w *Worker) iterate() bool {
	valid := []validFrame{}
	images := []*cimg.Image{}
	for _, cam := range w.cameras {
		f := cam.source.Read()
		if f == nil || f.Image == nil || f.Seq == cam.lastSeq {
			continue
		}
		cam.lastSeq = f.Seq
		valid = append(valid, validFrame{cam, f})
		images = append(images, f.Image)
	}
	if len(valid) == 0 {
		return false
	}

	start := time.Now()
	batch, err := w.models.Detector.DetectBatch(images)
	if err == nil && len(batch) != len(images) {
		err = fmt.Errorf("%w: %v frames, %v results", ErrBatchMismatch, len(images), len(batch))
	}
	if err != nil {
		if time.Since(w.lastDetectErr) > errorLogInterval {
			w.Log.Errorf("Error detecting objects: %v", err)
			w.lastDetectErr = time.Now()
		}
		return true
	}
	w.statsLock.Lock()
	w.detectTime.AddSample(time.Since(start))
	w.statsLock.Unlock()

	for i, v := range valid {
		w.processCamera(v.cam, v.frame, batch[i])
	}
	return true
}

// Track, identify, and zone check the detections of one camera.
// A failure here is contained to this camera and this frame.
func (w *Worker) processCamera(cam *workerCamera, frame *camera.Frame, objects []nn.ObjectDetection) {
	defer func() {
		if r := recover(); r != nil {
			w.cameraError(cam, "Panic processing frame: %v", r)
		}
	}()

	frameCount := cam.frameCount.Add(1)
	boxes, dropped := cam.tracker.Update(objects)
	cam.liveTracks.Store(int64(cam.tracker.NumTracked()))
	for _, id := range dropped {
		gid := tracking.GlobalID(id, w.cfg.GroupIndex)
		w.resolver.Forget(gid)
		cam.zones.Forget(gid)
	}

	for _, box := range boxes {
		gid := tracking.GlobalID(box.ID, w.cfg.GroupIndex)

		faceName := ""
		if w.models.Faces != nil && w.resolver.ShouldVerify(gid, box.ID, frameCount) {
			name, err := w.models.Faces.Recognize(frame.Image, box.Box)
			if err != nil {
				w.cameraError(cam, "Face recognition failed: %v", err)
			} else {
				faceName = name
			}
		}

		var embedding []float64
		if w.models.Appearance != nil {
			if crop := nn.CropImage(frame.Image, box.Box); crop != nil {
				emb, err := w.models.Appearance.Extract(crop)
				if err != nil {
					w.cameraError(cam, "Appearance extraction failed: %v", err)
				} else {
					embedding = emb
				}
			}
		}

		res := w.resolver.Update(gid, faceName, embedding)
		if res.Confirmed {
			w.Log.Infof("Camera %v: track %v is %v (%v)", cam.name, gid, res.Name, res.Method)
		}

		x, y := box.Box.CenterF()
		ts := dbh.MakeIntTime(frame.Time)
		for _, obs := range cam.zones.Update(gid, x, y) {
			if obs.Entered {
				w.snapshot(cam, frame, gid, res.Name, obs.Zone)
			}
			w.enqueue(eventdb.Item{Event: &eventdb.TrackingEvent{
				CameraID:   cam.name,
				TrackID:    gid,
				Timestamp:  ts,
				X:          x,
				Y:          y,
				Zone:       obs.Zone,
				InsideZone: obs.Inside,
			}})
		}
	}
}

// SnapshotFilename is <camera>_<track>_<name>_<zone>_<time>.jpg, with spaces replaced by underscores
func SnapshotFilename(cameraName string, trackID int64, name, zone string, t time.Time) string {
	ts := fmt.Sprintf("%v_%06d", t.Format("20060102_150405"), t.Nanosecond()/1000)
	fn := fmt.Sprintf("%v_%v_%v_%v_%v.jpg", cameraName, trackID, name, zone, ts)
	return strings.NewReplacer(" ", "_", "/", "_", `\`, "_").Replace(fn)
}

// Save the frame to blob storage, and enqueue a Snapshot record.
// If the image cannot be stored, we skip the record.
func (w *Worker) snapshot(cam *workerCamera, frame *camera.Frame, gid int64, name, zone string) {
	filename := SnapshotFilename(cam.name, gid, name, zone, frame.Time)
	jpg, err := cimg.Compress(frame.Image, cimg.MakeCompressParams(cimg.Sampling420, SnapshotQuality, 0))
	if err != nil {
		w.cameraError(cam, "Failed to encode snapshot: %v", err)
		return
	}
	location, err := storage.WriteBytes(w.cfg.Storage, filename, jpg)
	if err != nil {
		w.cameraError(cam, "Failed to save snapshot %v: %v", filename, err)
		return
	}
	w.Log.Infof("Camera %v: %v entered %v", cam.name, name, zone)
	w.enqueue(eventdb.Item{Snapshot: &eventdb.Snapshot{
		CameraID:     cam.name,
		TrackID:      gid,
		Timestamp:    dbh.MakeIntTime(frame.Time),
		Zone:         zone,
		SnapshotPath: location,
		EmployeeName: name,
	}})
}

// Send to the writer, but never block forever. If the writer can't keep up, we drop items.
func (w *Worker) enqueue(item eventdb.Item) {
	if gen.SendWithTimeout(w.cfg.Queue, item, w.cfg.EnqueueTimeout) {
		return
	}
	w.nQueueDropped.Add(1)
	if time.Since(w.lastQueueWarn) > errorLogInterval {
		w.Log.Warnf("Event queue is full. Falling behind, and dropping events (%v dropped so far)", w.nQueueDropped.Load())
		w.lastQueueWarn = time.Now()
	}
}

func (w *Worker) cameraError(cam *workerCamera, format string, args ...any) {
	if time.Since(cam.lastErrAt) < errorLogInterval {
		return
	}
	cam.lastErrAt = time.Now()
	w.Log.Errorf("Camera "+cam.name+": "+format, args...)
}
