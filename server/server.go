package server

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/Luis-Dokkaebi/eficiencia/pkg/nn"
	"github.com/Luis-Dokkaebi/eficiencia/pkg/nnload"
	"github.com/Luis-Dokkaebi/eficiencia/server/camera"
	"github.com/Luis-Dokkaebi/eficiencia/server/config"
	"github.com/Luis-Dokkaebi/eficiencia/server/eventdb"
	"github.com/Luis-Dokkaebi/eficiencia/server/identity"
	"github.com/Luis-Dokkaebi/eficiencia/server/monitor"
	"github.com/Luis-Dokkaebi/eficiencia/server/storage"
	"github.com/Luis-Dokkaebi/eficiencia/server/tracking"
	"github.com/cyclopcam/logs"
	"github.com/julienschmidt/httprouter"
)

var ErrWriterDied = errors.New("Event writer died")

// How often the supervisor checks that the writer and workers are alive
const DefaultLivenessPoll = time.Second

// Options lets the caller replace the real cameras, models, and store.
// Zero values use the real implementations.
type Options struct {
	OpenCamera func(cam config.Camera) camera.Opener
	LoadModels monitor.ModelLoader
	Store      eventdb.Store // Destination of the writer. The EventDB is still opened for the read API.
}

// A group is a chunk of cameras, and the worker that is currently serving them
type group struct {
	index    int
	cameras  []config.Camera
	worker   *monitor.Worker
	diedAt   time.Time // Zero while the worker is alive
	restarts int
}

type Server struct {
	Log              logs.Log
	ShutdownComplete chan error // Receives the reason for shutdown (nil for a normal shutdown)

	cfg          *config.Config
	opts         Options
	db           *eventdb.EventDB
	storage      storage.Storage
	writer       *eventdb.Writer
	livenessPoll time.Duration

	groupsLock sync.Mutex
	groups     []*group

	signalIn          chan os.Signal
	httpServer        *http.Server
	httpRouter        *httprouter.Router
	started           atomic.Bool
	shutdownStarted   atomic.Bool
	supervisorStop    chan struct{}
	supervisorStopped chan bool
}

// NewServer opens the event store and snapshot storage, and creates the worker groups.
// Nothing runs until Start is called.
func NewServer(logger logs.Log, cfg *config.Config, opts Options) (*Server, error) {
	s := &Server{
		Log:               logger,
		ShutdownComplete:  make(chan error, 1),
		cfg:               cfg,
		opts:              opts,
		livenessPoll:      DefaultLivenessPoll,
		supervisorStop:    make(chan struct{}),
		supervisorStopped: make(chan bool),
	}
	if s.opts.OpenCamera == nil {
		s.opts.OpenCamera = func(cam config.Camera) camera.Opener {
			return camera.OpenCVOpener(cam.Source)
		}
	}
	if s.opts.LoadModels == nil {
		s.opts.LoadModels = s.loadModels
	}

	db, err := eventdb.Open(logger, cfg.DB, 0)
	if err != nil {
		return nil, err
	}
	s.db = db

	storageCfg := storage.Config{}
	if cfg.Storage.GCS != nil {
		storageCfg.GCSBucket = cfg.Storage.GCS.Bucket
		storageCfg.GCSPublic = cfg.Storage.GCS.Public
	} else if cfg.Storage.Filesystem != nil {
		storageCfg.FilesystemRoot = cfg.Storage.Filesystem.Root
	}
	if s.storage, err = storage.Open(logger, storageCfg); err != nil {
		db.Close()
		return nil, err
	}

	var store eventdb.Store = db
	if opts.Store != nil {
		store = opts.Store
	}
	s.writer = eventdb.NewWriter(logger, store, cfg.QueueSize, cfg.WriteRetries)

	for i, cams := range Partition(cfg.Cameras, cfg.ChunkSize) {
		s.groups = append(s.groups, &group{index: i, cameras: cams})
	}

	if err := s.setupHttpRoutes(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Partition splits cameras into contiguous chunks of at most chunkSize
func Partition(cameras []config.Camera, chunkSize int) [][]config.Camera {
	chunkSize = max(chunkSize, 1)
	chunks := [][]config.Camera{}
	for i := 0; i < len(cameras); i += chunkSize {
		chunks = append(chunks, cameras[i:min(i+chunkSize, len(cameras))])
	}
	return chunks
}

// Start the writer, the workers, and the supervisor
func (s *Server) Start() {
	if s.started.Swap(true) {
		return
	}
	s.writer.Start()
	s.groupsLock.Lock()
	for _, g := range s.groups {
		s.startWorker(g)
	}
	s.groupsLock.Unlock()
	s.Log.Infof("Started %v workers for %v cameras", len(s.groups), len(s.cfg.Cameras))
	go s.supervise()
}

// Must be called with groupsLock held
func (s *Server) startWorker(g *group) {
	cams := []monitor.Camera{}
	for _, c := range g.cameras {
		svc := camera.NewService(s.Log, c.Name, s.opts.OpenCamera(c), s.cfg.ReconnectInterval())
		cams = append(cams, monitor.Camera{Name: c.Name, Source: svc})
	}
	g.worker = monitor.NewWorker(s.Log, monitor.Config{
		GroupIndex: g.index,
		Cameras:    cams,
		LoadModels: s.opts.LoadModels,
		ZonesFile:  s.cfg.ZonesFile,
		Identity:   s.identitySettings(),
		Tracking:   tracking.DefaultSettings(),
		Storage:    s.storage,
		Queue:      s.writer.Queue(),
	})
	g.diedAt = time.Time{}
	g.worker.Start()
}

func (s *Server) identitySettings() identity.Settings {
	id := s.cfg.Identity
	return identity.Settings{
		MinMatches:           id.MinMatches,
		VerificationInterval: id.VerificationInterval,
		SimilarityThreshold:  id.ReIDSimilarityThreshold,
		FaceAlpha:            id.ReIDHistoryAlpha,
		AppearanceAlpha:      id.ReIDAppearanceAlpha,
		DriftAlpha:           id.ReIDDriftAlpha,
	}
}

// The real model loader. Every worker gets its own instances.
func (s *Server) loadModels() (*monitor.Models, error) {
	mc := s.cfg.Models
	m, err := nnload.Load(s.Log, nnload.Setup{
		ModelDir:        mc.ModelDir,
		DetectorModel:   mc.DetectorModel,
		DetectorConfig:  mc.DetectorConfig,
		AppearanceModel: mc.AppearanceModel,
		FaceModelDir:    mc.FaceModelDir,
		FacesDir:        mc.FacesDir,
		FaceTolerance:   mc.FaceTolerance,
		Detection: nn.DetectionParams{
			ProbabilityThreshold: s.cfg.ConfidenceThreshold,
			NmsIouThreshold:      s.cfg.NmsIouThreshold,
		},
	})
	if err != nil {
		return nil, err
	}
	models := &monitor.Models{
		Detector: m.Detector,
		Release:  m.Close,
	}
	// Avoid storing typed nil pointers inside the interfaces
	if m.Faces != nil {
		models.Faces = m.Faces
	}
	if m.Appearance != nil {
		models.Appearance = m.Appearance
	}
	return models, nil
}

// supervise restarts dead workers, and shuts the whole system down if the writer dies
func (s *Server) supervise() {
	defer close(s.supervisorStopped)
	restartDelay := s.cfg.WorkerRestartDelay()
	ticker := time.NewTicker(s.livenessPoll)
	defer ticker.Stop()
	for {
		select {
		case <-s.supervisorStop:
			return
		case <-ticker.C:
		}

		if !s.writer.Alive() {
			s.Log.Criticalf("Event writer is dead. Shutting down")
			go s.shutdown(ErrWriterDied)
			return
		}

		s.groupsLock.Lock()
		for _, g := range s.groups {
			if g.worker.Alive() {
				continue
			}
			if g.diedAt.IsZero() {
				g.diedAt = time.Now()
				s.Log.Errorf("Worker %v died (%v). Restarting in %v", g.index, g.worker.Err(), restartDelay)
			} else if time.Since(g.diedAt) >= restartDelay {
				g.restarts++
				s.Log.Infof("Restarting worker %v (restart %v)", g.index, g.restarts)
				s.startWorker(g)
			}
		}
		s.groupsLock.Unlock()
	}
}

// port example: ":8080"
func (s *Server) ListenHTTP(port string) error {
	s.Log.Infof("Listening on %v", port)
	s.httpServer = &http.Server{
		Addr:    port,
		Handler: s.httpRouter,
	}
	return s.httpServer.ListenAndServe()
}

func (s *Server) ListenForKillSignals() {
	s.Log.Infof("ListenForKillSignals starting")
	s.signalIn = make(chan os.Signal, 1)
	signal.Notify(s.signalIn, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig, ok := <-s.signalIn
		if ok {
			s.Log.Infof("Received OS signal '%v'. ListenForKillSignals will exit after shutdown", sig.String())
			s.Shutdown()
		} else {
			// Shutdown() was called by something other than ourselves, and it closed signalIn
			s.Log.Infof("signalIn closed. ListenForKillSignals will exit now")
		}
	}()
}

// Shutdown stops everything, and then sends nil to ShutdownComplete
func (s *Server) Shutdown() {
	s.shutdown(nil)
}

func (s *Server) shutdown(cause error) {
	if s.shutdownStarted.Swap(true) {
		return
	}
	s.Log.Infof("Shutdown")
	if s.signalIn != nil {
		signal.Stop(s.signalIn)
		close(s.signalIn)
	}

	close(s.supervisorStop)
	if s.started.Load() {
		<-s.supervisorStopped
	}

	s.groupsLock.Lock()
	groups := []*group{}
	for _, g := range s.groups {
		if g.worker != nil {
			groups = append(groups, g)
		}
	}
	s.groupsLock.Unlock()

	for _, g := range groups {
		g.worker.Stop()
	}
	grace := time.After(s.cfg.ShutdownGrace())
	for _, g := range groups {
		select {
		case <-g.worker.Done():
		case <-grace:
		}
	}
	for _, g := range groups {
		if g.worker.Alive() {
			s.Log.Warnf("Worker %v did not stop within %v. Abandoning it", g.index, s.cfg.ShutdownGrace())
		}
	}

	// The writer drains everything that was queued before it stopped
	s.writer.Close()
	st := s.writer.Stats()
	s.Log.Infof("Writer stopped. %v written, %v dropped", st.Written, st.Dropped)

	if s.httpServer != nil {
		s.Log.Infof("Closing HTTP server")
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.Log.Warnf("HTTP server shutdown error: %v", err)
		}
		cancel()
	}

	if err := s.db.Close(); err != nil {
		s.Log.Warnf("Error closing event database: %v", err)
	}

	if cause != nil {
		s.Log.Errorf("Shutdown complete: %v", cause)
	} else {
		s.Log.Infof("Shutdown complete")
	}
	s.ShutdownComplete <- cause
}
