package camera

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/logs"
)

// Connection state of a camera, as reported to the status API
type State string

const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateStopped      State = "stopped"
)

// Frame is a decoded image, stamped with a per-camera sequence number.
// A consumer compares Seq with the last frame it processed to skip frames it has already seen.
type Frame struct {
	Image *cimg.Image
	Seq   int64
	Time  time.Time
}

// Status is a point-in-time view of a camera
type Status struct {
	Name      string    `json:"name"`
	State     State     `json:"state"`
	Frames    int64     `json:"frames"`    // Total frames decoded since start
	LastFrame time.Time `json:"lastFrame"` // Time of the most recent frame
	LastError string    `json:"lastError"` // Most recent open/read error, if any
	FPS       float64   `json:"fps"`       // Estimated from recent frames. Zero if unknown.
}

// Service keeps the most recent frame of one camera, and reconnects whenever
// the camera fails to open or fails to deliver a frame.
//
// Read never blocks on I/O. The frame lock is held only to swap the pointer.
type Service struct {
	Name string
	Log  logs.Log

	open              Opener
	reconnectInterval time.Duration

	mustStop    atomic.Bool
	connected   atomic.Bool
	started     atomic.Bool
	stop        chan struct{}
	loopStopped chan bool

	frameLock sync.Mutex
	latest    *Frame
	nextSeq   int64

	statusLock sync.Mutex
	state      State
	lastError  string
	lastFrame  time.Time
	nFrames    int64
	clock      frameClock
}

func NewService(logger logs.Log, name string, open Opener, reconnectInterval time.Duration) *Service {
	return &Service{
		Name:              name,
		Log:               logs.NewPrefixLogger(logger, "Camera "+name+":"),
		open:              open,
		reconnectInterval: reconnectInterval,
		stop:              make(chan struct{}),
		loopStopped:       make(chan bool),
		state:             StateConnecting,
		clock:             newFrameClock(),
	}
}

// Start launches the acquisition goroutine
func (s *Service) Start() {
	if s.started.Swap(true) {
		return
	}
	go s.loop()
}

// Stop signals the acquisition goroutine to exit, and returns immediately
func (s *Service) Stop() {
	if s.mustStop.CompareAndSwap(false, true) {
		close(s.stop)
	}
}

// Close stops the service and waits for the source to be released
func (s *Service) Close() {
	s.Stop()
	if s.started.Load() {
		<-s.loopStopped
	}
}

// Read returns the most recent frame, or nil if no frame is available
func (s *Service) Read() *Frame {
	s.frameLock.Lock()
	defer s.frameLock.Unlock()
	return s.latest
}

// Connected returns true while the source is open
func (s *Service) Connected() bool {
	return s.connected.Load()
}

func (s *Service) Status() Status {
	s.statusLock.Lock()
	defer s.statusLock.Unlock()
	return Status{
		Name:      s.Name,
		State:     s.state,
		Frames:    s.nFrames,
		LastFrame: s.lastFrame,
		LastError: s.lastError,
		FPS:       s.clock.fps(),
	}
}

func (s *Service) loop() {
	var src Source
	for !s.mustStop.Load() {
		if src == nil {
			var err error
			src, err = s.open()
			if err != nil {
				src = nil
				s.onFailure("open", err)
				s.sleep(s.reconnectInterval)
				continue
			}
			s.Log.Infof("Connected")
			s.connected.Store(true)
			s.setState(StateConnected, nil)
		}

		img, err := src.Read()
		if err == nil && img == nil {
			err = ErrReadFailed
		}
		if err != nil {
			s.releaseSource(src)
			src = nil
			s.onFailure("read", err)
			s.sleep(s.reconnectInterval)
			continue
		}
		s.publish(img)
	}

	if src != nil {
		s.releaseSource(src)
	}
	s.setState(StateStopped, nil)
	s.Log.Infof("Stopped")
	close(s.loopStopped)
}

func (s *Service) releaseSource(src Source) {
	s.connected.Store(false)
	if err := src.Close(); err != nil {
		s.Log.Warnf("Error closing source: %v", err)
	}
}

func (s *Service) onFailure(what string, err error) {
	s.connected.Store(false)
	s.frameLock.Lock()
	s.latest = nil
	s.frameLock.Unlock()

	s.statusLock.Lock()
	s.clock.reset()
	// Don't flood the log while a camera stays down. Only the transition is interesting.
	wasDown := s.state == StateReconnecting
	s.statusLock.Unlock()
	if !wasDown {
		s.Log.Warnf("Failed to %v: %v. Reconnecting every %v", what, err, s.reconnectInterval)
	}
	s.setState(StateReconnecting, err)
}

func (s *Service) publish(img *cimg.Image) {
	now := time.Now()
	s.frameLock.Lock()
	s.nextSeq++
	s.latest = &Frame{
		Image: img,
		Seq:   s.nextSeq,
		Time:  now,
	}
	s.frameLock.Unlock()

	s.statusLock.Lock()
	s.nFrames++
	s.lastFrame = now
	s.clock.tick(now)
	s.statusLock.Unlock()
}

func (s *Service) setState(state State, err error) {
	s.statusLock.Lock()
	defer s.statusLock.Unlock()
	if s.state == StateStopped {
		return
	}
	s.state = state
	if err != nil {
		s.lastError = err.Error()
	}
}

// sleep for d, but wake up immediately if we're stopped
func (s *Service) sleep(d time.Duration) {
	select {
	case <-time.After(d):
	case <-s.stop:
	}
}
