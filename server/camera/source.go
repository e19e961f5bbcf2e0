package camera

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/Luis-Dokkaebi/eficiencia/pkg/nncv"
	"github.com/bmharper/cimg/v2"
	"gocv.io/x/gocv"
)

var ErrReadFailed = errors.New("Failed to read frame")

// Source is a single opened camera endpoint.
// Read blocks until the next frame is decoded.
type Source interface {
	Read() (*cimg.Image, error)
	Close() error
}

// Opener opens (or re-opens) a Source
type Opener func() (Source, error)

// cvSource reads frames through OpenCV's VideoCapture, which handles
// local devices, video files, and network streams alike.
type cvSource struct {
	capture *gocv.VideoCapture
	frame   gocv.Mat
}

// OpenCVOpener returns an Opener for a device index ("0"), a file path, or a stream URL
func OpenCVOpener(source string) Opener {
	return func() (Source, error) {
		return OpenCV(source)
	}
}

func OpenCV(source string) (Source, error) {
	var device any = source
	if idx, err := strconv.Atoi(source); err == nil {
		device = idx
	}
	capture, err := gocv.OpenVideoCapture(device)
	if err != nil {
		return nil, fmt.Errorf("Failed to open '%v': %w", source, err)
	}
	if !capture.IsOpened() {
		capture.Close()
		return nil, fmt.Errorf("Failed to open '%v'", source)
	}
	return &cvSource{
		capture: capture,
		frame:   gocv.NewMat(),
	}, nil
}

func (s *cvSource) Read() (*cimg.Image, error) {
	if !s.capture.Read(&s.frame) || s.frame.Empty() {
		return nil, ErrReadFailed
	}
	return nncv.MatToImage(s.frame)
}

func (s *cvSource) Close() error {
	s.frame.Close()
	return s.capture.Close()
}
