package nncv

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"sync"

	"github.com/Luis-Dokkaebi/eficiencia/pkg/nn"
	"github.com/bmharper/cimg/v2"
	"gocv.io/x/gocv"
)

// Padding color of letterboxed input, as used when training YOLOv8
var letterboxColor = color.RGBA{114, 114, 114, 0}

var ErrUnexpectedOutput = errors.New("Unexpected network output shape")

// YOLODetector runs a YOLOv8 ONNX model through the OpenCV DNN module,
// and returns only person detections.
type YOLODetector struct {
	lock     sync.Mutex
	net      gocv.Net
	config   nn.ModelConfig
	params   nn.DetectionParams
	nClasses int
}

// NewYOLODetector loads an ONNX model. If config is nil, we assume a 640x640 COCO model.
func NewYOLODetector(modelFile string, config *nn.ModelConfig, params *nn.DetectionParams) (*YOLODetector, error) {
	if config == nil {
		config = &nn.ModelConfig{
			Architecture: "yolov8",
			Width:        640,
			Height:       640,
		}
	}
	if params == nil {
		params = nn.NewDetectionParams()
	}
	net := gocv.ReadNet(modelFile, "")
	if net.Empty() {
		return nil, fmt.Errorf("Failed to load YOLO network from %v", modelFile)
	}
	net.SetPreferableBackend(gocv.NetBackendDefault)
	net.SetPreferableTarget(gocv.NetTargetCPU)

	nClasses := len(config.Classes)
	if nClasses == 0 {
		nClasses = nn.NumCOCOClasses
	}
	return &YOLODetector{
		net:      net,
		config:   *config,
		params:   *params,
		nClasses: nClasses,
	}, nil
}

func (d *YOLODetector) Close() {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.net.Close()
}

func (d *YOLODetector) DetectBatch(images []*cimg.Image) ([][]nn.ObjectDetection, error) {
	if len(images) == 0 {
		return nil, nil
	}
	d.lock.Lock()
	defer d.lock.Unlock()

	inputs := make([]gocv.Mat, 0, len(images))
	boxes := make([]nn.Letterbox, 0, len(images))
	defer func() {
		for _, m := range inputs {
			m.Close()
		}
	}()
	for _, img := range images {
		m, lb, err := d.letterbox(img)
		if err != nil {
			return nil, err
		}
		inputs = append(inputs, m)
		boxes = append(boxes, lb)
	}

	blob := gocv.NewMat()
	defer blob.Close()
	// Our images are already RGB, so no channel swap
	gocv.BlobFromImages(inputs, &blob, 1.0/255.0, image.Pt(d.config.Width, d.config.Height), gocv.NewScalar(0, 0, 0, 0), false, false, gocv.MatTypeCV32F)

	d.net.SetInput(blob, "")
	output := d.net.Forward("")
	defer output.Close()

	// [batch, 4 + nClasses, nAnchors]
	dims := output.Size()
	if len(dims) != 3 || dims[0] != len(images) || dims[1] != 4+d.nClasses {
		return nil, fmt.Errorf("%w: %v", ErrUnexpectedOutput, dims)
	}
	nAnchors := dims[2]
	data, err := output.DataPtrFloat32()
	if err != nil {
		return nil, err
	}
	perImage := (4 + d.nClasses) * nAnchors

	result := make([][]nn.ObjectDetection, len(images))
	for i := range images {
		raw := nn.DecodeYOLOv8(data[i*perImage:(i+1)*perImage], d.nClasses, nAnchors, nn.COCOPerson, d.params.ProbabilityThreshold, boxes[i])
		result[i] = d.nms(raw)
	}
	return result, nil
}

func (d *YOLODetector) nms(dets []nn.ObjectDetection) []nn.ObjectDetection {
	if len(dets) < 2 {
		return dets
	}
	rects := make([]image.Rectangle, len(dets))
	scores := make([]float32, len(dets))
	for i, det := range dets {
		rects[i] = image.Rect(int(det.Box.X), int(det.Box.Y), int(det.Box.X2()), int(det.Box.Y2()))
		scores[i] = det.Confidence
	}
	keep := gocv.NMSBoxes(rects, scores, d.params.ProbabilityThreshold, d.params.NmsIouThreshold)
	out := make([]nn.ObjectDetection, 0, len(keep))
	for _, k := range keep {
		out = append(out, dets[k])
	}
	return out
}

// Resize and pad an RGB image into the network input size
func (d *YOLODetector) letterbox(img *cimg.Image) (gocv.Mat, nn.Letterbox, error) {
	lb := nn.MakeLetterbox(img.Width, img.Height, d.config.Width, d.config.Height)
	src, err := ImageToMat(img)
	if err != nil {
		return gocv.NewMat(), lb, err
	}
	defer src.Close()
	resized := gocv.NewMat()
	defer resized.Close()
	gocv.Resize(src, &resized, image.Pt(lb.ResizedW, lb.ResizedH), 0, 0, gocv.InterpolationArea)
	dst := gocv.NewMat()
	gocv.CopyMakeBorder(resized, &dst, lb.PadY, d.config.Height-lb.ResizedH-lb.PadY, lb.PadX, d.config.Width-lb.ResizedW-lb.PadX, gocv.BorderConstant, letterboxColor)
	return dst, lb, nil
}
