package nncv

import (
	"fmt"
	"image"
	"sync"

	"github.com/bmharper/cimg/v2"
	"gocv.io/x/gocv"
	"gonum.org/v1/gonum/floats"
)

// OSNet input size
const (
	AppearanceWidth  = 128
	AppearanceHeight = 256
)

// Crops smaller than this (in either dimension) don't carry enough information for re-identification
const minCropSize = 8

var imageNetMean = [3]float32{0.485, 0.456, 0.406}
var imageNetStd = [3]float32{0.229, 0.224, 0.225}

// AppearanceExtractor computes OSNet re-identification embeddings of person crops.
type AppearanceExtractor struct {
	lock sync.Mutex
	net  gocv.Net
}

func NewAppearanceExtractor(modelFile string) (*AppearanceExtractor, error) {
	net := gocv.ReadNet(modelFile, "")
	if net.Empty() {
		return nil, fmt.Errorf("Failed to load appearance network from %v", modelFile)
	}
	net.SetPreferableBackend(gocv.NetBackendDefault)
	net.SetPreferableTarget(gocv.NetTargetCPU)
	return &AppearanceExtractor{net: net}, nil
}

func (a *AppearanceExtractor) Close() {
	a.lock.Lock()
	defer a.lock.Unlock()
	a.net.Close()
}

// Extract returns a unit length embedding, or nil if the crop is too small
func (a *AppearanceExtractor) Extract(crop *cimg.Image) ([]float64, error) {
	if crop == nil || crop.Width < minCropSize || crop.Height < minCropSize {
		return nil, nil
	}
	src, err := ImageToMat(crop)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	a.lock.Lock()
	defer a.lock.Unlock()

	blob := gocv.BlobFromImage(src, 1.0/255.0, image.Pt(AppearanceWidth, AppearanceHeight), gocv.NewScalar(0, 0, 0, 0), false, false)
	defer blob.Close()
	pix, err := blob.DataPtrFloat32()
	if err != nil {
		return nil, err
	}
	// NCHW
	plane := AppearanceWidth * AppearanceHeight
	for c := 0; c < 3; c++ {
		p := pix[c*plane : (c+1)*plane]
		for i := range p {
			p[i] = (p[i] - imageNetMean[c]) / imageNetStd[c]
		}
	}

	a.net.SetInput(blob, "")
	output := a.net.Forward("")
	defer output.Close()
	raw, err := output.DataPtrFloat32()
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("Appearance network produced no output")
	}
	emb := make([]float64, len(raw))
	for i, v := range raw {
		emb[i] = float64(v)
	}
	floats.Scale(1/(floats.Norm(emb, 2)+1e-6), emb)
	return emb, nil
}
