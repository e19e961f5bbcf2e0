package nn

import (
	"testing"

	"github.com/bmharper/cimg/v2"
	"github.com/stretchr/testify/require"
)

func TestLetterbox(t *testing.T) {
	// 1280x720 into 640x640: scale 0.5, 640x360, 140 pixels of padding top and bottom
	lb := MakeLetterbox(1280, 720, 640, 640)
	require.EqualValues(t, 0.5, lb.Scale)
	require.Equal(t, 640, lb.ResizedW)
	require.Equal(t, 360, lb.ResizedH)
	require.Equal(t, 0, lb.PadX)
	require.Equal(t, 140, lb.PadY)

	// A box centered at (320,320) in network space is the center of the source image
	r := lb.ToSource(320, 320, 100, 50)
	require.Equal(t, MakeRectXYXY(540, 310, 740, 410), r)

	// Clipped to the source image
	r = lb.ToSource(10, 150, 40, 40)
	require.Equal(t, int32(0), r.X)
	require.Equal(t, int32(0), r.Y)
}

func TestDecodeYOLOv8(t *testing.T) {
	nClasses := 3
	nAnchors := 4
	out := make([]float32, (4+nClasses)*nAnchors)
	set := func(anchor int, cx, cy, w, h float32, scores ...float32) {
		out[anchor] = cx
		out[nAnchors+anchor] = cy
		out[2*nAnchors+anchor] = w
		out[3*nAnchors+anchor] = h
		for c, s := range scores {
			out[(4+c)*nAnchors+anchor] = s
		}
	}
	set(0, 100, 100, 20, 40, 0.9, 0.1, 0)
	set(1, 200, 200, 20, 40, 0.3, 0.8, 0)  // not a person
	set(2, 300, 300, 20, 40, 0.39, 0, 0)   // below threshold
	set(3, 400, 400, 20, 40, 0.4, 0, 0.95) // exactly at threshold

	lb := MakeLetterbox(640, 640, 640, 640)
	dets := DecodeYOLOv8(out, nClasses, nAnchors, COCOPerson, 0.4, lb)
	require.Len(t, dets, 2)
	require.Equal(t, MakeRectXYXY(90, 80, 110, 120), dets[0].Box)
	require.EqualValues(t, 0.9, dets[0].Confidence)
	require.Equal(t, COCOPerson, dets[1].Class)

	require.Nil(t, DecodeYOLOv8(out[:10], nClasses, nAnchors, COCOPerson, 0.4, lb))
}

func TestCropImage(t *testing.T) {
	img := cimg.NewImage(10, 10, cimg.PixelFormatRGB)
	img.Pixels[(5*10+5)*3] = 200
	crop := CropImage(img, Rect{X: 5, Y: 5, Width: 10, Height: 10})
	require.Equal(t, 5, crop.Width)
	require.Equal(t, 5, crop.Height)
	require.Equal(t, uint8(200), crop.Pixels[0])
	require.Nil(t, CropImage(img, Rect{X: 20, Y: 20, Width: 5, Height: 5}))
}
