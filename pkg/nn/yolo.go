package nn

import "github.com/chewxy/math32"

// Letterbox describes how a source image was scaled and padded to fit the
// fixed input size of a network, while preserving its aspect ratio.
type Letterbox struct {
	SrcWidth  int
	SrcHeight int
	Scale     float32 // source -> network
	PadX      int     // left padding in network pixels
	PadY      int     // top padding in network pixels
	ResizedW  int     // size of the scaled image, before padding
	ResizedH  int
}

func MakeLetterbox(srcWidth, srcHeight, netWidth, netHeight int) Letterbox {
	scale := min(float32(netWidth)/float32(srcWidth), float32(netHeight)/float32(srcHeight))
	rw := min(netWidth, int(math32.Round(float32(srcWidth)*scale)))
	rh := min(netHeight, int(math32.Round(float32(srcHeight)*scale)))
	return Letterbox{
		SrcWidth:  srcWidth,
		SrcHeight: srcHeight,
		Scale:     scale,
		PadX:      (netWidth - rw) / 2,
		PadY:      (netHeight - rh) / 2,
		ResizedW:  rw,
		ResizedH:  rh,
	}
}

// ToSource converts a center/size box in network coordinates into a source image rectangle,
// clipped to the source image.
func (l Letterbox) ToSource(cx, cy, w, h float32) Rect {
	x1 := (cx - w/2 - float32(l.PadX)) / l.Scale
	y1 := (cy - h/2 - float32(l.PadY)) / l.Scale
	x2 := (cx + w/2 - float32(l.PadX)) / l.Scale
	y2 := (cy + h/2 - float32(l.PadY)) / l.Scale
	r := MakeRectXYXY(int32(math32.Round(x1)), int32(math32.Round(y1)), int32(math32.Round(x2)), int32(math32.Round(y2)))
	return r.ClipTo(l.SrcWidth, l.SrcHeight)
}

// DecodeYOLOv8 extracts the detections of a single class from the raw output of one image
// of a YOLOv8 network. The output is laid out as [4+nClasses][nAnchors], where the first
// four rows are cx,cy,w,h in network pixels, and the remaining rows are class scores.
// No NMS is performed.
func DecodeYOLOv8(out []float32, nClasses, nAnchors, class int, threshold float32, lb Letterbox) []ObjectDetection {
	if len(out) < (4+nClasses)*nAnchors || class < 0 || class >= nClasses {
		return nil
	}
	scores := out[(4+class)*nAnchors : (5+class)*nAnchors]
	dets := []ObjectDetection{}
	for a := 0; a < nAnchors; a++ {
		if scores[a] < threshold {
			continue
		}
		box := lb.ToSource(out[a], out[nAnchors+a], out[2*nAnchors+a], out[3*nAnchors+a])
		if box.Empty() {
			continue
		}
		dets = append(dets, ObjectDetection{
			Class:      class,
			Confidence: scores[a],
			Box:        box,
		})
	}
	return dets
}
