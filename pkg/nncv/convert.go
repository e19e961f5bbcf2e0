package nncv

import (
	"fmt"

	"github.com/bmharper/cimg/v2"
	"gocv.io/x/gocv"
)

// MatToImage converts a BGR (or grayscale) OpenCV frame into a packed RGB image.
// The returned image owns its own memory, so the Mat can be reused immediately.
func MatToImage(src gocv.Mat) (*cimg.Image, error) {
	if src.Empty() {
		return nil, fmt.Errorf("Empty frame")
	}
	rgb := gocv.NewMat()
	defer rgb.Close()
	switch src.Channels() {
	case 1:
		gocv.CvtColor(src, &rgb, gocv.ColorGrayToRGB)
	case 3:
		gocv.CvtColor(src, &rgb, gocv.ColorBGRToRGB)
	case 4:
		gocv.CvtColor(src, &rgb, gocv.ColorBGRAToRGB)
	default:
		return nil, fmt.Errorf("Unsupported number of channels %v", src.Channels())
	}
	return cimg.WrapImage(rgb.Cols(), rgb.Rows(), cimg.PixelFormatRGB, rgb.ToBytes()), nil
}

// ImageToMat converts a 24-bit RGB image into an RGB Mat (channel order is NOT swapped to BGR).
// The caller must Close the Mat.
func ImageToMat(img *cimg.Image) (gocv.Mat, error) {
	if img.NChan() != 3 {
		return gocv.NewMat(), fmt.Errorf("Expected 3 channel image, but got %v", img.NChan())
	}
	rowBytes := img.Width * 3
	packed := img.Pixels
	if img.Stride != rowBytes {
		packed = make([]byte, rowBytes*img.Height)
		for y := 0; y < img.Height; y++ {
			copy(packed[y*rowBytes:(y+1)*rowBytes], img.Pixels[y*img.Stride:y*img.Stride+rowBytes])
		}
	}
	return gocv.NewMatFromBytes(img.Height, img.Width, gocv.MatTypeCV8UC3, packed)
}
