package nn

import "github.com/bmharper/cimg/v2"

// CropImage copies the part of img that lies inside r.
// Returns nil if the intersection is empty.
func CropImage(img *cimg.Image, r Rect) *cimg.Image {
	r = r.ClipTo(img.Width, img.Height)
	if r.Empty() {
		return nil
	}
	crop := cimg.NewImage(int(r.Width), int(r.Height), img.Format)
	crop.CopyImageRect(img, int(r.X), int(r.Y), int(r.X2()), int(r.Y2()), 0, 0)
	return crop
}
