package nn

// Class indices of the COCO dataset that we care about.
// YOLOv8 models trained on COCO emit NumCOCOClasses scores per candidate box.
const (
	COCOPerson     = 0
	NumCOCOClasses = 80
)
