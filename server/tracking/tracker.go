package tracking

import (
	"math"
	"sort"

	"github.com/Luis-Dokkaebi/eficiencia/pkg/nn"
	"github.com/bmharper/flatbush-go"
	"github.com/bmharper/ringbuffer"
)

// OffsetStride separates the track ID space of camera groups.
// Local track IDs are always below OffsetStride, so GlobalID never collides across groups.
const OffsetStride = 100000

// GlobalID converts a local track ID into an ID that is unique across camera groups
func GlobalID(localID uint32, groupIndex int) int64 {
	return int64(localID) + int64(groupIndex)*OffsetStride
}

// TrackedBox is a detection that has been associated with a track
type TrackedBox struct {
	ID         uint32  // Local track ID, in [1, OffsetStride)
	Box        nn.Rect // Position in the current frame
	Confidence float32
}

type Settings struct {
	MaxMissedFrames     int    // Forget a track after this many consecutive frames without a match
	PositionHistorySize int    // Number of recent positions remembered per track
	IDLimit             uint32 // Local IDs are allocated below this value
}

func DefaultSettings() Settings {
	return Settings{
		MaxMissedFrames:     30,
		PositionHistorySize: 8,
		IDLimit:             OffsetStride,
	}
}

type framePosition struct {
	frame int64
	box   nn.Rect
}

// Internal state of an object that we're tracking
type trackedObject struct {
	id             uint32
	lastPosition   nn.Rect // equivalent to the most recent history entry, but kept here for convenience/lookup speed
	lastSeen       int64   // Frame number when we last matched this object
	totalSightings int
	history        ringbuffer.RingP[framePosition]
}

// predicted returns where we expect the object to be in 'frame', assuming constant velocity
func (t *trackedObject) predicted(frame int64) nn.Rect {
	n := t.history.Len()
	if n < 2 {
		return t.lastPosition
	}
	last := t.history.Peek(n - 1)
	prev := t.history.Peek(n - 2)
	dt := last.frame - prev.frame
	if dt <= 0 {
		return t.lastPosition
	}
	ahead := frame - last.frame
	dx := int64(last.box.Center().X-prev.box.Center().X) * ahead / dt
	dy := int64(last.box.Center().Y-prev.box.Center().Y) * ahead / dt
	p := t.lastPosition
	p.X += int32(dx)
	p.Y += int32(dy)
	return p
}

// Tracker associates person detections across the frames of a single camera.
// Matching is greedy: first by IoU against nearby tracks, then by center distance
// against any remaining track.
// A Tracker is not safe for concurrent use.
type Tracker struct {
	settings Settings
	tracked  []*trackedObject
	ids      *IDPool
	frame    int64
}

// NewTracker creates a tracker with its own private ID space
func NewTracker(settings Settings) *Tracker {
	return NewTrackerWithPool(settings, NewIDPool(settings.IDLimit))
}

// NewTrackerWithPool creates a tracker that draws IDs from a pool that may be shared
// with other trackers. The trackers of one camera group share a pool, so that
// their tracks never have the same ID.
func NewTrackerWithPool(settings Settings, ids *IDPool) *Tracker {
	if settings.PositionHistorySize < 2 {
		settings.PositionHistorySize = 2
	}
	return &Tracker{
		settings: settings,
		ids:      ids,
	}
}

// NumTracked returns the number of live tracks
func (t *Tracker) NumTracked() int {
	return len(t.tracked)
}

// Update processes the detections of a new frame, and returns the tracked boxes
// that were seen in this frame, along with the IDs of tracks that have been dropped.
// Dropped IDs may be reused by later tracks.
func (t *Tracker) Update(objects []nn.ObjectDetection) (boxes []TrackedBox, dropped []uint32) {
	t.frame++
	positionHistorySize := nextPowerOf2(t.settings.PositionHistorySize)

	// Create spatial index on the predicted positions of the currently tracked objects
	predicted := make([]nn.Rect, len(t.tracked))
	fb := flatbush.NewFlatbush[int32]()
	fb.Reserve(len(t.tracked))
	for i, obj := range t.tracked {
		predicted[i] = obj.predicted(t.frame)
		fb.Add(predicted[i].X, predicted[i].Y, predicted[i].X2(), predicted[i].Y2())
	}
	fb.Finish()

	// Map from objects[i] to tracked[j]
	newToTracked := make([]int, len(objects))
	for i := range newToTracked {
		newToTracked[i] = -1
	}

	// trackedHasMatch[j] is true if t.tracked[j] has been matched to a new object
	trackedHasMatch := make([]bool, len(t.tracked))

	// Find the closest unmatched object in existingList.
	// IoU wins. If nothing overlaps, we fall back to the distance between centers,
	// because at low frame rates a person can move far enough that consecutive boxes don't overlap.
	findClosestObjectFromList := func(newIndex int, existingList []int, maxDistance float32) {
		newBox := objects[newIndex].Box
		bestJ := -1
		bestIOU := float32(0)
		bestDistance := maxDistance
		for _, j := range existingList {
			if trackedHasMatch[j] {
				continue
			}
			iou := newBox.IOU(predicted[j])
			distance := newBox.Center().Distance(predicted[j].Center())
			if iou > bestIOU {
				bestIOU = iou
				bestJ = j
			} else if bestIOU == 0 && distance < bestDistance {
				bestDistance = distance
				bestJ = j
			}
		}
		if bestJ != -1 {
			trackedHasMatch[bestJ] = true
			newToTracked[newIndex] = bestJ
		}
	}

	// Phase 1: existing objects that are reasonably close to the detection.
	// Process the most confident detections first, so they get first pick.
	order := confidenceOrder(objects)
	nearbyIdx := []int{}
	for _, i := range order {
		box := objects[i].Box
		bufX := max(8, int32(0.8*float32(box.Width)))
		bufY := max(8, int32(0.8*float32(box.Height)))
		nearbyIdx = fb.SearchFast(box.X-bufX, box.Y-bufY, box.X2()+bufX, box.Y2()+bufY, nearbyIdx)
		findClosestObjectFromList(i, nearbyIdx, float32(math.MaxFloat32))
	}

	// Phase 2: match leftover detections to any leftover track, limited to a few body heights away
	unmatched := []int{}
	for j := range t.tracked {
		if !trackedHasMatch[j] {
			unmatched = append(unmatched, j)
		}
	}
	if len(unmatched) != 0 {
		for _, i := range order {
			if newToTracked[i] != -1 {
				continue
			}
			box := objects[i].Box
			findClosestObjectFromList(i, unmatched, 2*float32(max(box.Width, box.Height)))
		}
	}

	// Update existing objects, and create new objects
	boxes = make([]TrackedBox, 0, len(objects))
	for i := range objects {
		newObj := &objects[i]
		j := newToTracked[i]
		var obj *trackedObject
		if j == -1 {
			obj = &trackedObject{
				id:      t.ids.Acquire(),
				history: ringbuffer.NewRingP[framePosition](positionHistorySize),
			}
			t.tracked = append(t.tracked, obj)
		} else {
			obj = t.tracked[j]
		}
		obj.totalSightings++
		obj.lastSeen = t.frame
		obj.lastPosition = newObj.Box
		obj.history.Add(framePosition{frame: t.frame, box: newObj.Box})
		boxes = append(boxes, TrackedBox{
			ID:         obj.id,
			Box:        newObj.Box,
			Confidence: newObj.Confidence,
		})
	}

	// Forget objects that we haven't seen for too long
	remain := t.tracked[:0]
	for _, obj := range t.tracked {
		if t.frame-obj.lastSeen > int64(t.settings.MaxMissedFrames) {
			t.ids.Release(obj.id)
			dropped = append(dropped, obj.id)
		} else {
			remain = append(remain, obj)
		}
	}
	for i := len(remain); i < len(t.tracked); i++ {
		t.tracked[i] = nil
	}
	t.tracked = remain

	return boxes, dropped
}

// Returns indices into objects, sorted by descending confidence (stable)
func confidenceOrder(objects []nn.ObjectDetection) []int {
	order := make([]int, len(objects))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return objects[order[a]].Confidence > objects[order[b]].Confidence
	})
	return order
}

func nextPowerOf2(n int) int {
	return 1 << int(math.Ceil(math.Log2(float64(n))))
}
