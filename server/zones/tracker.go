package zones

// Observation is the result of checking one track against one zone in one frame
type Observation struct {
	Zone    string
	Inside  bool
	Entered bool // True only on the frame where the track moved from outside to inside
}

// Tracker remembers, for every track and zone, whether the track was inside the zone
// on the previous frame. It produces one Observation per zone per update, and flags
// the outside->inside edge, which is when we take a snapshot.
// A Tracker is owned by a single camera group, and is not safe for concurrent use.
type Tracker struct {
	zones     []Zone
	occupancy map[int64][]bool // global track ID -> inside flag, parallel to zones
}

func NewTracker(zones []Zone) *Tracker {
	return &Tracker{
		zones:     zones,
		occupancy: map[int64][]bool{},
	}
}

func (t *Tracker) Zones() []Zone {
	return t.zones
}

// Update evaluates the point (x,y) of a track against every zone
func (t *Tracker) Update(trackID int64, x, y float64) []Observation {
	state := t.occupancy[trackID]
	if state == nil {
		state = make([]bool, len(t.zones))
		t.occupancy[trackID] = state
	}
	obs := make([]Observation, len(t.zones))
	for i := range t.zones {
		inside := t.zones[i].Contains(x, y)
		obs[i] = Observation{
			Zone:    t.zones[i].Name,
			Inside:  inside,
			Entered: inside && !state[i],
		}
		state[i] = inside
	}
	return obs
}

// Inside returns the last known occupancy of a track in a zone
func (t *Tracker) Inside(trackID int64, zone string) bool {
	state := t.occupancy[trackID]
	if state == nil {
		return false
	}
	for i := range t.zones {
		if t.zones[i].Name == zone {
			return state[i]
		}
	}
	return false
}

// Forget discards the occupancy of a track that is no longer being tracked
func (t *Tracker) Forget(trackID int64) {
	delete(t.occupancy, trackID)
}

// NumTracks returns the number of tracks with occupancy state
func (t *Tracker) NumTracks() int {
	return len(t.occupancy)
}
