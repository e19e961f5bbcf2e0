package eventdb

import (
	"strings"
	"time"

	"github.com/Luis-Dokkaebi/eficiencia/pkg/stats"
	"github.com/cyclopcam/dbh"
	"gorm.io/gorm"
)

// A snapshot is attributed to a visit if it was taken within this long of the visit start
const VisitSnapshotWindow = 5 * time.Second

// Query filters the read APIs. Zero values match everything.
type Query struct {
	CameraID string
	TrackID  int64
	Zone     string
	Since    time.Time // Inclusive
	Until    time.Time // Exclusive
	Limit    int
}

func (q *Query) apply(db *gorm.DB, since, until time.Time) *gorm.DB {
	if q.CameraID != "" {
		db = db.Where("camera_id = ?", q.CameraID)
	}
	if q.TrackID != 0 {
		db = db.Where("track_id = ?", q.TrackID)
	}
	if q.Zone != "" {
		db = db.Where("zone = ?", q.Zone)
	}
	if !since.IsZero() {
		db = db.Where("timestamp >= ?", dbh.MakeIntTime(since))
	}
	if !until.IsZero() {
		db = db.Where("timestamp < ?", dbh.MakeIntTime(until))
	}
	return db
}

// Events returns tracking events in the order in which they were recorded
func (e *EventDB) Events(q Query) ([]TrackingEvent, error) {
	events := []TrackingEvent{}
	db := q.apply(e.db, q.Since, q.Until).Order("timestamp, id")
	if q.Limit > 0 {
		db = db.Limit(q.Limit)
	}
	err := db.Find(&events).Error
	return events, err
}

// Snapshots returns snapshots, newest first
func (e *EventDB) Snapshots(q Query) ([]Snapshot, error) {
	snaps := []Snapshot{}
	db := q.apply(e.db, q.Since, q.Until).Order("timestamp DESC, id DESC")
	if q.Limit > 0 {
		db = db.Limit(q.Limit)
	}
	err := db.Find(&snaps).Error
	return snaps, err
}

type trackZone struct {
	trackID int64
	zone    string
}

// Visits reconstructs the stretches of time that each track spent inside each zone.
// A visit begins on every outside->inside transition (or if the first observation is inside),
// and consists of the inside observations until the track leaves.
// Visits are ordered by track, zone, and start time.
func (e *EventDB) Visits(q Query) ([]Visit, error) {
	events := []TrackingEvent{}
	if err := q.apply(e.db, q.Since, q.Until).Order("track_id, zone, timestamp, id").Find(&events).Error; err != nil {
		return nil, err
	}

	// Snapshots near the edges of the time range can still belong to a visit inside the range
	since, until := q.Since, q.Until
	if !since.IsZero() {
		since = since.Add(-VisitSnapshotWindow)
	}
	if !until.IsZero() {
		until = until.Add(VisitSnapshotWindow)
	}
	snaps := []Snapshot{}
	if err := q.apply(e.db, since, until).Order("timestamp, id").Find(&snaps).Error; err != nil {
		return nil, err
	}
	snapsByKey := map[trackZone][]Snapshot{}
	for _, s := range snaps {
		k := trackZone{s.TrackID, s.Zone}
		snapsByKey[k] = append(snapsByKey[k], s)
	}

	visits := buildVisits(events, snapsByKey)
	if q.Limit > 0 && len(visits) > q.Limit {
		visits = visits[:q.Limit]
	}
	return visits, nil
}

// buildVisits turns events (sorted by track, zone, time) into visits
func buildVisits(events []TrackingEvent, snapsByKey map[trackZone][]Snapshot) []Visit {
	visits := []Visit{}
	var xs, ys []float64
	var cur *Visit
	flush := func() {
		if cur == nil {
			return
		}
		cur.DurationSec = stats.RoundTo(cur.End.Get().Sub(cur.Start.Get()).Seconds(), 2)
		cur.ActivityScore = stats.RoundTo(stats.SampleStdDev(xs)+stats.SampleStdDev(ys), 2)
		cur.SnapshotPath, cur.EmployeeName = nearestSnapshot(snapsByKey[trackZone{cur.TrackID, cur.Zone}], cur.Start.Get())
		visits = append(visits, *cur)
		cur = nil
		xs = xs[:0]
		ys = ys[:0]
	}

	prevInside := false
	var prevKey trackZone
	for i, ev := range events {
		key := trackZone{ev.TrackID, ev.Zone}
		if i == 0 || key != prevKey {
			flush()
			prevInside = false
			prevKey = key
		}
		if ev.InsideZone {
			if !prevInside {
				flush()
				cur = &Visit{
					CameraID: ev.CameraID,
					TrackID:  ev.TrackID,
					Zone:     ev.Zone,
					Start:    ev.Timestamp,
				}
			}
			cur.End = ev.Timestamp
			xs = append(xs, ev.X)
			ys = append(ys, ev.Y)
		}
		prevInside = ev.InsideZone
	}
	flush()
	return visits
}

// Returns the path and employee name of the snapshot closest to start, if it is within
// VisitSnapshotWindow. Ties go to the earliest snapshot.
func nearestSnapshot(snaps []Snapshot, start time.Time) (path, name string) {
	path = "N/A"
	name = "Unknown"
	best := -1
	var bestDiff time.Duration
	for i, s := range snaps {
		diff := s.Timestamp.Get().Sub(start)
		if diff < 0 {
			diff = -diff
		}
		if best == -1 || diff < bestDiff {
			best = i
			bestDiff = diff
		}
	}
	if best == -1 || bestDiff >= VisitSnapshotWindow {
		return
	}
	path = snaps[best].SnapshotPath
	if n := strings.TrimSpace(snaps[best].EmployeeName); n != "" {
		name = n
	}
	return
}
