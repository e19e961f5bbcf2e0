package eventdb

import "github.com/cyclopcam/dbh"

// BaseModel is our base class for a GORM model.
// The default GORM Model uses int, but we prefer int64
type BaseModel struct {
	ID int64 `gorm:"primaryKey" json:"id"`
}

// TrackingEvent is one observation of a track relative to one zone, in one frame.
// A track in a scene with N zones produces N events per frame.
type TrackingEvent struct {
	BaseModel
	CameraID   string      `json:"cameraID"`   // Camera name
	TrackID    int64       `json:"trackID"`    // Global track ID (unique across camera groups)
	Timestamp  dbh.IntTime `json:"timestamp"`  // Frame time
	X          float64     `json:"x"`          // Center of the person's bounding box
	Y          float64     `json:"y"`          // Center of the person's bounding box
	Zone       string      `json:"zone"`       // Zone name
	InsideZone bool        `json:"insideZone"` // True if (X,Y) is inside Zone
}

// Snapshot is recorded when a track enters a zone
type Snapshot struct {
	BaseModel
	CameraID     string      `json:"cameraID"`
	TrackID      int64       `json:"trackID"`
	Timestamp    dbh.IntTime `json:"timestamp"`
	Zone         string      `json:"zone"`
	SnapshotPath string      `json:"snapshotPath"` // Location of the JPEG in blob storage
	EmployeeName string      `json:"employeeName"` // Display name at the moment of entry, which may be "Unknown"
}

// Visit is a contiguous stretch of time that a track spent inside a zone.
// Visits are computed from TrackingEvent rows, and are not stored.
type Visit struct {
	CameraID      string      `json:"cameraID"`
	TrackID       int64       `json:"trackID"`
	Zone          string      `json:"zone"`
	EmployeeName  string      `json:"employeeName"`
	Start         dbh.IntTime `json:"start"`
	End           dbh.IntTime `json:"end"`
	DurationSec   float64     `json:"durationSec"`
	ActivityScore float64     `json:"activityScore"` // std(x) + std(y). Low values mean the person was mostly standing still.
	SnapshotPath  string      `json:"snapshotPath"`
}
