package identity

import (
	"github.com/Luis-Dokkaebi/eficiencia/pkg/nn"
	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/logs"
)

// Unknown is the display name of a track whose identity has not been confirmed
const Unknown = "Unknown"

// FaceIdentifier finds the face inside box, and matches it against a gallery of known people.
// Returns Unknown if there is no face, or no match.
type FaceIdentifier interface {
	Recognize(img *cimg.Image, box nn.Rect) (string, error)
}

// AppearanceExtractor computes a unit-length appearance embedding of a person crop.
// Returns nil if the crop is degenerate.
type AppearanceExtractor interface {
	Extract(crop *cimg.Image) ([]float64, error)
}

// How an identity was confirmed
type Method string

const (
	MethodNone       Method = ""
	MethodFace       Method = "face"
	MethodAppearance Method = "appearance"
)

type Settings struct {
	MinMatches           int     // Consecutive identical face matches before we believe them
	VerificationInterval int     // Confirmed tracks are re-verified every N frames
	SimilarityThreshold  float64 // Appearance similarity must exceed this (strictly) to identify a track
	FaceAlpha            float64 // EMA factor when a face confirmation updates the gallery
	AppearanceAlpha      float64 // EMA factor when an appearance match updates the gallery
	DriftAlpha           float64 // EMA factor for the per-frame drift update of a confirmed track
}

func DefaultSettings() Settings {
	return Settings{
		MinMatches:           3,
		VerificationInterval: 30,
		SimilarityThreshold:  0.75,
		FaceAlpha:            0.9,
		AppearanceAlpha:      0.95,
		DriftAlpha:           0.98,
	}
}

// Result of Resolver.Update
type Result struct {
	Name       string  // Current display name (Unknown if not confirmed)
	Confirmed  bool    // True if the name was confirmed during this update
	Method     Method  // How the name was confirmed, if Confirmed
	Previous   string  // The name we had before, if a confirmation replaced a different name
	Similarity float64 // Best appearance similarity, if the appearance path was consulted
}

type vote struct {
	name  string
	count int
}

// Resolver fuses face recognition votes and appearance re-identification
// into a stable name per track.
// A Resolver is owned by one camera group, and is not safe for concurrent use.
type Resolver struct {
	log      logs.Log
	settings Settings
	votes    map[int64]*vote
	names    map[int64]string
	gallery  *Gallery
}

func NewResolver(log logs.Log, settings Settings) *Resolver {
	if settings.MinMatches < 1 {
		settings.MinMatches = 1
	}
	if settings.VerificationInterval < 1 {
		settings.VerificationInterval = 1
	}
	return &Resolver{
		log:      log,
		settings: settings,
		votes:    map[int64]*vote{},
		names:    map[int64]string{},
		gallery:  NewGallery(),
	}
}

func (r *Resolver) Gallery() *Gallery {
	return r.gallery
}

// Name returns the confirmed name of a track, or Unknown
func (r *Resolver) Name(globalID int64) string {
	if name, ok := r.names[globalID]; ok {
		return name
	}
	return Unknown
}

// ShouldVerify returns true if we should run face recognition on this track in this frame.
// Unknown tracks are always verified. Confirmed tracks are verified periodically, and the
// local ID staggers the work so that not every track is verified on the same frame.
func (r *Resolver) ShouldVerify(globalID int64, localID uint32, frameCount int64) bool {
	if _, ok := r.names[globalID]; !ok {
		return true
	}
	return (frameCount+int64(localID))%int64(r.settings.VerificationInterval) == 0
}

// Update feeds one frame's worth of evidence for a track.
// faceName is the face recognition result, or Unknown/"" if recognition was not run or found nothing.
// embedding is the appearance embedding of the track in this frame, or nil.
func (r *Resolver) Update(globalID int64, faceName string, embedding []float64) Result {
	current, known := r.names[globalID]
	res := Result{Name: Unknown}
	if known {
		res.Name = current
	}
	galleryUpdated := false

	if faceName != "" && faceName != Unknown {
		v := r.votes[globalID]
		if v == nil || v.name != faceName {
			v = &vote{name: faceName}
			r.votes[globalID] = v
		}
		v.count++
		if v.count >= r.settings.MinMatches && !(known && current == faceName) {
			if known {
				r.log.Infof("Identity change for track %v: %v -> %v", globalID, current, faceName)
				res.Previous = current
			} else {
				r.log.Infof("Track %v identified as %v (face)", globalID, faceName)
			}
			r.names[globalID] = faceName
			known = true
			current = faceName
			res.Name = faceName
			res.Confirmed = true
			res.Method = MethodFace
			if embedding != nil {
				if err := r.gallery.Update(faceName, embedding, r.settings.FaceAlpha); err != nil {
					r.log.Warnf("Gallery update for %v failed: %v", faceName, err)
				} else {
					galleryUpdated = true
				}
			}
		}
	}

	if !known && embedding != nil {
		name, similarity, ok := r.gallery.Best(embedding)
		if ok {
			res.Similarity = similarity
			if similarity > r.settings.SimilarityThreshold {
				r.log.Infof("Track %v identified as %v (appearance, similarity %.3f)", globalID, name, similarity)
				r.names[globalID] = name
				current = name
				res.Name = name
				res.Confirmed = true
				res.Method = MethodAppearance
				if err := r.gallery.Update(name, embedding, r.settings.AppearanceAlpha); err != nil {
					r.log.Warnf("Gallery update for %v failed: %v", name, err)
				}
				return res
			}
		}
	}

	if known && !galleryUpdated && embedding != nil {
		if _, err := r.gallery.Drift(current, embedding, r.settings.DriftAlpha); err != nil {
			r.log.Warnf("Gallery drift for %v failed: %v", current, err)
		}
	}
	return res
}

// Forget discards the votes and name of a track that is no longer being tracked.
// The gallery is kept.
func (r *Resolver) Forget(globalID int64) {
	delete(r.votes, globalID)
	delete(r.names, globalID)
}

// NumTracks returns the number of tracks with identity state
func (r *Resolver) NumTracks() int {
	n := len(r.names)
	for id := range r.votes {
		if _, ok := r.names[id]; !ok {
			n++
		}
	}
	return n
}
