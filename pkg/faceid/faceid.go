// Package faceid identifies people by their faces, using dlib (via go-face) and a
// directory of reference photos.
package faceid

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/Kagami/go-face"
	"github.com/Luis-Dokkaebi/eficiencia/pkg/nn"
	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/logs"
)

const Unknown = "Unknown"

const DefaultTolerance = 0.6

// Name of the descriptor cache, inside the faces directory
const CacheFilename = "encodings.json"

var ErrNoFace = errors.New("No face found")

// Identifier matches faces against the reference gallery in a faces directory.
// The directory layout is <facesDir>/<person name>/*.jpg
type Identifier struct {
	log       logs.Log
	facesDir  string
	tolerance float32

	lock     sync.Mutex
	rec      *face.Recognizer
	gallery  Gallery
	catNames []string // category index -> person name
}

// Open loads the dlib models from modelDir, and the reference gallery from facesDir.
// The gallery is read from the descriptor cache if possible, otherwise every photo is
// encoded and the cache is rewritten.
func Open(log logs.Log, modelDir, facesDir string, tolerance float32) (*Identifier, error) {
	log = logs.NewPrefixLogger(log, "Faces")
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	if err := os.MkdirAll(facesDir, 0770); err != nil {
		return nil, fmt.Errorf("Failed to create faces directory '%v': %w", facesDir, err)
	}
	rec, err := face.NewRecognizer(modelDir)
	if err != nil {
		return nil, fmt.Errorf("Failed to load face models from '%v': %w", modelDir, err)
	}
	id := &Identifier{
		log:       log,
		facesDir:  facesDir,
		tolerance: tolerance,
		rec:       rec,
	}

	cacheFile := filepath.Join(facesDir, CacheFilename)
	gallery, err := LoadGallery(cacheFile)
	if err == nil {
		log.Infof("Loaded %v face descriptors from %v", len(gallery.Names), cacheFile)
	} else {
		if !errors.Is(err, os.ErrNotExist) {
			log.Warnf("Error loading %v: %v. Re-encoding faces", cacheFile, err)
		}
		gallery, err = id.encodeDirectory()
		if err != nil {
			rec.Close()
			return nil, err
		}
		if err := gallery.Save(cacheFile); err != nil {
			log.Warnf("Failed to save face cache: %v", err)
		}
	}
	id.setGallery(gallery)
	return id, nil
}

func (id *Identifier) Close() {
	id.lock.Lock()
	defer id.lock.Unlock()
	if id.rec != nil {
		id.rec.Close()
		id.rec = nil
	}
}

// NumPeople returns the number of distinct people in the gallery
func (id *Identifier) NumPeople() int {
	id.lock.Lock()
	defer id.lock.Unlock()
	return len(id.catNames)
}

// Recognize looks for a face inside box, and returns the name of the closest reference face
// within tolerance, or Unknown.
func (id *Identifier) Recognize(img *cimg.Image, box nn.Rect) (string, error) {
	crop := nn.CropImage(img, box)
	if crop == nil {
		return Unknown, nil
	}
	jpg, err := cimg.Compress(crop, cimg.MakeCompressParams(cimg.Sampling444, 90, 0))
	if err != nil {
		return Unknown, err
	}

	id.lock.Lock()
	defer id.lock.Unlock()
	if len(id.catNames) == 0 {
		return Unknown, nil
	}
	f, err := id.rec.RecognizeSingle(jpg)
	if err != nil {
		return Unknown, err
	}
	if f == nil {
		return Unknown, nil
	}
	cat := id.rec.ClassifyThreshold(f.Descriptor, id.tolerance)
	if cat < 0 || cat >= len(id.catNames) {
		return Unknown, nil
	}
	return id.catNames[cat], nil
}

// Register adds a reference photo of a person, copying it into the faces directory
// and updating the descriptor cache.
func (id *Identifier) Register(imageFile, name string) error {
	if name == "" || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("Invalid name '%v'", name)
	}
	raw, err := os.ReadFile(imageFile)
	if err != nil {
		return err
	}

	id.lock.Lock()
	defer id.lock.Unlock()
	f, err := id.rec.RecognizeSingle(raw)
	if err != nil {
		return err
	}
	if f == nil {
		return fmt.Errorf("%w in %v", ErrNoFace, imageFile)
	}

	personDir := filepath.Join(id.facesDir, name)
	if err := os.MkdirAll(personDir, 0770); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(personDir, filepath.Base(imageFile)), raw, 0660); err != nil {
		return err
	}

	g := id.gallery
	g.Add(name, f.Descriptor)
	id.setGalleryLocked(g)
	id.log.Infof("Registered %v", name)
	return g.Save(filepath.Join(id.facesDir, CacheFilename))
}

func (id *Identifier) encodeDirectory() (Gallery, error) {
	id.log.Infof("Encoding faces from %v", id.facesDir)
	g := Gallery{}
	people, err := os.ReadDir(id.facesDir)
	if err != nil {
		return g, err
	}
	for _, person := range people {
		if !person.IsDir() {
			continue
		}
		personDir := filepath.Join(id.facesDir, person.Name())
		files, err := os.ReadDir(personDir)
		if err != nil {
			return g, err
		}
		for _, file := range files {
			if file.IsDir() || !isImageFile(file.Name()) {
				continue
			}
			path := filepath.Join(personDir, file.Name())
			f, err := id.rec.RecognizeSingleFile(path)
			if err != nil {
				id.log.Warnf("Failed to encode %v: %v", path, err)
				continue
			}
			if f == nil {
				id.log.Warnf("No face found in %v", path)
				continue
			}
			g.Add(person.Name(), f.Descriptor)
		}
	}
	id.log.Infof("Encoded %v faces", len(g.Names))
	return g, nil
}

func (id *Identifier) setGallery(g Gallery) {
	id.lock.Lock()
	defer id.lock.Unlock()
	id.setGalleryLocked(g)
}

func (id *Identifier) setGalleryLocked(g Gallery) {
	id.gallery = g
	id.catNames = g.People()
	catOf := map[string]int32{}
	for i, n := range id.catNames {
		catOf[n] = int32(i)
	}
	cats := make([]int32, len(g.Names))
	for i, n := range g.Names {
		cats[i] = catOf[n]
	}
	id.rec.SetSamples(g.Descriptors, cats)
}

func isImageFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpg", ".jpeg", ".png":
		return true
	}
	return false
}

// Gallery is a flat list of reference descriptors, and the person each one belongs to.
// This is also the format of the descriptor cache.
type Gallery struct {
	Names       []string          `json:"names"`
	Descriptors []face.Descriptor `json:"encodings"`
}

func (g *Gallery) Add(name string, d face.Descriptor) {
	g.Names = append(g.Names, name)
	g.Descriptors = append(g.Descriptors, d)
}

// People returns the sorted distinct names in the gallery
func (g *Gallery) People() []string {
	seen := map[string]bool{}
	people := []string{}
	for _, n := range g.Names {
		if !seen[n] {
			seen[n] = true
			people = append(people, n)
		}
	}
	sort.Strings(people)
	return people
}
