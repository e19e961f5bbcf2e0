package faceid

import (
	"encoding/json"
	"fmt"
	"os"
)

// LoadGallery reads a descriptor cache written by Gallery.Save
func LoadGallery(filename string) (Gallery, error) {
	g := Gallery{}
	raw, err := os.ReadFile(filename)
	if err != nil {
		return g, err
	}
	if err := json.Unmarshal(raw, &g); err != nil {
		return g, fmt.Errorf("Error decoding %v: %w", filename, err)
	}
	if len(g.Names) != len(g.Descriptors) {
		return Gallery{}, fmt.Errorf("Corrupt face cache %v: %v names but %v descriptors", filename, len(g.Names), len(g.Descriptors))
	}
	return g, nil
}

// Save writes the gallery atomically, so that a crash never leaves a half-written cache
func (g *Gallery) Save(filename string) error {
	raw, err := json.Marshal(g)
	if err != nil {
		return err
	}
	tmp := filename + ".tmp"
	if err := os.WriteFile(tmp, raw, 0660); err != nil {
		return err
	}
	return os.Rename(tmp, filename)
}
