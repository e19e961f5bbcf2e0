package faceid

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/Kagami/go-face"
	"github.com/stretchr/testify/require"
)

func TestGalleryCache(t *testing.T) {
	dir := t.TempDir()
	cacheFile := filepath.Join(dir, CacheFilename)

	_, err := LoadGallery(cacheFile)
	require.ErrorIs(t, err, os.ErrNotExist)

	g := Gallery{}
	d1 := face.Descriptor{}
	d1[0] = 0.5
	d2 := face.Descriptor{}
	d2[127] = -0.25
	g.Add("Bob", d1)
	g.Add("Ana", d2)
	g.Add("Bob", d2)
	require.Equal(t, []string{"Ana", "Bob"}, g.People())
	require.NoError(t, g.Save(cacheFile))

	loaded, err := LoadGallery(cacheFile)
	require.NoError(t, err)
	require.Equal(t, g, loaded)

	// Corrupt caches are reported, so that the caller re-encodes
	require.NoError(t, os.WriteFile(cacheFile, []byte(`{"names":["Ana"],"encodings":[]}`), 0660))
	_, err = LoadGallery(cacheFile)
	require.Error(t, err)
	require.NoError(t, os.WriteFile(cacheFile, []byte(`{"names":`), 0660))
	_, err = LoadGallery(cacheFile)
	require.Error(t, err)
}

func TestIsImageFile(t *testing.T) {
	require.True(t, isImageFile("a.JPG"))
	require.True(t, isImageFile("a.png"))
	require.False(t, isImageFile("encodings.json"))
}
