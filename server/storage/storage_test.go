package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"
)

func TestFilesystem(t *testing.T) {
	root := filepath.Join(t.TempDir(), "snapshots")
	s, err := Open(logs.NewTestingLog(t), Config{FilesystemRoot: root})
	require.NoError(t, err)

	loc, err := WriteBytes(s, "cam1_100001_Ana_Zona_A_20240101T120000.jpg", []byte("jpeg"))
	require.NoError(t, err)
	require.True(t, filepath.IsAbs(loc))
	raw, err := os.ReadFile(loc)
	require.NoError(t, err)
	require.Equal(t, "jpeg", string(raw))

	raw, err = ReadFile(s, "cam1_100001_Ana_Zona_A_20240101T120000.jpg")
	require.NoError(t, err)
	require.Equal(t, "jpeg", string(raw))

	_, err = WriteBytes(s, "../escape.jpg", []byte("x"))
	require.ErrorIs(t, err, ErrInvalidName)

	require.NoError(t, s.DeleteFile("cam1_100001_Ana_Zona_A_20240101T120000.jpg"))
	_, err = ReadFile(s, "cam1_100001_Ana_Zona_A_20240101T120000.jpg")
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestOpenRequiresBackend(t *testing.T) {
	_, err := Open(logs.NewTestingLog(t), Config{})
	require.Error(t, err)
}
