package storage

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/cyclopcam/logs"
)

var ErrNoPublicUrl = errors.New("No public URL")
var ErrInvalidName = errors.New("Invalid file name")

// Storage is an abstraction of a blob store, where we keep snapshot images
type Storage interface {
	// When finished, you must close the WriteCloser
	WriteFile(name string) (io.WriteCloser, error)

	// When finished, you must close File.Reader
	ReadFile(name string) (*File, error)

	DeleteFile(name string) error

	// Location returns the string that we record in the database to find this file again.
	// For the filesystem this is the full path, and for GCS it is a public URL or a gs:// URI.
	Location(name string) string
}

// File is an element in blob storage.
type File struct {
	Reader     io.ReadCloser
	ModifiedAt time.Time
	Size       int64
}

// Config selects one of the storage backends.
// If both are empty, Open fails.
type Config struct {
	FilesystemRoot string
	GCSBucket      string
	GCSPublic      bool
}

func Open(log logs.Log, cfg Config) (Storage, error) {
	log = logs.NewPrefixLogger(log, "Storage")
	switch {
	case cfg.GCSBucket != "":
		return NewStorageGCS(log, cfg.GCSBucket, cfg.GCSPublic)
	case cfg.FilesystemRoot != "":
		return NewStorageFS(log, cfg.FilesystemRoot)
	}
	return nil, fmt.Errorf("No snapshot storage configured")
}

func WriteFile(s Storage, name string, content io.Reader) error {
	f, err := s.WriteFile(name)
	if err != nil {
		return err
	}
	_, err = io.Copy(f, content)
	errClose := f.Close()
	if err != nil {
		return err
	}
	return errClose
}

// WriteBytes writes content to name, and returns the Location of the new file
func WriteBytes(s Storage, name string, content []byte) (string, error) {
	if err := WriteFile(s, name, bytes.NewReader(content)); err != nil {
		return "", err
	}
	return s.Location(name), nil
}

func ReadFile(s Storage, name string) ([]byte, error) {
	f, err := s.ReadFile(name)
	if err != nil {
		return nil, err
	}
	defer f.Reader.Close()
	return io.ReadAll(f.Reader)
}
