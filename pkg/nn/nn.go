package nn

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/bmharper/cimg/v2"
)

// Package nn is a Neural Network interface layer.
// Concrete models live in nncv and faceid, and are created by nnload.

const DefaultProbabilityThreshold = 0.4
const DefaultNmsIouThreshold = 0.45

// NN object detection parameters
type DetectionParams struct {
	ProbabilityThreshold float32 // Value between 0 and 1. Lower values will find more objects. Zero value will use the default.
	NmsIouThreshold      float32 // Value between 0 and 1. Lower values will merge more objects together into one. Zero value will use the default.
}

// Create a default DetectionParams object
func NewDetectionParams() *DetectionParams {
	return &DetectionParams{
		ProbabilityThreshold: DefaultProbabilityThreshold,
		NmsIouThreshold:      DefaultNmsIouThreshold,
	}
}

// BatchDetector runs person detection on a batch of frames.
// Implementations are not required to be safe for concurrent use. Each
// camera group owns its own detector.
type BatchDetector interface {
	// Close releases the underlying model (you MUST call this when finished)
	Close()

	// DetectBatch returns one list of detections per input frame, in input order.
	// Images are 24-bit RGB. Results are already filtered to the person class and
	// to the configured confidence threshold.
	DetectBatch(images []*cimg.Image) ([][]ObjectDetection, error)
}

// ModelConfig is saved in a JSON file along with the weights of the NN model
type ModelConfig struct {
	Architecture string   `json:"architecture"` // eg "yolov8"
	Width        int      `json:"width"`        // eg 640
	Height       int      `json:"height"`       // eg 640
	Classes      []string `json:"classes"`      // eg ["person", "bicycle", "car", ...]
}

// Load model config from a JSON file
func LoadModelConfig(filename string) (*ModelConfig, error) {
	raw, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	cfg := &ModelConfig{}
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("Error decoding model config %v: %w", filename, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("Model config %v has invalid dimensions %v x %v", filename, cfg.Width, cfg.Height)
	}
	return cfg, nil
}
