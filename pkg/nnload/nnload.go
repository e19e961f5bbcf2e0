package nnload

// Package nnload has concrete references to our neural network implementations
// (OpenCV DNN for YOLO and OSNet, dlib for faces), so that callers can load every
// model with one function call, and not need to know about the implementation details.

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/Luis-Dokkaebi/eficiencia/pkg/faceid"
	"github.com/Luis-Dokkaebi/eficiencia/pkg/nn"
	"github.com/Luis-Dokkaebi/eficiencia/pkg/nncv"
	"github.com/cyclopcam/logs"
)

// Setup describes where to find each model
type Setup struct {
	ModelDir        string  // Models given as URLs are downloaded into here
	DetectorModel   string  // ONNX YOLOv8 file or URL
	DetectorConfig  string  // Optional nn.ModelConfig. If empty, we look for a .json file next to the model.
	AppearanceModel string  // ONNX OSNet file or URL. Empty disables appearance re-identification.
	FaceModelDir    string  // dlib models. Empty disables face recognition.
	FacesDir        string  // Reference photos
	FaceTolerance   float32 // Maximum descriptor distance for a face match
	Detection       nn.DetectionParams
}

// Models is one camera group's private set of networks.
// Optional models are nil when disabled.
type Models struct {
	Detector   *nncv.YOLODetector
	Faces      *faceid.Identifier
	Appearance *nncv.AppearanceExtractor
}

func (m *Models) Close() {
	if m.Detector != nil {
		m.Detector.Close()
	}
	if m.Faces != nil {
		m.Faces.Close()
	}
	if m.Appearance != nil {
		m.Appearance.Close()
	}
}

// Load creates every configured model.
// If any model fails to load, the models that were already loaded are closed.
func Load(logs logs.Log, setup Setup) (*Models, error) {
	m := &Models{}
	ok := false
	defer func() {
		if !ok {
			m.Close()
		}
	}()

	detectorFile, err := Resolve(logs, setup.ModelDir, setup.DetectorModel)
	if err != nil {
		return nil, fmt.Errorf("Detector model: %w", err)
	}
	configFile := setup.DetectorConfig
	if configFile == "" {
		configFile = strings.TrimSuffix(detectorFile, filepath.Ext(detectorFile)) + ".json"
	}
	var modelConfig *nn.ModelConfig
	if modelConfig, err = nn.LoadModelConfig(configFile); err != nil {
		if setup.DetectorConfig != "" || !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		modelConfig = nil
	}
	if m.Detector, err = nncv.NewYOLODetector(detectorFile, modelConfig, &setup.Detection); err != nil {
		return nil, err
	}

	if setup.AppearanceModel != "" {
		appearanceFile, err := Resolve(logs, setup.ModelDir, setup.AppearanceModel)
		if err != nil {
			return nil, fmt.Errorf("Appearance model: %w", err)
		}
		if m.Appearance, err = nncv.NewAppearanceExtractor(appearanceFile); err != nil {
			return nil, err
		}
	}

	if setup.FaceModelDir != "" {
		if m.Faces, err = faceid.Open(logs, setup.FaceModelDir, setup.FacesDir, setup.FaceTolerance); err != nil {
			return nil, err
		}
	}

	ok = true
	return m, nil
}

// Resolve returns the local path of a model. If model is an http(s) URL, then it is
// downloaded into modelDir, unless it has already been downloaded.
func Resolve(logs logs.Log, modelDir, model string) (string, error) {
	if model == "" {
		return "", fmt.Errorf("No model specified")
	}
	if !strings.HasPrefix(model, "http://") && !strings.HasPrefix(model, "https://") {
		return model, nil
	}
	diskPath := filepath.Join(modelDir, filepath.Base(model))
	if _, err := os.Stat(diskPath); os.IsNotExist(err) {
		logs.Infof("Downloading %v to %v", model, diskPath)
		if err := downloadFile(model, diskPath); err != nil {
			return "", fmt.Errorf("Download failed: %w", err)
		}
	} else if err != nil {
		return "", err
	}
	return diskPath, nil
}

func downloadFile(srcUrl, targetFile string) error {
	tempFile := targetFile + ".tmp"
	if err := os.MkdirAll(filepath.Dir(targetFile), 0755); err != nil {
		return err
	}
	resp, err := http.DefaultClient.Get(srcUrl)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		return fmt.Errorf("HTTP error %v", resp.Status)
	}
	file, err := os.Create(tempFile)
	if err != nil {
		return err
	}
	defer file.Close()
	_, err = io.Copy(file, resp.Body)
	if err != nil {
		return err
	}
	file.Close()
	return os.Rename(tempFile, targetFile)
}
