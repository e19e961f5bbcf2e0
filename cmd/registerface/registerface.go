package main

import (
	"fmt"
	"os"

	"github.com/Luis-Dokkaebi/eficiencia/pkg/faceid"
	"github.com/Luis-Dokkaebi/eficiencia/server/config"
	"github.com/akamensky/argparse"
	"github.com/cyclopcam/logs"
)

// registerface adds a reference photo of a person to the face gallery
func main() {
	parser := argparse.NewParser("registerface", "Add a reference photo to the face gallery")
	configFile := parser.String("c", "config", &argparse.Options{Help: "Configuration file", Default: "eficiencia.json"})
	image := parser.String("i", "image", &argparse.Options{Help: "Photo of the person (jpeg or png)", Required: true})
	name := parser.String("n", "name", &argparse.Options{Help: "Name of the person", Required: true})
	err := parser.Parse(os.Args)
	if err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	logger, err := logs.NewLog()
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Close()

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
	if cfg.Models.FaceModelDir == "" {
		logger.Errorf("models.faceModelDir is not configured")
		os.Exit(1)
	}

	faces, err := faceid.Open(logger, cfg.Models.FaceModelDir, cfg.Models.FacesDir, cfg.Models.FaceTolerance)
	if err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
	defer faces.Close()

	if err := faces.Register(*image, *name); err != nil {
		logger.Errorf("Failed to register %v: %v", *name, err)
		os.Exit(1)
	}
	logger.Infof("Registered %v. The gallery now has %v people", *name, faces.NumPeople())
}
