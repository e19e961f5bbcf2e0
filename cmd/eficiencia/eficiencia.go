package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/Luis-Dokkaebi/eficiencia/server"
	"github.com/Luis-Dokkaebi/eficiencia/server/config"
	"github.com/akamensky/argparse"
	"github.com/coreos/go-systemd/daemon"
	"github.com/cyclopcam/logs"
)

func main() {
	parser := argparse.NewParser("eficiencia", "Multi-camera person tracking, identification, and zone monitoring")
	configFile := parser.String("c", "config", &argparse.Options{Help: "Configuration file", Default: "eficiencia.json"})
	listen := parser.String("", "listen", &argparse.Options{Help: "Status API address (overrides the config file), eg :8080", Default: ""})
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

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
	if *listen != "" {
		cfg.Listen = *listen
	}

	srv, err := server.NewServer(logger, cfg, server.Options{})
	if err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
	srv.ListenForKillSignals()
	srv.Start()

	// Tell systemd that we're alive
	daemon.SdNotify(false, daemon.SdNotifyReady)

	go func() {
		if err := srv.ListenHTTP(cfg.Listen); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("ListenHTTP returned: %v", err)
			srv.Shutdown()
		}
	}()

	err = <-srv.ShutdownComplete
	logger.Close()
	if err != nil {
		os.Exit(1)
	}
}
