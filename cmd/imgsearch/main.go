package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/akamensky/argparse"
	"github.com/coreos/go-systemd/daemon"
	"github.com/cyclopcam/imgsearch/pkg/config"
	"github.com/cyclopcam/imgsearch/server"
	"github.com/cyclopcam/logs"
)

func check(err error) {
	if err != nil {
		panic(err)
	}
}

func main() {
	parser := argparse.NewParser("imgsearch", "Find images by the objects in them")
	configFile := parser.String("", "config", &argparse.Options{Help: "YAML configuration file", Default: ""})

	processCmd := parser.NewCommand("process", "Detect objects in a directory of images, and write a metadata file")
	processDir := processCmd.String("d", "dir", &argparse.Options{Help: "Directory of images", Required: true})
	processOutput := processCmd.String("o", "output", &argparse.Options{Help: "Metadata file (default is metadata.json inside the image directory)", Default: ""})

	classesCmd := parser.NewCommand("classes", "List the classes and counts in a metadata file")
	classesMetadata := classesCmd.String("m", "metadata", &argparse.Options{Help: "Metadata file", Required: true})

	searchCmd := parser.NewCommand("search", "Find the images in a metadata file that contain certain classes")
	searchMetadata := searchCmd.String("m", "metadata", &argparse.Options{Help: "Metadata file", Required: true})
	searchClasses := searchCmd.String("c", "classes", &argparse.Options{Help: "Comma-separated list of classes, eg car,person", Required: true})
	searchMode := searchCmd.Selector("", "mode", []string{"any", "all"}, &argparse.Options{Help: "Match images with any of the classes, or all of them", Default: "any"})
	searchThresholds := searchCmd.String("t", "thresholds", &argparse.Options{Help: "Maximum number of objects per class, eg car=2,person=1", Default: ""})
	searchJSON := searchCmd.String("", "json", &argparse.Options{Help: "Write the matches to this file, in the metadata format", Default: ""})
	searchZip := searchCmd.String("", "zip", &argparse.Options{Help: "Write the matching images and their metadata to this zip file", Default: ""})
	searchAnnotate := searchCmd.String("", "annotate", &argparse.Options{Help: "Write copies of the matching images, with boxes drawn, into this directory", Default: ""})

	serveCmd := parser.NewCommand("serve", "Run the web interface")
	hotReloadWWW := serveCmd.Flag("", "hot", &argparse.Options{Help: "Hot reload www instead of embedding into binary", Default: false})

	err := parser.Parse(os.Args)
	if err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	logger, err := logs.NewLog()
	check(err)

	cfg, err := config.Load(*configFile)
	if err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	switch {
	case processCmd.Happened():
		err = runProcess(ctx, logger, cfg, *processDir, *processOutput)
	case classesCmd.Happened():
		err = runClasses(ctx, logger, cfg, *classesMetadata)
	case searchCmd.Happened():
		err = runSearch(ctx, logger, cfg, searchArgs{
			metadataPath: *searchMetadata,
			classes:      *searchClasses,
			mode:         *searchMode,
			thresholds:   *searchThresholds,
			jsonOut:      *searchJSON,
			zipOut:       *searchZip,
			annotateDir:  *searchAnnotate,
		})
	case serveCmd.Happened():
		cancel()
		if *hotReloadWWW {
			cfg.Server.HotReloadWWW = true
		}
		err = serve(logger, cfg)
	}
	if err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
}

func serve(logger logs.Log, cfg *config.Config) error {
	srv, err := server.NewServer(logger, cfg, nil)
	if err != nil {
		return err
	}
	srv.ListenForKillSignals()

	// Tell systemd that we're alive.
	daemon.SdNotify(false, daemon.SdNotifyReady)

	if cfg.Server.HTTPSDomain != "" {
		home, _ := os.UserHomeDir()
		sslCertDirectory := filepath.Join(home, ".local", "share", "certmagic")
		err = srv.ListenHTTPS(cfg.Server.HTTPSDomain, sslCertDirectory)
	} else {
		err = srv.ListenHTTP(cfg.Server.Listen)
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
