package nnload

// Package nnload wraps up our 'nn' interface layer, and has concrete references to our
// detector backends (the HTTP inference service and Gemini), so that you can just call one
// function to get a detector, and not need to know about the implementation details.

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/cyclopcam/imgsearch/pkg/config"
	"github.com/cyclopcam/imgsearch/pkg/nn"
	"github.com/cyclopcam/imgsearch/pkg/nngemini"
	"github.com/cyclopcam/imgsearch/pkg/nnhttp"
	"github.com/cyclopcam/logs"
)

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

// LoadClasses returns the class list of the model.
// classesFile may be empty (COCO), a local file, or an http(s) URL, which is downloaded once into cacheDir.
func LoadClasses(log logs.Log, classesFile, cacheDir string) ([]string, error) {
	if classesFile == "" {
		return nn.COCOClasses, nil
	}
	if strings.HasPrefix(classesFile, "http://") || strings.HasPrefix(classesFile, "https://") {
		h := sha1.Sum([]byte(classesFile))
		diskPath := filepath.Join(cacheDir, "classes-"+hex.EncodeToString(h[:8])+".txt")
		if _, err := os.Stat(diskPath); os.IsNotExist(err) {
			log.Infof("Downloading %v to %v", classesFile, diskPath)
			if err := downloadFile(classesFile, diskPath); err != nil {
				return nil, fmt.Errorf("Download failed: %w", err)
			}
		} else if err != nil {
			return nil, err
		}
		classesFile = diskPath
	}
	classes, err := nn.LoadClassFile(classesFile)
	if err != nil {
		return nil, err
	}
	if len(classes) == 0 {
		return nil, fmt.Errorf("Class file %v is empty", classesFile)
	}
	return classes, nil
}

// DefaultCacheDir is where downloaded class files are kept
func DefaultCacheDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "imgsearch")
	}
	return filepath.Join(os.TempDir(), "imgsearch")
}

// DetectionParams converts the model section of the config into detection parameters
func DetectionParams(cfg *config.ModelConfig) *nn.DetectionParams {
	return &nn.DetectionParams{
		ProbabilityThreshold: cfg.ConfThreshold,
		NmsIouThreshold:      cfg.IouThreshold,
		MergeClasses:         cfg.MergeClasses,
	}
}

// LoadDetector creates the detector described by 'cfg'.
// If the HTTP inference service is unreachable and a Gemini API key is available, we fall back to Gemini.
func LoadDetector(ctx context.Context, log logs.Log, cfg *config.ModelConfig) (nn.ObjectDetector, error) {
	classes, err := LoadClasses(log, cfg.ClassesFile, DefaultCacheDir())
	if err != nil {
		return nil, err
	}

	switch cfg.Backend {
	case "http":
		modelConfig := &nn.ModelConfig{Architecture: "yolo", Name: cfg.Name, Classes: classes}
		det := nnhttp.New(log, cfg.InferenceURL, modelConfig)
		err := det.CheckHealth(ctx)
		if err == nil {
			log.Infof("Using inference service at %v (%v)", cfg.InferenceURL, cfg.Name)
			return det, nil
		}
		if cfg.GeminiAPIKey == "" {
			return nil, err
		}
		log.Warnf("%v", err)
		log.Infof("Falling back to Gemini (%v)", cfg.GeminiModel)
		return loadGemini(ctx, log, cfg, classes)
	case "gemini":
		return loadGemini(ctx, log, cfg, classes)
	}
	return nil, fmt.Errorf("Unrecognized detector backend '%v'", cfg.Backend)
}

func loadGemini(ctx context.Context, log logs.Log, cfg *config.ModelConfig, classes []string) (nn.ObjectDetector, error) {
	modelConfig := &nn.ModelConfig{Architecture: "gemini", Name: cfg.GeminiModel, Classes: classes}
	return nngemini.New(ctx, log, cfg.GeminiAPIKey, cfg.GeminiModel, modelConfig)
}
