package nn

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Package nn is the interface layer between us and an object detector.
// To construct a detector from config, use the nnload package.

const DefaultProbabilityThreshold = 0.25
const DefaultNmsIouThreshold = 0.45

// Object detection parameters
type DetectionParams struct {
	ProbabilityThreshold float64           // Value between 0 and 1. Lower values will find more objects. Zero value will use the default.
	NmsIouThreshold      float64           // Value between 0 and 1. Lower values will merge more objects together into one. Zero value will use the default.
	MergeClasses         map[string]string // Overlapping pairs like {"truck": "car"} are reduced to the class on the right
}

// Create a default DetectionParams object
func NewDetectionParams() *DetectionParams {
	return &DetectionParams{
		ProbabilityThreshold: DefaultProbabilityThreshold,
		NmsIouThreshold:      DefaultNmsIouThreshold,
	}
}

// Return the probability threshold, substituting the default for zero
func (p *DetectionParams) Probability() float64 {
	if p == nil || p.ProbabilityThreshold == 0 {
		return DefaultProbabilityThreshold
	}
	return p.ProbabilityThreshold
}

// Return the NMS IoU threshold, substituting the default for zero
func (p *DetectionParams) NmsIou() float64 {
	if p == nil || p.NmsIouThreshold == 0 {
		return DefaultNmsIouThreshold
	}
	return p.NmsIouThreshold
}

// ObjectDetector is given an image, and returns zero or more detected objects
type ObjectDetector interface {
	// Close releases any connections held by the detector
	Close()

	// DetectObjects returns a list of objects detected in the image file.
	// You can create a default DetectionParams with NewDetectionParams()
	DetectObjects(ctx context.Context, imagePath string, params *DetectionParams) ([]ObjectDetection, error)

	// Model Config.
	// Callers assume that ModelConfig will remain constant, so don't change it
	// once the detector has been created.
	Config() *ModelConfig
}

// ModelConfig describes the model behind a detector
type ModelConfig struct {
	Architecture string   `json:"architecture"` // eg "yolo11"
	Name         string   `json:"name"`         // eg "yolo11m"
	Classes      []string `json:"classes"`      // eg ["person", "bicycle", "car", ...]
}

// Return a COCO config for the given model name
func NewCOCOModelConfig(architecture, name string) *ModelConfig {
	return &ModelConfig{
		Architecture: architecture,
		Name:         name,
		Classes:      COCOClasses,
	}
}

// ClassName returns the label of class 'id', or an error if it is out of range
func (c *ModelConfig) ClassName(id int) (string, error) {
	if id < 0 || id >= len(c.Classes) {
		return "", fmt.Errorf("Class index %v out of range (model has %v classes)", id, len(c.Classes))
	}
	return c.Classes[id], nil
}

// ClassID returns the index of 'label', or -1 if the model doesn't know it
func (c *ModelConfig) ClassID(label string) int {
	for i, cls := range c.Classes {
		if cls == label {
			return i
		}
	}
	return -1
}

// Load model config from a JSON file
func LoadModelConfig(filename string) (*ModelConfig, error) {
	b, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	config := &ModelConfig{}
	err = json.Unmarshal(b, config)
	if err != nil {
		return nil, err
	}
	return config, nil
}

// Load a text file with class names on each line
func LoadClassFile(filename string) ([]string, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	classes := []string{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			classes = append(classes, line)
		}
	}
	return classes, scanner.Err()
}
