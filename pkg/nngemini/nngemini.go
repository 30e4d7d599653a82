package nngemini

// Package nngemini is an object detector backed by a Gemini vision model.
// Gemini reports boxes as [ymin, xmin, ymax, xmax], normalized to 0..1000.

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/cyclopcam/imgsearch/pkg/nn"
	"github.com/cyclopcam/logs"
	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

const systemPrompt = `You are an object detector. Find every instance of the listed object classes in the image.
Return only a JSON array. Each element is {"label": string, "confidence": number between 0 and 1, "box_2d": [ymin, xmin, ymax, xmax]},
with box coordinates normalized to 0..1000. Use the class names exactly as listed. If nothing is found, return [].`

const maxAttempts = 3

type Detector struct {
	client *genai.Client
	model  *genai.GenerativeModel
	config *nn.ModelConfig
	log    logs.Log
}

// The shape we ask Gemini to produce
type geminiBox struct {
	Label      string     `json:"label"`
	Confidence *float64   `json:"confidence"`
	Box2D      [4]float64 `json:"box_2d"`
}

func New(ctx context.Context, log logs.Log, apiKey, modelName string, config *nn.ModelConfig) (*Detector, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("GEMINI_API_KEY is empty")
	}
	cl, err := genai.NewClient(ctx, option.WithAPIKey(strings.TrimSpace(apiKey)))
	if err != nil {
		return nil, err
	}
	m := cl.GenerativeModel(strings.TrimSpace(modelName))
	m.GenerationConfig = genai.GenerationConfig{
		Temperature:      ptrFloat32(0),
		ResponseMIMEType: "application/json",
	}
	m.SystemInstruction = &genai.Content{
		Parts: []genai.Part{
			genai.Text(systemPrompt),
			genai.Text("Classes: " + strings.Join(config.Classes, ", ")),
		},
	}
	return &Detector{
		client: cl,
		model:  m,
		config: config,
		log:    log,
	}, nil
}

func (d *Detector) Close() {
	d.client.Close()
}

func (d *Detector) Config() *nn.ModelConfig {
	return d.config
}

func (d *Detector) DetectObjects(ctx context.Context, imagePath string, params *nn.DetectionParams) ([]nn.ObjectDetection, error) {
	img, err := os.ReadFile(imagePath)
	if err != nil {
		return nil, err
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(img))
	if err != nil {
		return nil, fmt.Errorf("Failed to read image dimensions: %w", err)
	}

	parts := []genai.Part{
		genai.Text("Detect the objects in this image. Answer with the JSON array only."),
		genai.Blob{MIMEType: http.DetectContentType(img), Data: img},
	}

	// Retry on transient failures
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		resp, err := d.model.GenerateContent(ctx, parts...)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			d.log.Debugf("Gemini attempt %v on %v failed: %v", attempt, imagePath, err)
			time.Sleep(time.Duration(attempt) * 300 * time.Millisecond)
			continue
		}
		txt := firstText(resp)
		if txt == "" {
			return nil, errors.New("gemini: empty response")
		}
		raw, err := parseBoxes(txt, cfg.Width, cfg.Height, d.config)
		if err != nil {
			return nil, err
		}
		return nn.PostProcess(raw, params), nil
	}
	return nil, lastErr
}

// parseBoxes turns a Gemini answer into detections in pixel coordinates.
// Labels outside of the model's class list are dropped.
func parseBoxes(txt string, width, height int, config *nn.ModelConfig) ([]nn.ObjectDetection, error) {
	txt = stripCodeFences(txt)
	var boxes []geminiBox
	if err := json.Unmarshal([]byte(txt), &boxes); err != nil {
		return nil, fmt.Errorf("gemini: bad JSON: %w", err)
	}
	w := float64(width)
	h := float64(height)
	out := make([]nn.ObjectDetection, 0, len(boxes))
	for _, b := range boxes {
		label := strings.ToLower(strings.TrimSpace(b.Label))
		id := config.ClassID(label)
		if id < 0 {
			continue
		}
		conf := 1.0
		if b.Confidence != nil {
			conf = min(max(*b.Confidence, 0), 1)
		}
		ymin, xmin, ymax, xmax := b.Box2D[0], b.Box2D[1], b.Box2D[2], b.Box2D[3]
		box := nn.Box{
			X1: min(xmin, xmax) * w / 1000,
			Y1: min(ymin, ymax) * h / 1000,
			X2: max(xmin, xmax) * w / 1000,
			Y2: max(ymin, ymax) * h / 1000,
		}
		out = append(out, nn.ObjectDetection{
			Class:      label,
			ClassID:    id,
			Confidence: conf,
			Box:        box,
		})
	}
	return out, nil
}

func firstText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 {
		return ""
	}
	for _, c := range resp.Candidates {
		if c.Content == nil {
			continue
		}
		for _, p := range c.Content.Parts {
			if t, ok := p.(genai.Text); ok {
				return string(t)
			}
		}
	}
	return ""
}

func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func ptrFloat32(v float32) *float32 { return &v }
