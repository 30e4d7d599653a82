package nnhttp

// Package nnhttp is an object detector that runs inference on a remote HTTP service,
// typically a small server wrapping a YOLO model.
//
// Protocol:
//	POST <base>/predict   multipart form with "file" (the image), "conf" and "iou"
//	  -> {"detections": [{"class": "car", "class_id": 2, "confidence": 0.9, "bbox": [x1, y1, x2, y2]}]}
//	GET  <base>/health    -> 200 if the model is loaded

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cyclopcam/imgsearch/pkg/nn"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/www"
)

type Detector struct {
	baseURL string
	config  *nn.ModelConfig
	log     logs.Log
}

type predictDetection struct {
	Class      string    `json:"class"`
	ClassID    *int      `json:"class_id"`
	Confidence float64   `json:"confidence"`
	BBox       []float64 `json:"bbox"`
}

type predictResponse struct {
	Detections []predictDetection `json:"detections"`
}

// New creates a detector that talks to the service at baseURL (eg "http://localhost:5000").
// The model config is used to resolve class indices when the service omits the label.
func New(log logs.Log, baseURL string, config *nn.ModelConfig) *Detector {
	return &Detector{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		config:  config,
		log:     log,
	}
}

func (d *Detector) Close() {
}

func (d *Detector) Config() *nn.ModelConfig {
	return d.config
}

func (d *Detector) DetectObjects(ctx context.Context, imagePath string, params *nn.DetectionParams) ([]nn.ObjectDetection, error) {
	img, err := os.ReadFile(imagePath)
	if err != nil {
		return nil, err
	}

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("file", filepath.Base(imagePath))
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, bytes.NewReader(img)); err != nil {
		return nil, fmt.Errorf("copy image data: %w", err)
	}
	writer.WriteField("conf", strconv.FormatFloat(params.Probability(), 'g', -1, 64))
	writer.WriteField("iou", strconv.FormatFloat(params.NmsIou(), 'g', -1, 64))
	if err := writer.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", d.baseURL+"/predict", body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp := predictResponse{}
	if err := www.FetchJSON(req, &resp); err != nil {
		return nil, fmt.Errorf("inference request: %w", err)
	}

	raw := make([]nn.ObjectDetection, 0, len(resp.Detections))
	for i, pd := range resp.Detections {
		obj, err := d.convert(pd)
		if err != nil {
			return nil, fmt.Errorf("detection %v: %w", i, err)
		}
		raw = append(raw, obj)
	}
	// The service already applies its own thresholds, but we don't trust it to do NMS across
	// overlapping tiles, or to honor our merge rules.
	return nn.PostProcess(raw, params), nil
}

func (d *Detector) convert(pd predictDetection) (nn.ObjectDetection, error) {
	if len(pd.BBox) != 4 {
		return nn.ObjectDetection{}, fmt.Errorf("bbox has %v values, expected 4", len(pd.BBox))
	}
	obj := nn.ObjectDetection{
		Class:      pd.Class,
		ClassID:    -1,
		Confidence: pd.Confidence,
		Box:        nn.MakeBox([4]float64(pd.BBox)),
	}
	if pd.ClassID != nil {
		obj.ClassID = *pd.ClassID
	}
	if obj.Class == "" {
		if pd.ClassID == nil {
			return obj, fmt.Errorf("detection has neither class nor class_id")
		}
		name, err := d.config.ClassName(*pd.ClassID)
		if err != nil {
			return obj, err
		}
		obj.Class = name
	} else if obj.ClassID == -1 {
		obj.ClassID = d.config.ClassID(obj.Class)
	}
	return obj, nil
}

// CheckHealth returns nil if the inference service is up
func (d *Detector) CheckHealth(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "GET", d.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := www.Do(req)
	if err != nil {
		return fmt.Errorf("Inference service at %v is unhealthy: %w", d.baseURL, err)
	}
	resp.Body.Close()
	return nil
}
