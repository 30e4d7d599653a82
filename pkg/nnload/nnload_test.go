package nnload

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/cyclopcam/imgsearch/pkg/config"
	"github.com/cyclopcam/imgsearch/pkg/nn"
	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"
)

func TestLoadClasses(t *testing.T) {
	log := logs.NewTestingLog(t)
	classes, err := LoadClasses(log, "", t.TempDir())
	require.NoError(t, err)
	require.Equal(t, nn.COCOClasses, classes)

	fn := filepath.Join(t.TempDir(), "classes.txt")
	require.NoError(t, os.WriteFile(fn, []byte("qr\n\nsignature\nstamp\n"), 0644))
	classes, err = LoadClasses(log, fn, t.TempDir())
	require.NoError(t, err)
	require.Equal(t, []string{"qr", "signature", "stamp"}, classes)

	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Write([]byte("cat\ndog\n"))
	}))
	defer srv.Close()
	cache := t.TempDir()
	for i := 0; i < 2; i++ {
		classes, err = LoadClasses(log, srv.URL+"/classes.txt", cache)
		require.NoError(t, err)
		require.Equal(t, []string{"cat", "dog"}, classes)
	}
	require.Equal(t, 1, hits)

	empty := filepath.Join(t.TempDir(), "empty.txt")
	require.NoError(t, os.WriteFile(empty, nil, 0644))
	_, err = LoadClasses(log, empty, cache)
	require.Error(t, err)
}

func TestLoadDetector(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	cfg := config.Default().Model
	cfg.InferenceURL = srv.URL
	det, err := LoadDetector(context.Background(), logs.NewTestingLog(t), &cfg)
	require.NoError(t, err)
	require.Equal(t, "yolo11m", det.Config().Name)
	require.Equal(t, "car", det.Config().Classes[2])
	det.Close()

	// No service and no fallback
	cfg.InferenceURL = "http://127.0.0.1:1"
	cfg.GeminiAPIKey = ""
	_, err = LoadDetector(context.Background(), logs.NewTestingLog(t), &cfg)
	require.Error(t, err)

	cfg.Backend = "onnx"
	_, err = LoadDetector(context.Background(), logs.NewTestingLog(t), &cfg)
	require.Error(t, err)
}

func TestDetectionParams(t *testing.T) {
	cfg := config.Default().Model
	cfg.MergeClasses = map[string]string{"truck": "car"}
	p := DetectionParams(&cfg)
	require.Equal(t, 0.25, p.ProbabilityThreshold)
	require.Equal(t, 0.45, p.NmsIouThreshold)
	require.Equal(t, "car", p.MergeClasses["truck"])
}
