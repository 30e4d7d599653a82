package server

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cyclopcam/imgsearch/pkg/config"
	"github.com/cyclopcam/imgsearch/pkg/metadata"
	"github.com/cyclopcam/imgsearch/pkg/nn"
	"github.com/cyclopcam/logs"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// tokenDetector finds one object for every underscore separated word of the file name that is a COCO class.
// "b_car_car_person.png" has two cars and a person. Files with "bad" in the name fail.
type tokenDetector struct {
	config *nn.ModelConfig
}

func (d *tokenDetector) Close() {}

func (d *tokenDetector) Config() *nn.ModelConfig {
	return d.config
}

func (d *tokenDetector) DetectObjects(ctx context.Context, imagePath string, params *nn.DetectionParams) ([]nn.ObjectDetection, error) {
	name := strings.TrimSuffix(filepath.Base(imagePath), filepath.Ext(imagePath))
	if strings.Contains(name, "bad") {
		return nil, errors.New("unreadable image")
	}
	objs := []nn.ObjectDetection{}
	for i, tok := range strings.Split(name, "_") {
		id := d.config.ClassID(tok)
		if id < 0 {
			continue
		}
		x := float64(i * 12)
		objs = append(objs, nn.ObjectDetection{Class: tok, ClassID: id, Confidence: 0.8, Box: nn.Box{X1: x, Y1: 2, X2: x + 10, Y2: 20}})
	}
	return objs, nil
}

type testClient struct {
	t      *testing.T
	base   string
	client *http.Client
}

func (c *testClient) do(method, path string, body any) (int, []byte) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(c.t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, c.base+path, reader)
	require.NoError(c.t, err)
	resp, err := c.client.Do(req)
	require.NoError(c.t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(c.t, err)
	return resp.StatusCode, raw
}

func (c *testClient) json(method, path string, body any, out any) {
	code, raw := c.do(method, path, body)
	require.Equal(c.t, http.StatusOK, code, string(raw))
	require.NoError(c.t, json.Unmarshal(raw, out))
}

type testEnv struct {
	server  *Server
	http    *httptest.Server
	imgDir  string
	nCreate int
}

func writePNG(t *testing.T, filename string) {
	img := image.NewRGBA(image.Rect(0, 0, 64, 48))
	for y := 0; y < 48; y++ {
		for x := 0; x < 64; x++ {
			img.Set(x, y, color.RGBA{uint8(x * 4), uint8(y * 5), 80, 255})
		}
	}
	f, err := os.Create(filename)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
}

func newTestEnv(t *testing.T) *testEnv {
	env := &testEnv{
		imgDir: t.TempDir(),
	}
	for _, name := range []string{"a_car_person.png", "b_car_car_person.png", "c_person.png", "d_car_car.png", "e_bad.png"} {
		writePNG(t, filepath.Join(env.imgDir, name))
	}
	require.NoError(t, os.WriteFile(filepath.Join(env.imgDir, "notes.txt"), []byte("hello"), 0644))

	cfg := config.Default()
	cfg.Server.RunDB = filepath.Join(t.TempDir(), "runs.sqlite")
	s, err := NewServer(logs.NewTestingLog(t), cfg, func(ctx context.Context) (nn.ObjectDetector, error) {
		env.nCreate++
		return &tokenDetector{config: nn.NewCOCOModelConfig("token", "token-v1")}, nil
	})
	require.NoError(t, err)
	env.server = s
	env.http = httptest.NewServer(s.httpRouter)
	t.Cleanup(func() {
		env.http.Close()
		s.RunDB.Close()
	})
	return env
}

func (env *testEnv) newClient(t *testing.T) *testClient {
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &testClient{
		t:      t,
		base:   env.http.URL,
		client: &http.Client{Jar: jar},
	}
}

type processResult struct {
	MetadataPath string `json:"metadataPath"`
	NumImages    int    `json:"numImages"`
	Failures     []struct {
		Path  string `json:"path"`
		Error string `json:"error"`
	} `json:"failures"`
	Classes []string `json:"classes"`
}

type searchResult struct {
	Query     string `json:"query"`
	NumImages int    `json:"numImages"`
	Matches   []struct {
		ImagePath   string         `json:"imagePath"`
		ClassCounts map[string]int `json:"classCounts"`
		Highlight   []string       `json:"highlight"`
	} `json:"matches"`
	Summary []struct {
		Class  string `json:"class"`
		Images int    `json:"images"`
		Total  int    `json:"total"`
	} `json:"summary"`
}

func TestPing(t *testing.T) {
	env := newTestEnv(t)
	c := env.newClient(t)
	ping := struct {
		Time int64 `json:"time"`
	}{}
	c.json("GET", "/api/ping", nil, &ping)
	require.NotZero(t, ping.Time)
}

func TestProcessAndSearch(t *testing.T) {
	env := newTestEnv(t)
	c := env.newClient(t)

	// Nothing loaded yet
	code, _ := c.do("GET", "/api/classes", nil)
	require.Equal(t, http.StatusBadRequest, code)

	proc := processResult{}
	c.json("POST", "/api/process", map[string]string{"directory": env.imgDir}, &proc)
	require.Equal(t, filepath.Join(env.imgDir, "metadata.json"), proc.MetadataPath)
	require.Equal(t, 5, proc.NumImages)
	require.Len(t, proc.Failures, 1)
	require.Equal(t, filepath.Join(env.imgDir, "e_bad.png"), proc.Failures[0].Path)
	require.Equal(t, []string{"car", "person"}, proc.Classes)

	// The metadata file was written, and can be read back
	raw, err := os.ReadFile(proc.MetadataPath)
	require.NoError(t, err)
	store, err := metadata.Deserialize(raw)
	require.NoError(t, err)
	require.Equal(t, 4, store.Len())

	classes := classesJSON{}
	c.json("GET", "/api/classes", nil, &classes)
	require.Equal(t, 4, classes.NumImages)
	require.Equal(t, []string{"car", "person"}, classes.Classes)
	require.Equal(t, []int{1, 2}, classes.CountOptions["car"])
	require.Equal(t, []int{1}, classes.CountOptions["person"])

	// ALL of car and person, with at most one car
	res := searchResult{}
	c.json("POST", "/api/search", map[string]any{
		"classes":    []string{"car", "person", "car"},
		"mode":       "all",
		"thresholds": map[string]int{"car": 1},
	}, &res)
	require.Equal(t, 4, res.NumImages)
	require.Len(t, res.Matches, 1)
	require.Equal(t, filepath.Join(env.imgDir, "a_car_person.png"), res.Matches[0].ImagePath)
	require.Equal(t, []string{"car", "person"}, res.Matches[0].Highlight)

	// ANY car, in store order
	res = searchResult{}
	c.json("POST", "/api/search", map[string]any{"classes": []string{"car"}}, &res)
	require.Len(t, res.Matches, 3)
	require.Equal(t, filepath.Join(env.imgDir, "a_car_person.png"), res.Matches[0].ImagePath)
	require.Equal(t, filepath.Join(env.imgDir, "b_car_car_person.png"), res.Matches[1].ImagePath)
	require.Equal(t, filepath.Join(env.imgDir, "d_car_car.png"), res.Matches[2].ImagePath)
	require.Equal(t, "car", res.Summary[0].Class)
	require.Equal(t, 3, res.Summary[0].Images)
	require.Equal(t, 5, res.Summary[0].Total)

	// Empty selection
	res = searchResult{}
	c.json("POST", "/api/search", map[string]any{"classes": []string{}, "mode": "any"}, &res)
	require.Len(t, res.Matches, 0)

	code, _ = c.do("POST", "/api/search", map[string]any{"classes": []string{"car"}, "mode": "xor"})
	require.Equal(t, http.StatusBadRequest, code)

	// The run was recorded
	runs := []struct {
		Directory string `json:"directory"`
		Model     string `json:"model"`
		NumImages int    `json:"numImages"`
		NumFailed int    `json:"numFailed"`
	}{}
	c.json("GET", "/api/runs", nil, &runs)
	require.Len(t, runs, 1)
	require.Equal(t, env.imgDir, runs[0].Directory)
	require.Equal(t, "token-v1", runs[0].Model)
	require.Equal(t, 1, runs[0].NumFailed)

	// The detector is created once, and reused
	c.json("POST", "/api/process", map[string]string{"directory": env.imgDir}, &proc)
	require.Equal(t, 1, env.nCreate)
}

func TestImageAndExport(t *testing.T) {
	env := newTestEnv(t)
	c := env.newClient(t)
	proc := processResult{}
	c.json("POST", "/api/process", map[string]string{"directory": env.imgDir}, &proc)

	imgPath := filepath.Join(env.imgDir, "b_car_car_person.png")
	code, raw := c.do("GET", "/api/image?highlight=car&path="+url.QueryEscape(imgPath), nil)
	require.Equal(t, http.StatusOK, code)
	img, err := jpeg.Decode(bytes.NewReader(raw))
	require.NoError(t, err)
	require.Equal(t, 64, img.Bounds().Dx())

	code, _ = c.do("GET", "/api/image?path="+url.QueryEscape(filepath.Join(env.imgDir, "e_bad.png")), nil)
	require.Equal(t, http.StatusNotFound, code)

	query := map[string]any{"classes": []string{"person"}, "mode": "any"}

	code, raw = c.do("POST", "/api/export/json", query)
	require.Equal(t, http.StatusOK, code)
	exported, err := metadata.Deserialize(raw)
	require.NoError(t, err)
	require.Equal(t, 3, exported.Len())

	code, raw = c.do("POST", "/api/export/zip?annotate=1", query)
	require.Equal(t, http.StatusOK, code)
	zr, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	require.NoError(t, err)
	names := []string{}
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	require.Equal(t, []string{"a_car_person.jpg", "b_car_car_person.jpg", "c_person.jpg", "metadata.json"}, names)

	// A missing source image fails the export
	require.NoError(t, os.Remove(filepath.Join(env.imgDir, "c_person.png")))
	code, _ = c.do("POST", "/api/export/zip", map[string]any{"classes": []string{"person"}})
	require.Equal(t, http.StatusNotFound, code)
}

func TestLoad(t *testing.T) {
	env := newTestEnv(t)
	c := env.newClient(t)

	dir := t.TempDir()
	good := filepath.Join(dir, "good.json")
	require.NoError(t, os.WriteFile(good, []byte(`[
		{"image_path": "x.jpg", "detections": [{"class": "dog", "confidence": 0.5, "bbox": [1, 2, 3, 4], "count": 1}],
		 "total_objects": 1, "unique_class": ["dog"], "class_counts": {"dog": 1}}
	]`), 0644))
	corrupt := filepath.Join(dir, "corrupt.json")
	require.NoError(t, os.WriteFile(corrupt, []byte(`[{"image_path": "x.jpg"}]`), 0644))

	classes := classesJSON{}
	c.json("POST", "/api/load", map[string]string{"path": good}, &classes)
	require.Equal(t, []string{"dog"}, classes.Classes)
	require.Equal(t, good, classes.Source)

	code, _ := c.do("POST", "/api/load", map[string]string{"path": corrupt})
	require.Equal(t, http.StatusBadRequest, code)
	code, _ = c.do("POST", "/api/load", map[string]string{"path": filepath.Join(dir, "missing.json")})
	require.Equal(t, http.StatusNotFound, code)
	code, _ = c.do("POST", "/api/load", map[string]string{})
	require.Equal(t, http.StatusBadRequest, code)

	// A failed load leaves the previous store in place
	c.json("GET", "/api/classes", nil, &classes)
	require.Equal(t, []string{"dog"}, classes.Classes)

	// Sessions are independent
	other := env.newClient(t)
	code, _ = other.do("GET", "/api/classes", nil)
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, 2, env.server.sessions.Len())
}

func TestProcessErrors(t *testing.T) {
	env := newTestEnv(t)
	c := env.newClient(t)

	code, _ := c.do("POST", "/api/process", map[string]string{"directory": ""})
	require.Equal(t, http.StatusBadRequest, code)

	code, _ = c.do("POST", "/api/process", map[string]string{"directory": filepath.Join(env.imgDir, "nope")})
	require.Equal(t, http.StatusNotFound, code)

	// A directory without any images
	code, _ = c.do("POST", "/api/process", map[string]string{"directory": t.TempDir()})
	require.Equal(t, http.StatusBadRequest, code)
}

func TestProgressWebSocket(t *testing.T) {
	env := newTestEnv(t)
	c := env.newClient(t)

	// Establish the session cookie
	c.do("GET", "/api/session", nil)

	wsURL := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/api/ws"
	header := http.Header{}
	for _, cookie := range c.client.Jar.Cookies(mustParseURL(t, env.http.URL)) {
		header.Add("Cookie", cookie.String())
	}
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	defer ws.Close()

	// Wait until the subscription exists before starting the run
	sess := env.server.sessions.Get(httptest.NewRecorder(), requestWithCookies(t, c, env.http.URL))
	for i := 0; i < 1000; i++ {
		sess.lock.Lock()
		n := len(sess.subscribers)
		sess.lock.Unlock()
		if n != 0 {
			break
		}
		waitABit()
	}

	proc := processResult{}
	c.json("POST", "/api/process", map[string]string{"directory": env.imgDir}, &proc)

	events := []ProgressEvent{}
	for {
		ev := ProgressEvent{}
		require.NoError(t, ws.ReadJSON(&ev))
		events = append(events, ev)
		if ev.Finished {
			break
		}
	}
	require.Len(t, events, 6)
	require.Equal(t, 5, events[4].Done)
	nErr := 0
	for _, ev := range events[:5] {
		if ev.Error != "" {
			nErr++
		}
	}
	require.Equal(t, 1, nErr)
	require.Equal(t, "", events[5].Error)
}
