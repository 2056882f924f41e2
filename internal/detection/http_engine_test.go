package detection

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"cambanzo/internal/pipeline"
)

func testJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{uint8(x), uint8(y), 64, 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatalf("encoding test image: %v", err)
	}
	return buf.Bytes()
}

func TestDetectParsesServiceResponse(t *testing.T) {
	var gotThreshold string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/detect" {
			http.NotFound(w, r)
			return
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parsing multipart form: %v", err)
		}
		gotThreshold = r.FormValue("conf_threshold")
		if _, _, err := r.FormFile("file"); err != nil {
			t.Errorf("missing file field: %v", err)
		}

		json.NewEncoder(w).Encode(map[string]any{
			"detections": []map[string]any{
				{"class": "person", "confidence": 0.92, "bbox": []float32{10, 20, 110, 220}},
				{"class": "dog", "confidence": 0.55, "bbox": []float32{5, 5, 50, 50}},
			},
			"count":             2,
			"inference_time_ms": 42.5,
		})
	}))
	defer srv.Close()

	engine := NewHTTPEngine(HTTPConfig{Endpoint: srv.URL, ConfidenceThreshold: 0.4})
	frame := &pipeline.Frame{CameraID: "front", Seq: 7, Timestamp: time.Now(), Data: testJPEG(t, 320, 240)}

	result, err := engine.Detect(context.Background(), frame)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}

	if gotThreshold != "0.400" {
		t.Errorf("conf_threshold = %q, want 0.400", gotThreshold)
	}
	if result.CameraID != "front" || result.FrameSeq != 7 {
		t.Errorf("result identity = %s/%d, want front/7", result.CameraID, result.FrameSeq)
	}
	if len(result.Detections) != 2 {
		t.Fatalf("got %d detections, want 2", len(result.Detections))
	}
	d := result.Detections[0]
	if d.Label != "person" || d.Confidence != 0.92 {
		t.Errorf("first detection = %s/%.2f, want person/0.92", d.Label, d.Confidence)
	}
	if d.BBox.X1 != 10 || d.BBox.Y2 != 220 {
		t.Errorf("bbox = %+v, want [10 20 110 220]", d.BBox)
	}
	if len(result.Annotated) == 0 {
		t.Error("expected a locally annotated image when service returns none")
	}
	if bytes.Equal(result.Annotated, frame.Data) {
		t.Error("annotated image should differ from the raw frame when boxes are drawn")
	}
}

func TestDetectErrorOnBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model crashed", http.StatusInternalServerError)
	}))
	defer srv.Close()

	engine := NewHTTPEngine(HTTPConfig{Endpoint: srv.URL})
	frame := &pipeline.Frame{CameraID: "front", Seq: 1, Data: testJPEG(t, 16, 16)}

	if _, err := engine.Detect(context.Background(), frame); err == nil {
		t.Fatal("expected an error on HTTP 500")
	}
}

func TestHealthyCachesPositiveAnswer(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		json.NewEncoder(w).Encode(map[string]any{"status": "ok", "model_loaded": true})
	}))
	defer srv.Close()

	engine := NewHTTPEngine(HTTPConfig{Endpoint: srv.URL})
	if !engine.Healthy() {
		t.Fatal("expected healthy")
	}
	if !engine.Healthy() {
		t.Fatal("expected healthy on cached check")
	}
	if calls != 1 {
		t.Errorf("health endpoint called %d times, want 1 (cached)", calls)
	}
}

func TestHealthyFalseWhenModelNotLoaded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"status": "loading", "model_loaded": false})
	}))
	defer srv.Close()

	engine := NewHTTPEngine(HTTPConfig{Endpoint: srv.URL})
	if engine.Healthy() {
		t.Fatal("expected unhealthy while model is loading")
	}
}

func TestAnnotateDrawsWithinBounds(t *testing.T) {
	raw := testJPEG(t, 64, 64)
	detections := []pipeline.Detection{
		// Box partially outside the image must not panic.
		{Label: "person", Confidence: 0.9, BBox: pipeline.BBox{X1: -10, Y1: -10, X2: 200, Y2: 200}},
		{Label: "cat", Confidence: 0.7, BBox: pipeline.BBox{X1: 10, Y1: 10, X2: 30, Y2: 30}},
	}

	out, err := Annotate(raw, detections)
	if err != nil {
		t.Fatalf("Annotate: %v", err)
	}
	img, err := jpeg.Decode(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("annotated output is not a valid JPEG: %v", err)
	}
	if img.Bounds().Dx() != 64 || img.Bounds().Dy() != 64 {
		t.Errorf("annotated image resized to %v, want 64x64", img.Bounds())
	}
}

func TestAnnotateRejectsGarbage(t *testing.T) {
	if _, err := Annotate([]byte("not a jpeg"), nil); err == nil {
		t.Fatal("expected decode error for invalid input")
	}
}
