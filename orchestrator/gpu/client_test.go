package gpu

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestVisualAnalysisSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/run-visual-analysis-batch" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req VisualAnalysisRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("bad request body: %v", err)
		}
		if len(req.DeckIDs) != 1 || req.DeckIDs[0] != 101 {
			t.Errorf("unexpected deck ids %v", req.DeckIDs)
		}
		if req.VisionModel != "qwen-vl" {
			t.Errorf("unexpected vision model %s", req.VisionModel)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success":      true,
			"slide_images": []string{"s1.png", "s2.png"},
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL)
	resp, err := client.RunVisualAnalysisBatch(context.Background(), &VisualAnalysisRequest{
		DeckIDs:     []int64{101},
		FilePaths:   []string{"a.pdf"},
		VisionModel: "qwen-vl",
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if len(resp.SlideImages) != 2 {
		t.Errorf("expected 2 slide images, got %d", len(resp.SlideImages))
	}
}

func TestEnvelopeRejectionIsPhaseError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"success": false, "error": "OOM"})
	}))
	defer srv.Close()

	client := NewClient(srv.URL)
	_, err := client.RunExtractionExperiment(context.Background(), &ExtractionRequest{
		DeckIDs:        []int64{101},
		ExtractionType: "all",
		TextModel:      "llama",
	})
	if err == nil {
		t.Fatal("expected error for success:false")
	}
	var phaseErr *PhaseError
	if !errors.As(err, &phaseErr) {
		t.Fatalf("expected PhaseError, got %T: %v", err, err)
	}
	if phaseErr.Phase != PhaseExtraction {
		t.Errorf("expected phase %s, got %s", PhaseExtraction, phaseErr.Phase)
	}
	if phaseErr.Message != "OOM" {
		t.Errorf("expected upstream message OOM, got %q", phaseErr.Message)
	}
}

func TestNon2xxIsTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream exploded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewClient(srv.URL)
	_, err := client.RunTemplateProcessing(context.Background(), []int64{101}, 7, true, "http://backend/api/internal/save-template-processing")
	if err == nil {
		t.Fatal("expected error for 500")
	}
	var phaseErr *PhaseError
	if errors.As(err, &phaseErr) {
		t.Errorf("5xx must not be a PhaseError: %v", err)
	}
}

func TestTemplateProcessingRequestShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req TemplateProcessingRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("bad request body: %v", err)
		}
		if req.TemplateID != 7 {
			t.Errorf("unexpected template id %d", req.TemplateID)
		}
		if !req.ProcessingOptions.GenerateThumbnails {
			t.Error("expected generate_thumbnails=true")
		}
		if req.ProcessingOptions.CallbackURL == "" {
			t.Error("expected callback_url")
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"success": true})
	}))
	defer srv.Close()

	client := NewClient(srv.URL)
	if _, err := client.RunTemplateProcessing(context.Background(), []int64{101}, 7, true, "http://backend/cb"); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
}

func TestAnalyzeImages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/analyze-images" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success": true,
			"results": []string{"good slide"},
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL)
	resp, err := client.AnalyzeImages(context.Background(), &AnalyzeImagesRequest{
		Images: []string{"s1.png"},
		Prompt: "give feedback",
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if len(resp.Results) != 1 || resp.Results[0] != "good slide" {
		t.Errorf("unexpected results %v", resp.Results)
	}
}

func TestHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/health" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	if err := NewClient(srv.URL).Health(context.Background()); err != nil {
		t.Fatalf("expected healthy, got %v", err)
	}
}
