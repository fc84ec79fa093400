package ml

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"
)

func testLinearModel(seqLength int) *LinearModel {
	weights := make([][]float64, seqLength)
	for t := range weights {
		weights[t] = make([]float64, NumFeatures)
	}
	// last day's price carries forward with a small drift
	weights[seqLength-1][PriceIdx] = 1
	return &LinearModel{
		Schema:       ModelSchema,
		Version:      ModelVersion,
		SeqLength:    seqLength,
		FeatureCount: NumFeatures,
		Weights:      weights,
		Bias:         0.01,
	}
}

func testWindow(n int, price float64) []FeatureVector {
	window := make([]FeatureVector, n)
	for i := range window {
		window[i][PriceIdx] = price
	}
	return window
}

func TestLoadModelLinear(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.json")
	if err := testLinearModel(3).Save(path); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	model, err := LoadModel(ModelSpec{Schema: ModelSchema, Version: ModelVersion, Kind: "linear", Path: path})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, err := model.Forecast(context.Background(), testWindow(3, 0.5))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if math.Abs(got-0.51) > 1e-12 {
		t.Fatalf("expected 0.51, got %f", got)
	}

	if _, err := model.Forecast(context.Background(), testWindow(2, 0.5)); err == nil {
		t.Fatal("expected error for window length mismatch")
	}
}

func TestResolveSeqLength(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.json")
	if err := testLinearModel(30).Save(path); err != nil {
		t.Fatal(err)
	}
	linear, err := LoadModel(ModelSpec{Schema: ModelSchema, Version: ModelVersion, Kind: "linear", Path: path})
	if err != nil {
		t.Fatal(err)
	}
	remote := NewRemoteModel("http://127.0.0.1:1/predict", time.Second)

	tests := []struct {
		name       string
		model      Forecaster
		configured int
		want       int
		wantErr    bool
	}{
		{"artifact length when unset", linear, 0, 30, false},
		{"matching config", linear, 30, 30, false},
		{"mismatched config", linear, 60, 0, true},
		{"remote uses config", remote, 45, 45, false},
		{"remote falls back", remote, 0, 60, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolveSeqLength(tt.model, tt.configured, 60)
			if tt.wantErr {
				if !errors.Is(err, ErrSeqLengthMismatch) {
					t.Fatalf("expected ErrSeqLengthMismatch, got %d, %v", got, err)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Fatalf("expected %d, got %d, %v", tt.want, got, err)
			}
		})
	}
}

func TestLoadModelRejectsUndeclaredSchema(t *testing.T) {
	tests := []struct {
		name string
		spec ModelSpec
	}{
		{name: "schema", spec: ModelSpec{Schema: "torch.pickle", Version: ModelVersion, Kind: "linear", Path: "x"}},
		{name: "version", spec: ModelSpec{Schema: ModelSchema, Version: "2", Kind: "linear", Path: "x"}},
		{name: "kind", spec: ModelSpec{Schema: ModelSchema, Version: ModelVersion, Kind: "lstm"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadModel(tt.spec)
			if !errors.Is(err, ErrUnsupportedModel) {
				t.Fatalf("expected ErrUnsupportedModel, got %v", err)
			}
		})
	}
}

func TestLoadLinearModelValidatesArtifact(t *testing.T) {
	model := testLinearModel(2)
	model.FeatureCount = 7
	model.Weights[0] = model.Weights[0][:7]
	model.Weights[1] = model.Weights[1][:7]

	path := filepath.Join(t.TempDir(), "model.json")
	if err := model.Save(path); err == nil {
		t.Fatal("expected save to reject a wrong feature count")
	}
}

func TestRemoteModelForecast(t *testing.T) {
	var rows int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req remoteRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		rows = len(req.Window)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]float64{"prediction": 0.42})
	}))
	defer server.Close()

	model := NewRemoteModel(server.URL, time.Second)
	got, err := model.Forecast(context.Background(), testWindow(4, 0.3))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 0.42 {
		t.Fatalf("expected 0.42, got %f", got)
	}
	if rows != 4 {
		t.Fatalf("expected server to receive 4 rows, got %d", rows)
	}
}

func TestRemoteModelErrorResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "bad shape"})
	}))
	defer server.Close()

	model := NewRemoteModel(server.URL, time.Second)
	if _, err := model.Forecast(context.Background(), testWindow(4, 0.3)); err == nil {
		t.Fatal("expected error")
	}
}
