package ml

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// RemoteModel forwards each window to a model server that returns {"prediction": x}.
type RemoteModel struct {
	url    string
	client *resty.Client
}

type remoteRequest struct {
	Schema  string      `json:"schema"`
	Version string      `json:"version"`
	Window  [][]float64 `json:"window"`
}

type remoteResponse struct {
	Prediction *float64 `json:"prediction"`
	Error      string   `json:"error,omitempty"`
}

func NewRemoteModel(url string, timeout time.Duration) *RemoteModel {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(200 * time.Millisecond).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	return &RemoteModel{url: url, client: client}
}

func (m *RemoteModel) Forecast(ctx context.Context, window []FeatureVector) (float64, error) {
	if err := ValidateWindow(window, 0); err != nil {
		return 0, err
	}
	resp, err := m.client.R().
		SetContext(ctx).
		SetBody(remoteRequest{Schema: ModelSchema, Version: ModelVersion, Window: WindowMatrix(window)}).
		Post(m.url)
	if err != nil {
		return 0, fmt.Errorf("model server request failed: %w", err)
	}

	var out remoteResponse
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return 0, fmt.Errorf("model server returned status %d with undecodable body: %w", resp.StatusCode(), err)
	}
	if resp.IsError() {
		if out.Error != "" {
			return 0, fmt.Errorf("model server error: %s", out.Error)
		}
		return 0, fmt.Errorf("model server returned status %d", resp.StatusCode())
	}
	if out.Prediction == nil {
		return 0, errors.New("model server response has no prediction")
	}
	return *out.Prediction, nil
}
