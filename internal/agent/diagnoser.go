package agent

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"conclave/internal/domain"
)

type DiagnoserConfig struct {
	Endpoint  string
	Model     string
	AuthToken string
	Timeout   time.Duration
	Logger    *log.Logger
	Client    *http.Client
}

// HTTPDiagnoser asks an external endpoint to explain an execution
// failure and classify it. The classification drives whether the
// orchestrator retries, fails, or opens a negotiation.
type HTTPDiagnoser struct {
	api    *apiClient
	model  string
	logger *log.Logger
}

func NewHTTPDiagnoser(cfg DiagnoserConfig) (*HTTPDiagnoser, error) {
	api, err := newAPIClient(cfg.Endpoint, cfg.AuthToken, cfg.Timeout, cfg.Client)
	if err != nil {
		return nil, err
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		return nil, fmt.Errorf("empty model")
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	return &HTTPDiagnoser{api: api, model: model, logger: cfg.Logger}, nil
}

type diagnoseRequest struct {
	Model   string `json:"model"`
	Error   string `json:"error"`
	Context string `json:"context,omitempty"`
}

func (d *HTTPDiagnoser) Diagnose(ctx context.Context, errText, contextText string) (domain.Diagnosis, error) {
	var diagnosis domain.Diagnosis
	err := d.api.postJSON(ctx, diagnoseRequest{
		Model:   d.model,
		Error:   errText,
		Context: contextText,
	}, &diagnosis)
	if err != nil {
		return domain.Diagnosis{}, fmt.Errorf("diagnose failure: %w", err)
	}
	if strings.TrimSpace(diagnosis.Summary) == "" {
		return domain.Diagnosis{}, fmt.Errorf("diagnoser returned an empty diagnosis")
	}
	return diagnosis, nil
}
