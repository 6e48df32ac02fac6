package agent

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"
)

type GeneratorConfig struct {
	Endpoint  string
	Model     string
	AuthToken string
	Timeout   time.Duration
	Logger    *log.Logger
	Client    *http.Client
}

// HTTPGenerator asks an external text-completion endpoint for a single
// shell action that advances the given goal.
type HTTPGenerator struct {
	api    *apiClient
	model  string
	logger *log.Logger
}

func NewHTTPGenerator(cfg GeneratorConfig) (*HTTPGenerator, error) {
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
	return &HTTPGenerator{api: api, model: model, logger: cfg.Logger}, nil
}

type generateRequest struct {
	Model   string `json:"model"`
	Role    string `json:"role"`
	Goal    string `json:"goal"`
	Context string `json:"context,omitempty"`
}

type generateResponse struct {
	Action string `json:"action"`
}

func (g *HTTPGenerator) Generate(ctx context.Context, role, goal, contextText string) (string, error) {
	var resp generateResponse
	err := g.api.postJSON(ctx, generateRequest{
		Model:   g.model,
		Role:    role,
		Goal:    goal,
		Context: contextText,
	}, &resp)
	if err != nil {
		return "", fmt.Errorf("generate action: %w", err)
	}
	action := strings.TrimSpace(resp.Action)
	if action == "" {
		return "", fmt.Errorf("generator returned an empty action")
	}
	g.logger.Printf("generated action role=%s len=%d", role, len(action))
	return action, nil
}
