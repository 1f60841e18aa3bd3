// Package httpadapter implements a reference provider adapter that
// dispatches block work to a remote HTTP endpoint using go-resty.
package httpadapter

import (
	"context"
	"fmt"

	"github.com/go-resty/resty/v2"

	"github.com/flowforge/dagrunner/internal/provider"
)

// Adapter POSTs a dispatch request as JSON to a configured URL.
type Adapter struct {
	client *resty.Client
	url    string
}

// New builds an HTTP adapter that posts every dispatch to url.
func New(url string) *Adapter {
	return &Adapter{client: resty.New(), url: url}
}

// requestBody is the wire shape posted to the remote endpoint.
type requestBody struct {
	Title              string         `json:"title"`
	Description        string         `json:"description"`
	Context            any            `json:"context"`
	AcceptanceCriteria []string       `json:"acceptance_criteria,omitempty"`
	BounceCount        int            `json:"bounce_count"`
	Agent              string         `json:"agent,omitempty"`
	System             string         `json:"system,omitempty"`
	ModelParams        map[string]any `json:"model_params,omitempty"`
}

type responseBody struct {
	Success        bool   `json:"success"`
	Output         string `json:"output"`
	TokensUsed     int    `json:"tokens_used"`
	Error          string `json:"error"`
	ActualProvider string `json:"actual_provider"`
	ActualModel    string `json:"actual_model"`
}

// Dispatch POSTs req to the configured URL, honoring ctx's deadline and
// cancellation, and maps the JSON response body into a DispatchResult.
func (a *Adapter) Dispatch(ctx context.Context, req provider.DispatchRequest) (provider.DispatchResult, error) {
	body := requestBody{
		Title:              req.Title,
		Description:        req.Description,
		Context:            req.Context.ToAny(),
		AcceptanceCriteria: req.AcceptanceCriteria,
		BounceCount:        req.BounceCount,
		Agent:              req.Agent.Value,
		System:             req.System,
		ModelParams:        req.ModelParams,
	}

	var out responseBody
	resp, err := a.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		SetResult(&out).
		Post(a.url)
	if err != nil {
		return provider.DispatchResult{}, fmt.Errorf("httpadapter: dispatch: %w", err)
	}
	if resp.IsError() {
		return provider.DispatchResult{
			Success: false,
			Error:   fmt.Sprintf("httpadapter: remote returned %s: %s", resp.Status(), resp.String()),
		}, nil
	}

	return provider.DispatchResult{
		Success:        out.Success,
		Output:         out.Output,
		TokensUsed:     out.TokensUsed,
		Error:          out.Error,
		ActualProvider: out.ActualProvider,
		ActualModel:    out.ActualModel,
	}, nil
}

// HealthCheck pings the configured endpoint's /health path.
func (a *Adapter) HealthCheck(ctx context.Context) error {
	resp, err := a.client.R().SetContext(ctx).Get(a.url + "/health")
	if err != nil {
		return fmt.Errorf("httpadapter: health check: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("httpadapter: health check returned %s", resp.Status())
	}
	return nil
}
