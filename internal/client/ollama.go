package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/ollama/ollama/api"
	"golang.org/x/sync/singleflight"

	"rove/internal/chat"
	"rove/internal/logging"
	"rove/internal/tools"
)

const (
	ollamaDefaultURL = "http://127.0.0.1:11434"
	ollamaCloudURL   = "https://ollama.com"

	serverStartTimeout = 10 * time.Second
)

// ollamaServeOnce guards the one serve-spawn per process.
var ollamaServeOnce sync.Once

// OllamaAdapter streams from a local Ollama runtime, with hosted
// routing for cloud-suffixed model IDs.
type OllamaAdapter struct {
	local     *api.Client
	cloud     *api.Client
	pullGroup singleflight.Group
}

// bearerTransport adds an Authorization header for hosted endpoints.
type bearerTransport struct {
	base   http.RoundTripper
	apiKey string
}

func (t *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+t.apiKey)
	return t.base.RoundTrip(req)
}

// NewOllama creates an adapter. baseURL defaults to the local runtime;
// apiKey is only used for cloud-suffixed models.
func NewOllama(baseURL, apiKey string) (*OllamaAdapter, error) {
	if baseURL == "" {
		baseURL = ollamaDefaultURL
	}
	localURL, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid ollama URL: %w", err)
	}
	a := &OllamaAdapter{
		local: api.NewClient(localURL, &http.Client{Timeout: 10 * time.Minute}),
	}
	if apiKey != "" {
		cloudURL, _ := url.Parse(ollamaCloudURL)
		a.cloud = api.NewClient(cloudURL, &http.Client{
			Timeout: 10 * time.Minute,
			Transport: &bearerTransport{
				base:   http.DefaultTransport,
				apiKey: apiKey,
			},
		})
	}
	return a, nil
}

func (a *OllamaAdapter) Name() string { return "ollama" }

// isCloudModel reports whether the model ID routes to the hosted
// endpoint.
func isCloudModel(model string) bool {
	return strings.HasSuffix(model, "-cloud") || strings.HasSuffix(model, ":cloud")
}

func (a *OllamaAdapter) clientFor(model string) (*api.Client, bool, error) {
	if isCloudModel(model) {
		if a.cloud == nil {
			return nil, false, fmt.Errorf("model %s requires a hosted API key", model)
		}
		return a.cloud, true, nil
	}
	return a.local, false, nil
}

// EnsureServer verifies the local runtime is reachable, spawning
// `ollama serve` once per process when the connection is refused and
// polling until it answers.
func (a *OllamaAdapter) EnsureServer(ctx context.Context) error {
	if err := a.healthcheck(ctx); err == nil {
		return nil
	} else if !strings.Contains(err.Error(), "connection refused") {
		return err
	}

	ollamaServeOnce.Do(func() {
		logging.Info("ollama server not running, starting it")
		cmd := exec.Command("ollama", "serve")
		if err := cmd.Start(); err != nil {
			logging.Error("failed to start ollama server", "error", err)
			return
		}
		go func() { _ = cmd.Wait() }()
	})

	deadline := time.Now().Add(serverStartTimeout)
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := a.healthcheck(ctx); err == nil {
				return nil
			}
			if time.Now().After(deadline) {
				return fmt.Errorf("ollama server did not come up within %s", serverStartTimeout)
			}
		}
	}
}

func (a *OllamaAdapter) healthcheck(ctx context.Context) error {
	_, err := a.local.List(ctx)
	return err
}

// ListModels returns the models installed on the local runtime.
func (a *OllamaAdapter) ListModels(ctx context.Context) ([]string, error) {
	resp, err := a.local.List(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(resp.Models))
	for _, m := range resp.Models {
		names = append(names, m.Name)
	}
	return names, nil
}

// PullProgress reports model download state.
type PullProgress struct {
	Status    string `json:"status"`
	Completed int64  `json:"completed"`
	Total     int64  `json:"total"`
}

// PullModel downloads a model, deduplicating concurrent pulls of the
// same name.
func (a *OllamaAdapter) PullModel(ctx context.Context, model string, progress func(PullProgress)) error {
	_, err, _ := a.pullGroup.Do(model, func() (any, error) {
		logging.Info("pulling model", "model", model)
		err := a.local.Pull(ctx, &api.PullRequest{Model: model}, func(resp api.ProgressResponse) error {
			if progress != nil {
				progress(PullProgress{
					Status:    resp.Status,
					Completed: resp.Completed,
					Total:     resp.Total,
				})
			}
			return nil
		})
		return nil, err
	})
	return err
}

func (a *OllamaAdapter) Stream(ctx context.Context, req Request) (*EventStream, error) {
	cl, cloudRouted, err := a.clientFor(req.Model)
	if err != nil {
		return nil, err
	}
	if !cloudRouted {
		if err := a.EnsureServer(ctx); err != nil {
			return nil, fmt.Errorf("ollama server: %w", err)
		}
	}

	profile := GetModelProfile(req.Model)
	system := req.System
	if !profile.SupportsTools && len(req.Tools) > 0 {
		system += fallbackToolNote
	}

	chatReq := &api.ChatRequest{
		Model:    req.Model,
		Messages: ollamaMessages(system, req.Messages),
		Stream:   Ptr(true),
		Options:  map[string]any{},
	}
	if req.MaxTokens > 0 {
		chatReq.Options["num_predict"] = req.MaxTokens
	}
	if req.Temperature > 0 {
		chatReq.Options["temperature"] = req.Temperature
	}
	if profile.SupportsTools && len(req.Tools) > 0 {
		chatReq.Tools = ollamaTools(req.Tools)
	}

	events := make(chan Event, 16)
	go a.runChat(ctx, cl, cloudRouted, chatReq, events)

	return &EventStream{Events: SanitizeEvents(events)}, nil
}

func (a *OllamaAdapter) runChat(ctx context.Context, cl *api.Client, cloudRouted bool, chatReq *api.ChatRequest, events chan<- Event) {
	defer close(events)

	if !emit(ctx, events, StepStart()) {
		return
	}

	emitted := false
	err := a.doChat(ctx, cl, chatReq, events, &emitted)
	if err == nil || ctx.Err() != nil {
		return
	}

	// A 404 from the local runtime means the model is not installed;
	// pull it and retry once.
	if !cloudRouted && !emitted && isOllamaModelMissing(err) {
		if pullErr := a.PullModel(ctx, chatReq.Model, nil); pullErr != nil {
			emit(ctx, events, ErrorEvent(fmt.Errorf("model %s unavailable: %w", chatReq.Model, pullErr)))
			return
		}
		if err = a.doChat(ctx, cl, chatReq, events, &emitted); err == nil {
			return
		}
	}
	emit(ctx, events, ErrorEvent(err))
}

func (a *OllamaAdapter) doChat(ctx context.Context, cl *api.Client, chatReq *api.ChatRequest, events chan<- Event, emitted *bool) error {
	var usage Usage
	reason := FinishStop
	sawToolCall := false
	callIndex := 0
	consumerGone := errors.New("consumer gone")

	err := cl.Chat(ctx, chatReq, func(resp api.ChatResponse) error {
		if resp.Message.Thinking != "" {
			if !emit(ctx, events, ReasoningDelta(resp.Message.Thinking)) {
				return consumerGone
			}
			*emitted = true
		}
		if resp.Message.Content != "" {
			if !emit(ctx, events, TextDelta(resp.Message.Content)) {
				return consumerGone
			}
			*emitted = true
		}
		for _, tc := range resp.Message.ToolCalls {
			sawToolCall = true
			id := tc.ID
			if id == "" {
				id = fmt.Sprintf("call_%d", callIndex)
			}
			callIndex++
			call := &chat.ToolCall{
				ID:   id,
				Name: tc.Function.Name,
				Args: tc.Function.Arguments.ToMap(),
			}
			if !emit(ctx, events, ToolCallEnd(call)) {
				return consumerGone
			}
			*emitted = true
		}
		if resp.Done {
			usage.InputTokens = resp.PromptEvalCount
			usage.OutputTokens = resp.EvalCount
			if resp.DoneReason == "length" {
				reason = FinishLength
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, consumerGone) {
			return nil
		}
		return wrapOllamaError(err)
	}

	if sawToolCall && reason == FinishStop {
		reason = FinishToolCalls
	}
	emit(ctx, events, StepFinish(usage))
	emit(ctx, events, Finish(reason, usage))
	*emitted = true
	return nil
}

// wrapOllamaError converts SDK status errors into HTTPError so retry
// classification sees the status code.
func wrapOllamaError(err error) error {
	var statusErr *api.StatusError
	if errors.As(err, &statusErr) {
		return &HTTPError{
			StatusCode: statusErr.StatusCode,
			Message:    statusErr.ErrorMessage,
		}
	}
	return err
}

func isOllamaModelMissing(err error) bool {
	var statusErr *api.StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode == http.StatusNotFound
	}
	return isModelNotFound(err)
}

// ollamaMessages converts history to the runtime's message format.
func ollamaMessages(system string, messages []chat.Message) []api.Message {
	out := make([]api.Message, 0, len(messages)+1)
	if system != "" {
		out = append(out, api.Message{Role: "system", Content: system})
	}
	for _, msg := range messages {
		switch msg.Role {
		case chat.RoleAssistant:
			m := api.Message{Role: "assistant", Content: msg.Text()}
			for _, tc := range msg.ToolCalls() {
				args := api.NewToolCallFunctionArguments()
				for k, v := range tc.Args {
					args.Set(k, v)
				}
				m.ToolCalls = append(m.ToolCalls, api.ToolCall{
					ID:       tc.ID,
					Function: api.ToolCallFunction{Name: tc.Name, Arguments: args},
				})
			}
			out = append(out, m)
		case chat.RoleTool:
			for _, tr := range msg.ToolResults() {
				out = append(out, api.Message{Role: "tool", Content: tr.Content})
			}
		case chat.RoleSystem:
			out = append(out, api.Message{Role: "system", Content: msg.Text()})
		default:
			out = append(out, api.Message{Role: "user", Content: msg.Text()})
		}
	}
	return out
}

// ollamaTools converts declarations to the runtime's tool format.
func ollamaTools(decls []tools.Declaration) api.Tools {
	out := make(api.Tools, 0, len(decls))
	for _, decl := range decls {
		params := api.ToolFunctionParameters{
			Type:       "object",
			Properties: api.NewToolPropertiesMap(),
		}
		if decl.Schema != nil {
			params.Required = decl.Schema.Required
			for name, propSchema := range decl.Schema.Properties {
				prop := api.ToolProperty{Description: propSchema.Description}
				if propSchema.Type != "" {
					prop.Type = api.PropertyType{strings.ToLower(propSchema.Type)}
				}
				if len(propSchema.Enum) > 0 {
					enumVals := make([]any, len(propSchema.Enum))
					for i, v := range propSchema.Enum {
						enumVals[i] = v
					}
					prop.Enum = enumVals
				}
				params.Properties.Set(name, prop)
			}
		}
		out = append(out, api.Tool{
			Type: "function",
			Function: api.ToolFunction{
				Name:        decl.Name,
				Description: decl.Description,
				Parameters:  params,
			},
		})
	}
	return out
}
