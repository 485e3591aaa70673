package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"rove/internal/chat"
	"rove/internal/logging"
)

// tokenRefreshGrace refreshes the access token this long before its
// recorded expiry so an in-flight request never races the deadline.
const tokenRefreshGrace = 60 * time.Second

// experimentalResponsesPath is the responses route this adapter
// targets; the stable route does not accept subscription bearer
// tokens.
const experimentalResponsesPath = "/v1/experimental/responses"

// Token is an OAuth access/refresh token pair.
type Token struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Valid reports whether the access token is usable past the refresh
// grace window.
func (t Token) Valid(now time.Time) bool {
	return t.AccessToken != "" && now.Before(t.ExpiresAt.Add(-tokenRefreshGrace))
}

// TokenStore persists tokens across processes.
type TokenStore interface {
	Load() (Token, error)
	Save(Token) error
}

// FileTokenStore keeps the token as a JSON file with owner-only
// permissions.
type FileTokenStore struct {
	Path string
}

func (s *FileTokenStore) Load() (Token, error) {
	var t Token
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return t, err
	}
	err = json.Unmarshal(data, &t)
	return t, err
}

func (s *FileTokenStore) Save(t Token) error {
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.Path), 0o700); err != nil {
		return err
	}
	tmp := s.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.Path)
}

// OAuthAdapter streams from the responses endpoint authenticated with
// a rotating OAuth bearer token instead of an API key.
type OAuthAdapter struct {
	baseURL  string
	tokenURL string
	clientID string
	store    TokenStore

	httpClient *http.Client
	group      singleflight.Group

	mu    sync.Mutex
	token Token
}

// NewOAuth creates an adapter that refreshes its bearer token through
// tokenURL and persists it via store.
func NewOAuth(baseURL, tokenURL, clientID string, store TokenStore) *OAuthAdapter {
	return &OAuthAdapter{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		tokenURL:   tokenURL,
		clientID:   clientID,
		store:      store,
		httpClient: &http.Client{Timeout: 10 * time.Minute},
	}
}

func (a *OAuthAdapter) Name() string { return "openai-oauth" }

// ensureToken returns a valid access token, refreshing through a
// single flight when the cached one is inside the grace window.
func (a *OAuthAdapter) ensureToken(ctx context.Context) (string, error) {
	a.mu.Lock()
	cached := a.token
	a.mu.Unlock()
	if cached.Valid(time.Now()) {
		return cached.AccessToken, nil
	}

	v, err, _ := a.group.Do("refresh", func() (any, error) {
		// Another process may have rotated the token already.
		if a.store != nil {
			if stored, err := a.store.Load(); err == nil && stored.Valid(time.Now()) {
				a.setToken(stored)
				return stored.AccessToken, nil
			}
		}

		refresh := cached.RefreshToken
		if refresh == "" && a.store != nil {
			if stored, err := a.store.Load(); err == nil {
				refresh = stored.RefreshToken
			}
		}
		if refresh == "" {
			return "", fmt.Errorf("no refresh token available, re-authenticate")
		}

		fresh, err := a.refreshToken(ctx, refresh)
		if err != nil {
			return "", err
		}
		a.setToken(fresh)
		if a.store != nil {
			if err := a.store.Save(fresh); err != nil {
				logging.Warn("failed to persist refreshed token", "error", err)
			}
		}
		return fresh.AccessToken, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (a *OAuthAdapter) setToken(t Token) {
	a.mu.Lock()
	a.token = t
	a.mu.Unlock()
}

func (a *OAuthAdapter) invalidateToken() {
	a.mu.Lock()
	a.token.AccessToken = ""
	a.mu.Unlock()
}

func (a *OAuthAdapter) refreshToken(ctx context.Context, refresh string) (Token, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refresh},
		"client_id":     {a.clientID},
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return Token{}, err
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return Token{}, fmt.Errorf("token refresh: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return Token{}, NewHTTPError(resp, body)
	}

	var payload struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return Token{}, fmt.Errorf("token refresh response: %w", err)
	}
	t := Token{
		AccessToken:  payload.AccessToken,
		RefreshToken: payload.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(payload.ExpiresIn) * time.Second),
	}
	if t.RefreshToken == "" {
		t.RefreshToken = refresh
	}
	logging.Info("access token refreshed", "expires_at", t.ExpiresAt)
	return t, nil
}

func (a *OAuthAdapter) Stream(ctx context.Context, req Request) (*EventStream, error) {
	body := map[string]any{
		"model":  req.Model,
		"input":  responsesInput(req.Messages),
		"stream": true,
		"store":  false,
	}
	// The subscription backend meters output itself; token-limit
	// fields are rejected.
	if req.System != "" {
		body["instructions"] = req.System
	}
	if req.ReasoningEffort != "" {
		body["reasoning"] = map[string]any{"effort": req.ReasoningEffort}
	}
	if len(req.Tools) > 0 {
		tl := make([]map[string]any, 0, len(req.Tools))
		for _, decl := range req.Tools {
			schema := schemaToJSON(decl.Schema)
			if schema == nil {
				schema = map[string]any{"type": "object", "properties": map[string]any{}}
			}
			RewriteSchemaStrict(schema)
			tl = append(tl, map[string]any{
				"type":        "function",
				"name":        decl.Name,
				"description": decl.Description,
				"parameters":  schema,
				"strict":      true,
			})
		}
		body["tools"] = tl
	}

	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	resp, err := a.post(ctx, jsonData)
	if err != nil {
		var httpErr *HTTPError
		if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusUnauthorized {
			a.invalidateToken()
			resp, err = a.post(ctx, jsonData)
		}
	}
	if err != nil {
		return nil, err
	}

	events := make(chan Event, 16)
	go a.readStream(ctx, resp.Body, events)
	return &EventStream{Events: events}, nil
}

func (a *OAuthAdapter) post(ctx context.Context, body []byte) (*http.Response, error) {
	token, err := a.ensureToken(ctx)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+experimentalResponsesPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, NewHTTPError(resp, respBody)
	}
	return resp, nil
}

func (a *OAuthAdapter) readStream(ctx context.Context, body io.ReadCloser, events chan<- Event) {
	defer close(events)
	defer body.Close()

	if !emit(ctx, events, StepStart()) {
		return
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), sseBufferSize)

	sawToolCall := false
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		data, ok := strings.CutPrefix(scanner.Text(), "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "" || data == "[DONE]" {
			continue
		}

		var ev struct {
			Type  string `json:"type"`
			Delta string `json:"delta"`
			Item  *struct {
				Type      string `json:"type"`
				CallID    string `json:"call_id"`
				Name      string `json:"name"`
				Arguments string `json:"arguments"`
			} `json:"item"`
			Response *struct {
				Status            string `json:"status"`
				IncompleteDetails *struct {
					Reason string `json:"reason"`
				} `json:"incomplete_details"`
				Usage *struct {
					InputTokens  int `json:"input_tokens"`
					OutputTokens int `json:"output_tokens"`
				} `json:"usage"`
				Error *struct {
					Message string `json:"message"`
				} `json:"error"`
			} `json:"response"`
		}
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			logging.Warn("unparseable responses event", "error", err)
			continue
		}

		switch ev.Type {
		case "response.output_text.delta":
			if ev.Delta != "" && !emit(ctx, events, TextDelta(ev.Delta)) {
				return
			}
		case "response.reasoning_text.delta", "response.reasoning_summary_text.delta":
			if ev.Delta != "" && !emit(ctx, events, ReasoningDelta(ev.Delta)) {
				return
			}
		case "response.output_item.done":
			if ev.Item != nil && ev.Item.Type == "function_call" {
				sawToolCall = true
				call := &chat.ToolCall{
					ID:   ev.Item.CallID,
					Name: ev.Item.Name,
					Args: parseToolArgs(ev.Item.Name, ev.Item.Arguments),
				}
				if !emit(ctx, events, ToolCallEnd(call)) {
					return
				}
			}
		case "response.completed", "response.incomplete":
			var usage Usage
			reason := FinishStop
			if ev.Response != nil {
				if ev.Response.Usage != nil {
					usage.InputTokens = ev.Response.Usage.InputTokens
					usage.OutputTokens = ev.Response.Usage.OutputTokens
				}
				if ev.Response.IncompleteDetails != nil && ev.Response.IncompleteDetails.Reason == "max_output_tokens" {
					reason = FinishLength
				}
			}
			if sawToolCall && reason == FinishStop {
				reason = FinishToolCalls
			}
			emit(ctx, events, StepFinish(usage))
			emit(ctx, events, Finish(reason, usage))
			return
		case "response.failed", "error":
			msg := "response failed"
			if ev.Response != nil && ev.Response.Error != nil {
				msg = ev.Response.Error.Message
			}
			emit(ctx, events, ErrorEvent(fmt.Errorf("%s", msg)))
			return
		}
	}

	if err := scanner.Err(); err != nil {
		emit(ctx, events, ErrorEvent(fmt.Errorf("stream read: %w", err)))
		return
	}
	emit(ctx, events, Finish(FinishStop, Usage{}))
}

// responsesInput converts history to the responses-API input list.
func responsesInput(messages []chat.Message) []map[string]any {
	out := make([]map[string]any, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case chat.RoleAssistant:
			if text := msg.Text(); text != "" {
				out = append(out, map[string]any{
					"type":    "message",
					"role":    "assistant",
					"content": []map[string]any{{"type": "output_text", "text": text}},
				})
			}
			for _, tc := range msg.ToolCalls() {
				out = append(out, map[string]any{
					"type":      "function_call",
					"call_id":   tc.ID,
					"name":      tc.Name,
					"arguments": tc.ArgsJSON(),
				})
			}
		case chat.RoleTool:
			for _, tr := range msg.ToolResults() {
				out = append(out, map[string]any{
					"type":    "function_call_output",
					"call_id": tr.CallID,
					"output":  tr.Content,
				})
			}
		default:
			text := msg.Text()
			if text == "" {
				continue
			}
			out = append(out, map[string]any{
				"type":    "message",
				"role":    string(msg.Role),
				"content": []map[string]any{{"type": "input_text", "text": text}},
			})
		}
	}
	return out
}
