package judge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mpataki/jury/internal/models"
)

var errNoOptions = errors.New("scenario offers no options")

// HTTPJudge talks to an OpenAI-compatible chat completions endpoint.
type HTTPJudge struct {
	id          string
	model       string
	baseURL     string
	apiKey      string
	temperature *float64
	http        *http.Client
}

func NewHTTPJudge(def models.JudgeDef, baseURL, apiKey string, timeout time.Duration) *HTTPJudge {
	if def.BaseURL != "" {
		baseURL = def.BaseURL
	}
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &HTTPJudge{
		id:          def.ID,
		model:       def.Model,
		baseURL:     strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:      apiKey,
		temperature: def.Temperature,
		http: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout:   5 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				ForceAttemptHTTP2:     true,
				MaxIdleConns:          100,
				MaxIdleConnsPerHost:   32,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ExpectContinueTimeout: 1 * time.Second,
			},
		},
	}
}

func (j *HTTPJudge) ID() string {
	return j.id
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatTool struct {
	Type     string       `json:"type"`
	Function toolFunction `json:"function"`
}

type toolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	Temperature    *float64      `json:"temperature,omitempty"`
	ResponseFormat any           `json:"response_format,omitempty"`
	Tools          []chatTool    `json:"tools,omitempty"`
	ToolChoice     any           `json:"tool_choice,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *models.Usage `json:"usage"`
}

// decisionPayload is what the judge is asked to produce in either mode.
type decisionPayload struct {
	Choice     string  `json:"choice"`
	Confidence float64 `json:"confidence"`
	Difficulty int     `json:"difficulty"`
	Rationale  string  `json:"rationale"`
}

const chooseTool = "choose_option"

func (j *HTTPJudge) Decide(ctx context.Context, req Request) (*models.Decision, error) {
	if len(req.Options) == 0 {
		return nil, Permanent(errNoOptions)
	}

	body := chatRequest{
		Model:       j.model,
		Messages:    buildMessages(req),
		Temperature: j.temperature,
	}
	if req.Mode == models.ModeExecutive {
		body.Tools = []chatTool{chooseOptionTool(req.Options)}
		body.ToolChoice = "required"
	} else {
		body.ResponseFormat = map[string]string{"type": "json_object"}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, Permanent(fmt.Errorf("marshal request: %w", err))
	}

	start := time.Now()
	resp, err := j.post(ctx, payload)
	if err != nil {
		return nil, err
	}
	latency := time.Since(start)

	raw, err := extractPayload(resp, req.Mode)
	if err != nil {
		return nil, err
	}

	var p decisionPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, Transient(fmt.Errorf("decode decision: %w", err))
	}
	if !validChoice(req.Options, p.Choice) {
		return nil, Permanent(fmt.Errorf("judge chose %q, which is not a permissible option", p.Choice))
	}

	model := resp.Model
	if model == "" {
		model = j.model
	}
	return &models.Decision{
		ChoiceID:   p.Choice,
		Confidence: clamp(p.Confidence, 0, 1),
		Difficulty: int(clamp(float64(p.Difficulty), 1, 10)),
		Rationale:  strings.TrimSpace(p.Rationale),
		Latency:    latency,
		Model:      model,
		Usage:      resp.Usage,
	}, nil
}

func (j *HTTPJudge) post(ctx context.Context, payload []byte) (*chatResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, j.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, Permanent(fmt.Errorf("build request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if j.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+j.apiKey)
	}

	resp, err := j.http.Do(httpReq)
	if err != nil {
		return nil, Transient(fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, Transient(fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp, data)
	}

	var out chatResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, Transient(fmt.Errorf("decode response: %w", err))
	}
	return &out, nil
}

func statusError(resp *http.Response, body []byte) *Error {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 500 {
		msg = msg[:500] + "..."
	}
	e := &Error{
		Class:      models.ErrorClassPermanent,
		StatusCode: resp.StatusCode,
		Err:        fmt.Errorf("provider returned %s: %s", resp.Status, msg),
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		e.Class = models.ErrorClassTransient
		e.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
	case resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode >= 500:
		e.Class = models.ErrorClassTransient
	}
	return e
}

func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return 0
}

func extractPayload(resp *chatResponse, mode models.Mode) (string, error) {
	if len(resp.Choices) == 0 {
		return "", Transient(errors.New("response contained no choices"))
	}
	msg := resp.Choices[0].Message

	if mode == models.ModeExecutive {
		for _, call := range msg.ToolCalls {
			if call.Function.Name == chooseTool {
				return call.Function.Arguments, nil
			}
		}
		return "", Permanent(fmt.Errorf("judge did not call %s", chooseTool))
	}

	content := strings.TrimSpace(msg.Content)
	if content == "" {
		return "", Transient(errors.New("empty response content"))
	}
	return stripCodeFence(content), nil
}

func stripCodeFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
