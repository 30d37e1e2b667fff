package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/pavelanni/mathtrainer/internal/llm/prompts"
	"github.com/pavelanni/mathtrainer/internal/metrics"
	"github.com/pavelanni/mathtrainer/internal/model"

	openai "github.com/sashabaranov/go-openai"
)

// DefaultTimeout bounds a single judge call.
const DefaultTimeout = 60 * time.Second

// Config holds the judge endpoint and generation settings.
type Config struct {
	BaseURL string
	APIKey  string
	Model   string
	// Options are free-form generation options. Known keys map onto the
	// chat completion request; anything else is ignored.
	Options map[string]any
	Timeout time.Duration
	Variant prompts.PromptVariant
}

// Client wraps an OpenAI-compatible API client and grades answers with it.
type Client struct {
	api     *openai.Client
	model   string
	timeout time.Duration
	variant prompts.PromptVariant
	base    openai.ChatCompletionRequest
}

// judgeReply mirrors the JSON object the model must return. Pointer fields
// let a missing key be told apart from a zero value.
type judgeReply struct {
	Score       *float64 `json:"score"`
	Correct     *bool    `json:"correct"`
	Explanation *string  `json:"explanation"`
	Hint        *string  `json:"hint"`
}

// New creates a new judge client. It fails only on invalid configuration.
func New(cfg Config) (*Client, error) {
	if cfg.Model == "" {
		return nil, errors.New("judge model is required")
	}
	if cfg.Variant == "" {
		cfg.Variant = prompts.PromptStandard
	}
	if !prompts.IsValidVariant(string(cfg.Variant)) {
		return nil, fmt.Errorf("invalid prompt variant %q", cfg.Variant)
	}
	if err := prompts.Load(); err != nil {
		return nil, err
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}

	base := openai.ChatCompletionRequest{
		Model: cfg.Model,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	}
	ignored, err := applyOptions(&base, cfg.Options)
	if err != nil {
		return nil, err
	}
	if len(ignored) > 0 {
		slog.Warn("ignoring unsupported judge options", "keys", ignored)
	}

	return &Client{
		api:     openai.NewClientWithConfig(config),
		model:   cfg.Model,
		timeout: cfg.Timeout,
		variant: cfg.Variant,
		base:    base,
	}, nil
}

// Model returns the configured model identifier.
func (c *Client) Model() string {
	return c.model
}

// Ping checks that the endpoint answers a model listing.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if _, err := c.api.ListModels(ctx); err != nil {
		return fmt.Errorf("list models: %w", err)
	}
	return nil
}

// Judge asks the model to grade answer against solution. The boolean is
// false when no usable judgment was produced; the reason is logged.
func (c *Client) Judge(ctx context.Context, question, solution, answer string) (model.GradeResult, bool) {
	prompt, err := prompts.BuildJudgePrompt(c.variant, question, solution, answer)
	if err != nil {
		return c.fail("prompt", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req := c.base
	req.Messages = []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleUser, Content: prompt},
	}

	start := time.Now()
	resp, err := c.api.CreateChatCompletion(ctx, req)
	metrics.JudgeDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return c.fail("timeout", err)
		}
		return c.fail("request", err)
	}
	if len(resp.Choices) == 0 {
		return c.fail("empty", errors.New("no choices returned"))
	}

	raw := strings.TrimSpace(resp.Choices[0].Message.Content)
	slog.Debug("judge response", "raw", raw)

	result, err := parseReply(raw)
	if err != nil {
		return c.fail("parse", err)
	}
	return result, true
}

func (c *Client) fail(reason string, err error) (model.GradeResult, bool) {
	metrics.JudgeFailures.WithLabelValues(reason).Inc()
	slog.Warn("judge unavailable", "reason", reason, "model", c.model, "error", err)
	return model.GradeResult{}, false
}

func parseReply(raw string) (model.GradeResult, error) {
	var reply judgeReply
	if err := json.Unmarshal([]byte(raw), &reply); err != nil {
		return model.GradeResult{}, fmt.Errorf("decode judge reply: %w (raw: %s)", err, raw)
	}
	if reply.Score == nil || reply.Correct == nil || reply.Explanation == nil || reply.Hint == nil {
		return model.GradeResult{}, fmt.Errorf("judge reply missing keys (raw: %s)", raw)
	}

	score := *reply.Score
	switch {
	case math.IsNaN(score), score < 0:
		score = 0
	case score > 1:
		score = 1
	}

	return model.GradeResult{
		Score:           score,
		Correct:         *reply.Correct,
		MissingKeywords: []string{},
		Reasons:         strings.TrimSpace(*reply.Explanation),
		Hint:            strings.TrimSpace(*reply.Hint),
		Source:          model.SourceJudge,
	}, nil
}

// applyOptions copies recognised generation options onto req and returns the
// sorted names of the keys it did not recognise.
func applyOptions(req *openai.ChatCompletionRequest, opts map[string]any) ([]string, error) {
	var ignored []string
	for key, val := range opts {
		var err error
		switch key {
		case "temperature":
			req.Temperature, err = asFloat32(key, val)
		case "top_p":
			req.TopP, err = asFloat32(key, val)
		case "presence_penalty":
			req.PresencePenalty, err = asFloat32(key, val)
		case "frequency_penalty":
			req.FrequencyPenalty, err = asFloat32(key, val)
		case "max_tokens", "num_predict":
			var f float32
			f, err = asFloat32(key, val)
			req.MaxTokens = int(f)
		case "seed":
			var f float32
			if f, err = asFloat32(key, val); err == nil {
				seed := int(f)
				req.Seed = &seed
			}
		case "stop":
			req.Stop, err = asStrings(key, val)
		default:
			ignored = append(ignored, key)
		}
		if err != nil {
			return nil, err
		}
	}
	sort.Strings(ignored)
	return ignored, nil
}

func asFloat32(key string, v any) (float32, error) {
	switch n := v.(type) {
	case float64:
		return float32(n), nil
	case float32:
		return n, nil
	case int:
		return float32(n), nil
	case int64:
		return float32(n), nil
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, fmt.Errorf("judge option %s: %w", key, err)
		}
		return float32(f), nil
	}
	return 0, fmt.Errorf("judge option %s: expected a number, got %T", key, v)
}

func asStrings(key string, v any) ([]string, error) {
	switch s := v.(type) {
	case string:
		return []string{s}, nil
	case []string:
		return s, nil
	case []any:
		out := make([]string, 0, len(s))
		for _, item := range s {
			str, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("judge option %s: expected strings, got %T", key, item)
			}
			out = append(out, str)
		}
		return out, nil
	}
	return nil, fmt.Errorf("judge option %s: expected a string list, got %T", key, v)
}
