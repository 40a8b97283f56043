// Package corrector asks an OpenAI-compatible chat-completions service for
// replacement content that fixes a fault.
package corrector

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"github.com/psantana5/healwatch/internal/logging"
	"github.com/psantana5/healwatch/pkg/models"
)

var (
	// ErrEmptyProposal is returned when the service answers with no content
	ErrEmptyProposal = errors.New("corrector returned empty content")
	// ErrNotConfigured is returned when no API key is available
	ErrNotConfigured = errors.New("corrector API key not set")
)

// Request carries everything the corrector sees for one proposal
type Request struct {
	Fault         models.Fault
	ArtifactPath  string // empty when the fault has no artifact
	Content       string // current artifact content, may be empty
	PreviousError string // why the last proposal failed verification
	Feedback      string // operator's reason for rejecting the last proposal
	Attempt       int
}

// Corrector proposes replacement content for a faulty artifact
type Corrector interface {
	Propose(ctx context.Context, req Request) (string, error)
}

// Config configures the chat-completions client
type Config struct {
	BaseURL           string        `mapstructure:"base_url" yaml:"base_url,omitempty"`
	Model             string        `mapstructure:"model" yaml:"model"`
	APIKeyEnv         string        `mapstructure:"api_key_env" yaml:"api_key_env"`
	APIKey            string        `mapstructure:"api_key" yaml:"-"`
	Timeout           time.Duration `mapstructure:"timeout" yaml:"timeout"`
	RequestsPerMinute int           `mapstructure:"requests_per_minute" yaml:"requests_per_minute"`
}

// DefaultConfig returns the default client settings
func DefaultConfig() Config {
	return Config{
		Model:             "gpt-4o-mini",
		APIKeyEnv:         "OPENAI_API_KEY",
		Timeout:           60 * time.Second,
		RequestsPerMinute: 10,
	}
}

type chatAPI interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Client is the chat-completions Corrector
type Client struct {
	api     chatAPI
	model   string
	timeout time.Duration
	limiter *rate.Limiter
	logger  *logging.Logger
}

// New creates a client. The API key comes from cfg.APIKey or, failing
// that, the environment variable named by cfg.APIKeyEnv.
func New(cfg Config, logger *logging.Logger) (*Client, error) {
	cfg = withDefaults(cfg)

	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv(cfg.APIKeyEnv)
	}
	if apiKey == "" {
		return nil, fmt.Errorf("%w: set %s", ErrNotConfigured, cfg.APIKeyEnv)
	}

	oc := openai.DefaultConfig(apiKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	return newClient(openai.NewClientWithConfig(oc), cfg, logger), nil
}

func newClient(api chatAPI, cfg Config, logger *logging.Logger) *Client {
	cfg = withDefaults(cfg)
	if logger == nil {
		logger = logging.Discard()
	}
	return &Client{
		api:     api,
		model:   cfg.Model,
		timeout: cfg.Timeout,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RequestsPerMinute)), 1),
		logger:  logger.Component("corrector"),
	}
}

func withDefaults(cfg Config) Config {
	def := DefaultConfig()
	if cfg.Model == "" {
		cfg.Model = def.Model
	}
	if cfg.APIKeyEnv == "" {
		cfg.APIKeyEnv = def.APIKeyEnv
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = def.RequestsPerMinute
	}
	return cfg
}

const systemPrompt = "You are an expert software engineer. You repair broken files and runtime faults with the smallest change that works."

// Propose asks the service for replacement content
func (c *Client) Propose(ctx context.Context, req Request) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limiter: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: BuildPrompt(req)},
		},
	})
	if err != nil {
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: no choices", ErrEmptyProposal)
	}

	content := ExtractContent(resp.Choices[0].Message.Content)
	if content == "" {
		return "", ErrEmptyProposal
	}

	c.logger.Info("Proposal received", map[string]interface{}{
		"fault_id":    req.Fault.ID,
		"attempt":     req.Attempt,
		"model":       c.model,
		"duration_ms": time.Since(start).Milliseconds(),
		"bytes":       len(content),
	})
	return content, nil
}

// BuildPrompt renders the user message for a request
func BuildPrompt(req Request) string {
	var b strings.Builder

	if req.ArtifactPath != "" {
		b.WriteString("Task: Fix the provided file so it runs without errors.\n")
		b.WriteString("Rules:\n")
		b.WriteString("- Return ONLY the full corrected contents of the file.\n")
		b.WriteString("- Do not include explanations, comments, or markdown fences.\n")
		b.WriteString("- Preserve functionality; if unclear, choose the simplest working fix.\n")
	} else {
		b.WriteString("Task: Explain the most likely fix for the fault below.\n")
		b.WriteString("Rules:\n")
		b.WriteString("- Return a short, concrete remediation an operator can act on.\n")
	}

	fmt.Fprintf(&b, "\n--- BEGIN ERROR OUTPUT ---\n%s\n--- END ERROR OUTPUT ---\n", req.Fault.Summary())

	if req.PreviousError != "" {
		fmt.Fprintf(&b, "\nThe previous proposal failed verification:\n%s\n", req.PreviousError)
	}
	if req.Feedback != "" {
		fmt.Fprintf(&b, "\nThe operator rejected the previous proposal: %s\n", req.Feedback)
	}

	if req.ArtifactPath != "" {
		fmt.Fprintf(&b, "\n--- BEGIN %s ---\n%s\n--- END %s ---\n", req.ArtifactPath, req.Content, req.ArtifactPath)
	}
	return b.String()
}

var codeBlockRe = regexp.MustCompile("```[a-zA-Z0-9_\\-]*\\n([\\s\\S]*?)```")

// ExtractContent returns the first fenced code block of a response, or the
// whole response when it has none. Blank lines around the content are
// dropped but the indentation of the first line is kept.
func ExtractContent(response string) string {
	if m := codeBlockRe.FindStringSubmatch(response); m != nil {
		response = m[1]
	}
	response = strings.TrimRight(response, " \t\r\n")
	for {
		i := strings.IndexByte(response, '\n')
		if i < 0 || strings.TrimSpace(response[:i]) != "" {
			break
		}
		response = response[i+1:]
	}
	if strings.TrimSpace(response) == "" {
		return ""
	}
	return response
}
