/*
Package narrative generates executive summaries from KPI snapshots.

PURPOSE:
  Wraps an external chat-completion provider behind the metrics.Narrator
  contract. Strictly best-effort: every call is bounded by a timeout,
  transient failures get exactly one retry, and anything beyond that
  surfaces as ErrAIUnavailable for the aggregator to absorb.

OUTPUT:
  The returned text is opaque to this system. No parsing or validation
  beyond capping its length to protect the transport layer.

SEE ALSO:
  - metrics/aggregator.go: The only caller, degrades gracefully
*/
package narrative

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/civiclens/report-engine/engine"
	"github.com/civiclens/report-engine/metrics"
)

// Completer is the narrow seam over the vendor client. Satisfied by
// *openai.Client; tests substitute a fake.
type Completer interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Config tunes the narrative service.
type Config struct {
	Model     string        // default gpt-4o-mini
	Timeout   time.Duration // per attempt (default 10s)
	MaxLength int           // cap on returned runes (default 2000)
}

func (c Config) withDefaults() Config {
	if c.Model == "" {
		c.Model = openai.GPT4oMini
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.MaxLength <= 0 {
		c.MaxLength = 2000
	}
	return c
}

// Service implements metrics.Narrator against a completion provider.
type Service struct {
	client Completer
	cfg    Config
}

// New creates a service backed by the OpenAI API.
func New(apiKey string, cfg Config) *Service {
	return NewWithClient(openai.NewClient(apiKey), cfg)
}

// NewWithClient creates a service over any Completer.
func NewWithClient(client Completer, cfg Config) *Service {
	return &Service{client: client, cfg: cfg.withDefaults()}
}

// Summarize produces a short operational summary of the snapshot.
// One retry on transient failure; any failure beyond that returns
// ErrAIUnavailable.
func (s *Service) Summarize(ctx context.Context, snap *metrics.Snapshot) (string, error) {
	prompt := buildPrompt(snap)

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		text, err := s.complete(ctx, prompt)
		if err == nil {
			return s.cap(text), nil
		}
		lastErr = err
		// The caller walked away; retrying can't help.
		if errors.Is(ctx.Err(), context.Canceled) {
			break
		}
	}
	return "", fmt.Errorf("%w: %v", engine.ErrAIUnavailable, lastErr)
}

func (s *Service) complete(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: s.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: "You are a security and operations analyst for a civic incident program.",
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: prompt,
			},
		},
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("provider returned no choices")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

func (s *Service) cap(text string) string {
	runes := []rune(text)
	if len(runes) <= s.cfg.MaxLength {
		return text
	}
	return string(runes[:s.cfg.MaxLength])
}

// buildPrompt lays the numeric KPIs out for the model. The response is
// consumed verbatim, so the prompt only asks for plain prose.
func buildPrompt(s *metrics.Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Current incident-report metrics (range: %s):\n", s.Query.Range)
	fmt.Fprintf(&b, "- Total reports: %d\n", s.Total)
	fmt.Fprintf(&b, "- Active cases: %d\n", s.Active)
	fmt.Fprintf(&b, "- Resolution rate: %s\n", s.ResolutionRate)
	fmt.Fprintf(&b, "- Transparency rate (anonymous share): %s\n", s.TransparencyRate)
	if len(s.Priorities) > 0 {
		fmt.Fprintf(&b, "- Priority distribution: %v\n", s.Priorities)
	}
	if len(s.Statuses) > 0 {
		fmt.Fprintf(&b, "- Status distribution: %v\n", s.Statuses)
	}
	if len(s.TopRiskZones) > 0 {
		b.WriteString("- Highest-incidence zones:\n")
		for _, z := range s.TopRiskZones {
			fmt.Fprintf(&b, "  - %s: %d reports\n", z.Bucket, z.Count)
		}
	}
	b.WriteString("\nWrite a brief executive summary (under 120 words) of the operational ")
	b.WriteString("situation and one tactical recommendation. Plain text only.")
	return b.String()
}
