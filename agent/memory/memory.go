// Package memory implements context management: token-pressure analysis and
// transcript compression. Compression replaces the message prefix before the
// last safe fork point with a single synthesized user summary so the model
// keeps a coherent recent tail.
package memory

import (
	"context"
	"fmt"
	"strings"

	"goa.design/agentcore/agent/message"
	"goa.design/agentcore/agent/model"
)

type (
	// Analysis is the result of a pressure check.
	Analysis struct {
		// ShouldCompress reports whether the transcript exceeds the pressure
		// threshold.
		ShouldCompress bool
		// EstimatedTokens is the heuristic token estimate for the transcript.
		EstimatedTokens int
	}

	// Compression is the result of a compression pass.
	Compression struct {
		// Summary is the synthesized user message inserted at index 0.
		Summary message.Message
		// Retained is the kept message tail, starting at the last safe fork
		// point.
		Retained []message.Message
		// Ratio is len(Retained)+1 over the original message count.
		Ratio float64
	}

	// Manager analyzes and compresses transcripts. A nil summarizer client
	// degrades to a deterministic extract summary so compression still
	// relieves pressure without an auxiliary model.
	Manager struct {
		client    model.Client
		modelID   string
		threshold int
	}

	// Option configures a Manager.
	Option func(*Manager)
)

// DefaultTokenThreshold is the estimated-token pressure threshold above
// which Analyze recommends compression.
const DefaultTokenThreshold = 80_000

// summaryPrefix marks synthesized summary messages so repair and repeated
// compression passes can recognize them.
const summaryPrefix = "[conversation summary]"

// WithSummarizer sets the auxiliary model used to synthesize summaries.
func WithSummarizer(client model.Client, modelID string) Option {
	return func(m *Manager) {
		m.client = client
		m.modelID = modelID
	}
}

// WithTokenThreshold overrides the pressure threshold.
func WithTokenThreshold(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.threshold = n
		}
	}
}

// NewManager constructs a context manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{threshold: DefaultTokenThreshold}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Analyze estimates the transcript's token footprint and reports whether
// compression should run. The estimate uses the same chars/3 heuristic as
// the model rate limiter; exactness is not required, only stable ordering.
func (m *Manager) Analyze(msgs []message.Message) Analysis {
	est := EstimateTokens(msgs)
	return Analysis{ShouldCompress: est >= m.threshold, EstimatedTokens: est}
}

// Compress summarizes the prefix before the last safe fork point and returns
// the summary plus the retained tail. It returns nil when there is nothing
// to compress (no safe fork point, or the prefix is empty). Summarizer
// failures fall back to a deterministic extract so a flaky auxiliary model
// never blocks pressure relief.
func (m *Manager) Compress(ctx context.Context, msgs []message.Message) (*Compression, error) {
	sfp := message.LastSafeForkPoint(msgs)
	if sfp <= 0 {
		return nil, nil
	}
	prefix := msgs[:sfp]
	retained := message.Clone(msgs[sfp:])

	text, err := m.summarize(ctx, prefix)
	if err != nil || strings.TrimSpace(text) == "" {
		text = extractSummary(prefix)
	}
	summary := message.NewText(message.RoleUser, summaryPrefix+"\n"+text)
	ratio := float64(len(retained)+1) / float64(len(msgs))
	return &Compression{Summary: summary, Retained: retained, Ratio: ratio}, nil
}

// IsSummary reports whether msg is a synthesized compression summary.
func IsSummary(msg message.Message) bool {
	return msg.Role == message.RoleUser && strings.HasPrefix(msg.Text(), summaryPrefix)
}

// EstimateTokens returns a heuristic token estimate for a transcript.
func EstimateTokens(msgs []message.Message) int {
	chars := 0
	for _, msg := range msgs {
		for _, b := range msg.Content {
			chars += len(b.Text)
			chars += len(b.Content)
			for k := range b.Input {
				chars += len(k) + 16
			}
		}
	}
	return chars / 3
}

func (m *Manager) summarize(ctx context.Context, prefix []message.Message) (string, error) {
	if m.client == nil {
		return "", nil
	}
	var b strings.Builder
	for _, msg := range prefix {
		fmt.Fprintf(&b, "%s: %s\n", msg.Role, msg.Text())
	}
	req := model.Request{
		Model: m.modelID,
		Messages: []message.Message{
			message.NewText(message.RoleUser, b.String()),
		},
		SystemPrompt: "Summarize the following conversation transcript. Preserve decisions, " +
			"open tasks, file paths, and any constraints stated by the user. Respond with " +
			"the summary only.",
		MaxTokens: 1024,
	}
	resp, err := m.client.Complete(ctx, req)
	if err != nil {
		return "", err
	}
	return resp.Message.Text(), nil
}

// extractSummary builds a deterministic fallback summary: the first user
// request plus a truncated digest of the remaining turns.
func extractSummary(prefix []message.Message) string {
	const maxPerTurn = 200
	var b strings.Builder
	for _, msg := range prefix {
		text := strings.TrimSpace(msg.Text())
		if text == "" {
			continue
		}
		if len(text) > maxPerTurn {
			text = text[:maxPerTurn] + "..."
		}
		fmt.Fprintf(&b, "- %s: %s\n", msg.Role, text)
	}
	return b.String()
}
