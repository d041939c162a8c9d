package memory

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/agentcore/agent/message"
	"goa.design/agentcore/agent/model"
)

// fakeSummarizer is a scripted model.Client for compression tests.
type fakeSummarizer struct {
	summary string
	err     error
	calls   int
	lastReq model.Request
}

func (f *fakeSummarizer) Complete(_ context.Context, req model.Request) (model.Response, error) {
	f.calls++
	f.lastReq = req
	if f.err != nil {
		return model.Response{}, f.err
	}
	return model.Response{Message: message.NewText(message.RoleAssistant, f.summary)}, nil
}

func (f *fakeSummarizer) Stream(context.Context, model.Request) (model.Streamer, error) {
	return nil, model.ErrStreamingUnsupported
}

func transcript(turns int) []message.Message {
	msgs := make([]message.Message, 0, turns*2)
	for i := 0; i < turns; i++ {
		msgs = append(msgs,
			message.NewText(message.RoleUser, strings.Repeat("question ", 20)),
			message.NewText(message.RoleAssistant, strings.Repeat("answer ", 20)),
		)
	}
	return msgs
}

func TestAnalyzeThreshold(t *testing.T) {
	m := NewManager(WithTokenThreshold(100))
	small := m.Analyze(transcript(1))
	require.False(t, small.ShouldCompress)

	large := m.Analyze(transcript(50))
	require.True(t, large.ShouldCompress)
	require.Greater(t, large.EstimatedTokens, small.EstimatedTokens)
}

func TestCompressUsesSummarizer(t *testing.T) {
	fake := &fakeSummarizer{summary: "user asked questions, assistant answered"}
	m := NewManager(WithSummarizer(fake, "summarizer-model"))
	msgs := transcript(5)

	comp, err := m.Compress(context.Background(), msgs)
	require.NoError(t, err)
	require.NotNil(t, comp)
	require.Equal(t, 1, fake.calls)
	require.Equal(t, "summarizer-model", fake.lastReq.Model)

	require.True(t, IsSummary(comp.Summary))
	require.Contains(t, comp.Summary.Text(), "user asked questions")
	require.Equal(t, message.RoleUser, comp.Summary.Role)

	// The tail from the last safe fork point survives verbatim.
	require.Equal(t, msgs[len(msgs)-1], comp.Retained[len(comp.Retained)-1])
	require.InDelta(t, float64(len(comp.Retained)+1)/float64(len(msgs)), comp.Ratio, 1e-9)
	require.Less(t, comp.Ratio, 1.0)
}

func TestCompressFallsBackOnSummarizerFailure(t *testing.T) {
	fake := &fakeSummarizer{err: errors.New("model down")}
	m := NewManager(WithSummarizer(fake, "m"))
	msgs := transcript(3)

	comp, err := m.Compress(context.Background(), msgs)
	require.NoError(t, err, "summarizer failure degrades to extract summary")
	require.NotNil(t, comp)
	require.True(t, IsSummary(comp.Summary))
	require.Contains(t, comp.Summary.Text(), "question")
}

func TestCompressWithoutSummarizerUsesExtract(t *testing.T) {
	m := NewManager()
	comp, err := m.Compress(context.Background(), transcript(3))
	require.NoError(t, err)
	require.NotNil(t, comp)
	require.True(t, IsSummary(comp.Summary))
}

func TestCompressNothingToCompress(t *testing.T) {
	m := NewManager()
	comp, err := m.Compress(context.Background(), nil)
	require.NoError(t, err)
	require.Nil(t, comp)

	// A single user message is its own safe fork point at index 0.
	comp, err = m.Compress(context.Background(), []message.Message{message.NewText(message.RoleUser, "hi")})
	require.NoError(t, err)
	require.Nil(t, comp)
}

func TestIsSummary(t *testing.T) {
	require.True(t, IsSummary(message.NewText(message.RoleUser, summaryPrefix+"\nstuff")))
	require.False(t, IsSummary(message.NewText(message.RoleAssistant, summaryPrefix)))
	require.False(t, IsSummary(message.NewText(message.RoleUser, "plain")))
}
