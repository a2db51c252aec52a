package inference

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
	lcschema "github.com/tmc/langchaingo/schema"

	"github.com/lucasnoah/storyfactory/internal/collab"
)

type scriptedModel struct {
	mu       sync.Mutex
	replies  []string
	errs     []error
	calls    int
	lastMsgs []llms.MessageContent
	lastOpts llms.CallOptions
}

func (m *scriptedModel) GenerateContent(_ context.Context, msgs []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.calls
	m.calls++
	m.lastMsgs = msgs
	m.lastOpts = llms.CallOptions{}
	for _, o := range options {
		o(&m.lastOpts)
	}
	if i < len(m.errs) && m.errs[i] != nil {
		return nil, m.errs[i]
	}
	if i >= len(m.replies) {
		i = len(m.replies) - 1
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: m.replies[i]}}}, nil
}

func (m *scriptedModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, m, prompt, options...)
}

func newClient(m *scriptedModel) *Client {
	return NewWithModel(m, Config{Model: "test-model", RequestsPerSecond: 1000, Backoff: time.Millisecond}, nil)
}

func TestCompleteConvertsMessages(t *testing.T) {
	m := &scriptedModel{replies: []string{"hello"}}
	c := newClient(m)

	out, err := c.Complete(context.Background(), []collab.Message{
		{Role: collab.RoleSystem, Content: "be brief"},
		{Role: collab.RoleUser, Content: "hi", ImageURLs: []string{"https://img.test/a.png"}},
	}, collab.WithTemperature(0.2))
	require.NoError(t, err)
	assert.Equal(t, "hello", out)

	require.Len(t, m.lastMsgs, 2)
	assert.Equal(t, lcschema.ChatMessageTypeSystem, m.lastMsgs[0].Role)
	assert.Equal(t, lcschema.ChatMessageTypeHuman, m.lastMsgs[1].Role)
	require.Len(t, m.lastMsgs[1].Parts, 2)
	assert.Equal(t, llms.ImageURLPart("https://img.test/a.png"), m.lastMsgs[1].Parts[1])
	assert.Equal(t, "test-model", m.lastOpts.Model)
	assert.Equal(t, 0.2, m.lastOpts.Temperature)
	assert.False(t, m.lastOpts.JSONMode)
}

func TestCompleteStructuredExtractsObject(t *testing.T) {
	m := &scriptedModel{replies: []string{"```json\n{\"status\":\"ok\",\"missing\":[]}\n```"}}
	c := newClient(m)

	raw, err := c.CompleteStructured(context.Background(),
		[]collab.Message{{Role: collab.RoleUser, Content: "judge"}},
		collab.Schema{Name: "SupervisorDecision", Required: []string{"status"}},
		collab.WithModel("other-model"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"ok","missing":[]}`, string(raw))

	assert.True(t, m.lastOpts.JSONMode)
	assert.Equal(t, "other-model", m.lastOpts.Model)
	require.Len(t, m.lastMsgs, 2)
	assert.Equal(t, lcschema.ChatMessageTypeSystem, m.lastMsgs[0].Role)
	assert.Contains(t, m.lastMsgs[0].Parts[0].(llms.TextContent).Text, "Required keys: status.")
}

func TestCompleteStructuredSchemaViolations(t *testing.T) {
	schema := collab.Schema{Name: "EnrichmentOutput", Required: []string{"description", "acceptanceCriteria"}}
	for _, reply := range []string{
		"sorry, I cannot help",
		`{"description": "x"}`,
		`{"description": "x", "acceptanceCriteria": null}`,
		`{"description": }`,
	} {
		c := newClient(&scriptedModel{replies: []string{reply}})
		_, err := c.CompleteStructured(context.Background(), []collab.Message{{Role: collab.RoleUser, Content: "x"}}, schema)
		var sv *collab.SchemaViolation
		require.ErrorAs(t, err, &sv, reply)
		assert.Equal(t, "EnrichmentOutput", sv.Schema)
		assert.Equal(t, reply, sv.Raw)
	}
}

func TestRetriesTransientErrors(t *testing.T) {
	m := &scriptedModel{
		replies: []string{"", "", "done"},
		errs:    []error{errors.New("API returned unexpected status code: 503"), errors.New("connection reset")},
	}
	out, err := newClient(m).Complete(context.Background(), []collab.Message{{Role: collab.RoleUser, Content: "x"}})
	require.NoError(t, err)
	assert.Equal(t, "done", out)
	assert.Equal(t, 3, m.calls)
}

func TestDoesNotRetryClientErrors(t *testing.T) {
	m := &scriptedModel{
		replies: []string{"never"},
		errs:    []error{errors.New("API returned unexpected status code: 401: bad key")},
	}
	_, err := newClient(m).Complete(context.Background(), []collab.Message{{Role: collab.RoleUser, Content: "x"}})
	require.Error(t, err)
	assert.Equal(t, 1, m.calls)
}

func TestGivesUpAfterMaxRetries(t *testing.T) {
	boom := errors.New("overloaded")
	m := &scriptedModel{replies: []string{""}, errs: []error{boom, boom, boom, boom, boom}}
	c := NewWithModel(m, Config{RequestsPerSecond: 1000, MaxRetries: 2, Backoff: time.Millisecond}, nil)

	_, err := c.Complete(context.Background(), []collab.Message{{Role: collab.RoleUser, Content: "x"}})
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "max retries exceeded")
	assert.Equal(t, 3, m.calls)
}

func TestCancelledContextStopsBeforeCalling(t *testing.T) {
	m := &scriptedModel{replies: []string{"x"}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newClient(m).Complete(ctx, []collab.Message{{Role: collab.RoleUser, Content: "x"}})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, m.calls)
}

func TestNewRequiresAPIKey(t *testing.T) {
	_, err := New(Config{}, nil)
	assert.Error(t, err)

	c, err := New(Config{APIKey: "sk-test", BaseURL: "http://localhost:1"}, nil)
	require.NoError(t, err)
	assert.Equal(t, defaultModel, c.model)
}
