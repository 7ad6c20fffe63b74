package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellarlinkco/ragclaw/internal/conclusions"
	"github.com/stellarlinkco/ragclaw/internal/config"
	"github.com/stellarlinkco/ragclaw/internal/history"
	"github.com/stellarlinkco/ragclaw/internal/llm"
	"github.com/stellarlinkco/ragclaw/internal/llm/llmtest"
	"github.com/stellarlinkco/ragclaw/internal/persona"
	"github.com/stellarlinkco/ragclaw/internal/storage"
	"github.com/stellarlinkco/ragclaw/internal/tokenbudget"
	"github.com/stellarlinkco/ragclaw/internal/vectorstore"
)

const testLayers = `
crap_detecting_layer:
  index: 0
  system_role_text: "classify"
  user_role_params:
    - param_type: UserPrompt
      label: "Message: "
  temperature: 0
  max_tokens: 5
layers:
  - index: 1
    system_role_text: "rephrase"
    user_role_params:
      - param_type: History
        label: "History: "
      - param_type: UserPrompt
        label: "Request: "
    temperature: 0.2
    max_tokens: 100
  - index: 2
    system_role_text: "answer"
    user_role_params:
      - param_type: RephrasedPrompt
        label: "Question: "
      - param_type: DbSearch
        label: "Context: "
    temperature: 0.7
    max_tokens: 400
    collection_params:
      - name: "{agent}_knowledge"
        vectors_limit: 5
        token_limit: 200
    is_search_layer: true
info_message_1: " [tip one]"
info_message_2: " [tip two]"
`

type agentMap map[string]*persona.Agent

func (m agentMap) Get(name string) (*persona.Agent, bool) {
	a, ok := m[name]
	return a, ok
}

type fixture struct {
	pipeline *Pipeline
	fake     *llmtest.Fake
	store    *vectorstore.Store
	cache    *storage.Cache
	agent    *persona.Agent
	verdict  string
}

func newFixture(t *testing.T, features ...string) *fixture {
	t.Helper()
	layers, err := config.ParseLayers([]byte(testLayers))
	require.NoError(t, err)

	f := &fixture{verdict: "CONTINUE"}
	f.fake = &llmtest.Fake{Respond: func(req llm.ChatRequest) (string, error) {
		switch req.System {
		case "classify":
			return f.verdict, nil
		case "trivial role":
			return "Hi there!", nil
		case "rephrase":
			return "What is Go?", nil
		case "answer":
			return "Go is a programming language.", nil
		case "keywords role":
			return `{"keywords":["pets"]}`, nil
		}
		return "", fmt.Errorf("unexpected system %q", req.System)
	}}

	f.store, err = vectorstore.Open(vectorstore.Options{InMemory: true}, f.fake)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.store.Close() })

	f.cache, err = storage.Open(filepath.Join(t.TempDir(), "conversations.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.cache.Close() })

	tr, err := tokenbudget.Default()
	require.NoError(t, err)

	f.agent = persona.NewAgent("assistant", layers, map[string]string{
		persona.RoleTrivial:  "trivial role",
		persona.RoleKeywords: "keywords role",
		persona.RoleMemory:   "Known about the user:",
	}, features...)

	f.pipeline = New(Deps{
		Gateway:   f.fake,
		Store:     f.store,
		Cache:     f.cache,
		Truncator: tr,
		Agents:    agentMap{"assistant": f.agent},
		Insights:  conclusions.New(f.fake, f.store),
	})
	return f
}

func (f *fixture) log() *history.Log {
	return history.New(f.cache, history.Key("assistant", "u1", "c1"))
}

func request(text string) Request {
	return Request{Utterance: text, UserID: "u1", ChatID: "c1", SenderID: "s1", AgentID: "assistant"}
}

func TestRun_SkipShortCircuits(t *testing.T) {
	f := newFixture(t)
	f.verdict = "SKIP"
	ctx := context.Background()

	res, err := f.pipeline.Run(ctx, request("Привет, как дела?"))
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, "Hi there!", res.Answer)

	reqs := f.fake.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, "classify", reqs[0].System)
	assert.Equal(t, "Message: Привет, как дела?\n", reqs[0].User)
	assert.Equal(t, "trivial role", reqs[1].System)
	assert.Equal(t, "Current user request: Привет, как дела?", reqs[1].User)

	msgs, err := f.log().Messages(ctx)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, history.RoleUser, msgs[0].Role)
	assert.Equal(t, "Привет, как дела?", msgs[0].Content)
	assert.Equal(t, "s1", msgs[0].SenderID)
	for _, m := range msgs {
		assert.Equal(t, history.Temporal, m.Persistence)
	}
	assert.Equal(t, history.RoleAssistant, msgs[1].Role)

	window, err := f.log().Window(ctx)
	require.NoError(t, err)
	assert.Empty(t, window)
}

func TestRun_FullPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.store.SaveFact(ctx, "assistant_knowledge", "Go is a statically typed language from Google")
	require.NoError(t, err)

	res, err := f.pipeline.Run(ctx, request("tell me about go"))
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.Equal(t, "Go is a programming language.", res.Answer)
	assert.Equal(t, "What is Go?", res.Refined)
	require.Len(t, res.Trace, 3)
	assert.True(t, res.Trace[2].Search)
	assert.Equal(t, 1, res.Trace[2].Hits)

	reqs := f.fake.Requests()
	require.Len(t, reqs, 3)
	assert.Equal(t, "History: tell me about go\nRequest: tell me about go\n", reqs[1].User)
	assert.Equal(t, 0.2, reqs[1].Temperature)
	assert.Equal(t, 100, reqs[1].MaxTokens)
	assert.Equal(t, "Question: What is Go?\nContext: Go is a statically typed language from Google\n", reqs[2].User)

	msgs, err := f.log().Messages(ctx)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, history.Persistent, msgs[0].Persistence)
	assert.Equal(t, history.RoleAssistant, msgs[1].Role)
	assert.Equal(t, history.Persistent, msgs[1].Persistence)

	window, err := f.log().Window(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, window)
}

func TestRun_SkipThenContinueKeepsWindowPositions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.verdict = "SKIP"
	_, err := f.pipeline.Run(ctx, request("hi"))
	require.NoError(t, err)

	f.verdict = "CONTINUE"
	_, err = f.pipeline.Run(ctx, request("what is go"))
	require.NoError(t, err)

	window, err := f.log().Window(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3}, window)

	text, err := f.log().WindowText(ctx)
	require.NoError(t, err)
	assert.Equal(t, "what is go\nGo is a programming language.", text)
}

func TestRun_Nudges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var answers []string
	for i := 0; i < 4; i++ {
		res, err := f.pipeline.Run(ctx, request(fmt.Sprintf("question %d", i)))
		require.NoError(t, err)
		answers = append(answers, res.Answer)
	}
	base := "Go is a programming language."
	assert.Equal(t, []string{base, base + " [tip one]", base + " [tip two]", base + " [tip one]"}, answers)
}

func TestRun_InsightsPrependedToSearch(t *testing.T) {
	f := newFixture(t, persona.FeatureConclusions)
	ctx := context.Background()
	_, err := f.store.SaveFact(ctx, conclusions.Collection("u1"), "1: user owns pets")
	require.NoError(t, err)

	res, err := f.pipeline.Run(ctx, request("what should I feed my pets"))
	require.NoError(t, err)
	assert.Equal(t, []string{"pets"}, res.Insights.Keywords)
	assert.Equal(t, []string{"1: user owns pets"}, res.Insights.Conclusions)

	reqs := f.fake.Requests()
	last := reqs[len(reqs)-1]
	assert.Equal(t, "answer", last.System)
	assert.True(t, strings.HasPrefix(last.User, "Question: What is Go?\nContext: Known about the user:\n1: user owns pets\n"), last.User)
}

func TestRun_GatewayErrorAborts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fake.Respond = func(req llm.ChatRequest) (string, error) {
		if req.System == "classify" {
			return "CONTINUE", nil
		}
		return "", fmt.Errorf("chat completion: %w", llm.ErrRemoteCall)
	}

	_, err := f.pipeline.Run(ctx, request("hello"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, llm.ErrRemoteCall))

	msgs, err := f.log().Messages(ctx)
	require.NoError(t, err)
	require.Len(t, msgs, 1, "user message stays committed")
}

func TestRun_SearchErrorAborts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.store.SaveFact(ctx, "assistant_knowledge", "Go is a statically typed language from Google")
	require.NoError(t, err)

	f.fake.EmbedErr = errors.New("embedding endpoint down")

	res, err := f.pipeline.Run(ctx, request("tell me about go"))
	require.Error(t, err)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, llm.ErrRemoteCall)
	assert.Contains(t, err.Error(), "layer 2 search")

	for _, req := range f.fake.Requests() {
		assert.NotEqual(t, "answer", req.System, "final layer must not run after a failed search")
	}

	msgs, err := f.log().Messages(ctx)
	require.NoError(t, err)
	require.Len(t, msgs, 1, "only the user message is committed")
	assert.Equal(t, history.RoleUser, msgs[0].Role)
	assert.Equal(t, history.Persistent, msgs[0].Persistence)

	window, err := f.log().Window(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{0}, window)
}

func TestRun_UnknownAgent(t *testing.T) {
	f := newFixture(t)
	_, err := f.pipeline.Run(context.Background(), Request{Utterance: "x", AgentID: "nobody"})
	assert.ErrorIs(t, err, ErrUnknownAgent)
}

type stubSearcher map[string][]vectorstore.Point

func (s stubSearcher) Search(_ context.Context, collection, _ string, limit int) ([]vectorstore.Point, error) {
	pts := s[collection]
	if len(pts) > limit {
		pts = pts[:limit]
	}
	return pts, nil
}

func TestSearchContent_FilterSortTop(t *testing.T) {
	tr, err := tokenbudget.Default()
	require.NoError(t, err)

	var many []vectorstore.Point
	for i := 0; i < 12; i++ {
		many = append(many, vectorstore.Point{ID: fmt.Sprint(i), Text: fmt.Sprintf("b%d", i), Score: 0.5})
	}
	p := New(Deps{Truncator: tr, Store: stubSearcher{
		"a_u1": {{ID: "a1", Text: "a-high", Score: 0.9}, {ID: "a2", Text: "a-low", Score: 0.29}},
		"b_c1": many,
	}})
	layer := config.Layer{
		IsSearchLayer: true,
		CollectionParams: []config.CollectionParam{
			{Name: "a_{user_id}", VectorsLimit: 5, TokenLimit: 100},
			{Name: "b_{chat_id}", VectorsLimit: 20, TokenLimit: 100},
		},
	}

	content, hits, err := p.searchContent(context.Background(), layer, Request{UserID: "u1", ChatID: "c1"}, "assistant", "q", "")
	require.NoError(t, err)
	assert.Equal(t, MaxHits, hits)
	lines := strings.Split(content, "\n")
	require.Len(t, lines, MaxHits)
	assert.Equal(t, "a-high", lines[0])
	assert.NotContains(t, content, "a-low")
	assert.Equal(t, "b8", lines[9])
}

func TestSearchContent_Truncates(t *testing.T) {
	tr, err := tokenbudget.Default()
	require.NoError(t, err)
	long := strings.Repeat("word ", 200)
	p := New(Deps{Truncator: tr, Store: stubSearcher{"kb": {{ID: "1", Text: long, Score: 0.8}}}})
	layer := config.Layer{
		IsSearchLayer:    true,
		CollectionParams: []config.CollectionParam{{Name: "kb", VectorsLimit: 1, TokenLimit: 10}},
	}

	content, _, err := p.searchContent(context.Background(), layer, Request{}, "assistant", "q", "")
	require.NoError(t, err)
	assert.LessOrEqual(t, tr.Count(content), 10)
	assert.True(t, strings.HasPrefix(long, content))
}

func TestNudge(t *testing.T) {
	layers := &config.SearchLayerInfo{InfoMessage1: "one", InfoMessage2: "two", InfoCadence1: 4, InfoCadence2: 6}
	cases := map[int]string{0: "", 1: "", 4: "one", 6: "two", 8: "one", 10: "", 12: "one"}
	for n, want := range cases {
		assert.Equal(t, want, nudge(layers, n), "window %d", n)
	}
	assert.Equal(t, 10, completedWindowLen(10))
	assert.Equal(t, 4, completedWindowLen(3))
}
