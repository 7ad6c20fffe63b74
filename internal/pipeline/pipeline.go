// Package pipeline answers utterances through an agent's layered prompts,
// retrieving context from the vector store between layers.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/stellarlinkco/ragclaw/internal/conclusions"
	"github.com/stellarlinkco/ragclaw/internal/config"
	"github.com/stellarlinkco/ragclaw/internal/history"
	"github.com/stellarlinkco/ragclaw/internal/llm"
	"github.com/stellarlinkco/ragclaw/internal/persona"
	"github.com/stellarlinkco/ragclaw/internal/storage"
	"github.com/stellarlinkco/ragclaw/internal/tokenbudget"
	"github.com/stellarlinkco/ragclaw/internal/vectorstore"
)

const (
	// SkipMarker is the crap-detection verdict for requests answered without
	// retrieval.
	SkipMarker = "SKIP"
	// MinScore drops search hits below this similarity.
	MinScore = 0.3
	// MaxHits caps merged search hits per layer.
	MaxHits = 10
)

// ErrUnknownAgent is returned when a request names an agent that is not loaded.
var ErrUnknownAgent = errors.New("unknown agent")

// Searcher is the vector store query used by search layers.
type Searcher interface {
	Search(ctx context.Context, collection, query string, limit int) ([]vectorstore.Point, error)
}

// InsightSource supplies conclusions about the user for agents with the
// conclusions feature.
type InsightSource interface {
	Insights(ctx context.Context, agent *persona.Agent, identity, request string) (conclusions.ContentInsights, error)
}

// AgentSource resolves agents by name.
type AgentSource interface {
	Get(name string) (*persona.Agent, bool)
}

// Deps are the collaborators a Pipeline runs against.
type Deps struct {
	Gateway   llm.Gateway
	Store     Searcher
	Cache     *storage.Cache
	Truncator *tokenbudget.Truncator
	Agents    AgentSource
	// Insights is optional; without it agents get no conclusion context.
	Insights InsightSource
	// Temperature applies to the small-talk reply.
	Temperature float64
}

// Pipeline runs utterances through an agent's crap-detection and answer layers.
type Pipeline struct {
	gateway     llm.Gateway
	store       Searcher
	cache       *storage.Cache
	truncator   *tokenbudget.Truncator
	agents      AgentSource
	insights    InsightSource
	temperature float64
}

// New builds a Pipeline. A non-positive Temperature falls back to the
// configured default.
func New(d Deps) *Pipeline {
	temp := d.Temperature
	if temp <= 0 {
		temp = config.DefaultTemperature
	}
	return &Pipeline{
		gateway:     d.Gateway,
		store:       d.Store,
		cache:       d.Cache,
		truncator:   d.Truncator,
		agents:      d.Agents,
		insights:    d.Insights,
		temperature: temp,
	}
}

// Request is one utterance addressed to an agent. UserID and ChatID key the
// conversation log; SenderID is recorded on the user message.
type Request struct {
	Utterance string
	UserID    string
	ChatID    string
	SenderID  string
	AgentID   string
}

// LayerTrace records what one layer produced.
type LayerTrace struct {
	Index  int
	Search bool
	Hits   int
	Output string
}

// Result is the outcome of one turn.
type Result struct {
	// Answer is the text to send back, nudges included.
	Answer string
	// Refined is the prompt that fed the final layer.
	Refined  string
	Skipped  bool
	Insights conclusions.ContentInsights
	Trace    []LayerTrace
}

// turn carries the values a layer's user parameters resolve to.
type turn struct {
	utterance string
	rephrased string
	search    string
	log       *history.Log
}

// Run answers one utterance. Errors abort the turn without retry; messages
// persisted before the failure stay committed.
func (p *Pipeline) Run(ctx context.Context, req Request) (*Result, error) {
	agent, ok := p.agents.Get(req.AgentID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, req.AgentID)
	}
	layers := agent.Layers
	convo := history.New(p.cache, history.Key(agent.Name, req.UserID, req.ChatID))
	started := time.Now()

	t := &turn{utterance: req.Utterance, log: convo}
	verdict, err := p.runLayer(ctx, layers.CrapDetectingLayer, t)
	if err != nil {
		return nil, fmt.Errorf("crap detection: %w", err)
	}
	res := &Result{Trace: []LayerTrace{{Index: layers.CrapDetectingLayer.Index, Output: verdict}}}

	if strings.TrimSpace(verdict) == SkipMarker {
		answer, err := p.smallTalk(ctx, agent, convo, req)
		if err != nil {
			return nil, err
		}
		res.Answer = answer
		res.Refined = req.Utterance
		res.Skipped = true
		log.Infof("[pipeline] agent=%s chat=%s skipped retrieval in %s", agent.Name, req.ChatID, time.Since(started).Round(time.Millisecond))
		return res, nil
	}

	pos, err := convo.Append(ctx, history.Message{
		SenderID:    req.SenderID,
		Role:        history.RoleUser,
		Persistence: history.Persistent,
		Content:     req.Utterance,
	})
	if err != nil {
		return nil, err
	}
	if err := convo.PushWindow(ctx, pos); err != nil {
		return nil, err
	}

	if p.insights != nil && agent.HasFeature(persona.FeatureConclusions) {
		res.Insights, err = p.insights.Insights(ctx, agent, req.UserID, req.Utterance)
		if err != nil {
			return nil, fmt.Errorf("insights: %w", err)
		}
	}

	t.rephrased = req.Utterance
	insightsUsed := false
	for i, layer := range layers.Layers {
		t.search = ""
		hits := 0
		if layer.IsSearchLayer {
			var prefix string
			if !insightsUsed && !res.Insights.Empty() {
				prefix = insightBlock(agent, res.Insights)
				insightsUsed = true
			}
			t.search, hits, err = p.searchContent(ctx, layer, req, agent.Name, t.rephrased, prefix)
			if err != nil {
				return nil, fmt.Errorf("layer %d search: %w", layer.Index, err)
			}
		}

		if i == len(layers.Layers)-1 {
			res.Refined = t.rephrased
		}
		out, err := p.runLayer(ctx, layer, t)
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", layer.Index, err)
		}
		t.rephrased = out
		res.Trace = append(res.Trace, LayerTrace{Index: layer.Index, Search: layer.IsSearchLayer, Hits: hits, Output: out})
	}

	answer := t.rephrased
	window, err := convo.WindowMessages(ctx)
	if err != nil {
		return nil, err
	}
	answer += nudge(layers, completedWindowLen(len(window)))

	pos, err = convo.Append(ctx, history.Message{
		Role:        history.RoleAssistant,
		Persistence: history.Persistent,
		Content:     answer,
	})
	if err != nil {
		return nil, err
	}
	if err := convo.PushWindow(ctx, pos); err != nil {
		return nil, err
	}

	res.Answer = answer
	log.Infof("[pipeline] agent=%s chat=%s answered through %d layer(s) in %s", agent.Name, req.ChatID, len(layers.Layers), time.Since(started).Round(time.Millisecond))
	return res, nil
}

func (p *Pipeline) smallTalk(ctx context.Context, agent *persona.Agent, convo *history.Log, req Request) (string, error) {
	_, err := convo.Append(ctx, history.Message{
		SenderID:    req.SenderID,
		Role:        history.RoleUser,
		Persistence: history.Temporal,
		Content:     req.Utterance,
	})
	if err != nil {
		return "", err
	}

	answer, err := p.gateway.Chat(ctx, llm.ChatRequest{
		System:      agent.Role(persona.RoleTrivial),
		User:        "Current user request: " + req.Utterance,
		Temperature: p.temperature,
	})
	if err != nil {
		return "", fmt.Errorf("small talk: %w", err)
	}

	_, err = convo.Append(ctx, history.Message{
		Role:        history.RoleAssistant,
		Persistence: history.Temporal,
		Content:     answer,
	})
	if err != nil {
		return "", err
	}
	return answer, nil
}

func (p *Pipeline) runLayer(ctx context.Context, layer config.Layer, t *turn) (string, error) {
	user, err := renderUser(ctx, layer, t)
	if err != nil {
		return "", err
	}
	return p.gateway.Chat(ctx, llm.ChatRequest{
		System:      layer.SystemRoleText,
		User:        user,
		Temperature: layer.Temperature,
		MaxTokens:   layer.MaxTokens,
	})
}

// renderUser builds a layer's user message: label, value and a newline per
// parameter, in configured order.
func renderUser(ctx context.Context, layer config.Layer, t *turn) (string, error) {
	var b strings.Builder
	for _, param := range layer.UserRoleParams {
		var value string
		switch param.Kind {
		case config.ParamHistory:
			text, err := t.log.WindowText(ctx)
			if err != nil {
				return "", err
			}
			value = text
		case config.ParamUserPrompt:
			value = t.utterance
		case config.ParamRephrasedPrompt:
			value = t.rephrased
		case config.ParamDBSearch:
			value = t.search
		default:
			return "", fmt.Errorf("unsupported param %s", param.Kind)
		}
		b.WriteString(param.Label)
		b.WriteString(value)
		b.WriteString("\n")
	}
	return b.String(), nil
}

// searchContent queries every collection of a search layer and returns the
// merged, truncated payload text.
func (p *Pipeline) searchContent(ctx context.Context, layer config.Layer, req Request, agentName, query, prefix string) (string, int, error) {
	names := strings.NewReplacer("{user_id}", req.UserID, "{chat_id}", req.ChatID, "{agent}", agentName)

	var hits []vectorstore.Point
	for _, cp := range layer.CollectionParams {
		collection := names.Replace(cp.Name)
		points, err := p.store.Search(ctx, collection, query, cp.VectorsLimit)
		if err != nil {
			return "", 0, err
		}
		for _, pt := range points {
			if pt.Score >= MinScore {
				hits = append(hits, pt)
			}
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > MaxHits {
		hits = hits[:MaxHits]
	}

	parts := make([]string, 0, len(hits)+1)
	if prefix != "" {
		parts = append(parts, prefix)
	}
	for _, h := range hits {
		parts = append(parts, h.Text)
	}
	content := p.truncator.Truncate(strings.Join(parts, "\n"), layer.SearchTokenLimit())
	return content, len(hits), nil
}

func insightBlock(agent *persona.Agent, insights conclusions.ContentInsights) string {
	body := strings.Join(insights.Conclusions, "\n")
	if header := agent.Role(persona.RoleMemory); header != "" {
		return header + "\n" + body + "\n"
	}
	return body + "\n"
}

// completedWindowLen is the window size once the answer is pushed.
func completedWindowLen(current int) int {
	if current+1 > history.WindowCapacity {
		return history.WindowCapacity
	}
	return current + 1
}

// nudge picks the periodic hint appended to an answer.
func nudge(layers *config.SearchLayerInfo, windowLen int) string {
	if windowLen == 0 {
		return ""
	}
	if layers.InfoCadence1 > 0 && windowLen%layers.InfoCadence1 == 0 {
		return layers.InfoMessage1
	}
	if layers.InfoCadence2 > 0 && windowLen%layers.InfoCadence2 == 0 {
		return layers.InfoMessage2
	}
	return ""
}
