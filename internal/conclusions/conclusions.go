package conclusions

import (
	"context"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/stellarlinkco/ragclaw/internal/llm"
	"github.com/stellarlinkco/ragclaw/internal/persona"
	"github.com/stellarlinkco/ragclaw/internal/vectorstore"
)

const (
	// DuplicateThreshold is the score at which a stored conclusion counts as
	// the same fact as a new candidate.
	DuplicateThreshold = 0.7
	// RelevanceThreshold is the minimum score for a conclusion to be used.
	RelevanceThreshold = 0.3
	InsightLimit       = 5

	noneSentinel = "None"
)

// Store is the slice of the vector store the extractor needs.
type Store interface {
	Search(ctx context.Context, collection, query string, limit int) ([]vectorstore.Point, error)
	SearchVector(ctx context.Context, collection string, vector []float32, limit int) ([]vectorstore.Point, error)
	SaveFact(ctx context.Context, collection, text string) (string, error)
	CollectionInfo(name string) (*vectorstore.CollectionInfo, error)
}

// ContentInsights are the conclusions relevant to one request.
type ContentInsights struct {
	Keywords    []string
	Conclusions []string
}

func (ci ContentInsights) Empty() bool {
	return len(ci.Conclusions) == 0
}

type Extractor struct {
	gateway llm.Gateway
	store   Store
}

func New(gateway llm.Gateway, store Store) *Extractor {
	return &Extractor{gateway: gateway, store: store}
}

// Collection is where conclusions about identity are kept.
func Collection(identity string) string {
	return identity + "_conclusions"
}

// Record distils facts from the user's reaction to the previous assistant
// message and stores the ones not already known. It returns the stored texts.
func (e *Extractor) Record(ctx context.Context, agent *persona.Agent, identity, previous, reaction, timestamp string) ([]string, error) {
	role := agent.Role(persona.RoleConclusions)
	if role == "" {
		return nil, nil
	}

	message := fmt.Sprintf("previous message: %s\nuser reaction: %s", previous, reaction)
	raw, err := e.gateway.Chat(ctx, llm.ChatRequest{System: role, User: message})
	if err != nil {
		return nil, fmt.Errorf("extract conclusions: %w", err)
	}

	var out struct {
		Conclusions []string `json:"conclusions"`
	}
	if err := unmarshalJSON(raw, &out); err != nil {
		log.Warnf("[conclusions] unparseable extraction reply for %s: %v", identity, err)
		return nil, nil
	}
	candidates := cleanList(out.Conclusions)
	if len(candidates) == 0 || (len(candidates) == 1 && candidates[0] == noneSentinel) {
		log.Debugf("[conclusions] nothing new for %s", identity)
		return nil, nil
	}

	collection := Collection(identity)
	var saved []string
	for _, candidate := range candidates {
		if candidate == noneSentinel {
			continue
		}
		hits, err := e.store.Search(ctx, collection, candidate, 1)
		if err != nil {
			return saved, fmt.Errorf("check duplicate conclusion: %w", err)
		}
		if len(hits) > 0 && hits[0].Score >= DuplicateThreshold {
			log.Debugf("[conclusions] skip known fact for %s: %q (score %.2f)", identity, candidate, hits[0].Score)
			continue
		}

		text := fmt.Sprintf("%s: %s", timestamp, candidate)
		if _, err := e.store.SaveFact(ctx, collection, text); err != nil {
			return saved, fmt.Errorf("save conclusion: %w", err)
		}
		saved = append(saved, text)
	}
	if len(saved) > 0 {
		log.Infof("[conclusions] stored %d new conclusion(s) for %s", len(saved), identity)
	}
	return saved, nil
}

// Insights finds conclusions related to request: keywords are extracted,
// optionally rewritten into search phrases, searched, and each hit expanded
// by one hop over its own vector.
func (e *Extractor) Insights(ctx context.Context, agent *persona.Agent, identity, request string) (ContentInsights, error) {
	var insights ContentInsights
	role := agent.Role(persona.RoleKeywords)
	if role == "" {
		return insights, nil
	}

	collection := Collection(identity)
	info, err := e.store.CollectionInfo(collection)
	if err != nil {
		return insights, fmt.Errorf("conclusions collection info: %w", err)
	}
	if info == nil || info.Count == 0 {
		return insights, nil
	}

	raw, err := e.gateway.Chat(ctx, llm.ChatRequest{System: role, User: request})
	if err != nil {
		return insights, fmt.Errorf("extract keywords: %w", err)
	}
	var out struct {
		Keywords []string `json:"keywords"`
	}
	if err := unmarshalJSON(raw, &out); err != nil {
		log.Warnf("[conclusions] unparseable keyword reply for %s: %v", identity, err)
		return insights, nil
	}
	insights.Keywords = cleanList(out.Keywords)

	clearing := agent.Role(persona.RoleClearing)
	seen := make(map[string]bool)
	add := func(points []vectorstore.Point) []vectorstore.Point {
		var added []vectorstore.Point
		for _, p := range points {
			if p.Score < RelevanceThreshold || seen[p.ID] {
				continue
			}
			seen[p.ID] = true
			insights.Conclusions = append(insights.Conclusions, p.Text)
			added = append(added, p)
		}
		return added
	}

	for _, keyword := range insights.Keywords {
		query := keyword
		if clearing != "" {
			cleared, err := e.gateway.Chat(ctx, llm.ChatRequest{System: clearing, User: keyword})
			if err != nil {
				return insights, fmt.Errorf("clear keyword: %w", err)
			}
			query = strings.TrimSpace(cleared)
		}

		hits, err := e.store.Search(ctx, collection, query, InsightLimit)
		if err != nil {
			return insights, fmt.Errorf("search conclusions: %w", err)
		}
		for _, hit := range add(hits) {
			if len(hit.Vector) == 0 {
				continue
			}
			related, err := e.store.SearchVector(ctx, collection, hit.Vector, InsightLimit)
			if err != nil {
				return insights, fmt.Errorf("expand conclusion: %w", err)
			}
			add(related)
		}
	}
	return insights, nil
}

func cleanList(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
