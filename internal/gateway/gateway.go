package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
	"unicode/utf8"

	log "github.com/sirupsen/logrus"

	"github.com/stellarlinkco/ragclaw/internal/bus"
	"github.com/stellarlinkco/ragclaw/internal/channel"
	"github.com/stellarlinkco/ragclaw/internal/conclusions"
	"github.com/stellarlinkco/ragclaw/internal/config"
	"github.com/stellarlinkco/ragclaw/internal/cron"
	"github.com/stellarlinkco/ragclaw/internal/history"
	"github.com/stellarlinkco/ragclaw/internal/llm"
	"github.com/stellarlinkco/ragclaw/internal/persona"
	"github.com/stellarlinkco/ragclaw/internal/pipeline"
	"github.com/stellarlinkco/ragclaw/internal/storage"
	"github.com/stellarlinkco/ragclaw/internal/tokenbudget"
	"github.com/stellarlinkco/ragclaw/internal/vectorstore"
)

const (
	// FallbackErrorMessage is sent when a turn fails and the agent has no
	// cant_get_message.
	FallbackErrorMessage = "Sorry, I encountered an error processing your message."
	// FallbackRejectMessage is sent for moderated input when the agent has no
	// empty_message.
	FallbackRejectMessage = "I can't respond to that message."

	typingInterval = 4 * time.Second
	workerIdle     = 5 * time.Minute
	workerQueue    = 16
	jobTimeout     = 5 * time.Minute

	checkpointEvery = time.Hour
	vectorGCEvery   = 10 * time.Minute
)

// Options for creating a Gateway
type Options struct {
	// LLM replaces the OpenAI client (tests).
	LLM llm.Gateway
	// SignalChan replaces SIGINT/SIGTERM handling (tests).
	SignalChan chan os.Signal
	// WithoutChannels skips channel setup for in-process use such as the CLI.
	WithoutChannels bool
}

type Gateway struct {
	cfg       *config.Config
	bus       *bus.MessageBus
	llm       llm.Gateway
	agents    *persona.Registry
	cache     *storage.Cache
	store     *vectorstore.Store
	pipeline  *pipeline.Pipeline
	extractor *conclusions.Extractor
	channels  *channel.ChannelManager
	cron      *cron.Service

	signalChan chan os.Signal

	mu      sync.Mutex
	workers map[string]chan bus.InboundMessage
	wg      sync.WaitGroup
	closers []func() error
}

// New creates a Gateway with default options
func New(cfg *config.Config) (*Gateway, error) {
	return NewWithOptions(cfg, Options{})
}

// NewWithOptions opens every store and builds the pipeline. Resources opened
// before a failure are closed again.
func NewWithOptions(cfg *config.Config, opts Options) (_ *Gateway, err error) {
	g := &Gateway{
		cfg:        cfg,
		bus:        bus.NewMessageBus(config.DefaultBufSize),
		signalChan: opts.SignalChan,
		workers:    make(map[string]chan bus.InboundMessage),
	}
	defer func() {
		if err != nil {
			_ = g.closeAll()
		}
	}()

	g.agents, err = persona.Load(cfg.Agents.Dir)
	if err != nil {
		return nil, fmt.Errorf("load agents: %w", err)
	}
	if _, ok := g.agents.Get(cfg.Agents.Default); !ok {
		return nil, fmt.Errorf("default agent %q not found in %s (run 'ragclaw onboard'): %w", cfg.Agents.Default, cfg.Agents.Dir, config.ErrConfigLoad)
	}

	g.llm = opts.LLM
	if g.llm == nil {
		client, err := llm.NewClient(llm.OptionsFromConfig(cfg))
		if err != nil {
			return nil, fmt.Errorf("create llm client: %w", err)
		}
		g.llm = client
		g.closers = append(g.closers, func() error { client.Close(); return nil })
	}

	g.cache, err = storage.Open(cfg.Storage.DBPath())
	if err != nil {
		return nil, fmt.Errorf("open conversation cache: %w", err)
	}
	g.closers = append(g.closers, g.cache.Close)

	g.store, err = vectorstore.Open(vectorstore.Options{
		Dir:        cfg.Storage.VectorDir(),
		CatalogDir: cfg.Storage.CatalogDir(),
	}, g.llm)
	if err != nil {
		return nil, fmt.Errorf("open vector store: %w", err)
	}
	g.closers = append(g.closers, g.store.Close)

	truncator, err := tokenbudget.Default()
	if err != nil {
		return nil, fmt.Errorf("load tokenizer: %w", err)
	}

	g.extractor = conclusions.New(g.llm, g.store)
	g.pipeline = pipeline.New(pipeline.Deps{
		Gateway:     g.llm,
		Store:       g.store,
		Cache:       g.cache,
		Truncator:   truncator,
		Agents:      g.agents,
		Insights:    g.extractor,
		Temperature: cfg.LLM.Temperature,
	})

	g.cron = cron.NewService(cfg.Storage.CronPath())
	g.cron.OnJob = g.runJob

	if !opts.WithoutChannels {
		g.channels, err = channel.NewChannelManager(cfg, g.bus, g.agents)
		if err != nil {
			return nil, fmt.Errorf("create channel manager: %w", err)
		}
	}

	log.Infof("[gateway] loaded agents: %v", g.agents.Names())
	return g, nil
}

// Agents lists the loaded agent names.
func (g *Gateway) Agents() []string {
	return g.agents.Names()
}

// Handle runs one inbound message through moderation, the agent pipeline and
// the memory write path, and returns the reply text. Failures become the
// agent's error message; Handle never returns an empty reply for non-empty
// input.
func (g *Gateway) Handle(ctx context.Context, msg bus.InboundMessage) string {
	if strings.TrimSpace(msg.Content) == "" {
		return ""
	}
	agentID := msg.AgentID
	if agentID == "" {
		agentID = g.cfg.Agents.Default
	}
	agent, ok := g.agents.Get(agentID)
	if !ok {
		log.Errorf("[gateway] unknown agent %q for %s", agentID, msg.SessionKey())
		return FallbackErrorMessage
	}

	allowed, err := g.llm.Moderate(ctx, msg.Content)
	if err != nil {
		log.Errorf("[gateway] moderation failed for %s: %v", msg.SessionKey(), err)
		return cantGetMessage(agent)
	}
	if !allowed {
		log.Warnf("[gateway] rejected flagged message from %s/%s", msg.Channel, msg.SenderID)
		return rejectMessage(agent)
	}

	memory := agent.HasFeature(persona.FeaturePermanentMemory)
	var previous *history.Message
	if memory {
		convo := history.New(g.cache, history.Key(agent.Name, msg.SenderID, msg.ChatID))
		if previous, err = convo.LastAssistant(ctx); err != nil {
			log.Warnf("[gateway] read previous answer for %s: %v", msg.SessionKey(), err)
			previous = nil
		}
	}

	res, err := g.pipeline.Run(ctx, pipeline.Request{
		Utterance: msg.Content,
		UserID:    msg.SenderID,
		ChatID:    msg.ChatID,
		SenderID:  msg.SenderID,
		AgentID:   agent.Name,
	})
	if err != nil {
		log.Errorf("[gateway] agent %s failed for %s: %v", agent.Name, msg.SessionKey(), err)
		return cantGetMessage(agent)
	}

	if memory && !res.Skipped {
		g.remember(ctx, agent, msg, res.Answer, previous)
	}
	return res.Answer
}

type memoryEntry struct {
	Role    history.Role `json:"role"`
	Content string       `json:"content"`
}

// remember stores the turn as a memory cell in the user's collection and
// extracts conclusions from the user's reaction to the previous answer.
// Failures are logged; the reply has already been produced.
func (g *Gateway) remember(ctx context.Context, agent *persona.Agent, msg bus.InboundMessage, answer string, previous *history.Message) {
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	stamp := strconv.FormatInt(ts.Unix(), 10)

	cell, err := json.Marshal(map[string][]memoryEntry{
		stamp: {
			{Role: history.RoleUser, Content: msg.Content},
			{Role: history.RoleAssistant, Content: answer},
		},
	})
	if err != nil {
		log.Errorf("[gateway] encode memory cell: %v", err)
		return
	}
	if _, err := g.store.SaveRaw(ctx, msg.SenderID, string(cell)); err != nil {
		log.Warnf("[gateway] save memory cell for %s: %v", msg.SenderID, err)
	}

	if previous == nil {
		return
	}
	saved, err := g.extractor.Record(ctx, agent, msg.SenderID, previous.Content, msg.Content, stamp)
	if err != nil {
		log.Warnf("[gateway] record conclusions for %s: %v", msg.SenderID, err)
		return
	}
	if len(saved) > 0 {
		log.Infof("[gateway] saved %d conclusion(s) for %s", len(saved), msg.SenderID)
	}
}

func cantGetMessage(agent *persona.Agent) string {
	if agent.Messages.CantGetMessage != "" {
		return agent.Messages.CantGetMessage
	}
	return FallbackErrorMessage
}

func rejectMessage(agent *persona.Agent) string {
	if agent.Messages.EmptyMessage != "" {
		return agent.Messages.EmptyMessage
	}
	return FallbackRejectMessage
}

// runJob is the cron handler: maintenance jobs run against the stores, the
// rest are asked to their agent and optionally delivered.
func (g *Gateway) runJob(job cron.CronJob) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	switch job.Payload.Message {
	case cron.InternalStorageCheckpoint:
		return "ok", g.cache.Checkpoint(ctx)
	case cron.InternalVectorGC:
		return "ok", g.store.GC()
	}
	if job.Payload.IsInternal() {
		return "", fmt.Errorf("unknown internal job %q", job.Payload.Message)
	}

	userID := job.Payload.To
	if userID == "" {
		userID = "cron"
	}
	agentID := job.Payload.Agent
	if agentID == "" {
		agentID = g.cfg.Agents.Default
	}
	res, err := g.pipeline.Run(ctx, pipeline.Request{
		Utterance: job.Payload.Message,
		UserID:    userID,
		ChatID:    "cron:" + job.ID,
		SenderID:  "cron",
		AgentID:   agentID,
	})
	if err != nil {
		return "", err
	}
	if job.Payload.Deliver && job.Payload.Channel != "" {
		g.bus.Outbound <- bus.OutboundMessage{
			Channel: job.Payload.Channel,
			ChatID:  job.Payload.To,
			Content: res.Answer,
		}
	}
	return res.Answer, nil
}

func (g *Gateway) ensureMaintenanceJobs() error {
	jobs := []struct {
		name  string
		msg   string
		every time.Duration
	}{
		{"__internal_storage_checkpoint", cron.InternalStorageCheckpoint, checkpointEvery},
		{"__internal_vector_gc", cron.InternalVectorGC, vectorGCEvery},
	}
	for _, j := range jobs {
		schedule := cron.Schedule{Kind: cron.KindEvery, EveryMs: j.every.Milliseconds()}
		if _, err := g.cron.EnsureJob(j.name, schedule, cron.Payload{Message: j.msg}); err != nil {
			return fmt.Errorf("ensure %s: %w", j.name, err)
		}
	}
	return nil
}

func (g *Gateway) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go g.bus.DispatchOutbound(ctx)

	if g.channels != nil {
		if err := g.channels.StartAll(ctx); err != nil {
			return fmt.Errorf("start channels: %w", err)
		}
		log.Infof("[gateway] channels started: %v", g.channels.EnabledChannels())
	}

	if err := g.cron.Start(ctx); err != nil {
		log.Warnf("[gateway] cron start: %v", err)
	}
	if err := g.ensureMaintenanceJobs(); err != nil {
		log.Warnf("[gateway] %v", err)
	}

	go g.processLoop(ctx)

	log.Infof("[gateway] running on %s:%d", g.cfg.Gateway.Host, g.cfg.Gateway.Port)

	sigCh := g.signalChan
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)
	}
	select {
	case <-sigCh:
	case <-ctx.Done():
	}

	log.Infof("[gateway] shutting down...")
	cancel()
	return g.Shutdown()
}

func (g *Gateway) processLoop(ctx context.Context) {
	for {
		select {
		case msg := <-g.bus.Inbound:
			log.Infof("[gateway] inbound from %s/%s: %s", msg.Channel, msg.SenderID, truncate(msg.Content, 80))
			g.dispatch(ctx, msg)
		case <-ctx.Done():
			return
		}
	}
}

// dispatch queues msg on its chat's worker. Turns of one chat run in order;
// different chats run concurrently.
func (g *Gateway) dispatch(ctx context.Context, msg bus.InboundMessage) {
	key := msg.SessionKey()

	g.mu.Lock()
	queue, ok := g.workers[key]
	if !ok {
		queue = make(chan bus.InboundMessage, workerQueue)
		g.workers[key] = queue
		g.wg.Add(1)
		go g.worker(ctx, key, queue)
	}
	select {
	case queue <- msg:
		g.mu.Unlock()
		return
	default:
	}
	g.mu.Unlock()

	// A full queue keeps its worker alive, so a blocking send is safe.
	select {
	case queue <- msg:
	case <-ctx.Done():
	}
}

func (g *Gateway) worker(ctx context.Context, key string, queue chan bus.InboundMessage) {
	defer g.wg.Done()
	idle := time.NewTimer(workerIdle)
	defer idle.Stop()

	for {
		select {
		case msg := <-queue:
			g.serve(ctx, msg)
			idle.Reset(workerIdle)
		case <-idle.C:
			g.mu.Lock()
			if len(queue) > 0 {
				g.mu.Unlock()
				idle.Reset(workerIdle)
				continue
			}
			delete(g.workers, key)
			g.mu.Unlock()
			return
		case <-ctx.Done():
			return
		}
	}
}

// serve answers one message with a typing indicator bound to the turn.
func (g *Gateway) serve(ctx context.Context, msg bus.InboundMessage) {
	turnCtx, stopTyping := context.WithCancel(ctx)
	go g.typing(turnCtx, msg)
	reply := g.Handle(ctx, msg)
	stopTyping()

	if reply == "" {
		return
	}
	out := bus.OutboundMessage{Channel: msg.Channel, ChatID: msg.ChatID, Content: reply}
	if msg.Reply != nil {
		select {
		case msg.Reply <- out:
		default:
			log.Warnf("[gateway] reply channel for %s not ready, dropping", msg.SessionKey())
		}
		return
	}
	select {
	case g.bus.Outbound <- out:
	case <-ctx.Done():
	}
}

func (g *Gateway) typing(ctx context.Context, msg bus.InboundMessage) {
	action := bus.ChatAction{Channel: msg.Channel, ChatID: msg.ChatID, Action: bus.ActionTyping}
	ticker := time.NewTicker(typingInterval)
	defer ticker.Stop()
	for {
		g.bus.PublishAction(action)
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

func (g *Gateway) Shutdown() error {
	g.cron.Stop()
	if g.channels != nil {
		_ = g.channels.StopAll()
	}
	g.wg.Wait()
	err := g.closeAll()
	log.Infof("[gateway] shutdown complete")
	return err
}

// Close releases the stores without running the shutdown sequence.
func (g *Gateway) Close() error {
	return g.closeAll()
}

func (g *Gateway) closeAll() error {
	g.mu.Lock()
	closers := g.closers
	g.closers = nil
	g.mu.Unlock()

	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// truncate shortens s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
