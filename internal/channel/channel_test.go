package channel

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/stellarlinkco/ragclaw/internal/bus"
	"github.com/stellarlinkco/ragclaw/internal/config"
	"github.com/stellarlinkco/ragclaw/internal/persona"
)

type agentMap map[string]*persona.Agent

func (m agentMap) Get(name string) (*persona.Agent, bool) {
	a, ok := m[name]
	return a, ok
}

func testAgents() agentMap {
	a := persona.NewAgent("assistant", nil, nil)
	a.Messages = persona.Messages{
		Start:      "welcome",
		Manual:     "how to use",
		WaitSecond: "slow down",
	}
	return agentMap{"assistant": a}
}

func TestBaseChannel_Name(t *testing.T) {
	b := bus.NewMessageBus(10)
	ch := NewBaseChannel("test", b, nil)
	if ch.Name() != "test" {
		t.Errorf("Name = %q, want test", ch.Name())
	}
}

func TestBaseChannel_IsAllowed_NoFilter(t *testing.T) {
	b := bus.NewMessageBus(10)
	ch := NewBaseChannel("test", b, nil)
	if !ch.IsAllowed("anyone") {
		t.Error("should allow anyone when allowFrom is empty")
	}
}

func TestBaseChannel_IsAllowed_WithFilter(t *testing.T) {
	b := bus.NewMessageBus(10)
	ch := NewBaseChannel("test", b, []string{"user1", "user2"})

	if !ch.IsAllowed("user1") {
		t.Error("should allow user1")
	}
	if !ch.IsAllowed("user2") {
		t.Error("should allow user2")
	}
	if ch.IsAllowed("user3") {
		t.Error("should reject user3")
	}
}

func TestBaseChannel_Admit(t *testing.T) {
	b := bus.NewMessageBus(10)
	ch := NewBaseChannel("test", b, nil)
	for i := 0; i < 100; i++ {
		if !ch.Admit("u") {
			t.Fatal("unlimited channel should admit everything")
		}
	}

	ch.SetRateLimit(2)
	if !ch.Admit("u") || !ch.Admit("u") {
		t.Fatal("burst of 2 should be admitted")
	}
	if ch.Admit("u") {
		t.Error("third message within a minute should be limited")
	}
	if !ch.Admit("other") {
		t.Error("limits are per sender")
	}
}

func TestBaseChannel_PublishStampsAgent(t *testing.T) {
	b := bus.NewMessageBus(1)
	ch := NewBaseChannel("test", b, nil)
	ch.SetAgent("assistant")

	ch.publish(bus.InboundMessage{SenderID: "s", ChatID: "c", Content: "hi"})
	msg := <-b.Inbound
	if msg.Channel != "test" || msg.AgentID != "assistant" {
		t.Errorf("msg = %+v", msg)
	}
	if msg.Timestamp.IsZero() {
		t.Error("timestamp should be set")
	}
}

func TestNewTelegramChannel_NoToken(t *testing.T) {
	b := bus.NewMessageBus(10)
	_, err := NewTelegramChannel(config.TelegramConfig{}, b, nil)
	if err == nil {
		t.Error("expected error for empty token")
	}
}

func TestNewTelegramChannel_Valid(t *testing.T) {
	b := bus.NewMessageBus(10)
	ch, err := NewTelegramChannel(config.TelegramConfig{Token: "fake-token", Agent: "assistant"}, b, nil)
	if err != nil {
		t.Fatalf("NewTelegramChannel error: %v", err)
	}
	if ch.Name() != "telegram" {
		t.Errorf("Name = %q", ch.Name())
	}
	if ch.Agent() != "assistant" {
		t.Errorf("Agent = %q", ch.Agent())
	}
}

func TestToTelegramHTML(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"escape", "a < b & c", "a &lt; b &amp; c"},
		{"code block", "```go\nfunc main() {}\n```", "<pre>func main() {}\n</pre>"},
		{"inline code", "use `x`", "use <code>x</code>"},
		{"bold", "**bold**", "<b>bold</b>"},
		{"italic", "*it*", "<i>it</i>"},
		{"plain", "hello", "hello"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := toTelegramHTML(tt.in); got != tt.want {
				t.Errorf("toTelegramHTML(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestChannelManager_Empty(t *testing.T) {
	b := bus.NewMessageBus(10)
	m, err := NewChannelManager(config.DefaultConfig(), b, nil)
	if err != nil {
		t.Fatalf("NewChannelManager error: %v", err)
	}
	if len(m.EnabledChannels()) != 0 {
		t.Errorf("expected no channels, got %v", m.EnabledChannels())
	}
	if err := m.StartAll(context.Background()); err != nil {
		t.Errorf("StartAll error: %v", err)
	}
	if err := m.StopAll(); err != nil {
		t.Errorf("StopAll error: %v", err)
	}
}

func TestChannelManager_FromConfig(t *testing.T) {
	b := bus.NewMessageBus(10)
	cfg := config.DefaultConfig()
	cfg.Channels.Telegram = config.TelegramConfig{Enabled: true, Token: "fake-token"}
	cfg.Channels.WebUI = config.WebUIConfig{Enabled: true, Agent: "jarvis"}

	m, err := NewChannelManager(cfg, b, nil)
	if err != nil {
		t.Fatalf("NewChannelManager error: %v", err)
	}
	got := m.EnabledChannels()
	if len(got) != 2 || got[0] != "telegram" || got[1] != "webui" {
		t.Fatalf("EnabledChannels = %v", got)
	}
	if a := m.channels["telegram"].(*TelegramChannel).Agent(); a != config.DefaultAgent {
		t.Errorf("telegram agent = %q", a)
	}
	if a := m.channels["webui"].(*WebUIChannel).Agent(); a != "jarvis" {
		t.Errorf("webui agent = %q", a)
	}
}

func TestChannelManager_TelegramNoToken(t *testing.T) {
	b := bus.NewMessageBus(10)
	cfg := config.DefaultConfig()
	cfg.Channels.Telegram.Enabled = true
	if _, err := NewChannelManager(cfg, b, nil); err == nil {
		t.Error("expected error for telegram without token")
	}
}

// mockChannel implements Channel interface for testing
type mockChannel struct {
	name     string
	started  bool
	stopped  bool
	startErr error
	stopErr  error
	sent     chan bus.OutboundMessage
	actions  chan bus.ChatAction
}

func newMockChannel(name string) *mockChannel {
	return &mockChannel{
		name:    name,
		sent:    make(chan bus.OutboundMessage, 10),
		actions: make(chan bus.ChatAction, 10),
	}
}

func (m *mockChannel) Name() string { return m.name }

func (m *mockChannel) Start(ctx context.Context) error {
	m.started = true
	return m.startErr
}

func (m *mockChannel) Stop() error {
	m.stopped = true
	return m.stopErr
}

func (m *mockChannel) Send(msg bus.OutboundMessage) error {
	m.sent <- msg
	return nil
}

func (m *mockChannel) SendAction(a bus.ChatAction) error {
	m.actions <- a
	return nil
}

func TestChannelManager_WithMockChannel(t *testing.T) {
	b := bus.NewMessageBus(10)
	mock := newMockChannel("mock")

	m := &ChannelManager{channels: map[string]Channel{}, bus: b}
	m.Register(mock)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := m.StartAll(ctx); err != nil {
		t.Errorf("StartAll error: %v", err)
	}
	if !mock.started {
		t.Error("mock channel should be started")
	}

	go b.DispatchOutbound(ctx)
	b.Outbound <- bus.OutboundMessage{Channel: "mock", ChatID: "1", Content: "hello"}
	select {
	case msg := <-mock.sent:
		if msg.Content != "hello" {
			t.Errorf("content = %q", msg.Content)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("outbound message not delivered")
	}

	b.PublishAction(bus.ChatAction{Channel: "mock", ChatID: "1", Action: bus.ActionTyping})
	select {
	case a := <-mock.actions:
		if a.Action != bus.ActionTyping {
			t.Errorf("action = %q", a.Action)
		}
	default:
		t.Fatal("action not delivered")
	}

	channels := m.EnabledChannels()
	if len(channels) != 1 || channels[0] != "mock" {
		t.Errorf("EnabledChannels = %v, want [mock]", channels)
	}

	if err := m.StopAll(); err != nil {
		t.Errorf("StopAll error: %v", err)
	}
	if !mock.stopped {
		t.Error("mock channel should be stopped")
	}
}

func TestChannelManager_StartAll_Error(t *testing.T) {
	b := bus.NewMessageBus(10)
	mock := newMockChannel("mock")
	mock.startErr = fmt.Errorf("start failed")

	m := &ChannelManager{channels: map[string]Channel{"mock": mock}, bus: b}
	if err := m.StartAll(context.Background()); err == nil {
		t.Error("expected error from StartAll")
	}
}

func TestChannelManager_StopAll_Error(t *testing.T) {
	b := bus.NewMessageBus(10)
	mock := newMockChannel("mock")
	mock.stopErr = fmt.Errorf("stop failed")

	m := &ChannelManager{channels: map[string]Channel{"mock": mock}, bus: b}
	// Should not return error (errors are logged)
	if err := m.StopAll(); err != nil {
		t.Errorf("StopAll should not return error: %v", err)
	}
}

// mockTelegramBot implements TelegramBot interface for testing
type mockTelegramBot struct {
	updatesChan chan tgbotapi.Update
	stopped     bool
	sentMsgs    []tgbotapi.Chattable
	requests    []tgbotapi.Chattable
	sendErr     error
	self        tgbotapi.User
}

func newMockBot() *mockTelegramBot {
	return &mockTelegramBot{
		updatesChan: make(chan tgbotapi.Update, 10),
		self:        tgbotapi.User{UserName: "testbot"},
	}
}

func (m *mockTelegramBot) GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return m.updatesChan
}

func (m *mockTelegramBot) StopReceivingUpdates() {
	m.stopped = true
}

func (m *mockTelegramBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	m.sentMsgs = append(m.sentMsgs, c)
	if m.sendErr != nil {
		return tgbotapi.Message{}, m.sendErr
	}
	return tgbotapi.Message{MessageID: 1}, nil
}

func (m *mockTelegramBot) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	m.requests = append(m.requests, c)
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (m *mockTelegramBot) GetSelf() tgbotapi.User {
	return m.self
}

func newTestTelegram(t *testing.T, cfg config.TelegramConfig) (*TelegramChannel, *mockTelegramBot, *bus.MessageBus) {
	t.Helper()
	b := bus.NewMessageBus(10)
	if cfg.Token == "" {
		cfg.Token = "fake-token"
	}
	if cfg.Agent == "" {
		cfg.Agent = "assistant"
	}
	bot := newMockBot()
	ch, err := NewTelegramChannelWithFactory(cfg, b, testAgents(), func(string, string, *http.Client) (TelegramBot, error) {
		return bot, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	ch.SetBot(bot)
	return ch, bot, b
}

func textMessage(from, chat int64, text string) *tgbotapi.Message {
	return &tgbotapi.Message{
		From: &tgbotapi.User{ID: from, UserName: "testuser"},
		Chat: &tgbotapi.Chat{ID: chat},
		Text: text,
		Date: 1234567890,
	}
}

func commandMessage(from, chat int64, command string) *tgbotapi.Message {
	msg := textMessage(from, chat, command)
	msg.Entities = []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: len(command)}}
	return msg
}

func TestTelegramChannel_HandleMessage_Allowed(t *testing.T) {
	ch, _, b := newTestTelegram(t, config.TelegramConfig{})

	ch.handleMessage(textMessage(123, 456, "hello"))

	select {
	case msg := <-b.Inbound:
		if msg.Content != "hello" || msg.SenderID != "123" || msg.ChatID != "456" {
			t.Errorf("msg = %+v", msg)
		}
		if msg.Channel != "telegram" || msg.AgentID != "assistant" {
			t.Errorf("routing = %s/%s", msg.Channel, msg.AgentID)
		}
		if !msg.Timestamp.Equal(time.Unix(1234567890, 0)) {
			t.Errorf("timestamp = %v", msg.Timestamp)
		}
	default:
		t.Fatal("expected inbound message")
	}
}

func TestTelegramChannel_HandleMessage_Rejected(t *testing.T) {
	ch, _, b := newTestTelegram(t, config.TelegramConfig{AllowFrom: []string{"999"}})

	ch.handleMessage(textMessage(123, 456, "hello"))

	select {
	case <-b.Inbound:
		t.Error("should not receive message from non-allowed user")
	default:
	}
}

func TestTelegramChannel_HandleMessage_EmptyText(t *testing.T) {
	ch, _, b := newTestTelegram(t, config.TelegramConfig{})

	ch.handleMessage(textMessage(123, 456, "   "))

	select {
	case <-b.Inbound:
		t.Error("should not receive message for empty text")
	default:
	}
}

func TestTelegramChannel_HandleMessage_Caption(t *testing.T) {
	ch, _, b := newTestTelegram(t, config.TelegramConfig{})
	msg := textMessage(123, 456, "")
	msg.Caption = "photo caption"

	ch.handleMessage(msg)

	select {
	case in := <-b.Inbound:
		if in.Content != "photo caption" {
			t.Errorf("content = %q", in.Content)
		}
	default:
		t.Fatal("expected inbound message")
	}
}

func TestTelegramChannel_Commands(t *testing.T) {
	ch, bot, b := newTestTelegram(t, config.TelegramConfig{})

	ch.handleMessage(commandMessage(1, 456, "/start"))
	ch.handleMessage(commandMessage(1, 456, "/help"))
	ch.handleMessage(commandMessage(1, 456, "/unknown"))

	select {
	case <-b.Inbound:
		t.Error("commands must not reach the pipeline")
	default:
	}
	if len(bot.sentMsgs) != 2 {
		t.Fatalf("sent %d messages, want 2", len(bot.sentMsgs))
	}
	if got := bot.sentMsgs[0].(tgbotapi.MessageConfig).Text; got != "welcome" {
		t.Errorf("/start reply = %q", got)
	}
	if got := bot.sentMsgs[1].(tgbotapi.MessageConfig).Text; got != "how to use" {
		t.Errorf("/help reply = %q", got)
	}
}

func TestTelegramChannel_RateLimited(t *testing.T) {
	ch, bot, b := newTestTelegram(t, config.TelegramConfig{RatePerMinute: 1})

	ch.handleMessage(textMessage(1, 456, "first"))
	ch.handleMessage(textMessage(1, 456, "second"))

	if len(b.Inbound) != 1 {
		t.Fatalf("inbound = %d, want 1", len(b.Inbound))
	}
	if len(bot.sentMsgs) != 1 || bot.sentMsgs[0].(tgbotapi.MessageConfig).Text != "slow down" {
		t.Errorf("expected wait message, got %v", bot.sentMsgs)
	}
}

func TestTelegramChannel_SendAction(t *testing.T) {
	ch, bot, _ := newTestTelegram(t, config.TelegramConfig{})

	if err := ch.SendAction(bus.ChatAction{ChatID: "456", Action: bus.ActionTyping}); err != nil {
		t.Fatalf("SendAction error: %v", err)
	}
	if len(bot.requests) != 1 {
		t.Fatalf("requests = %d", len(bot.requests))
	}
	action := bot.requests[0].(tgbotapi.ChatActionConfig)
	if action.Action != tgbotapi.ChatTyping || action.ChatID != 456 {
		t.Errorf("action = %+v", action)
	}

	if err := ch.SendAction(bus.ChatAction{ChatID: "abc", Action: bus.ActionTyping}); err == nil {
		t.Error("expected error for invalid chat id")
	}
}

func TestTelegramChannel_InitBot_Error(t *testing.T) {
	b := bus.NewMessageBus(10)
	factory := func(token, apiEndpoint string, client *http.Client) (TelegramBot, error) {
		return nil, fmt.Errorf("auth failed")
	}
	ch, _ := NewTelegramChannelWithFactory(config.TelegramConfig{Token: "fake-token"}, b, nil, factory)

	if err := ch.initBot(); err == nil {
		t.Error("expected error from initBot")
	}
}

func TestTelegramChannel_InitBot_InvalidProxy(t *testing.T) {
	b := bus.NewMessageBus(10)
	ch, _ := NewTelegramChannelWithFactory(config.TelegramConfig{
		Token: "fake-token",
		Proxy: "://invalid-url",
	}, b, nil, defaultBotFactory)

	if err := ch.initBot(); err == nil {
		t.Error("expected error for invalid proxy URL")
	}
}

func TestTelegramChannel_StartStop(t *testing.T) {
	ch, bot, b := newTestTelegram(t, config.TelegramConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := ch.Start(ctx); err != nil {
		t.Fatalf("Start error: %v", err)
	}

	bot.updatesChan <- tgbotapi.Update{Message: nil}
	bot.updatesChan <- tgbotapi.Update{Message: textMessage(123, 456, "test message")}

	select {
	case inbound := <-b.Inbound:
		if inbound.Content != "test message" {
			t.Errorf("content = %q, want 'test message'", inbound.Content)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected inbound message")
	}

	ch.Stop()
	if !bot.stopped {
		t.Error("bot should be stopped")
	}
}

func TestTelegramChannel_Send_NilBot(t *testing.T) {
	b := bus.NewMessageBus(10)
	ch, _ := NewTelegramChannel(config.TelegramConfig{Token: "fake-token"}, b, nil)

	if err := ch.Send(bus.OutboundMessage{ChatID: "123", Content: "test"}); err == nil {
		t.Error("expected error when bot is nil")
	}
}

func TestTelegramChannel_Send_InvalidChatID(t *testing.T) {
	ch, _, _ := newTestTelegram(t, config.TelegramConfig{})

	if err := ch.Send(bus.OutboundMessage{ChatID: "not-a-number", Content: "test"}); err == nil {
		t.Error("expected error for invalid chat ID")
	}
}

func TestTelegramChannel_Send_LongMessage(t *testing.T) {
	ch, bot, _ := newTestTelegram(t, config.TelegramConfig{})

	longContent := strings.Repeat("This is a long line of text that will be repeated.\n", 100)
	if err := ch.Send(bus.OutboundMessage{ChatID: "123", Content: longContent}); err != nil {
		t.Errorf("Send error: %v", err)
	}
	if len(bot.sentMsgs) < 2 {
		t.Errorf("expected multiple sent messages for long content, got %d", len(bot.sentMsgs))
	}
}

func TestTelegramChannel_Send_LongMessageNoNewline(t *testing.T) {
	ch, bot, _ := newTestTelegram(t, config.TelegramConfig{})

	if err := ch.Send(bus.OutboundMessage{ChatID: "123", Content: strings.Repeat("x", 5000)}); err != nil {
		t.Errorf("Send error: %v", err)
	}
	if len(bot.sentMsgs) < 2 {
		t.Errorf("expected multiple messages, got %d", len(bot.sentMsgs))
	}
}

type sendCountingBot struct {
	*mockTelegramBot
	callCount int
}

func (s *sendCountingBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	s.callCount++
	if s.callCount == 1 {
		return tgbotapi.Message{}, fmt.Errorf("HTML parse error")
	}
	return tgbotapi.Message{MessageID: 1}, nil
}

func TestTelegramChannel_Send_HTMLError_Retry(t *testing.T) {
	ch, _, _ := newTestTelegram(t, config.TelegramConfig{})
	wrapper := &sendCountingBot{mockTelegramBot: newMockBot()}
	ch.SetBot(wrapper)

	if err := ch.Send(bus.OutboundMessage{ChatID: "123", Content: "test"}); err != nil {
		t.Errorf("Send should succeed after retry: %v", err)
	}
	if wrapper.callCount != 2 {
		t.Errorf("callCount = %d, want 2", wrapper.callCount)
	}
}

func TestTelegramChannel_Send_BothFail(t *testing.T) {
	ch, bot, _ := newTestTelegram(t, config.TelegramConfig{})
	bot.sendErr = fmt.Errorf("send failed")

	if err := ch.Send(bus.OutboundMessage{ChatID: "123", Content: "test"}); err == nil {
		t.Error("expected error when both sends fail")
	}
}
