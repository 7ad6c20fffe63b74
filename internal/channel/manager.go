package channel

import (
	"context"
	"fmt"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/stellarlinkco/ragclaw/internal/bus"
	"github.com/stellarlinkco/ragclaw/internal/config"
)

type ChannelManager struct {
	channels map[string]Channel
	bus      *bus.MessageBus
}

// actionSender is implemented by channels that can show chat actions.
type actionSender interface {
	SendAction(a bus.ChatAction) error
}

func NewChannelManager(cfg *config.Config, b *bus.MessageBus, agents AgentSource) (*ChannelManager, error) {
	m := &ChannelManager{
		channels: make(map[string]Channel),
		bus:      b,
	}

	if cfg.Channels.Telegram.Enabled {
		tgCfg := cfg.Channels.Telegram
		tgCfg.Agent = cfg.AgentFor(telegramChannelName)
		ch, err := NewTelegramChannel(tgCfg, b, agents)
		if err != nil {
			return nil, fmt.Errorf("init telegram channel: %w", err)
		}
		m.Register(ch)
	}

	if cfg.Channels.WebUI.Enabled {
		webCfg := cfg.Channels.WebUI
		webCfg.Agent = cfg.AgentFor(webUIChannelName)
		ch, err := NewWebUIChannel(webCfg, cfg.Gateway, b)
		if err != nil {
			return nil, fmt.Errorf("init webui channel: %w", err)
		}
		m.Register(ch)
	}

	return m, nil
}

// Register adds a channel and subscribes it to outbound messages and, when
// supported, chat actions.
func (m *ChannelManager) Register(ch Channel) {
	m.channels[ch.Name()] = ch
	m.bus.SubscribeOutbound(ch.Name(), func(msg bus.OutboundMessage) {
		if err := ch.Send(msg); err != nil {
			log.Errorf("[channel-mgr] send to %s failed: %v", ch.Name(), err)
		}
	})
	if as, ok := ch.(actionSender); ok {
		m.bus.SubscribeActions(ch.Name(), func(a bus.ChatAction) {
			if err := as.SendAction(a); err != nil {
				log.Debugf("[channel-mgr] action to %s failed: %v", ch.Name(), err)
			}
		})
	}
}

func (m *ChannelManager) StartAll(ctx context.Context) error {
	var wg sync.WaitGroup
	errCh := make(chan error, len(m.channels))

	for name, ch := range m.channels {
		wg.Add(1)
		go func(name string, ch Channel) {
			defer wg.Done()
			log.Infof("[channel-mgr] starting %s", name)
			if err := ch.Start(ctx); err != nil {
				errCh <- fmt.Errorf("%s: %w", name, err)
			}
		}(name, ch)
	}

	wg.Wait()
	close(errCh)

	for err := range errCh {
		return err
	}
	return nil
}

func (m *ChannelManager) StopAll() error {
	for name, ch := range m.channels {
		log.Infof("[channel-mgr] stopping %s", name)
		if err := ch.Stop(); err != nil {
			log.Errorf("[channel-mgr] error stopping %s: %v", name, err)
		}
	}
	return nil
}

func (m *ChannelManager) EnabledChannels() []string {
	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
