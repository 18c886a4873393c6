package relay

import (
	"context"

	"github.com/jholhewres/threadclaw/pkg/threadclaw/channels"
)

// Dispatch routes mentions to their bot's binding and submits them to the
// pool. It returns when mentions is closed, ctx is done or the orchestrator
// is stopped. Mentions for unknown bots or channels outside a bot's allow
// list are dropped.
func (o *Orchestrator) Dispatch(ctx context.Context, mentions <-chan channels.Mention, bindings map[string]*Binding) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.done:
			return
		case m, ok := <-mentions:
			if !ok {
				return
			}
			b, found := bindings[m.Bot]
			if !found {
				o.logger.Warn("mention for unknown bot dropped", "bot", m.Bot, "channel", m.Channel)
				continue
			}
			if !b.Bot.AllowsChannel(m.Channel) {
				o.logger.Debug("mention outside allowed channels ignored", "bot", m.Bot, "channel", m.Channel)
				continue
			}
			if !o.Submit(b, m) {
				return
			}
		}
	}
}
