// Package slack implements the Slack transport over Socket Mode using
// slack-go. It listens for app_mention events, reads thread history with
// conversations.replies, replies in-thread with an mrkdwn section block and
// manages reactions on the triggering message.
//
// Requirements:
//   - A Slack app with Socket Mode enabled and an app-level token (xapp-...)
//   - Bot scopes: app_mentions:read, channels:history, groups:history,
//     chat:write, reactions:write
package slack

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/jholhewres/threadclaw/pkg/threadclaw/channels"
)

const (
	// maxSectionText is Slack's limit for a section block's text.
	maxSectionText = 3000

	// repliesPageSize is the conversations.replies page size.
	repliesPageSize = 200
)

// API is the subset of the Slack Web API the transport uses.
// *slack.Client satisfies it.
type API interface {
	AuthTestContext(ctx context.Context) (*slack.AuthTestResponse, error)
	GetConversationRepliesContext(ctx context.Context, params *slack.GetConversationRepliesParameters) ([]slack.Message, bool, string, error)
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
	AddReactionContext(ctx context.Context, name string, item slack.ItemRef) error
	RemoveReactionContext(ctx context.Context, name string, item slack.ItemRef) error
}

// Config holds the Slack credentials of one bot identity.
type Config struct {
	// BotToken is the xoxb- bot token.
	BotToken string

	// AppToken is the xapp- app-level token used by Socket Mode.
	AppToken string

	// Debug enables slack-go's internal logging.
	Debug bool
}

// Slack implements channels.Transport.
type Slack struct {
	cfg    Config
	logger *slog.Logger

	api    API
	socket *socketmode.Client

	// botUserID identifies messages posted by this bot in thread history.
	botUserID string

	mentions chan channels.Mention
	done     chan struct{}
	stopOnce sync.Once

	connected  atomic.Bool
	lastMsg    atomic.Value // time.Time
	errorCount atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Slack transport.
func New(cfg Config, logger *slog.Logger) *Slack {
	if logger == nil {
		logger = slog.Default()
	}
	return &Slack{
		cfg:      cfg,
		logger:   logger.With("component", "slack"),
		mentions: make(chan channels.Mention, 256),
		done:     make(chan struct{}),
	}
}

// Name returns "slack".
func (s *Slack) Name() string { return "slack" }

// Connect authenticates the bot and starts the Socket Mode loop.
func (s *Slack) Connect(ctx context.Context) error {
	if s.cfg.BotToken == "" || s.cfg.AppToken == "" {
		return fmt.Errorf("slack: bot and app tokens are required: %w", channels.ErrMissingToken)
	}

	client := slack.New(
		s.cfg.BotToken,
		slack.OptionDebug(s.cfg.Debug),
		slack.OptionAppLevelToken(s.cfg.AppToken),
	)
	s.api = client
	s.socket = socketmode.New(client, socketmode.OptionDebug(s.cfg.Debug))

	auth, err := client.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack: auth test: %w", err)
	}
	s.botUserID = auth.UserID
	s.logger.Info("slack: authenticated", "team", auth.Team, "bot_user", auth.UserID)

	s.ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.eventLoop()
	}()
	go func() {
		defer s.wg.Done()
		if err := s.socket.RunContext(s.ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.errorCount.Add(1)
			s.connected.Store(false)
			s.logger.Error("slack: socket mode stopped", "error", err)
		}
	}()
	return nil
}

// Disconnect stops the Socket Mode loop and releases a mention waiting on a
// full buffer.
func (s *Slack) Disconnect() error {
	s.stopOnce.Do(func() { close(s.done) })
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.connected.Store(false)
	s.logger.Info("slack: disconnected")
	return nil
}

// Mentions returns the inbound mention stream.
func (s *Slack) Mentions() <-chan channels.Mention {
	return s.mentions
}

// Health returns the transport health status.
func (s *Slack) Health() channels.HealthStatus {
	var lastAt time.Time
	if v := s.lastMsg.Load(); v != nil {
		lastAt = v.(time.Time)
	}
	return channels.HealthStatus{
		Connected:     s.connected.Load(),
		LastMessageAt: lastAt,
		ErrorCount:    int(s.errorCount.Load()),
	}
}

// FetchThread returns every message of the thread in ascending order,
// following pagination cursors.
func (s *Slack) FetchThread(ctx context.Context, channel, threadID string) ([]channels.Message, error) {
	if s.api == nil {
		return nil, channels.ErrDisconnected
	}

	var out []channels.Message
	cursor := ""
	for {
		msgs, hasMore, next, err := s.api.GetConversationRepliesContext(ctx, &slack.GetConversationRepliesParameters{
			ChannelID: channel,
			Timestamp: threadID,
			Cursor:    cursor,
			Limit:     repliesPageSize,
		})
		if err != nil {
			s.errorCount.Add(1)
			return nil, fmt.Errorf("slack: conversations.replies %s/%s: %w", channel, threadID, err)
		}
		for _, m := range msgs {
			out = append(out, convertMessage(m, s.botUserID))
		}
		if !hasMore || next == "" {
			break
		}
		cursor = next
	}
	s.logger.Debug("fetched thread", "channel", channel, "thread", threadID, "messages", len(out))
	return out, nil
}

// Post replies in the thread with mrkdwn formatting. Text longer than a
// section block allows is sent as several messages.
func (s *Slack) Post(ctx context.Context, channel, threadID, text string) error {
	if s.api == nil {
		return channels.ErrDisconnected
	}
	for _, chunk := range channels.SplitText(text, maxSectionText) {
		_, _, err := s.api.PostMessageContext(ctx, channel,
			slack.MsgOptionText(chunk, false),
			slack.MsgOptionBlocks(sectionBlock(chunk)),
			slack.MsgOptionTS(threadID),
		)
		if err != nil {
			s.errorCount.Add(1)
			return fmt.Errorf("slack: chat.postMessage: %w", err)
		}
	}
	return nil
}

// AddReaction adds an emoji reaction. Reacting twice is not an error.
func (s *Slack) AddReaction(ctx context.Context, channel, messageID, name string) error {
	if s.api == nil {
		return channels.ErrDisconnected
	}
	err := s.api.AddReactionContext(ctx, name, slack.NewRefToMessage(channel, messageID))
	if err != nil && err.Error() != "already_reacted" {
		return fmt.Errorf("slack: reactions.add %s: %w", name, err)
	}
	return nil
}

// RemoveReaction removes the bot's emoji reaction. A missing reaction is not
// an error.
func (s *Slack) RemoveReaction(ctx context.Context, channel, messageID, name string) error {
	if s.api == nil {
		return channels.ErrDisconnected
	}
	err := s.api.RemoveReactionContext(ctx, name, slack.NewRefToMessage(channel, messageID))
	if err != nil && err.Error() != "no_reaction" {
		return fmt.Errorf("slack: reactions.remove %s: %w", name, err)
	}
	return nil
}

// ---------- Event Handling ----------

func (s *Slack) eventLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case evt, ok := <-s.socket.Events:
			if !ok {
				return
			}
			s.handleEvent(evt)
		}
	}
}

func (s *Slack) handleEvent(evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeConnecting:
		s.logger.Debug("slack: connecting to Socket Mode")

	case socketmode.EventTypeConnected:
		s.connected.Store(true)
		s.logger.Info("slack: connected to Socket Mode")

	case socketmode.EventTypeConnectionError:
		s.connected.Store(false)
		s.errorCount.Add(1)
		s.logger.Warn("slack: connection error", "data", evt.Data)

	case socketmode.EventTypeInvalidAuth:
		s.connected.Store(false)
		s.errorCount.Add(1)
		s.logger.Error("slack: invalid auth")

	case socketmode.EventTypeEventsAPI:
		apiEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok {
			return
		}
		if evt.Request != nil {
			s.socket.Ack(*evt.Request)
		}
		if apiEvent.Type != slackevents.CallbackEvent {
			return
		}
		if ev, ok := apiEvent.InnerEvent.Data.(*slackevents.AppMentionEvent); ok {
			s.onAppMention(ev)
		}
	}
}

func (s *Slack) onAppMention(ev *slackevents.AppMentionEvent) {
	if ev.BotID != "" || (s.botUserID != "" && ev.User == s.botUserID) {
		return
	}

	mention := mentionFromEvent(ev, time.Now())
	s.lastMsg.Store(mention.Received)

	select {
	case s.mentions <- mention:
	default:
		s.logger.Warn("slack: mention buffer full, waiting for the dispatcher", "channel", ev.Channel, "ts", ev.TimeStamp)
		select {
		case s.mentions <- mention:
		case <-s.done:
			s.logger.Warn("slack: disconnected before mention was delivered", "channel", ev.Channel, "ts", ev.TimeStamp)
		}
	}
}

// mentionFromEvent maps an app_mention event. A top-level mention leaves
// ThreadID empty and starts its own thread.
func mentionFromEvent(ev *slackevents.AppMentionEvent, received time.Time) channels.Mention {
	return channels.Mention{
		Channel:  ev.Channel,
		ThreadID: ev.ThreadTimeStamp,
		Marker:   ev.TimeStamp,
		User:     ev.User,
		Text:     ev.Text,
		Received: received,
	}
}

// convertMessage maps a thread reply. Messages carrying a bot id, or posted
// by this bot's user, are the assistant's.
func convertMessage(m slack.Message, botUserID string) channels.Message {
	author := channels.AuthorHuman
	if m.BotID != "" || (botUserID != "" && m.User == botUserID) {
		author = channels.AuthorAssistant
	}
	return channels.Message{
		Text:   m.Text,
		Author: author,
		Marker: m.Timestamp,
		User:   m.User,
	}
}

func sectionBlock(text string) slack.Block {
	return slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, text, false, false), nil, nil)
}

var _ channels.Transport = (*Slack)(nil)
var _ channels.HealthReporter = (*Slack)(nil)
