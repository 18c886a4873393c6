// Package discord implements the Discord transport using discordgo.
//
// A mention posted inside a thread is answered in that thread. A mention
// posted in a regular channel starts a thread on the mentioning message;
// Discord gives such a thread the same snowflake as its starter message, so
// the conversation is keyed by the mention's own id. Where threads cannot be
// created (DMs), the bot replies to the message in place.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/jholhewres/threadclaw/pkg/threadclaw/channels"
)

const (
	// maxMessageLen is Discord's per-message character limit.
	maxMessageLen = 2000

	// historyPageSize is the channel messages page size (API maximum).
	historyPageSize = 100

	// threadArchiveMinutes is the auto-archive duration of started threads.
	threadArchiveMinutes = 1440

	maxThreadName = 80
)

// API is the subset of the discordgo session the transport uses.
// *discordgo.Session satisfies it.
type API interface {
	Channel(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	ChannelMessage(channelID, messageID string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessages(channelID string, limit int, beforeID, afterID, aroundID string, options ...discordgo.RequestOption) ([]*discordgo.Message, error)
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	MessageThreadStart(channelID, messageID string, name string, archiveDuration int, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	MessageReactionAdd(channelID, messageID, emojiID string, options ...discordgo.RequestOption) error
	MessageReactionRemove(channelID, messageID, emojiID, userID string, options ...discordgo.RequestOption) error
}

// Config holds the Discord credentials of one bot identity.
type Config struct {
	// Token is the Discord bot token.
	Token string
}

// Discord implements channels.Transport.
type Discord struct {
	cfg     Config
	logger  *slog.Logger
	session *discordgo.Session
	api     API

	botID atomic.Value // string

	mentions chan channels.Mention
	done     chan struct{}
	stopOnce sync.Once

	// inPlace records conversations that could not get a thread, keyed by
	// the mention id. Replies go to the stored channel as message replies.
	inPlace sync.Map // string -> string

	connected  atomic.Bool
	lastMsg    atomic.Value // time.Time
	errorCount atomic.Int64
}

// New creates a Discord transport.
func New(cfg Config, logger *slog.Logger) *Discord {
	if logger == nil {
		logger = slog.Default()
	}
	return &Discord{
		cfg:      cfg,
		logger:   logger.With("component", "discord"),
		mentions: make(chan channels.Mention, 256),
		done:     make(chan struct{}),
	}
}

// Name returns "discord".
func (d *Discord) Name() string { return "discord" }

// Connect opens the Discord gateway WebSocket connection.
func (d *Discord) Connect(ctx context.Context) error {
	if d.cfg.Token == "" {
		return fmt.Errorf("discord: bot token is required: %w", channels.ErrMissingToken)
	}

	session, err := discordgo.New("Bot " + d.cfg.Token)
	if err != nil {
		return fmt.Errorf("discord: creating session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent |
		discordgo.IntentsGuildMessageReactions
	session.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
		if r.User != nil {
			d.botID.Store(r.User.ID)
		}
	})
	session.AddHandler(d.onMessageCreate)
	session.AddHandler(func(_ *discordgo.Session, _ *discordgo.Disconnect) {
		d.connected.Store(false)
		d.logger.Warn("discord: gateway disconnected, discordgo will reconnect")
	})
	session.AddHandler(func(_ *discordgo.Session, _ *discordgo.Resumed) {
		d.connected.Store(true)
	})

	// Handlers start running inside Open.
	d.session = session
	d.api = session

	if err := session.Open(); err != nil {
		return fmt.Errorf("discord: opening gateway: %w", err)
	}

	id := d.selfID(session)
	d.botID.Store(id)
	d.connected.Store(true)
	d.logger.Info("discord: connected", "id", id)
	return nil
}

// Disconnect closes the gateway connection and releases handlers waiting on
// a full mention buffer.
func (d *Discord) Disconnect() error {
	d.stopOnce.Do(func() { close(d.done) })
	if d.session != nil {
		if err := d.session.Close(); err != nil {
			return fmt.Errorf("discord: closing gateway: %w", err)
		}
	}
	d.connected.Store(false)
	d.logger.Info("discord: disconnected")
	return nil
}

// Mentions returns the inbound mention stream.
func (d *Discord) Mentions() <-chan channels.Mention {
	return d.mentions
}

// Health returns the transport health status.
func (d *Discord) Health() channels.HealthStatus {
	var lastAt time.Time
	if v := d.lastMsg.Load(); v != nil {
		lastAt = v.(time.Time)
	}
	return channels.HealthStatus{
		Connected:     d.connected.Load(),
		LastMessageAt: lastAt,
		ErrorCount:    int(d.errorCount.Load()),
	}
}

// FetchThread returns the conversation in ascending order: the thread's
// starter message (when the thread was started from one) followed by every
// message posted in the thread.
func (d *Discord) FetchThread(_ context.Context, channel, threadID string) ([]channels.Message, error) {
	if d.api == nil {
		return nil, channels.ErrDisconnected
	}

	if _, ok := d.inPlace.Load(threadID); ok {
		m, err := d.api.ChannelMessage(channel, threadID)
		if err != nil {
			d.errorCount.Add(1)
			return nil, fmt.Errorf("discord: fetching message %s: %w", threadID, err)
		}
		return []channels.Message{d.convertMessage(m)}, nil
	}

	var out []channels.Message
	if thread, err := d.api.Channel(threadID); err == nil && thread.ParentID != "" {
		if starter, err := d.api.ChannelMessage(thread.ParentID, threadID); err == nil {
			out = append(out, d.convertMessage(starter))
		}
	}

	var (
		history []*discordgo.Message
		before  string
	)
	for {
		page, err := d.api.ChannelMessages(threadID, historyPageSize, before, "", "")
		if err != nil {
			d.errorCount.Add(1)
			return nil, fmt.Errorf("discord: fetching thread %s: %w", threadID, err)
		}
		history = append(history, page...)
		if len(page) < historyPageSize {
			break
		}
		before = page[len(page)-1].ID
	}

	// The API returns newest first.
	slices.Reverse(history)
	for _, m := range history {
		if !isConversationMessage(m) {
			continue
		}
		out = append(out, d.convertMessage(m))
	}
	return out, nil
}

// Post sends text into the thread, split at Discord's message limit.
func (d *Discord) Post(_ context.Context, channel, threadID, text string) error {
	if d.api == nil {
		return channels.ErrDisconnected
	}

	target := threadID
	var ref *discordgo.MessageReference
	if ch, ok := d.inPlace.Load(threadID); ok {
		target = ch.(string)
		ref = &discordgo.MessageReference{MessageID: threadID, ChannelID: target}
	}

	for i, chunk := range channels.SplitText(text, maxMessageLen) {
		send := &discordgo.MessageSend{Content: chunk}
		if i == 0 {
			send.Reference = ref
		}
		if _, err := d.api.ChannelMessageSendComplex(target, send); err != nil {
			d.errorCount.Add(1)
			return fmt.Errorf("discord: sending to %s: %w", target, err)
		}
	}
	return nil
}

// AddReaction reacts to a message. Slack-style names are mapped to unicode.
func (d *Discord) AddReaction(_ context.Context, channel, messageID, name string) error {
	if d.api == nil {
		return channels.ErrDisconnected
	}
	if err := d.api.MessageReactionAdd(channel, messageID, emojiFor(name)); err != nil {
		return fmt.Errorf("discord: adding reaction %s: %w", name, err)
	}
	return nil
}

// RemoveReaction removes the bot's own reaction from a message.
func (d *Discord) RemoveReaction(_ context.Context, channel, messageID, name string) error {
	if d.api == nil {
		return channels.ErrDisconnected
	}
	if err := d.api.MessageReactionRemove(channel, messageID, emojiFor(name), "@me"); err != nil {
		return fmt.Errorf("discord: removing reaction %s: %w", name, err)
	}
	return nil
}

// ---------- Event Handlers ----------

func (d *Discord) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	self := d.selfID(s)
	if m.Author == nil || m.Author.Bot || m.Author.ID == self {
		return
	}
	if !mentionsUser(m.Message, self) {
		return
	}

	mention, err := d.resolveMention(m.Message)
	if err != nil {
		d.errorCount.Add(1)
		d.logger.Warn("discord: could not resolve mention", "msg_id", m.ID, "error", err)
		return
	}
	d.lastMsg.Store(mention.Received)

	select {
	case d.mentions <- mention:
	default:
		d.logger.Warn("discord: mention buffer full, waiting for the dispatcher", "msg_id", m.ID)
		select {
		case d.mentions <- mention:
		case <-d.done:
			d.logger.Warn("discord: disconnected before mention was delivered", "msg_id", m.ID)
		}
	}
}

// selfID returns the bot's user id, reading the gateway state when the Ready
// event has not been recorded yet.
func (d *Discord) selfID(s *discordgo.Session) string {
	if id, _ := d.botID.Load().(string); id != "" {
		return id
	}
	if s == nil || s.State == nil {
		return ""
	}
	s.State.RLock()
	defer s.State.RUnlock()
	if s.State.User == nil {
		return ""
	}
	return s.State.User.ID
}

// resolveMention decides which thread the mention belongs to, starting one
// on the message when it was posted outside a thread.
func (d *Discord) resolveMention(m *discordgo.Message) (channels.Mention, error) {
	mention := channels.Mention{
		Channel:  m.ChannelID,
		Marker:   m.ID,
		User:     m.Author.ID,
		Text:     m.Content,
		Received: time.Now(),
	}

	ch, err := d.channel(m.ChannelID)
	if err != nil {
		return mention, fmt.Errorf("looking up channel %s: %w", m.ChannelID, err)
	}

	if ch.IsThread() {
		mention.ThreadID = ch.ID
		return mention, nil
	}

	if m.GuildID != "" {
		thread, err := d.api.MessageThreadStart(m.ChannelID, m.ID, threadName(m.Content), threadArchiveMinutes)
		if err == nil {
			mention.ThreadID = thread.ID
			return mention, nil
		}
		d.logger.Warn("discord: could not start thread, replying in place", "msg_id", m.ID, "error", err)
	}

	d.inPlace.Store(m.ID, m.ChannelID)
	return mention, nil
}

// channel looks a channel up in the gateway state cache before asking the API.
func (d *Discord) channel(id string) (*discordgo.Channel, error) {
	if d.session != nil && d.session.State != nil {
		if ch, err := d.session.State.Channel(id); err == nil {
			return ch, nil
		}
	}
	return d.api.Channel(id)
}

// convertMessage maps a Discord message. Bot authors are the assistant.
func (d *Discord) convertMessage(m *discordgo.Message) channels.Message {
	out := channels.Message{Text: m.Content, Marker: m.ID}
	if m.Author != nil {
		out.User = m.Author.ID
		if m.Author.Bot || m.Author.ID == d.selfID(d.session) {
			out.Author = channels.AuthorAssistant
		}
	}
	return out
}

// isConversationMessage drops system messages such as thread-created notices.
func isConversationMessage(m *discordgo.Message) bool {
	return m.Type == discordgo.MessageTypeDefault || m.Type == discordgo.MessageTypeReply
}

func mentionsUser(m *discordgo.Message, userID string) bool {
	if userID == "" {
		return false
	}
	for _, u := range m.Mentions {
		if u != nil && u.ID == userID {
			return true
		}
	}
	return false
}

var userMentionPattern = regexp.MustCompile(`<@!?\d+>`)

// threadName derives a thread title from the mention text.
func threadName(content string) string {
	name := strings.Join(strings.Fields(userMentionPattern.ReplaceAllString(content, "")), " ")
	if name == "" {
		return "threadclaw"
	}
	if r := []rune(name); len(r) > maxThreadName {
		name = string(r[:maxThreadName-3]) + "..."
	}
	return name
}

// slackEmoji maps the reaction names used in configuration to unicode.
var slackEmoji = map[string]string{
	"hourglass_flowing_sand": "⏳",
	"hourglass":              "⌛",
	"white_check_mark":       "✅",
	"heavy_check_mark":       "✔️",
	"x":                      "❌",
	"warning":                "⚠️",
	"eyes":                   "👀",
	"thinking_face":          "🤔",
	"gear":                   "⚙️",
	"rocket":                 "🚀",
	"robot_face":             "🤖",
	"mag":                    "🔍",
}

// emojiFor returns the unicode emoji for a known name, or name unchanged
// (already unicode, or a custom "name:id" emoji).
func emojiFor(name string) string {
	if e, ok := slackEmoji[strings.Trim(name, ":")]; ok {
		return e
	}
	return name
}

var _ channels.Transport = (*Discord)(nil)
var _ channels.HealthReporter = (*Discord)(nil)
