// Package console implements a local terminal transport backed by readline.
// Every input line is a mention in one local thread, so consecutive questions
// continue the same assistant session. Answers and reaction updates are
// printed to the terminal.
package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chzyer/readline"

	"github.com/jholhewres/threadclaw/pkg/threadclaw/channels"
)

const (
	// ChannelID and ThreadID name the single local conversation.
	ChannelID = "console"
	ThreadID  = "console"

	defaultPrompt = "threadclaw> "
)

// reactionLabels renders the default reaction names in the terminal.
var reactionLabels = map[string]string{
	"hourglass_flowing_sand": "⏳ working...",
	"white_check_mark":       "✅ done",
	"x":                      "❌ failed",
	"eyes":                   "👀 looking...",
}

// Config configures the console transport.
type Config struct {
	// Prompt is the input prompt. Defaults to "threadclaw> ".
	Prompt string

	// HistoryFile persists input history across runs. Empty disables it.
	HistoryFile string

	// User is the sender id given to typed lines. Defaults to $USER.
	User string
}

// Console implements channels.Transport on a terminal.
type Console struct {
	cfg    Config
	logger *slog.Logger
	rl     *readline.Instance

	outMu sync.Mutex
	out   io.Writer

	mu      sync.Mutex
	history []channels.Message
	seq     int

	mentions chan channels.Mention
	done     chan struct{}
	doneOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a console transport writing to stdout until connected.
func New(cfg Config, logger *slog.Logger) *Console {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Prompt == "" {
		cfg.Prompt = defaultPrompt
	}
	if cfg.User == "" {
		cfg.User = os.Getenv("USER")
	}
	return &Console{
		cfg:      cfg,
		logger:   logger.With("component", "console"),
		out:      os.Stdout,
		mentions: make(chan channels.Mention, 16),
		done:     make(chan struct{}),
	}
}

// Name returns "console".
func (c *Console) Name() string { return "console" }

// Connect opens the readline prompt and starts reading lines.
func (c *Console) Connect(ctx context.Context) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          c.cfg.Prompt,
		HistoryFile:     c.cfg.HistoryFile,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("console: opening readline: %w", err)
	}
	c.rl = rl
	c.setOutput(rl.Stdout())

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.readLoop(ctx)
	}()
	return nil
}

// Disconnect closes the prompt.
func (c *Console) Disconnect() error {
	c.finish()
	if c.rl != nil {
		if err := c.rl.Close(); err != nil {
			return fmt.Errorf("console: closing readline: %w", err)
		}
	}
	c.wg.Wait()
	return nil
}

// Done is closed when the user leaves the prompt (Ctrl-D, /exit) or the
// transport is disconnected.
func (c *Console) Done() <-chan struct{} {
	return c.done
}

// Mentions returns the typed lines as mentions.
func (c *Console) Mentions() <-chan channels.Mention {
	return c.mentions
}

// Accept records a typed line in the local thread and returns its mention.
func (c *Console) Accept(text string) channels.Mention {
	c.mu.Lock()
	defer c.mu.Unlock()
	marker := c.nextMarker()
	c.history = append(c.history, channels.Message{
		Text:   text,
		Author: channels.AuthorHuman,
		Marker: marker,
		User:   c.cfg.User,
	})
	return channels.Mention{
		Channel:  ChannelID,
		ThreadID: ThreadID,
		Marker:   marker,
		User:     c.cfg.User,
		Text:     text,
		Received: time.Now(),
	}
}

// FetchThread returns the local conversation.
func (c *Console) FetchThread(_ context.Context, channel, threadID string) ([]channels.Message, error) {
	if channel != ChannelID || threadID != ThreadID {
		return nil, fmt.Errorf("console: %s/%s: %w", channel, threadID, channels.ErrUnknownChannel)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]channels.Message(nil), c.history...), nil
}

// Post prints the answer and records it in the local thread.
func (c *Console) Post(_ context.Context, _, _, text string) error {
	c.mu.Lock()
	c.history = append(c.history, channels.Message{
		Text:   text,
		Author: channels.AuthorAssistant,
		Marker: c.nextMarker(),
	})
	c.mu.Unlock()

	c.printf("\n%s\n\n", strings.TrimRight(text, "\n"))
	return nil
}

// AddReaction prints a status line for the reaction.
func (c *Console) AddReaction(_ context.Context, _, _, name string) error {
	label, ok := reactionLabels[name]
	if !ok {
		label = ":" + name + ":"
	}
	c.printf("  %s\n", label)
	return nil
}

// RemoveReaction is a no-op; the terminal keeps its scrollback.
func (c *Console) RemoveReaction(context.Context, string, string, string) error {
	return nil
}

func (c *Console) readLoop(ctx context.Context) {
	defer c.finish()
	for {
		line, err := c.rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				return
			}
			continue
		}
		if err != nil {
			return
		}

		line = strings.TrimSpace(line)
		switch line {
		case "":
			continue
		case "/exit", "/quit":
			return
		}

		select {
		case c.mentions <- c.Accept(line):
		case <-ctx.Done():
			return
		case <-c.done:
			return
		}
	}
}

// nextMarker returns the next ordering marker. Callers hold c.mu.
func (c *Console) nextMarker() string {
	c.seq++
	return strconv.Itoa(c.seq)
}

func (c *Console) finish() {
	c.doneOnce.Do(func() { close(c.done) })
}

func (c *Console) setOutput(w io.Writer) {
	c.outMu.Lock()
	c.out = w
	c.outMu.Unlock()
}

func (c *Console) printf(format string, args ...any) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

var _ channels.Transport = (*Console)(nil)
