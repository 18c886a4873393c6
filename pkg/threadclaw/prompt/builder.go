// Package prompt turns a chat thread transcript into the single prompt string
// handed to the assistant.
//
// Build is a pure function: the same inputs always produce the same bytes.
package prompt

import (
	"log/slog"
	"math/big"
	"strings"

	"github.com/jholhewres/threadclaw/pkg/threadclaw/channels"
)

// Options tune how much of the thread ends up in the prompt.
type Options struct {
	// LastResponseMarker, when set, keeps only messages strictly newer than it.
	LastResponseMarker string

	// MaxHistory caps the prompt to the most recent N messages. Zero means no cap.
	MaxHistory int

	// Logger receives filtering diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

const repoTrailer = "You are working in the repository at: "

// Build formats thread history into a prompt.
//
// An empty message list yields "". When filtering leaves nothing, the result
// names only the target context. A single remaining message is returned with
// the target context trailer; longer histories are rendered as a labeled
// transcript followed by the current question.
func Build(messages []channels.Message, targetContext string, opts Options) string {
	if len(messages) == 0 {
		return ""
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if opts.LastResponseMarker != "" {
		messages = filterAfter(messages, opts.LastResponseMarker, logger)
	}

	if opts.MaxHistory > 0 && len(messages) > opts.MaxHistory {
		messages = messages[len(messages)-opts.MaxHistory:]
		logger.Debug("capped prompt history", "max_history", opts.MaxHistory)
	}

	if len(messages) == 0 {
		logger.Warn("no messages after filtering, sending repository context only")
		return repoTrailer + targetContext
	}

	if len(messages) == 1 {
		return messages[0].Text + "\n\n" + repoTrailer + targetContext
	}

	var b strings.Builder
	b.WriteString("Previous conversation:\n")
	for _, m := range messages[:len(messages)-1] {
		b.WriteString(m.Author.String())
		b.WriteString(": ")
		b.WriteString(m.Text)
		b.WriteString("\n")
	}
	b.WriteString("\nCurrent question: ")
	b.WriteString(messages[len(messages)-1].Text)
	b.WriteString("\n\n")
	b.WriteString(repoTrailer)
	b.WriteString(targetContext)
	return b.String()
}

// filterAfter keeps messages whose marker is strictly greater than after.
// A malformed after marker, or a malformed marker on any message, disables
// filtering. A message without a marker counts as zero.
func filterAfter(messages []channels.Message, after string, logger *slog.Logger) []channels.Message {
	threshold, err := ParseMarker(after)
	if err != nil {
		logger.Warn("invalid last response marker, using full context", "marker", after, "error", err)
		return messages
	}

	zero := new(big.Rat)
	kept := make([]channels.Message, 0, len(messages))
	for _, m := range messages {
		marker := zero
		if m.Marker != "" {
			marker, err = ParseMarker(m.Marker)
			if err != nil {
				logger.Warn("invalid message marker, using full context", "marker", m.Marker, "error", err)
				return messages
			}
		}
		if marker.Cmp(threshold) > 0 {
			kept = append(kept, m)
		}
	}
	logger.Debug("filtered messages since marker", "kept", len(kept), "marker", after)
	return kept
}
