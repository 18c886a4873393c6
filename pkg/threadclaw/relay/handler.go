package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/jholhewres/threadclaw/pkg/threadclaw/audit"
	"github.com/jholhewres/threadclaw/pkg/threadclaw/channels"
	"github.com/jholhewres/threadclaw/pkg/threadclaw/claude"
	"github.com/jholhewres/threadclaw/pkg/threadclaw/config"
	"github.com/jholhewres/threadclaw/pkg/threadclaw/prompt"
)

// Outcome is how a handled mention ended.
type Outcome string

const (
	OutcomeSuccess         Outcome = "success"
	OutcomeTimeout         Outcome = "timeout"
	OutcomeInvocationError Outcome = "invocation_error"
	OutcomeUnexpected      Outcome = "error"
	OutcomePostFailed      Outcome = "post_failed"
)

// User-visible messages for the failure branches.
const (
	msgTimeout         = "Request timed out - the task took too long to complete."
	msgInvocationError = "Error parsing Claude response: %s"
	msgUnexpected      = "Error processing request: %s"
)

// ErrEmptyPrompt is returned when the thread yields nothing to ask.
var ErrEmptyPrompt = errors.New("no thread history to build a prompt from")

// sessionPrefixLen is how much of a session token is logged.
const sessionPrefixLen = 8

// Handle runs one mention through its whole lifecycle: react, fetch the
// thread, build the prompt, invoke the assistant, update the session, post
// the answer or an error, and swap the reaction. It never panics and never
// returns an error; failures are posted into the thread. A panic raised by
// the transport or the audit sink ends the request as OutcomeUnexpected.
func (o *Orchestrator) Handle(ctx context.Context, b *Binding, m channels.Mention) (outcome Outcome) {
	start := time.Now()
	requestID := uuid.NewString()[:8]
	threadID := m.Thread()
	logger := o.logger.With("bot", b.Name, "thread", threadID, "request_id", requestID)

	defer func() {
		if p := recover(); p != nil {
			logger.Error("panic while handling request", "panic", p, "stack", string(debug.Stack()))
			outcome = OutcomeUnexpected
			o.notifyFailure(ctx, b, m, threadID, fmt.Errorf("panic: %v", p), logger)
		}
	}()

	logger.Info("processing request", "user", m.User, "text", truncate(m.Text, 50))

	indicator := o.pickIndicator(b.Bot)
	if indicator != "" {
		if err := b.Transport.AddReaction(ctx, m.Channel, m.Marker, indicator); err != nil {
			logger.Warn("failed to add processing reaction", "reaction", indicator, "error", err)
		}
	}

	r := o.process(ctx, b, m, threadID, logger)

	var reply string
	switch {
	case r.err == nil:
		outcome, reply = OutcomeSuccess, r.result.Answer
	case errors.Is(r.err, claude.ErrTimeout):
		logger.Error("claude request timed out", "error", r.err)
		outcome, reply = OutcomeTimeout, msgTimeout
	case errors.Is(r.err, claude.ErrInvocation):
		var ierr *claude.InvocationError
		reason := r.err.Error()
		if errors.As(r.err, &ierr) {
			reason = ierr.Reason
		}
		outcome, reply = OutcomeInvocationError, fmt.Sprintf(msgInvocationError, reason)
	default:
		logger.Error("unexpected error processing request", "error", r.err)
		outcome, reply = OutcomeUnexpected, fmt.Sprintf(msgUnexpected, r.err)
	}

	if err := b.Transport.Post(ctx, m.Channel, threadID, reply); err != nil {
		logger.Error("failed to post reply", "outcome", outcome, "error", err)
		if outcome == OutcomeSuccess {
			outcome = OutcomePostFailed
		}
	}

	final := b.Bot.SuccessEmoji
	if outcome != OutcomeSuccess {
		final = b.Bot.FailureEmoji
	}
	o.swapReaction(ctx, b, m, indicator, final, logger)

	total := time.Since(start)
	if outcome == OutcomeSuccess {
		logger.Info("request completed",
			"claude_duration", r.claudeDuration.Round(10*time.Millisecond),
			"total_duration", total.Round(10*time.Millisecond),
			"response_chars", r.result.ResponseLength(),
			"session", prefix(r.result.SessionToken, sessionPrefixLen),
			"resumed", r.resumed,
		)
	}

	o.record(ctx, b, m, threadID, requestID, outcome, r, total, logger)
	return outcome
}

// notifyFailure makes a best-effort attempt to tell the thread that the
// request failed. Panics from the transport are logged and swallowed.
func (o *Orchestrator) notifyFailure(ctx context.Context, b *Binding, m channels.Mention, threadID string, cause error, logger *slog.Logger) {
	defer func() {
		if p := recover(); p != nil {
			logger.Error("panic while reporting failure", "panic", p)
		}
	}()

	if err := b.Transport.Post(ctx, m.Channel, threadID, fmt.Sprintf(msgUnexpected, cause)); err != nil {
		logger.Warn("failed to post failure notice", "error", err)
	}
	if b.Bot.FailureEmoji != "" {
		if err := b.Transport.AddReaction(ctx, m.Channel, m.Marker, b.Bot.FailureEmoji); err != nil {
			logger.Warn("failed to add final reaction", "reaction", b.Bot.FailureEmoji, "error", err)
		}
	}
}

// processResult carries what the pipeline produced for a single mention.
type processResult struct {
	result         *claude.Result
	resumed        bool
	claudeDuration time.Duration
	err            error
}

// process fetches context, builds the prompt, invokes the assistant and
// writes the session back. A panic becomes an error.
func (o *Orchestrator) process(ctx context.Context, b *Binding, m channels.Mention, threadID string, logger *slog.Logger) (r processResult) {
	defer func() {
		if p := recover(); p != nil {
			logger.Error("panic while processing request", "panic", p, "stack", string(debug.Stack()))
			r = processResult{resumed: r.resumed, claudeDuration: r.claudeDuration, err: fmt.Errorf("panic: %v", p)}
		}
	}()

	messages, err := b.Transport.FetchThread(ctx, m.Channel, threadID)
	if err != nil {
		logger.Error("failed to fetch thread history, continuing with empty history", "error", err)
		messages = nil
	}

	opts := prompt.Options{MaxHistory: b.Bot.MaxHistory, Logger: logger}
	sess, ok := o.store.Get(threadID)
	if ok {
		r.resumed = true
		opts.LastResponseMarker = sess.LastResponseMarker
		logger.Debug("resuming session", "session", prefix(sess.SessionToken, sessionPrefixLen), "after", sess.LastResponseMarker)
	}

	text := prompt.Build(messages, b.Bot.RepoPath, opts)
	if text == "" {
		r.err = ErrEmptyPrompt
		return r
	}

	invokeStart := time.Now()
	res, err := b.Assistant.Invoke(ctx, text, sess.SessionToken)
	r.claudeDuration = time.Since(invokeStart)
	if err != nil {
		r.err = err
		return r
	}

	o.store.Update(threadID, res.SessionToken, m.Marker)
	r.result = res
	return r
}

// pickIndicator draws the in-progress reaction uniformly from the bot's set.
func (o *Orchestrator) pickIndicator(bot *config.Bot) string {
	if len(bot.ProcessingEmojis) == 0 {
		return ""
	}
	return bot.ProcessingEmojis[o.rand(len(bot.ProcessingEmojis))]
}

func (o *Orchestrator) swapReaction(ctx context.Context, b *Binding, m channels.Mention, from, to string, logger *slog.Logger) {
	if from != "" {
		if err := b.Transport.RemoveReaction(ctx, m.Channel, m.Marker, from); err != nil {
			logger.Warn("failed to remove processing reaction", "reaction", from, "error", err)
		}
	}
	if to != "" {
		if err := b.Transport.AddReaction(ctx, m.Channel, m.Marker, to); err != nil {
			logger.Warn("failed to add final reaction", "reaction", to, "error", err)
		}
	}
}

func (o *Orchestrator) record(ctx context.Context, b *Binding, m channels.Mention, threadID, requestID string,
	outcome Outcome, r processResult, total time.Duration, logger *slog.Logger) {
	if o.audit == nil {
		return
	}
	e := audit.Entry{
		RequestID:      requestID,
		Bot:            b.Name,
		Platform:       b.Transport.Name(),
		Channel:        m.Channel,
		ThreadID:       threadID,
		Marker:         m.Marker,
		Outcome:        string(outcome),
		Resumed:        r.resumed,
		ClaudeDuration: r.claudeDuration,
		TotalDuration:  total,
	}
	if r.result != nil {
		e.ResponseLength = r.result.ResponseLength()
	}
	if r.err != nil {
		e.Error = r.err.Error()
	}
	if err := o.audit.Record(context.WithoutCancel(ctx), e); err != nil {
		logger.Warn("failed to write audit entry", "error", err)
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

func prefix(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
