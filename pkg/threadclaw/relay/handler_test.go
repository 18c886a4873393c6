package relay

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jholhewres/threadclaw/pkg/threadclaw/channels"
	"github.com/jholhewres/threadclaw/pkg/threadclaw/claude"
	"github.com/jholhewres/threadclaw/pkg/threadclaw/session"
)

func threadHistory() []channels.Message {
	return []channels.Message{
		{Text: "Q1", Author: channels.AuthorHuman, Marker: "1.1"},
		{Text: "A1", Author: channels.AuthorAssistant, Marker: "1.2"},
		{Text: "Q2", Author: channels.AuthorHuman, Marker: "1.3"},
	}
}

func newOrchestrator(store *session.Store, sink AuditSink) *Orchestrator {
	return New(store, Options{Workers: 2, Logger: quietLogger(), Audit: sink, Rand: func(int) int { return 0 }})
}

func TestHandle_NewThread(t *testing.T) {
	t.Parallel()
	store := session.New()
	tr := &stubTransport{history: threadHistory()}
	asst := &stubAssistant{result: answered("A2", "sess-new-123456")}
	sink := &stubAudit{}
	o := newOrchestrator(store, sink)

	m := channels.Mention{Bot: "backend", Channel: "C1", ThreadID: "1.1", Marker: "1.3", Text: "Q2"}
	outcome := o.Handle(context.Background(), newBinding(tr, asst), m)
	require.Equal(t, OutcomeSuccess, outcome)

	calls := asst.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "Previous conversation:\nUser: Q1\nAssistant: A1\n\nCurrent question: Q2\n\nYou are working in the repository at: /repo", calls[0].Prompt)
	assert.Empty(t, calls[0].SessionToken, "a new thread must start a fresh session")

	require.Equal(t, []post{{"C1", "1.1", "A2"}}, tr.Posts())
	assert.Equal(t, []string{"+hourglass_flowing_sand", "-hourglass_flowing_sand", "+white_check_mark"}, tr.Reactions())

	sess, ok := store.Get("1.1")
	require.True(t, ok)
	assert.Equal(t, session.ThreadSession{ThreadID: "1.1", SessionToken: "sess-new-123456", LastResponseMarker: "1.3"}, sess)

	entries := sink.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "success", entries[0].Outcome)
	assert.Equal(t, "backend", entries[0].Bot)
	assert.Equal(t, 2, entries[0].ResponseLength)
	assert.False(t, entries[0].Resumed)
	assert.Len(t, entries[0].RequestID, 8)
}

func TestHandle_UnthreadedMentionKeysByOwnMarker(t *testing.T) {
	t.Parallel()
	store := session.New()
	tr := &stubTransport{history: []channels.Message{{Text: "hello", Marker: "5.5"}}}
	asst := &stubAssistant{result: answered("hi", "s1")}
	o := newOrchestrator(store, nil)

	m := channels.Mention{Bot: "backend", Channel: "C1", Marker: "5.5", Text: "hello"}
	require.Equal(t, OutcomeSuccess, o.Handle(context.Background(), newBinding(tr, asst), m))

	assert.Equal(t, "hello\n\nYou are working in the repository at: /repo", asst.Calls()[0].Prompt)
	assert.Equal(t, "5.5", tr.Posts()[0].ThreadID)
	_, ok := store.Get("5.5")
	assert.True(t, ok)
}

func TestHandle_ResumeFiltersAnsweredMessages(t *testing.T) {
	t.Parallel()
	store := session.New()
	store.Update("1.1", "sess-old", "1.2")
	tr := &stubTransport{history: threadHistory()}
	asst := &stubAssistant{result: answered("A2", "sess-next")}
	sink := &stubAudit{}
	o := newOrchestrator(store, sink)

	m := channels.Mention{Bot: "backend", Channel: "C1", ThreadID: "1.1", Marker: "1.3", Text: "Q2"}
	require.Equal(t, OutcomeSuccess, o.Handle(context.Background(), newBinding(tr, asst), m))

	calls := asst.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "Q2\n\nYou are working in the repository at: /repo", calls[0].Prompt)
	assert.Equal(t, "sess-old", calls[0].SessionToken)

	sess, _ := store.Get("1.1")
	assert.Equal(t, "sess-next", sess.SessionToken)
	assert.Equal(t, "1.3", sess.LastResponseMarker)
	assert.True(t, sink.Entries()[0].Resumed)
}

func TestHandle_WritesBackMentionMarkerNotNewestMessage(t *testing.T) {
	t.Parallel()
	store := session.New()
	history := append(threadHistory(), channels.Message{Text: "later", Marker: "1.4"})
	tr := &stubTransport{history: history}
	asst := &stubAssistant{result: answered("ok", "s")}
	o := newOrchestrator(store, nil)

	m := channels.Mention{Bot: "backend", Channel: "C1", ThreadID: "1.1", Marker: "1.3"}
	require.Equal(t, OutcomeSuccess, o.Handle(context.Background(), newBinding(tr, asst), m))

	sess, _ := store.Get("1.1")
	assert.Equal(t, "1.3", sess.LastResponseMarker)
}

func TestHandle_Failures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		asst        *stubAssistant
		fetchErr    error
		wantOutcome Outcome
		wantReply   string
	}{
		{
			name:        "timeout",
			asst:        &stubAssistant{err: &claude.TimeoutError{Timeout: time.Second}},
			wantOutcome: OutcomeTimeout,
			wantReply:   "Request timed out - the task took too long to complete.",
		},
		{
			name:        "invocation error",
			asst:        &stubAssistant{err: &claude.InvocationError{Reason: "invalid character 'n'", Stdout: "not json"}},
			wantOutcome: OutcomeInvocationError,
			wantReply:   "Error parsing Claude response: invalid character 'n'",
		},
		{
			name:        "unexpected",
			asst:        &stubAssistant{err: errBoom},
			wantOutcome: OutcomeUnexpected,
			wantReply:   "Error processing request: boom",
		},
		{
			name:        "panic",
			asst:        &stubAssistant{panic: "kaboom"},
			wantOutcome: OutcomeUnexpected,
			wantReply:   "Error processing request: panic: kaboom",
		},
		{
			name:        "fetch failure leaves nothing to ask",
			asst:        &stubAssistant{result: answered("never", "s")},
			fetchErr:    errBoom,
			wantOutcome: OutcomeUnexpected,
			wantReply:   "Error processing request: " + ErrEmptyPrompt.Error(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			store := session.New()
			tr := &stubTransport{history: threadHistory(), fetchErr: tt.fetchErr}
			sink := &stubAudit{}
			o := newOrchestrator(store, sink)

			m := channels.Mention{Bot: "backend", Channel: "C1", ThreadID: "1.1", Marker: "1.3"}
			outcome := o.Handle(context.Background(), newBinding(tr, tt.asst), m)

			require.Equal(t, tt.wantOutcome, outcome)
			require.Equal(t, []post{{"C1", "1.1", tt.wantReply}}, tr.Posts())
			assert.Equal(t, []string{"+hourglass_flowing_sand", "-hourglass_flowing_sand", "+x"}, tr.Reactions())
			assert.Equal(t, 0, store.Len(), "failures must not touch the session store")

			entries := sink.Entries()
			require.Len(t, entries, 1)
			assert.Equal(t, string(tt.wantOutcome), entries[0].Outcome)
			assert.NotEmpty(t, entries[0].Error)
		})
	}
}

func TestHandle_FetchFailureSkipsAssistant(t *testing.T) {
	t.Parallel()
	tr := &stubTransport{fetchErr: errBoom}
	asst := &stubAssistant{result: answered("never", "s")}
	o := newOrchestrator(session.New(), nil)

	o.Handle(context.Background(), newBinding(tr, asst), channels.Mention{Channel: "C1", Marker: "1.0"})
	assert.Empty(t, asst.Calls())
}

func TestHandle_FailedSessionKeepsPreviousRecord(t *testing.T) {
	t.Parallel()
	store := session.New()
	store.Update("1.1", "sess-old", "1.2")
	tr := &stubTransport{history: threadHistory()}
	o := newOrchestrator(store, nil)

	o.Handle(context.Background(), newBinding(tr, &stubAssistant{err: errBoom}), channels.Mention{Channel: "C1", ThreadID: "1.1", Marker: "1.3"})

	sess, _ := store.Get("1.1")
	assert.Equal(t, "sess-old", sess.SessionToken)
	assert.Equal(t, "1.2", sess.LastResponseMarker)
}

func TestHandle_ReactionFailuresAreNotFatal(t *testing.T) {
	t.Parallel()
	tr := &stubTransport{history: threadHistory(), reactErr: errBoom}
	asst := &stubAssistant{result: answered("A2", "s")}
	o := newOrchestrator(session.New(), nil)

	outcome := o.Handle(context.Background(), newBinding(tr, asst), channels.Mention{Channel: "C1", ThreadID: "1.1", Marker: "1.3"})
	assert.Equal(t, OutcomeSuccess, outcome)
	assert.Len(t, tr.Posts(), 1)
}

func TestHandle_PostFailure(t *testing.T) {
	t.Parallel()
	store := session.New()
	tr := &stubTransport{history: threadHistory(), postErr: errBoom}
	asst := &stubAssistant{result: answered("A2", "s")}
	o := newOrchestrator(store, nil)

	outcome := o.Handle(context.Background(), newBinding(tr, asst), channels.Mention{Channel: "C1", ThreadID: "1.1", Marker: "1.3"})
	assert.Equal(t, OutcomePostFailed, outcome)
	assert.Equal(t, "+x", tr.Reactions()[2])
	_, ok := store.Get("1.1")
	assert.True(t, ok, "the assistant session is still recorded")
}

func TestHandle_PicksProcessingIndicatorAtRandom(t *testing.T) {
	t.Parallel()
	var gotN int
	o := New(session.New(), Options{Logger: quietLogger(), Rand: func(n int) int { gotN = n; return 1 }})

	b := newBinding(&stubTransport{history: threadHistory()}, &stubAssistant{result: answered("A", "s")})
	b.Bot.ProcessingEmojis = []string{"hourglass_flowing_sand", "eyes", "gear"}
	tr := b.Transport.(*stubTransport)

	o.Handle(context.Background(), b, channels.Mention{Channel: "C1", Marker: "1.3"})
	assert.Equal(t, 3, gotN)
	assert.Equal(t, "+eyes", tr.Reactions()[0])
	assert.Equal(t, "-eyes", tr.Reactions()[1])
}

func TestHandle_MaxHistory(t *testing.T) {
	t.Parallel()
	asst := &stubAssistant{result: answered("A", "s")}
	b := newBinding(&stubTransport{history: threadHistory()}, asst)
	b.Bot.MaxHistory = 2
	o := newOrchestrator(session.New(), nil)

	o.Handle(context.Background(), b, channels.Mention{Channel: "C1", ThreadID: "1.1", Marker: "1.3"})
	assert.Equal(t, "Previous conversation:\nAssistant: A1\n\nCurrent question: Q2\n\nYou are working in the repository at: /repo", asst.Calls()[0].Prompt)
}

func TestTruncate(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "short", truncate("short", 50))
	assert.Equal(t, "ééé...", truncate("éééé", 3))
	assert.Equal(t, "abcd", prefix("abcdefgh", 4))
	assert.Equal(t, "ab", prefix("ab", 4))
}
