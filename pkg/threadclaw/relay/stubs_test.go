package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/jholhewres/threadclaw/pkg/threadclaw/audit"
	"github.com/jholhewres/threadclaw/pkg/threadclaw/channels"
	"github.com/jholhewres/threadclaw/pkg/threadclaw/claude"
	"github.com/jholhewres/threadclaw/pkg/threadclaw/config"
)

type post struct {
	Channel, ThreadID, Text string
}

type stubTransport struct {
	mu        sync.Mutex
	history   []channels.Message
	fetchErr  error
	postErr   error
	postPanic any
	reactErr  error
	posts     []post
	reactions []string // "+name" or "-name"
}

func (s *stubTransport) Name() string                      { return "stub" }
func (s *stubTransport) Connect(context.Context) error     { return nil }
func (s *stubTransport) Disconnect() error                 { return nil }
func (s *stubTransport) Mentions() <-chan channels.Mention { return nil }

func (s *stubTransport) FetchThread(_ context.Context, _, _ string) ([]channels.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	return append([]channels.Message(nil), s.history...), nil
}

func (s *stubTransport) Post(_ context.Context, channel, threadID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.postPanic != nil {
		panic(s.postPanic)
	}
	s.posts = append(s.posts, post{channel, threadID, text})
	return s.postErr
}

func (s *stubTransport) AddReaction(_ context.Context, _, _, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reactions = append(s.reactions, "+"+name)
	return s.reactErr
}

func (s *stubTransport) RemoveReaction(_ context.Context, _, _, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reactions = append(s.reactions, "-"+name)
	return s.reactErr
}

func (s *stubTransport) Posts() []post {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]post(nil), s.posts...)
}

func (s *stubTransport) Reactions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.reactions...)
}

type invocation struct {
	Prompt, SessionToken string
}

type stubAssistant struct {
	mu    sync.Mutex
	calls []invocation

	result *claude.Result
	err    error
	panic  any

	// fn overrides result/err when set.
	fn func(ctx context.Context, prompt, token string) (*claude.Result, error)
}

func (s *stubAssistant) Invoke(ctx context.Context, prompt, token string) (*claude.Result, error) {
	s.mu.Lock()
	s.calls = append(s.calls, invocation{prompt, token})
	s.mu.Unlock()

	if s.panic != nil {
		panic(s.panic)
	}
	if s.fn != nil {
		return s.fn(ctx, prompt, token)
	}
	return s.result, s.err
}

func (s *stubAssistant) Calls() []invocation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]invocation(nil), s.calls...)
}

type stubAudit struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (s *stubAudit) Record(_ context.Context, e audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return nil
}

func (s *stubAudit) Entries() []audit.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audit.Entry(nil), s.entries...)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newBinding(t channels.Transport, a Assistant) *Binding {
	return &Binding{
		Name:      "backend",
		Bot:       config.DefaultBot("/repo"),
		Transport: t,
		Assistant: a,
	}
}

func answered(answer, token string) *claude.Result {
	return &claude.Result{Answer: answer, SessionToken: token}
}

var errBoom = errors.New("boom")

func numberedMention(i int) channels.Mention {
	return channels.Mention{Bot: "backend", Channel: "C1", Marker: fmt.Sprintf("%d.0", i+1), Text: "q"}
}
