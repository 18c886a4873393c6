package prompt

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/jholhewres/threadclaw/pkg/threadclaw/channels"
)

func quietOpts(o Options) Options {
	o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return o
}

func human(text, marker string) channels.Message {
	return channels.Message{Text: text, Author: channels.AuthorHuman, Marker: marker}
}

func bot(text, marker string) channels.Message {
	return channels.Message{Text: text, Author: channels.AuthorAssistant, Marker: marker}
}

func numbered(n int) []channels.Message {
	msgs := make([]channels.Message, n)
	for i := range msgs {
		msgs[i] = human(fmt.Sprintf("Message %d", i), fmt.Sprintf("1000000000.00000%d", i))
	}
	return msgs
}

func TestBuild_Empty(t *testing.T) {
	t.Parallel()
	if got := Build(nil, "/repo", quietOpts(Options{})); got != "" {
		t.Errorf("Build(nil) = %q, want empty", got)
	}
}

func TestBuild_SingleMessage(t *testing.T) {
	t.Parallel()
	got := Build([]channels.Message{human("How does auth work?", "1.1")}, "/path/to/repo", quietOpts(Options{}))
	want := "How does auth work?\n\nYou are working in the repository at: /path/to/repo"
	if got != want {
		t.Errorf("Build() = %q, want %q", got, want)
	}
}

func TestBuild_ThreadWithHistory(t *testing.T) {
	t.Parallel()
	msgs := []channels.Message{
		human("Q1", "1.1"),
		bot("A1", "1.2"),
		human("Q2", "1.3"),
	}
	got := Build(msgs, "/repo", quietOpts(Options{}))
	want := "Previous conversation:\nUser: Q1\nAssistant: A1\n\nCurrent question: Q2\n\nYou are working in the repository at: /repo"
	if got != want {
		t.Errorf("Build() =\n%q\nwant\n%q", got, want)
	}
}

func TestBuild_ResumeFiltersAnswered(t *testing.T) {
	t.Parallel()
	msgs := []channels.Message{
		human("Q1", "1.1"),
		bot("A1", "1.2"),
		human("Q2", "1.3"),
	}
	got := Build(msgs, "/repo", quietOpts(Options{LastResponseMarker: "1.2"}))
	want := "Q2\n\nYou are working in the repository at: /repo"
	if got != want {
		t.Errorf("Build() = %q, want %q", got, want)
	}
}

func TestBuild_FilterIsStrictlyGreater(t *testing.T) {
	t.Parallel()
	msgs := []channels.Message{
		human("Old message 1", "1000000000.000001"),
		human("Old message 2", "1000000000.000002"),
		human("New message", "1000000000.000003"),
	}
	got := Build(msgs, "/path/to/repo", quietOpts(Options{LastResponseMarker: "1000000000.000002"}))
	for _, gone := range []string{"Old message 1", "Old message 2"} {
		if strings.Contains(got, gone) {
			t.Errorf("prompt should not contain %q: %q", gone, got)
		}
	}
	if !strings.Contains(got, "New message") {
		t.Errorf("prompt should contain new message: %q", got)
	}
}

func TestBuild_FilterIsNumericNotLexical(t *testing.T) {
	t.Parallel()
	msgs := []channels.Message{
		human("nine", "9"),
		human("ten", "10"),
	}
	// Lexically "10" < "9"; numerically 10 > 9.
	got := Build(msgs, "/r", quietOpts(Options{LastResponseMarker: "9"}))
	if got != "ten\n\nYou are working in the repository at: /r" {
		t.Errorf("Build() = %q", got)
	}
}

func TestBuild_FilterKeepsSnowflakePrecision(t *testing.T) {
	t.Parallel()
	// These differ only in the last digit, beyond float64 precision.
	msgs := []channels.Message{
		human("older", "1187654321098765432"),
		human("newer", "1187654321098765433"),
	}
	got := Build(msgs, "/r", quietOpts(Options{LastResponseMarker: "1187654321098765432"}))
	if got != "newer\n\nYou are working in the repository at: /r" {
		t.Errorf("Build() = %q", got)
	}
}

func TestBuild_InvalidMarkerSkipsFiltering(t *testing.T) {
	t.Parallel()
	msgs := []channels.Message{human("a", "1.1"), human("b", "1.2")}
	got := Build(msgs, "/r", quietOpts(Options{LastResponseMarker: "not-a-number"}))
	if !strings.Contains(got, "User: a") || !strings.Contains(got, "Current question: b") {
		t.Errorf("invalid marker should keep full context, got %q", got)
	}
}

func TestBuild_MalformedMessageMarkerKeepsFullContext(t *testing.T) {
	t.Parallel()
	msgs := []channels.Message{human("Q1", "1.1"), bot("A1", "1.2"), human("Q2", "garbled")}
	got := Build(msgs, "/r", quietOpts(Options{LastResponseMarker: "1.2"}))
	if !strings.Contains(got, "User: Q1") || !strings.Contains(got, "Current question: Q2") {
		t.Errorf("malformed message marker should keep full context, got %q", got)
	}
}

func TestBuild_MissingMessageMarkerCountsAsZero(t *testing.T) {
	t.Parallel()
	msgs := []channels.Message{human("old", ""), bot("A1", "1.2"), human("new", "1.3")}
	got := Build(msgs, "/r", quietOpts(Options{LastResponseMarker: "1.2"}))
	want := "new\n\nYou are working in the repository at: /r"
	if got != want {
		t.Errorf("Build() = %q, want %q", got, want)
	}
}

func TestBuild_AllFilteredFallsBackToContext(t *testing.T) {
	t.Parallel()
	msgs := []channels.Message{human("a", "1.1"), human("b", "1.2")}
	got := Build(msgs, "/r", quietOpts(Options{LastResponseMarker: "5"}))
	if got != "You are working in the repository at: /r" {
		t.Errorf("Build() = %q", got)
	}
}

func TestBuild_MaxHistoryKeepsMostRecent(t *testing.T) {
	t.Parallel()
	got := Build(numbered(10), "/path/to/repo", quietOpts(Options{MaxHistory: 3}))
	for i := 0; i < 7; i++ {
		if strings.Contains(got, fmt.Sprintf("Message %d", i)) {
			t.Errorf("prompt should not contain Message %d: %q", i, got)
		}
	}
	for i := 7; i < 10; i++ {
		if !strings.Contains(got, fmt.Sprintf("Message %d", i)) {
			t.Errorf("prompt should contain Message %d: %q", i, got)
		}
	}
	if !strings.Contains(got, "Current question: Message 9") {
		t.Errorf("newest message must be the current question: %q", got)
	}
}

func TestBuild_FilterThenCap(t *testing.T) {
	t.Parallel()
	got := Build(numbered(10), "/path/to/repo", quietOpts(Options{
		LastResponseMarker: "1000000000.000004",
		MaxHistory:         3,
	}))
	for _, i := range []int{4, 5, 6} {
		if strings.Contains(got, fmt.Sprintf("Message %d", i)) {
			t.Errorf("prompt should not contain Message %d", i)
		}
	}
	for _, i := range []int{7, 8, 9} {
		if !strings.Contains(got, fmt.Sprintf("Message %d", i)) {
			t.Errorf("prompt should contain Message %d", i)
		}
	}
}

func TestBuild_TranscriptOrder(t *testing.T) {
	t.Parallel()
	got := Build(numbered(4), "/r", quietOpts(Options{}))
	lines := strings.Split(got, "\n")
	want := []string{
		"Previous conversation:",
		"User: Message 0",
		"User: Message 1",
		"User: Message 2",
		"",
		"Current question: Message 3",
	}
	for i, w := range want {
		if lines[i] != w {
			t.Errorf("line %d = %q, want %q", i, lines[i], w)
		}
	}
}

func TestBuild_Deterministic(t *testing.T) {
	t.Parallel()
	msgs := numbered(6)
	opts := quietOpts(Options{LastResponseMarker: "1000000000.000001", MaxHistory: 4})
	a := Build(msgs, "/r", opts)
	b := Build(msgs, "/r", opts)
	if a != b {
		t.Errorf("Build is not deterministic:\n%q\n%q", a, b)
	}
}

func TestBuild_DoesNotMutateInput(t *testing.T) {
	t.Parallel()
	msgs := numbered(5)
	_ = Build(msgs, "/r", quietOpts(Options{LastResponseMarker: "1000000000.000002", MaxHistory: 1}))
	if len(msgs) != 5 || msgs[0].Text != "Message 0" {
		t.Errorf("input slice was modified: %+v", msgs)
	}
}
