package relay

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jholhewres/threadclaw/pkg/threadclaw/channels"
	"github.com/jholhewres/threadclaw/pkg/threadclaw/claude"
	"github.com/jholhewres/threadclaw/pkg/threadclaw/session"
)

func TestOrchestrator_BoundedConcurrencyAndNonBlockingSubmit(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	var running, peak atomic.Int32

	asst := &stubAssistant{fn: func(context.Context, string, string) (*claude.Result, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		running.Add(-1)
		return answered("a", "s"), nil
	}}
	tr := &stubTransport{history: []channels.Message{{Text: "q", Marker: "1.0"}}}
	b := newBinding(tr, asst)

	o := New(session.New(), Options{Workers: 2, QueueSize: 1, Logger: quietLogger()})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	o.Start(ctx)

	submitted := make(chan struct{})
	go func() {
		defer close(submitted)
		for i := 0; i < 10; i++ {
			o.Submit(b, numberedMention(i))
		}
	}()
	select {
	case <-submitted:
	case <-time.After(2 * time.Second):
		t.Fatal("Submit blocked while workers were busy")
	}

	require.Eventually(t, func() bool { return running.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return o.Stats().Queued == 8 }, 2*time.Second, 5*time.Millisecond)

	close(release)
	require.Eventually(t, func() bool { return o.Stats().Handled == 10 }, 5*time.Second, 10*time.Millisecond)
	assert.Len(t, tr.Posts(), 10)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestOrchestrator_FailureIsolation(t *testing.T) {
	t.Parallel()
	store := session.New()
	o := New(store, Options{Workers: 4, Logger: quietLogger()})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	o.Start(ctx)

	goodTr := &stubTransport{history: []channels.Message{{Text: "good", Marker: "1.0"}}}
	badTr := &stubTransport{history: []channels.Message{{Text: "bad", Marker: "2.0"}}}
	good := newBinding(goodTr, &stubAssistant{result: answered("fine", "s-good")})
	bad := newBinding(badTr, &stubAssistant{err: &claude.InvocationError{Reason: "unexpected end of JSON input"}})
	panicky := newBinding(&stubTransport{history: []channels.Message{{Text: "p", Marker: "3.0"}}}, &stubAssistant{panic: "kaboom"})

	require.True(t, o.Submit(bad, channels.Mention{Channel: "C1", Marker: "2.0"}))
	require.True(t, o.Submit(panicky, channels.Mention{Channel: "C1", Marker: "3.0"}))
	require.True(t, o.Submit(good, channels.Mention{Channel: "C1", Marker: "1.0"}))

	require.Eventually(t, func() bool { return o.Stats().Handled == 3 }, 5*time.Second, 10*time.Millisecond)

	require.Len(t, goodTr.Posts(), 1)
	assert.Equal(t, "fine", goodTr.Posts()[0].Text)
	assert.Equal(t, "Error parsing Claude response: unexpected end of JSON input", badTr.Posts()[0].Text)

	sess, ok := store.Get("1.0")
	require.True(t, ok)
	assert.Equal(t, "s-good", sess.SessionToken)
	_, ok = store.Get("2.0")
	assert.False(t, ok)

	// The pool survives the panic and keeps serving.
	require.True(t, o.Submit(good, channels.Mention{Channel: "C1", Marker: "1.0"}))
	require.Eventually(t, func() bool { return len(goodTr.Posts()) == 2 }, 5*time.Second, 10*time.Millisecond)
}

func TestOrchestrator_SurvivesTransportPanic(t *testing.T) {
	t.Parallel()
	o := New(session.New(), Options{Workers: 1, Logger: quietLogger()})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	o.Start(ctx)

	brokenTr := &stubTransport{history: []channels.Message{{Text: "q", Marker: "1.0"}}, postPanic: "post exploded"}
	goodTr := &stubTransport{history: []channels.Message{{Text: "q", Marker: "2.0"}}}
	broken := newBinding(brokenTr, &stubAssistant{result: answered("lost", "s-1")})
	good := newBinding(goodTr, &stubAssistant{result: answered("fine", "s-2")})

	// A single worker handles both, so the second answer proves it survived.
	require.True(t, o.Submit(broken, channels.Mention{Channel: "C1", Marker: "1.0"}))
	require.True(t, o.Submit(good, channels.Mention{Channel: "C1", Marker: "2.0"}))

	require.Eventually(t, func() bool { return len(goodTr.Posts()) == 1 }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return o.Stats().Handled == 2 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "fine", goodTr.Posts()[0].Text)
	assert.Equal(t, int64(0), o.Stats().InFlight)

	assert.Equal(t, OutcomeUnexpected, o.Handle(ctx, broken, channels.Mention{Channel: "C1", Marker: "1.0"}))
	assert.Contains(t, brokenTr.Reactions(), "+"+broken.Bot.FailureEmoji)
}

func TestOrchestrator_StopRejectsNewWork(t *testing.T) {
	t.Parallel()
	o := New(session.New(), Options{Workers: 1, Logger: quietLogger()})
	o.Start(context.Background())

	o.Stop()
	o.Stop()
	assert.False(t, o.Submit(newBinding(&stubTransport{}, &stubAssistant{}), numberedMention(0)))
	assert.True(t, o.Wait(2*time.Second))
}

func TestOrchestrator_WaitTimesOutOnRunningRequest(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	defer close(release)
	started := make(chan struct{})

	asst := &stubAssistant{fn: func(context.Context, string, string) (*claude.Result, error) {
		close(started)
		<-release
		return answered("late", "s"), nil
	}}
	o := New(session.New(), Options{Workers: 1, Logger: quietLogger()})
	o.Start(context.Background())

	b := newBinding(&stubTransport{history: []channels.Message{{Text: "q", Marker: "1.0"}}}, asst)
	require.True(t, o.Submit(b, numberedMention(0)))
	<-started

	o.Stop()
	assert.False(t, o.Wait(50*time.Millisecond))
}

func TestDispatch_Routing(t *testing.T) {
	t.Parallel()
	tr := &stubTransport{history: []channels.Message{{Text: "q", Marker: "1.0"}}}
	b := newBinding(tr, &stubAssistant{result: answered("a", "s")})
	b.Bot.AllowedChannels = []string{"C1"}

	o := New(session.New(), Options{Workers: 1, Logger: quietLogger()})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	o.Start(ctx)

	in := make(chan channels.Mention, 3)
	in <- channels.Mention{Bot: "ghost", Channel: "C1", Marker: "1.0"}
	in <- channels.Mention{Bot: "backend", Channel: "C2", Marker: "1.0"}
	in <- channels.Mention{Bot: "backend", Channel: "C1", Marker: "1.0"}
	close(in)

	done := make(chan struct{})
	go func() {
		o.Dispatch(ctx, in, map[string]*Binding{"backend": b})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Dispatch did not return after the stream closed")
	}

	require.Eventually(t, func() bool { return o.Stats().Handled == 1 }, 5*time.Second, 10*time.Millisecond)
	require.Len(t, tr.Posts(), 1)
	assert.Equal(t, "C1", tr.Posts()[0].Channel)
}
