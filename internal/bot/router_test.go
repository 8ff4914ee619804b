package bot

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"skycast/internal/transport"
	logx "skycast/pkg/logx"
)

type recordingAdapter struct {
	mu    sync.Mutex
	texts []string
}

func (a *recordingAdapter) Start(context.Context, chan<- transport.Update) error { return nil }
func (a *recordingAdapter) Stop(context.Context) error                           { return nil }

func (a *recordingAdapter) SendText(_ context.Context, to transport.ChatTarget, text string, _ *transport.SendOptions) (transport.MessageRef, error) {
	a.mu.Lock()
	a.texts = append(a.texts, text)
	a.mu.Unlock()
	return transport.MessageRef{ChatID: to.ChatID, MessageID: 1}, nil
}

func (a *recordingAdapter) sent() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.texts...)
}

func startRouter(t *testing.T, r *Router) chan<- transport.Update {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	updates := make(chan transport.Update, 16)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.DispatchLoop(ctx, updates)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return updates
}

func msgUpdate(chatID int64, text string) transport.Update {
	return transport.Update{
		Kind:    transport.UpdateMessage,
		Message: &transport.Message{ID: 1, ChatID: chatID, FromID: chatID, Text: text},
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestRouterDispatchesCommand(t *testing.T) {
	t.Parallel()
	ad := &recordingAdapter{}
	r := NewRouter(ad, logx.Nop(), time.Second)

	var mu sync.Mutex
	var gotArgs []string
	r.Register(Command{Name: "ping", Description: "ping", Handle: func(ctx context.Context, req *Request) error {
		mu.Lock()
		gotArgs = append([]string(nil), req.Args...)
		mu.Unlock()
		_, err := req.Adapter.SendText(ctx, req.Chat, "pong", nil)
		return err
	}})

	updates := startRouter(t, r)
	updates <- msgUpdate(7, "/ping one two")

	waitFor(t, func() bool { return len(ad.sent()) == 1 })
	if ad.sent()[0] != "pong" {
		t.Fatalf("reply = %q", ad.sent()[0])
	}
	mu.Lock()
	defer mu.Unlock()
	if len(gotArgs) != 2 || gotArgs[0] != "one" {
		t.Fatalf("args = %v", gotArgs)
	}
}

func TestRouterStripsBotMention(t *testing.T) {
	t.Parallel()
	ad := &recordingAdapter{}
	r := NewRouter(ad, logx.Nop(), time.Second)

	handled := make(chan struct{}, 1)
	r.Register(Command{Name: "status", Handle: func(context.Context, *Request) error {
		handled <- struct{}{}
		return nil
	}})

	updates := startRouter(t, r)
	updates <- msgUpdate(1, "/status@my_weather_bot")

	select {
	case <-handled:
	case <-time.After(3 * time.Second):
		t.Fatal("mention-suffixed command not routed")
	}
}

func TestRouterUnknownCommand(t *testing.T) {
	t.Parallel()
	ad := &recordingAdapter{}
	r := NewRouter(ad, logx.Nop(), time.Second)
	updates := startRouter(t, r)

	updates <- msgUpdate(1, "/bogus")
	waitFor(t, func() bool { return len(ad.sent()) == 1 })
	if got := ad.sent()[0]; got != "Unknown command. Try /help." {
		t.Fatalf("reply = %q", got)
	}
}

func TestRouterIgnoresPlainTextWithoutPendingFlow(t *testing.T) {
	t.Parallel()
	ad := &recordingAdapter{}
	r := NewRouter(ad, logx.Nop(), time.Second)
	updates := startRouter(t, r)

	updates <- msgUpdate(1, "just chatting")
	time.Sleep(50 * time.Millisecond)
	if n := len(ad.sent()); n != 0 {
		t.Fatalf("unexpected replies: %v", ad.sent())
	}
}

func TestRouterContinuationFlow(t *testing.T) {
	t.Parallel()
	ad := &recordingAdapter{}
	r := NewRouter(ad, logx.Nop(), time.Second)

	var mu sync.Mutex
	var captured string
	r.Register(Command{Name: "ask", Handle: func(ctx context.Context, req *Request) error {
		r.SetPending(req.Chat.ChatID, func(ctx context.Context, rq *Request) (ContinuationFunc, error) {
			mu.Lock()
			captured = rq.ArgText
			mu.Unlock()
			return nil, nil
		})
		_, err := req.Adapter.SendText(ctx, req.Chat, "tell me", nil)
		return err
	}})

	updates := startRouter(t, r)
	updates <- msgUpdate(9, "/ask")
	waitFor(t, func() bool { return len(ad.sent()) == 1 })

	updates <- msgUpdate(9, "the answer")
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return captured == "the answer"
	})

	// flow is consumed: further plain text is ignored
	updates <- msgUpdate(9, "again")
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if captured != "the answer" {
		t.Fatalf("captured = %q", captured)
	}
}

func TestRouterCommandAbandonsPendingFlow(t *testing.T) {
	t.Parallel()
	ad := &recordingAdapter{}
	r := NewRouter(ad, logx.Nop(), time.Second)

	invoked := make(chan struct{}, 1)
	r.Register(Command{Name: "other", Handle: func(context.Context, *Request) error {
		invoked <- struct{}{}
		return nil
	}})

	var flowRan atomic.Bool
	r.SetPending(3, func(context.Context, *Request) (ContinuationFunc, error) {
		flowRan.Store(true)
		return nil, nil
	})

	updates := startRouter(t, r)
	updates <- msgUpdate(3, "/other")
	select {
	case <-invoked:
	case <-time.After(3 * time.Second):
		t.Fatal("command not routed")
	}

	updates <- msgUpdate(3, "leftover text")
	time.Sleep(50 * time.Millisecond)
	if flowRan.Load() {
		t.Fatal("pending flow survived a new command")
	}
}

func TestRouterMenuCommandsKeepOrder(t *testing.T) {
	t.Parallel()
	r := NewRouter(&recordingAdapter{}, logx.Nop(), time.Second)
	r.Register(
		Command{Name: "start", Description: "a", Handle: func(context.Context, *Request) error { return nil }},
		Command{Name: "weather", Description: "b", Handle: func(context.Context, *Request) error { return nil }},
		Command{Name: "help", Description: "c", Handle: func(context.Context, *Request) error { return nil }},
	)
	menu := r.MenuCommands()
	if len(menu) != 3 || menu[0].Command != "start" || menu[2].Command != "help" {
		t.Fatalf("menu = %+v", menu)
	}
}

func TestRecoverMiddlewareTurnsPanicIntoError(t *testing.T) {
	t.Parallel()
	h := Chain(func(context.Context, *Request) error {
		panic("boom")
	}, MWPanicRecover(logx.Nop()))

	err := h(context.Background(), &Request{})
	if err == nil {
		t.Fatal("panic did not surface as error")
	}
}
