// Package bot routes inbound chat updates to command handlers. Commands are
// a flat registry; multi-step flows (city selection, time entry) park a
// per-chat continuation that captures the next plain-text message.
package bot

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"skycast/internal/transport"
	logx "skycast/pkg/logx"
)

type HandlerFunc func(ctx context.Context, req *Request) error

type Middleware func(next HandlerFunc) HandlerFunc

func Chain(h HandlerFunc, m ...Middleware) HandlerFunc {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

func MWTimeout(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			if d <= 0 {
				return next(ctx, req)
			}
			cctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(cctx, req)
		}
	}
}

func MWPanicRecover(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (err error) {
			defer func() {
				if r := recover(); r != nil {
					l := log
					if req != nil && !req.Log.IsZero() {
						l = req.Log
					}
					l.Error("panic recovered",
						logx.Any("panic", r),
						logx.String("stack", string(debug.Stack())))
					err = fmt.Errorf("panic: %v", r)
				}
			}()
			return next(ctx, req)
		}
	}
}

func MWRequestLog(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			start := time.Now()
			l := log
			if req != nil && !req.Log.IsZero() {
				l = req.Log
			}
			err := next(ctx, req)
			took := time.Since(start)
			if err != nil {
				l.Warn("request failed", logx.Duration("dur", took), logx.Err(err))
				return err
			}
			l.Info("request ok", logx.Duration("dur", took))
			return nil
		}
	}
}

// Command is one registered slash command.
type Command struct {
	Name        string
	Description string
	Usage       string
	Timeout     time.Duration
	Handle      HandlerFunc
}

// Request carries everything a handler needs for one inbound message.
type Request struct {
	Msg     transport.Message
	Chat    transport.ChatTarget
	Command string
	Args    []string
	ArgText string // args re-joined, for free-text commands like /setcity
	ReqID   string

	Adapter transport.Adapter
	Log     logx.Logger
}

// ContinuationFunc consumes the next plain-text message from a chat that is
// mid-flow. Return a new continuation to stay in the flow, nil to leave it.
type ContinuationFunc func(ctx context.Context, req *Request) (ContinuationFunc, error)

type Router struct {
	mu      sync.RWMutex
	cmds    map[string]Command
	order   []string
	pending map[int64]ContinuationFunc

	adapter        transport.Adapter
	log            logx.Logger
	jobs           chan func()
	defaultTimeout time.Duration
}

func NewRouter(adapter transport.Adapter, log logx.Logger, defaultTimeout time.Duration) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	if defaultTimeout <= 0 {
		defaultTimeout = 30 * time.Second
	}
	return &Router{
		cmds:           map[string]Command{},
		pending:        map[int64]ContinuationFunc{},
		adapter:        adapter,
		log:            log,
		jobs:           make(chan func(), 256),
		defaultTimeout: defaultTimeout,
	}
}

func (r *Router) Register(cmds ...Command) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range cmds {
		name := strings.TrimPrefix(strings.TrimSpace(c.Name), "/")
		if name == "" || c.Handle == nil {
			continue
		}
		c.Name = name
		if _, exists := r.cmds[name]; !exists {
			r.order = append(r.order, name)
		}
		r.cmds[name] = c
	}
}

// MenuCommands renders the registry in registration order for the
// platform command menu.
func (r *Router) MenuCommands() []transport.BotCommand {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]transport.BotCommand, 0, len(r.order))
	for _, name := range r.order {
		c := r.cmds[name]
		out = append(out, transport.BotCommand{Command: name, Description: c.Description})
	}
	return out
}

// SetPending parks a continuation for a chat. The next plain-text message
// from that chat is handed to it instead of the command registry.
func (r *Router) SetPending(chatID int64, fn ContinuationFunc) {
	r.mu.Lock()
	if fn == nil {
		delete(r.pending, chatID)
	} else {
		r.pending[chatID] = fn
	}
	r.mu.Unlock()
}

func (r *Router) takePending(chatID int64) (ContinuationFunc, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn, ok := r.pending[chatID]
	if ok {
		delete(r.pending, chatID)
	}
	return fn, ok
}

// DispatchLoop drains the adapter's update channel until ctx ends or the
// channel closes. Handlers run on a bounded worker pool.
func (r *Router) DispatchLoop(ctx context.Context, updates <-chan transport.Update) error {
	workers := runtime.NumCPU()
	if workers < 2 {
		workers = 2
	}
	r.log.Info("dispatcher started", logx.Int("workers", workers))

	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case job, ok := <-r.jobs:
					if !ok {
						return
					}
					job()
				}
			}
		}()
	}
	defer func() {
		close(r.jobs)
		wg.Wait()
		r.log.Info("dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			if up.Kind == transport.UpdateMessage && up.Message != nil {
				r.routeMessage(ctx, *up.Message)
			}
		}
	}
}

func (r *Router) routeMessage(root context.Context, msg transport.Message) {
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}

	if !strings.HasPrefix(text, "/") {
		r.routeContinuation(root, msg, text)
		return
	}

	parts := strings.Fields(text)
	word := strings.TrimPrefix(parts[0], "/")
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	args := parts[1:]

	// A fresh command abandons whatever flow the chat was in.
	r.SetPending(msg.ChatID, nil)

	r.mu.RLock()
	cmd, ok := r.cmds[word]
	r.mu.RUnlock()
	if !ok {
		_, _ = r.adapter.SendText(root, transport.ChatTarget{ChatID: msg.ChatID}, "Unknown command. Try /help.", nil)
		return
	}

	req := r.newRequest(msg, cmd.Name, args)
	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}
	final := Chain(cmd.Handle,
		MWPanicRecover(r.log),
		MWRequestLog(r.log),
		MWTimeout(timeout),
	)
	r.enqueue(root, req, func() { _ = final(root, req) })
}

func (r *Router) routeContinuation(root context.Context, msg transport.Message, text string) {
	fn, ok := r.takePending(msg.ChatID)
	if !ok {
		return
	}

	req := r.newRequest(msg, "(input)", strings.Fields(text))
	req.ArgText = text
	handler := func(ctx context.Context, rq *Request) error {
		next, err := fn(ctx, rq)
		if next != nil {
			r.SetPending(rq.Chat.ChatID, next)
		}
		return err
	}
	final := Chain(handler,
		MWPanicRecover(r.log),
		MWRequestLog(r.log),
		MWTimeout(r.defaultTimeout),
	)
	r.enqueue(root, req, func() { _ = final(root, req) })
}

func (r *Router) newRequest(msg transport.Message, command string, args []string) *Request {
	rid := uuid.NewString()[:8]
	return &Request{
		Msg:     msg,
		Chat:    transport.ChatTarget{ChatID: msg.ChatID},
		Command: command,
		Args:    args,
		ArgText: strings.Join(args, " "),
		ReqID:   rid,
		Adapter: r.adapter,
		Log: r.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", msg.ChatID),
			logx.String("cmd", command),
		),
	}
}

func (r *Router) enqueue(root context.Context, req *Request, job func()) {
	select {
	case r.jobs <- job:
	default:
		_, _ = r.adapter.SendText(root, req.Chat, "Busy, try again shortly.", nil)
	}
}
