// Package console is a line-oriented client for a chat session. Plain lines
// are sent as messages, slash commands drive room and queue operations, and
// bus events are rendered as they arrive.
package console

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/workmesh/orderchat/internal/bus"
	"github.com/workmesh/orderchat/internal/chat"
	"github.com/workmesh/orderchat/internal/status"
)

// Options configures a Console. Zero values fall back to stdin/stdout.
type Options struct {
	In           io.Reader
	Out          io.Writer
	DefaultOrder string
	// OnQuit is called when the user quits or input reaches EOF.
	OnQuit func()
}

type Console struct {
	session *chat.Session
	bus     *bus.Bus
	logger  *zap.Logger
	opts    Options

	mu     sync.Mutex
	events <-chan bus.Event
	unsub  func()
	done   chan struct{}
}

func New(s *chat.Session, b *bus.Bus, logger *zap.Logger, opts Options) *Console {
	if opts.In == nil {
		opts.In = os.Stdin
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	return &Console{session: s, bus: b, logger: logger, opts: opts}
}

// Start joins the default room, if any, and begins reading input and
// rendering events.
func (c *Console) Start() {
	c.mu.Lock()
	if c.done != nil {
		c.mu.Unlock()
		return
	}
	c.done = make(chan struct{})
	c.events, c.unsub = c.bus.Subscribe("", 64)
	c.mu.Unlock()

	if c.opts.DefaultOrder != "" {
		c.session.JoinOrder(c.opts.DefaultOrder)
	}

	go c.renderLoop()
	go c.readLoop()
}

// Stop ends rendering. It is safe to call more than once.
func (c *Console) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done == nil {
		return
	}
	select {
	case <-c.done:
	default:
		close(c.done)
		c.unsub()
	}
}

func (c *Console) readLoop() {
	scanner := bufio.NewScanner(c.opts.In)
	for scanner.Scan() {
		if c.handleLine(scanner.Text()) {
			return
		}
	}
	if c.opts.OnQuit != nil {
		c.opts.OnQuit()
	}
}

// handleLine processes one input line and reports whether to quit.
func (c *Console) handleLine(line string) bool {
	line = strings.TrimSpace(line)
	switch {
	case line == "":
		return false
	case strings.HasPrefix(line, "/"):
		return c.handleCommand(strings.Fields(line))
	default:
		c.session.StopTyping()
		if c.session.SendMessage(line) == nil {
			c.printf("nothing sent: join a room first (/join <order-id>)")
		}
		return false
	}
}

func (c *Console) handleCommand(fields []string) bool {
	switch fields[0] {
	case "/join":
		if len(fields) < 2 {
			c.printf("usage: /join <order-id>")
			return false
		}
		c.session.JoinOrder(fields[1])
	case "/leave":
		c.session.LeaveOrder()
	case "/retry":
		if len(fields) < 2 {
			c.printf("usage: /retry <temp-id>")
			return false
		}
		c.session.RetryMessage(fields[1])
	case "/seen":
		c.session.MarkSeen(fields[1:])
	case "/delivered":
		c.session.MarkDelivered(fields[1:])
	case "/typing":
		c.session.StartTyping()
	case "/queue":
		items := c.session.RetryQueue()
		if len(items) == 0 {
			c.printf("retry queue is empty")
			return false
		}
		for _, it := range items {
			c.printf("queued %s  order=%s  %q", it.TempID, it.OrderID, it.Body)
		}
	case "/status":
		c.printf("connected=%v connecting=%v room=%q", c.session.Connected(), c.session.Connecting(), c.session.OrderID())
	case "/quit":
		if c.opts.OnQuit != nil {
			c.opts.OnQuit()
		}
		return true
	default:
		c.printf("commands: /join /leave /retry /seen /delivered /typing /queue /status /quit")
	}
	return false
}

func (c *Console) renderLoop() {
	for {
		select {
		case <-c.done:
			return
		case evt := <-c.events:
			c.render(evt)
		}
	}
}

func (c *Console) render(evt bus.Event) {
	switch evt.Kind {
	case bus.KindStateChanged:
		if ch, ok := evt.Payload.(status.StatusChange); ok {
			c.printf("state: %s -> %s", ch.From, ch.To)
		}
	case bus.KindMessageUpsert, bus.KindHistory:
		msgs := c.session.Messages()
		if len(msgs) == 0 {
			return
		}
		m := msgs[len(msgs)-1]
		c.printf("[%s] %s(%s): %s", m.Status, m.SenderID, m.SenderRole, m.Body)
	case bus.KindMessageFailed:
		c.printf("! send failed, /retry %v", evt.Payload)
	case bus.KindQueueChanged:
		c.printf("retry queue: %v item(s)", evt.Payload)
	case bus.KindTypingChanged:
		users, ok := evt.Payload.([]chat.TypingState)
		if !ok || len(users) == 0 {
			return
		}
		names := make([]string, len(users))
		for i, u := range users {
			names[i] = u.SenderID
		}
		c.printf("typing: %s", strings.Join(names, ", "))
	case bus.KindRoomJoined:
		c.printf("joined %v", evt.Payload)
	case bus.KindRoomLeft:
		c.printf("left %v", evt.Payload)
	case bus.KindError:
		c.printf("error: %v", evt.Payload)
	}
}

func (c *Console) printf(format string, args ...any) {
	fmt.Fprintf(c.opts.Out, format+"\n", args...)
}
