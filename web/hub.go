package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/jnesss/procwatch/database"
	"github.com/jnesss/procwatch/monitor"
	"github.com/jnesss/procwatch/process"
	"github.com/jnesss/procwatch/sigma"
	"github.com/jnesss/procwatch/types"
)

// ErrHubClosed is returned by Call once Run has returned.
var ErrHubClosed = errors.New("web: hub closed")

// Hub is the consumer context of the web host. Its Run goroutine is the
// only one that starts or stops the session, dispatches notifications,
// writes the journal and talks to websocket clients.
type Hub struct {
	session  *monitor.Session
	journal  *database.DB
	detector *sigma.Detector
	tracker  *process.Tracker
	logger   *slog.Logger

	commands   chan command
	register   chan *client
	unregister chan *client
	clients    map[*client]struct{}
	done       chan struct{}

	clientCount atomic.Int32
	delivered   atomic.Uint64
	matched     atomic.Uint64
}

type command struct {
	msg types.Message
	// Exactly one of reply and from is set.
	reply chan types.Message
	from  *client
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithJournal records every delivered event and rule match in db.
func WithJournal(db *database.DB) HubOption {
	return func(h *Hub) { h.journal = db }
}

// WithDetector evaluates every delivered event against d's rules.
func WithDetector(d *sigma.Detector) HubOption {
	return func(h *Hub) { h.detector = d }
}

// WithTracker looks up the full process metadata of delivered events.
func WithTracker(t *process.Tracker) HubOption {
	return func(h *Hub) { h.tracker = t }
}

// NewHub registers the hub as the consumer of session's dispatcher.
func NewHub(session *monitor.Session, logger *slog.Logger, opts ...HubOption) *Hub {
	h := &Hub{
		session:    session,
		logger:     logger,
		commands:   make(chan command),
		register:   make(chan *client),
		unregister: make(chan *client),
		clients:    make(map[*client]struct{}),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	session.Dispatcher().OnWake(h.deliver)
	return h
}

// Run serves commands and dispatches notifications until ctx is done, then
// stops the session and disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	dispatcher := h.session.Dispatcher()

	for {
		select {
		case <-ctx.Done():
			h.session.Close()
			for c := range h.clients {
				h.drop(c)
			}
			return

		case cmd := <-h.commands:
			reply := h.handle(cmd.msg)
			if cmd.reply != nil {
				cmd.reply <- reply
			} else if _, ok := h.clients[cmd.from]; ok {
				h.sendTo(cmd.from, reply)
			}

		case <-dispatcher.Wake():
			dispatcher.Dispatch()

		case c := <-h.register:
			h.clients[c] = struct{}{}
			h.clientCount.Add(1)

		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				h.drop(c)
			}
		}
	}
}

// Call runs a method-channel call on the hub goroutine and returns its
// reply. Argument problems are reported in the reply, not as an error.
func (h *Hub) Call(ctx context.Context, msg types.Message) (types.Message, error) {
	reply := make(chan types.Message, 1)
	select {
	case h.commands <- command{msg: msg, reply: reply}:
	case <-ctx.Done():
		return types.Message{}, ctx.Err()
	case <-h.done:
		return types.Message{}, ErrHubClosed
	}

	select {
	case r := <-reply:
		return r, nil
	case <-ctx.Done():
		return types.Message{}, ctx.Err()
	}
}

func (h *Hub) handle(msg types.Message) types.Message {
	switch msg.Method {
	case types.MethodStartMonitoring:
		name, err := types.ParseStartArguments(msg.Arguments)
		if err != nil {
			h.logger.Warn("rejected start request", "error", err)
			return types.Reply(msg, nil, types.ErrProcessNameRequired)
		}
		h.session.Start(name)
		return types.Reply(msg, h.Status(), nil)

	case types.MethodStopMonitoring:
		h.session.Stop()
		return types.Reply(msg, h.Status(), nil)

	default:
		return types.Reply(msg, nil, &types.ArgumentError{
			Code:    types.CodeNotImplemented,
			Message: fmt.Sprintf("unknown method %q", msg.Method),
		})
	}
}

// Status reports the session state. Safe from any goroutine.
func (h *Hub) Status() MonitorStatus {
	status := MonitorStatus{
		State:     h.session.State().String(),
		Target:    h.session.Target(),
		Clients:   int(h.clientCount.Load()),
		Delivered: h.delivered.Load(),
		Matched:   h.matched.Load(),
	}
	if err := h.session.Err(); err != nil {
		status.Error = err.Error()
	}
	return status
}

// deliver runs inside Dispatch on the hub goroutine.
func (h *Hub) deliver(n monitor.Notification) {
	h.delivered.Add(1)
	h.broadcast(types.ProcessStarted(n.Name))

	info := &process.Info{PID: n.PID, Name: n.Name, Observed: n.Observed}
	if tracked, ok := h.tracker.Get(n.PID); ok && tracked.Name == n.Name {
		info = tracked
	}

	var eventID int64
	if h.journal != nil {
		id, err := h.journal.InsertEvent(&database.EventRecord{
			Timestamp: n.Observed,
			Target:    h.session.Target(),
			PID:       info.PID,
			PPID:      info.PPID,
			Name:      info.Name,
			ExePath:   info.ExePath,
			CmdLine:   info.CmdLine,
			Username:  info.Username,
			ParentExe: info.ParentExe,
		})
		if err != nil {
			h.logger.Error("failed to journal event", "pid", n.PID, "error", err)
		}
		eventID = id
	}

	if h.detector == nil {
		return
	}
	for _, match := range h.detector.CheckEvent(context.Background(), sigma.Fields(info)) {
		h.matched.Add(1)
		h.logger.Warn("rule matched",
			"rule", match.RuleID,
			"title", match.Title,
			"level", match.Level,
			"conditions", match.Conditions,
			"pid", info.PID,
			"process", info.Name)

		if h.journal != nil && eventID != 0 {
			err := h.journal.InsertMatch(&database.MatchRecord{
				EventID:   eventID,
				RuleID:    match.RuleID,
				RuleName:  match.Title,
				Severity:  match.Level,
				PID:       info.PID,
				Name:      info.Name,
				Timestamp: n.Observed,
			})
			if err != nil {
				h.logger.Error("failed to journal rule match", "rule", match.RuleID, "error", err)
			}
		}
		h.broadcast(types.RuleMatched(info.Name, info.PID, match.RuleID, match.Title, match.Level))
	}
}

func (h *Hub) broadcast(msg types.Message) {
	if len(h.clients) == 0 {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("broadcast marshal error", "error", err)
		return
	}
	for c := range h.clients {
		h.enqueue(c, data)
	}
}

func (h *Hub) sendTo(c *client, msg types.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("reply marshal error", "error", err)
		return
	}
	h.enqueue(c, data)
}

func (h *Hub) enqueue(c *client, data []byte) {
	select {
	case c.send <- data:
	default:
		// Client can't keep up, disconnect it
		h.logger.Warn("ws client too slow, disconnecting", "remote", c.remote)
		h.drop(c)
	}
}

func (h *Hub) drop(c *client) {
	delete(h.clients, c)
	h.clientCount.Add(-1)
	close(c.send)
}

// attach hands conn to the hub and serves it until it disconnects.
func (h *Hub) attach(conn *websocket.Conn, remote string) error {
	c := newClient(h, conn, remote)
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return ErrHubClosed
	}
	go c.writePump()
	go c.readPump()
	return nil
}

// submit queues a call from a websocket client. The reply goes to the
// client's send queue.
func (h *Hub) submit(c *client, msg types.Message) bool {
	select {
	case h.commands <- command{msg: msg, from: c}:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) leave(c *client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}
