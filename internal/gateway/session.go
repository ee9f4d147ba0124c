package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"webforge/internal/events"
	"webforge/internal/intent"
	"webforge/internal/pipeline"
	"webforge/internal/project"
)

const (
	// writeWait is how long a single frame write may take.
	writeWait = 10 * time.Second

	// pongWait is how long we wait for a pong before declaring the
	// connection dead. Pings go out at pingPeriod, which must be
	// shorter than pongWait.
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// maxCommandBytes bounds inbound command frames. Prompts ride in
	// commands, so this is roomier than a typical control channel.
	maxCommandBytes = 64 << 10

	// sendBuffer is the per-session outbound queue. A session that
	// falls this far behind is disconnected, never gapped.
	sendBuffer = 256
)

// frame is one outbound websocket message. Text frames carry event
// JSON; binary frames carry export archives.
type frame struct {
	binary bool
	data   []byte
}

// command is the client-to-server wire format.
type command struct {
	Type        string `json:"type"`
	Prompt      string `json:"prompt"`
	Project     string `json:"project"`
	RefineModel string `json:"refine_model"`
	BuildModel  string `json:"build_model"`
	Intent      string `json:"intent"`
	RunID       string `json:"run_id"`
}

// session is one websocket connection plus its outbound queue. All
// writes to the connection happen on the writePump goroutine; everyone
// else goes through enqueue.
type session struct {
	id      string
	resumed bool
	g       *Gateway
	conn    *websocket.Conn
	send    chan frame

	mu     sync.Mutex
	closed bool
}

func newSession(g *Gateway, id string, conn *websocket.Conn, resumed bool) *session {
	return &session{
		id:      id,
		resumed: resumed,
		g:       g,
		conn:    conn,
		send:    make(chan frame, sendBuffer),
	}
}

// enqueue hands a frame to the write pump. A session whose buffer is
// full gets closed: delivery is in-order-or-nothing, never gapped.
func (s *session) enqueue(f frame) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.g.m.EventsDropped.Inc()
		return
	}
	select {
	case s.send <- f:
		s.mu.Unlock()
	default:
		s.closed = true
		close(s.send)
		s.mu.Unlock()
		s.g.m.EventsDropped.Inc()
		s.g.logger.Warn("session falling behind, disconnecting",
			zap.String("session", s.id))
	}
}

// close shuts the outbound queue, which makes writePump send a close
// frame and exit. Safe to call more than once.
func (s *session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.send)
}

// emitEvent serialises an event onto this session's stream.
func (s *session) emitEvent(e events.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		s.g.logger.Error("event marshal failed",
			zap.String("type", e.Type), zap.Error(err))
		return
	}
	s.g.m.RecordEvent(e.Type)
	s.enqueue(frame{data: data})
}

func (s *session) sendError(text string) {
	s.emitEvent(events.Error(text))
}

// runSink returns the sink one run emits through. Each run gets its
// own monotonic sequence so a client can detect gaps per run.
func (s *session) runSink() events.Sink {
	return &seqSink{s: s}
}

type seqSink struct {
	s   *session
	seq uint64
}

func (k *seqSink) Emit(e events.Event) {
	e.Seq = atomic.AddUint64(&k.seq, 1)
	k.s.emitEvent(e)
}

// readPump reads commands off the connection until it dies, then asks
// the hub to unregister the session.
func (s *session) readPump() {
	defer func() {
		s.g.unregister <- s
		s.conn.Close()
	}()

	s.conn.SetReadLimit(maxCommandBytes)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure) {
				s.g.logger.Warn("session read failed",
					zap.String("session", s.id), zap.Error(err))
			}
			return
		}

		var cmd command
		if err := json.Unmarshal(raw, &cmd); err != nil {
			s.sendError("malformed command: not valid JSON")
			continue
		}
		s.handleCommand(cmd)
	}
}

// writePump owns all writes to the connection: queued frames plus
// keepalive pings. One websocket message per frame keeps text events
// and binary archives cleanly separated.
func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case f, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			kind := websocket.TextMessage
			if f.binary {
				kind = websocket.BinaryMessage
			}
			if err := s.conn.WriteMessage(kind, f.data); err != nil {
				return
			}

		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *session) handleCommand(cmd command) {
	switch cmd.Type {
	case "build":
		req := pipeline.BuildRequest{
			SessionID:   s.id,
			Prompt:      cmd.Prompt,
			RefineModel: cmd.RefineModel,
			BuildModel:  cmd.BuildModel,
		}
		if _, err := s.g.engine.StartBuild(req, s.runSink()); err != nil {
			s.sendError(admissionMessage(err))
		}

	case "update":
		if cmd.Intent != "" {
			if _, ok := intent.Parse(cmd.Intent); !ok {
				s.sendError(fmt.Sprintf("unknown intent %q (want patch, modify, or feature)", cmd.Intent))
				return
			}
		}
		req := pipeline.UpdateRequest{
			SessionID:  s.id,
			Project:    cmd.Project,
			Prompt:     cmd.Prompt,
			BuildModel: cmd.BuildModel,
			Intent:     cmd.Intent,
		}
		if _, err := s.g.engine.StartUpdate(req, s.runSink()); err != nil {
			s.sendError(admissionMessage(err))
		}

	case "cancel":
		if err := s.g.engine.Cancel(cmd.RunID); err != nil {
			s.sendError(fmt.Sprintf("cancel %s: %v", cmd.RunID, err))
		}

	case "export":
		s.g.export(s, cmd.Project)

	default:
		s.sendError("unknown command type: " + cmd.Type)
	}
}

// admissionMessage maps engine admission errors onto client-facing
// text. Anything unexpected passes through verbatim.
func admissionMessage(err error) string {
	switch {
	case errors.Is(err, pipeline.ErrEmptyPrompt):
		return "prompt is empty"
	case errors.Is(err, pipeline.ErrBusy):
		return "project already has a run in flight"
	case errors.Is(err, pipeline.ErrCapacity):
		return "engine at capacity, try again shortly"
	case errors.Is(err, project.ErrNotFound):
		return "project not found"
	default:
		return err.Error()
	}
}
