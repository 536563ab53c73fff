package httpapi

import (
	"context"
	"encoding/base64"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/antoniostano/focuslens/internal/frame"
	"github.com/antoniostano/focuslens/internal/protocol"
	"github.com/antoniostano/focuslens/internal/sampler"
)

const (
	wsReadTimeout  = 120 * time.Second
	wsWriteTimeout = 10 * time.Second
	wsReadLimit    = 4 << 20
)

// handleSessionWS attaches a client to a running session. Push-capture
// sessions take frames from the client; every session streams updates back.
// Dropping the connection of a push session ends its capture.
func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "missing_session_id", "query parameter session_id is required")
		return
	}
	src, ok := s.runner.Source(sessionID)
	if !ok {
		respondError(w, http.StatusNotFound, "not_running", "session is not being sampled")
		return
	}
	updates, unsubscribe, err := s.runner.Subscribe(sessionID, 64)
	if err != nil {
		respondError(w, http.StatusNotFound, "not_running", err.Error())
		return
	}
	defer unsubscribe()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	s.metrics.SessionEvent("ws_connected")

	push, _ := src.(*frame.ChannelSource)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	outbound := make(chan any, 64)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(ctx, conn, updates, outbound)
		cancel()
		// Unblocks the read loop once the session is over.
		_ = conn.Close()
	}()

	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			s.queue(outbound, protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				SessionID: sessionID,
				Code:      "invalid_client_message",
				Source:    "gateway",
				Detail:    err.Error(),
			})
			continue
		}

		switch msg := parsed.(type) {
		case protocol.ClientFrame:
			s.metrics.WSMessage("inbound", string(msg.Type))
			if push == nil {
				s.queue(outbound, protocol.ErrorEvent{
					Type:      protocol.TypeErrorEvent,
					SessionID: sessionID,
					Code:      "capture_not_push",
					Source:    "gateway",
					Detail:    "session captures from a server-side source",
				})
				continue
			}
			raw, err := base64.StdEncoding.DecodeString(stripDataURI(msg.ImageBase64))
			if err != nil {
				s.queue(outbound, protocol.ErrorEvent{
					Type:      protocol.TypeErrorEvent,
					SessionID: sessionID,
					Code:      "invalid_frame",
					Source:    "gateway",
					Retryable: true,
					Detail:    err.Error(),
				})
				continue
			}
			if !push.Push(raw) {
				s.metrics.ObserveIndicator("frame_dropped")
			}
		case protocol.ClientControl:
			s.metrics.WSMessage("inbound", string(msg.Type))
			switch msg.Action {
			case protocol.ActionStop:
				go s.stopFromClient(sessionID)
			case protocol.ActionPing:
				s.queue(outbound, protocol.StatusEvent{Type: protocol.TypeStatusEvent, SessionID: sessionID, Code: "pong"})
			}
		}
	}

	if push != nil {
		// The client was the camera; without it the session has no frames.
		_ = push.Close()
	}
	cancel()
	<-writerDone
	s.metrics.SessionEvent("ws_disconnected")
}

func (s *Server) stopFromClient(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout+time.Second)
	defer cancel()
	if _, err := s.runner.Stop(ctx, sessionID); err != nil && !errors.Is(err, sampler.ErrNotRunning) {
		log.Printf("ws: stop session %s: %v", sessionID, err)
	}
}

// writeLoop is the only writer on conn. It ends after forwarding the final
// session_closed message or when ctx is done.
func (s *Server) writeLoop(ctx context.Context, conn *websocket.Conn, updates <-chan sampler.Update, outbound <-chan any) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-outbound:
			if !s.write(conn, msg) {
				return
			}
		case u, ok := <-updates:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"),
					time.Now().Add(time.Second))
				return
			}
			if msg := updateMessage(u); msg != nil && !s.write(conn, msg) {
				return
			}
		}
	}
}

func (s *Server) write(conn *websocket.Conn, msg any) bool {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.WriteJSON(msg); err != nil {
		return false
	}
	if t, ok := messageTypeOf(msg); ok {
		s.metrics.WSMessage("outbound", string(t))
	}
	return true
}

// queue drops the message when the outbound buffer is saturated so the read
// loop never blocks on a slow client.
func (s *Server) queue(outbound chan<- any, msg any) {
	select {
	case outbound <- msg:
	default:
		s.metrics.ObserveIndicator("ws_outbound_dropped")
	}
}

func updateMessage(u sampler.Update) any {
	ts := protocol.UnixMS(u.At)
	switch u.Kind {
	case sampler.UpdateFocus:
		if u.Focus == nil {
			return nil
		}
		return protocol.FocusUpdate{
			Type:            protocol.TypeFocusUpdate,
			SessionID:       u.SessionID,
			Status:          string(u.Focus.Status),
			Faces:           u.Focus.Faces,
			Eyes:            u.Focus.Eyes,
			FocusedCount:    u.Live.FocusedCount,
			DistractedCount: u.Live.DistractedCount,
			TSMs:            ts,
		}
	case sampler.UpdateEmotion:
		if u.Emotion == nil {
			return nil
		}
		return protocol.EmotionUpdate{
			Type:       protocol.TypeEmotionUpdate,
			SessionID:  u.SessionID,
			Label:      string(u.Emotion.Label),
			Confidence: u.Emotion.Confidence,
			TSMs:       ts,
		}
	case sampler.UpdateStatus:
		return protocol.StatusEvent{
			Type:      protocol.TypeStatusEvent,
			SessionID: u.SessionID,
			Code:      u.Code,
			Detail:    u.Message,
		}
	case sampler.UpdateError:
		source := "classifier"
		if u.Code == "persistence" {
			source = "store"
		}
		return protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			SessionID: u.SessionID,
			Code:      u.Code,
			Source:    source,
			Retryable: true,
			Detail:    u.Message,
		}
	case sampler.UpdateClosed:
		msg := protocol.SessionClosed{
			Type:      protocol.TypeSessionClosed,
			SessionID: u.SessionID,
			Reason:    u.Code,
		}
		if u.Session != nil {
			msg.ProductivityScore = u.Session.Score
			msg.Detail = u.Session.LastError
			if b := u.Session.Breakdown; b != nil {
				emotion, focus := b.EmotionScore, b.FocusScore
				msg.EmotionScore = &emotion
				msg.FocusScore = &focus
			}
		}
		return msg
	default:
		return nil
	}
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.FocusUpdate:
		return m.Type, true
	case protocol.EmotionUpdate:
		return m.Type, true
	case protocol.StatusEvent:
		return m.Type, true
	case protocol.SessionClosed:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}

// stripDataURI accepts both raw base64 and data:image/...;base64, payloads.
func stripDataURI(v string) string {
	if i := strings.Index(v, ";base64,"); i >= 0 && strings.HasPrefix(v, "data:") {
		return v[i+len(";base64,"):]
	}
	return v
}
