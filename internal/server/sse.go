package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/dyluth/warren/internal/events"
	"github.com/dyluth/warren/internal/orchestrator"
)

// MessageRequest is the body of POST /v1/sessions/{session}/messages.
// Resume answers a pending question; otherwise Input drives the session.
type MessageRequest struct {
	UserID string         `json:"user_id"`
	Input  string         `json:"input,omitempty"`
	Resume *ResumeRequest `json:"resume,omitempty"`
}

// ResumeRequest answers a suspended session. RequestID is the id carried
// by the interrupt event being answered.
type ResumeRequest struct {
	RequestID string      `json:"request_id"`
	Answer    interface{} `json:"answer"`
}

// handleMessage runs one invocation and streams its events as
// text/event-stream frames.
func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session")

	var body MessageRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodySize))
	if err := dec.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if strings.TrimSpace(body.UserID) == "" {
		writeError(w, http.StatusBadRequest, errors.New("user_id is required"))
		return
	}
	if body.Resume != nil && strings.TrimSpace(body.Resume.RequestID) == "" {
		writeError(w, http.StatusBadRequest, errors.New("resume.request_id is required"))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("streaming is not supported"))
		return
	}

	req := orchestrator.Request{SessionID: sessionID, UserID: body.UserID, UserInput: body.Input}
	if body.Resume != nil {
		req.Resume = &orchestrator.ResumeValue{RequestID: body.Resume.RequestID, Answer: body.Resume.Answer}
	}

	log.Printf("[Server] Message for session %s (user %s, resume=%t)", sessionID, body.UserID, req.Resume != nil)
	x := s.engine.Stream(r.Context(), req)

	stream := &sseWriter{w: w, flusher: flusher}
	ticker := time.NewTicker(s.ping)
	defer ticker.Stop()

	evs := x.Events()
	for evs != nil {
		select {
		case ev, ok := <-evs:
			if !ok {
				evs = nil
				continue
			}
			stream.event(ev)
		case <-ticker.C:
			stream.comment("ping")
		}
	}

	_, err := x.Wait()
	if err == nil {
		if !stream.started {
			stream.start()
		}
		return
	}

	log.Printf("[Server] Session %s ended with error: %v", sessionID, err)
	if !stream.started {
		writeError(w, statusFor(err), err)
		return
	}
	stream.frame(0, "error", errorResponse{Error: err.Error()})
}

// sseWriter writes server-sent event frames, sending headers on first use.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

func (s *sseWriter) start() {
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream; charset=utf-8")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	s.w.WriteHeader(http.StatusOK)
	s.started = true
}

func (s *sseWriter) event(ev events.Event) {
	s.frame(ev.ID, string(ev.Type), ev)
}

func (s *sseWriter) frame(id int64, name string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("[Server] Failed to marshal %s event: %v", name, err)
		return
	}
	if !s.started {
		s.start()
	}
	if id > 0 {
		fmt.Fprintf(s.w, "id: %d\n", id)
	}
	fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", name, data)
	s.flusher.Flush()
}

func (s *sseWriter) comment(text string) {
	if !s.started {
		s.start()
	}
	fmt.Fprintf(s.w, ": %s\n\n", text)
	s.flusher.Flush()
}
