package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/harun/tempo/pkg/agent"
	"github.com/harun/tempo/pkg/chat"
)

// sseWriter sends the stream headers on the first write and flushes after
// every chunk
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	written bool
}

func newSSEWriter(w http.ResponseWriter) *sseWriter {
	flusher, _ := w.(http.Flusher)
	return &sseWriter{w: w, flusher: flusher}
}

func (s *sseWriter) Write(p []byte) (int, error) {
	if !s.written {
		h := s.w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		s.w.WriteHeader(http.StatusOK)
		s.written = true
	}
	n, err := s.w.Write(p)
	if err != nil {
		return n, err
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return n, nil
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)

	var req chat.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, ErrorResponse{Error: chat.CodeInvalidRequest, Message: "request body too large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: chat.CodeInvalidRequest, Message: "invalid request body"})
		return
	}

	logger := s.logger.With().
		Str("sessionId", req.SessionID).
		Str("requestId", req.RequestID).
		Logger()

	out := newSSEWriter(w)
	result, err := s.chat.Chat(r.Context(), req, out)
	if err != nil {
		if out.written {
			logger.Error().Err(err).Msg("Chat failed after the stream started")
			return
		}
		var chatErr *chat.Error
		if errors.As(err, &chatErr) {
			if chatErr.Status >= http.StatusInternalServerError {
				logger.Error().Err(err).Str("code", chatErr.Code).Msg("Chat request failed")
			} else {
				logger.Debug().Err(err).Str("code", chatErr.Code).Msg("Chat request rejected")
			}
			writeJSON(w, chatErr.Status, chatErr.Body())
			return
		}
		logger.Error().Err(err).Msg("Chat request failed")
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{
			Error:   chat.CodeInternal,
			Message: agent.UserMessage(agent.KindInternal),
		})
		return
	}

	logger.Info().
		Str("status", result.Status).
		Int64("version", result.Version).
		Str("mode", result.Mode).
		Msg("Chat turn finished")
}
