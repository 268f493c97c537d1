package main

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"i4.energy/across/cellgw/modem"
)

// Server handles incoming HTTP requests for interacting with the
// configured modem instance
type Server struct {
	Logger *slog.Logger
	Modem  *modem.Device
}

// ServeHTTP implements the http.Handler interface for the Server struct
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /sms", s.handleSendSMS)
	mux.HandleFunc("GET /sms", s.handleListSMS)
	mux.HandleFunc("DELETE /sms/{index}", s.handleDeleteSMS)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.ServeHTTP(w, r)
}

func (s *Server) sendError(w http.ResponseWriter, message string, statusCode int) {
	if message == "" {
		w.WriteHeader(statusCode)
		return
	}

	type ErrorResponse struct {
		Message string `json:"message"`
	}
	resp := ErrorResponse{Message: message}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) sendJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// handleSendSMS processes incoming HTTP POST requests to send SMS messages
func (s *Server) handleSendSMS(w http.ResponseWriter, r *http.Request) {
	type SMSRequest struct {
		To      string `json:"to"`
		Message string `json:"message"`
	}

	var req SMSRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if req.To == "" || req.Message == "" {
		s.sendError(w, "both 'to' and 'message' fields are required", http.StatusBadRequest)
		return
	}

	ref, err := s.Modem.SendSMS(r.Context(), req.To, req.Message)
	if err != nil {
		s.Logger.Error("Failed to send SMS", "error", err, "to", req.To)
		s.sendError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	s.Logger.Info("SMS sent successfully", "to", req.To, "ref", ref, "message_length", len(req.Message))
	s.sendJSON(w, map[string]int{"ref": ref})
}

// handleListSMS returns the messages stored on the modem. Query
// parameters: unread=true limits to unread, limit and offset page the
// result.
func (s *Server) handleListSMS(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	unread := q.Get("unread") == "true"
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	messages, err := s.Modem.ListSMS(r.Context(), unread, limit, offset)
	if err != nil {
		s.Logger.Error("Failed to list SMS", "error", err)
		s.sendError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if messages == nil {
		messages = []modem.SMS{}
	}
	s.sendJSON(w, messages)
}

func (s *Server) handleDeleteSMS(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil {
		s.sendError(w, "invalid message index", http.StatusBadRequest)
		return
	}
	if err := s.Modem.DeleteSMS(r.Context(), index); err != nil {
		s.Logger.Error("Failed to delete SMS", "error", err, "index", index)
		s.sendError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleStatus returns the current link status snapshot
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.Modem.Status()
	s.sendJSON(w, map[string]any{
		"firmware":       st.Firmware,
		"registered":     st.Registered.Registered(),
		"registration":   st.Registered.String(),
		"rssi":           st.RSSI,
		"attached":       st.Attached,
		"lac":            st.LAC,
		"ci":             st.CI,
		"pending_sms":    st.PendingSMS,
		"service_center": st.ServiceCenter,
		"last_error":     st.LastError,
	})
}
