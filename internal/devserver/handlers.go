package devserver

import (
	"encoding/json"
	"net/http"

	"github.com/blockmesh/meshagent/internal/remote"
)

type errorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// sendJSON sends a JSON response
func sendJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// sendError sends an error response carrying the request id
func sendError(w http.ResponseWriter, r *http.Request, status int, message string) {
	id, _ := r.Context().Value(requestIDKey).(string)
	sendJSON(w, status, errorResponse{Error: message, RequestID: id})
}

// decodeJSON decodes request body with error handling
func decodeJSON[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	var input T
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		sendError(w, r, http.StatusBadRequest, "invalid JSON body")
		return input, false
	}
	return input, true
}

func (s *Server) getToken(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}](w, r)
	if !ok {
		return
	}

	if err := s.store.Authenticate(req.Email, req.Password); err != nil {
		sendError(w, r, http.StatusUnauthorized, err.Error())
		return
	}

	token, err := s.tokens.issue(normalizeEmail(req.Email))
	if err != nil {
		sendError(w, r, http.StatusInternalServerError, "failed to issue token")
		return
	}
	sendJSON(w, http.StatusOK, map[string]string{"api_token": token})
}

func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[remote.RegisterRequest](w, r)
	if !ok {
		return
	}
	if req.Email == "" || req.Password == "" {
		sendError(w, r, http.StatusBadRequest, "email and password are required")
		return
	}
	if req.Password != req.PasswordConfirm {
		sendError(w, r, http.StatusBadRequest, "passwords do not match")
		return
	}

	if err := s.store.CreateAccount(req.Email, req.Password); err != nil {
		sendError(w, r, http.StatusConflict, err.Error())
		return
	}
	s.logger.Info("account registered", "email", normalizeEmail(req.Email))
	sendJSON(w, http.StatusCreated, map[string]string{"status": "registered"})
}

func (s *Server) checkToken(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) reportUptime(w http.ResponseWriter, r *http.Request) {
	report, ok := decodeJSON[remote.UptimeReport](w, r)
	if !ok {
		return
	}
	s.store.RecordUptime(report.Email, report.DeviceID, report.Uptime)
	sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	email, _ := r.Context().Value(emailKey).(string)
	task, ok := s.store.NextTask(email)
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	sendJSON(w, http.StatusOK, task)
}

func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	result, ok := decodeJSON[remote.TaskResult](w, r)
	if !ok {
		return
	}
	email, _ := r.Context().Value(emailKey).(string)
	if !s.store.SaveResult(email, result) {
		sendError(w, r, http.StatusNotFound, "task not assigned to this account")
		return
	}
	sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
