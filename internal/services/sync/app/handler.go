package app

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	meetingdomain "github.com/ozfoundry/opsync/internal/meeting/domain"
	meetingservice "github.com/ozfoundry/opsync/internal/meeting/service"
	meetingstorage "github.com/ozfoundry/opsync/internal/meeting/storage"
	qrlogindomain "github.com/ozfoundry/opsync/internal/qrlogin/domain"
	"golang.org/x/net/websocket"
)

func newHandler(deps Deps) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	wsHandler := websocket.Handler(func(conn *websocket.Conn) {
		handleWSConn(conn, deps)
	})
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		wsHandler.ServeHTTP(w, r)
	})

	mux.HandleFunc("POST /v1/meetings", func(w http.ResponseWriter, r *http.Request) {
		handleCreateMeeting(w, r, deps)
	})
	mux.HandleFunc("GET /v1/meetings/{id}", func(w http.ResponseWriter, r *http.Request) {
		handleGetMeeting(w, r, deps)
	})
	mux.HandleFunc("GET /v1/meetings/code/{code}", func(w http.ResponseWriter, r *http.Request) {
		handleGetMeetingByCode(w, r, deps)
	})
	mux.HandleFunc("POST /v1/meetings/status", func(w http.ResponseWriter, r *http.Request) {
		handleMeetingStatus(w, r, deps)
	})
	mux.HandleFunc("POST /v1/qrlogin/generate", func(w http.ResponseWriter, r *http.Request) {
		handleQRGenerate(w, r, deps)
	})
	mux.HandleFunc("POST /v1/qrlogin/scan", func(w http.ResponseWriter, r *http.Request) {
		handleQRScan(w, r, deps)
	})
	mux.HandleFunc("POST /v1/qrlogin/authorize", func(w http.ResponseWriter, r *http.Request) {
		handleQRAuthorize(w, r, deps)
	})

	return mux
}

type meetingResponse struct {
	ID              string `json:"id"`
	Code            string `json:"code"`
	Topic           string `json:"topic"`
	Description     string `json:"description,omitempty"`
	OrganizerID     string `json:"organizer_id"`
	StartTime       string `json:"start_time"`
	DurationMinutes int    `json:"duration_minutes"`
	Status          string `json:"status"`
	CreatedAt       string `json:"created_at"`
	UpdatedAt       string `json:"updated_at"`
}

func toMeetingResponse(m meetingdomain.Meeting) meetingResponse {
	return meetingResponse{
		ID:              m.ID,
		Code:            m.Code,
		Topic:           m.Topic,
		Description:     m.Description,
		OrganizerID:     m.OrganizerID,
		StartTime:       m.StartTime.Format(time.RFC3339),
		DurationMinutes: m.DurationMinutes,
		Status:          string(m.Status),
		CreatedAt:       m.CreatedAt.Format(time.RFC3339),
		UpdatedAt:       m.UpdatedAt.Format(time.RFC3339),
	}
}

type sessionResponse struct {
	SessionID  string `json:"session_id"`
	Status     string `json:"status"`
	StatusText string `json:"status_text"`
	UserID     string `json:"user_id,omitempty"`
	Credential string `json:"credential,omitempty"`
}

func toSessionResponse(s qrlogindomain.Session) sessionResponse {
	return sessionResponse{
		SessionID:  s.ID,
		Status:     string(s.Status),
		StatusText: s.StatusText(),
		UserID:     s.UserID,
		Credential: s.Credential,
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("sync: encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// writeDomainError maps service errors to HTTP status codes: missing records
// to 404, lapsed sessions to 410, disallowed transitions to 409, bad input
// to 400.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, meetingstorage.ErrNotFound), errors.Is(err, qrlogindomain.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, qrlogindomain.ErrExpired):
		writeError(w, http.StatusGone, err.Error())
	case errors.Is(err, meetingservice.ErrInvalidTransition),
		errors.Is(err, qrlogindomain.ErrAlreadyProcessed),
		errors.Is(err, qrlogindomain.ErrNotScanned):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, meetingdomain.ErrEmptyTopic),
		errors.Is(err, meetingdomain.ErrEmptyOrganizer),
		errors.Is(err, meetingdomain.ErrInvalidDuration):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		log.Printf("sync: request failed: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

type createMeetingRequest struct {
	Topic           string `json:"topic"`
	Description     string `json:"description"`
	OrganizerID     string `json:"organizer_id"`
	StartTime       string `json:"start_time"`
	DurationMinutes int    `json:"duration_minutes"`
}

func handleCreateMeeting(w http.ResponseWriter, r *http.Request, deps Deps) {
	var req createMeetingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	startTime, err := time.Parse(time.RFC3339, req.StartTime)
	if err != nil {
		writeError(w, http.StatusBadRequest, "start_time must be RFC 3339")
		return
	}

	meeting, err := deps.Meetings.Create(r.Context(), meetingdomain.CreateMeetingInput{
		Topic:           req.Topic,
		Description:     req.Description,
		OrganizerID:     req.OrganizerID,
		StartTime:       startTime,
		DurationMinutes: req.DurationMinutes,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toMeetingResponse(meeting))
}

func handleGetMeeting(w http.ResponseWriter, r *http.Request, deps Deps) {
	meetingID := strings.TrimSpace(r.PathValue("id"))
	if meetingID == "" {
		writeError(w, http.StatusBadRequest, "meeting id is required")
		return
	}

	meeting, err := deps.Meetings.Get(r.Context(), meetingID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toMeetingResponse(meeting))
}

func handleGetMeetingByCode(w http.ResponseWriter, r *http.Request, deps Deps) {
	code := strings.TrimSpace(r.PathValue("code"))
	if code == "" {
		writeError(w, http.StatusBadRequest, "meeting code is required")
		return
	}

	meeting, err := deps.Meetings.GetByCode(r.Context(), code)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toMeetingResponse(meeting))
}

type meetingStatusRequest struct {
	ID     string `json:"id"`
	Action string `json:"action"`
}

func handleMeetingStatus(w http.ResponseWriter, r *http.Request, deps Deps) {
	var req meetingStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.ID) == "" {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}

	var (
		meeting meetingdomain.Meeting
		err     error
	)
	switch strings.ToLower(strings.TrimSpace(req.Action)) {
	case "cancel":
		meeting, err = deps.Meetings.Cancel(r.Context(), req.ID)
	case "conclude":
		meeting, err = deps.Meetings.Conclude(r.Context(), req.ID)
	default:
		writeError(w, http.StatusBadRequest, "action must be cancel or conclude")
		return
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toMeetingResponse(meeting))
}

func handleQRGenerate(w http.ResponseWriter, r *http.Request, deps Deps) {
	result, err := deps.Sessions.Generate(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type sessionRequest struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
}

func handleQRScan(w http.ResponseWriter, r *http.Request, deps Deps) {
	var req sessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.SessionID) == "" {
		writeError(w, http.StatusBadRequest, "session_id is required")
		return
	}

	session, err := deps.Sessions.Scan(r.Context(), req.SessionID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(session))
}

func handleQRAuthorize(w http.ResponseWriter, r *http.Request, deps Deps) {
	var req sessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.SessionID) == "" {
		writeError(w, http.StatusBadRequest, "session_id is required")
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	session, err := deps.Sessions.Authorize(r.Context(), req.SessionID, req.UserID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(session))
}
