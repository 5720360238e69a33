package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/BTreeMap/Empathibot/internal/checkin"
	"github.com/BTreeMap/Empathibot/internal/crisis"
	"github.com/BTreeMap/Empathibot/internal/language"
	"github.com/BTreeMap/Empathibot/internal/models"
)

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		slog.Warn("Server.decodeJSON: invalid request body", "error", err, "path", r.URL.Path)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return false
	}
	return true
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]interface{}{
		"service":         "empathibot",
		"uptime_seconds":  int64(time.Since(s.startedAt).Seconds()),
		"lexicon_version": s.opts.LexiconVersion,
		"transport":       s.opts.Transport,
	}))
}

// crisisResourcesHandler lists support services; ?lang= selects the localized hotline line.
func (s *Server) crisisResourcesHandler(w http.ResponseWriter, r *http.Request) {
	lang := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("lang")))
	if lang == "" {
		lang = models.DefaultLanguage
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]interface{}{
		"resources":           crisis.Resources(),
		"localized_hotlines":  language.CrisisResources(lang),
		"supported_languages": language.SupportedLanguages(),
	}))
}

// messageHandler runs one turn synchronously (POST /messages).
func (s *Server) messageHandler(w http.ResponseWriter, r *http.Request) {
	var req models.MessageRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	result, err := s.conv.ProcessMessage(r.Context(), strings.TrimSpace(req.From), req.Body)
	if err != nil {
		writeError(w, "Server.messageHandler", err)
		return
	}
	slog.Info("Server.messageHandler: turn processed", "user_id", result.UserID, "escalated", result.Escalated, "severity", result.Assessment.Severity)
	writeJSONResponse(w, http.StatusOK, models.Success(models.MessageResult{
		UserID:   result.UserID,
		Reply:    result.Reply,
		Severity: result.Assessment.Severity,
		IsCrisis: result.Assessment.IsCrisis,
		Language: result.Language,
	}))
}

func (s *Server) insightsHandler(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("id")
	insights, err := s.conv.Insights(r.Context(), userID)
	if err != nil {
		writeError(w, "Server.insightsHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(insights))
}

// updateUserHandler applies display_name and check_in_enabled (PATCH /users/{id}).
// The two fields are separate writes; a failure after the first leaves it applied.
func (s *Server) updateUserHandler(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("id")
	var req models.UserUpdate
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, "Server.updateUserHandler", err)
		return
	}
	ctx := r.Context()
	// Resolve first so an unknown id never reaches a write.
	if _, err := s.users.GetUser(ctx, userID); err != nil {
		writeError(w, "Server.updateUserHandler", err)
		return
	}
	if req.DisplayName != nil {
		if err := s.users.SetDisplayName(ctx, userID, strings.TrimSpace(*req.DisplayName)); err != nil {
			writeError(w, "Server.updateUserHandler", err)
			return
		}
	}
	if req.CheckInEnabled != nil {
		if err := s.users.SetCheckInEnabled(ctx, userID, *req.CheckInEnabled); err != nil {
			writeError(w, "Server.updateUserHandler", err)
			return
		}
	}
	user, err := s.users.GetUser(ctx, userID)
	if err != nil {
		writeError(w, "Server.updateUserHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("User updated", user))
}

func (s *Server) runCheckInsHandler(w http.ResponseWriter, r *http.Request) {
	s.runOutreach(w, r, "daily check-ins", s.opts.Outreach.RunDailyCheckIns)
}

func (s *Server) runFollowUpsHandler(w http.ResponseWriter, r *http.Request) {
	s.runOutreach(w, r, "crisis follow-ups", s.opts.Outreach.RunCrisisFollowUps)
}

func (s *Server) runOutreach(w http.ResponseWriter, r *http.Request, name string, run func(context.Context) (checkin.Result, error)) {
	ctx, cancel := context.WithTimeout(r.Context(), s.opts.OutreachTimeout)
	defer cancel()
	res, err := run(ctx)
	if err != nil {
		writeError(w, "Server.runOutreach", err)
		return
	}
	slog.Info("Server.runOutreach: run finished", "run", name, "eligible", res.Eligible, "sent", res.Sent)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage(name+" run finished", res))
}
