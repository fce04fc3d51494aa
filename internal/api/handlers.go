package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/memoryapp/gamify/internal/app/engagement"
	"github.com/memoryapp/gamify/internal/domain"
)

// maxBodyBytes caps request bodies; every payload here is a few fields.
const maxBodyBytes = 64 << 10

// decodeBody reads an optional JSON body into v. An empty body is fine.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %v", domain.ErrInvalidRequest, err)
	}
	return nil
}

// ─── Profile ────────────────────────────────────────────────────────────────

type profileResponse struct {
	Profile *domain.Profile          `json:"profile"`
	Level   engagement.LevelProgress `json:"level"`
	Version int64                    `json:"version"`
}

func newProfileResponse(p *domain.Profile) profileResponse {
	return profileResponse{Profile: p, Level: engagement.ProgressForXP(p.XP), Version: p.Version}
}

func (s *Server) handleEnroll(w http.ResponseWriter, r *http.Request) {
	p, created, err := s.engine.Profiles.Enroll(r.Context(), chi.URLParam(r, "userID"), s.now())
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, newProfileResponse(p))
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	p, err := s.engine.Profiles.Get(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newProfileResponse(p))
}

func (s *Server) handleAdjust(w http.ResponseWriter, r *http.Request) {
	var adj engagement.Adjustment
	if err := decodeBody(r, &adj); err != nil {
		writeEngineError(w, r, err)
		return
	}
	p, err := s.engine.Profiles.Adjust(r.Context(), chi.URLParam(r, "userID"), adj, s.now())
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newProfileResponse(p))
}

// ─── Streaks ────────────────────────────────────────────────────────────────

func (s *Server) handleCheckIn(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Activity string `json:"activity"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeEngineError(w, r, err)
		return
	}
	res, err := s.engine.Streaks.CheckIn(r.Context(), chi.URLParam(r, "userID"), req.Activity, s.now())
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleFreeze(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.Streaks.UseFreezeToken(r.Context(), chi.URLParam(r, "userID"), s.now())
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ─── Rewards ────────────────────────────────────────────────────────────────

func (s *Server) handleSpin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RequestID string `json:"request_id"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeEngineError(w, r, err)
		return
	}
	if req.RequestID == "" {
		req.RequestID = r.Header.Get("Idempotency-Key")
	}
	res, err := s.engine.Rewards.Spin(r.Context(), chi.URLParam(r, "userID"), req.RequestID, s.now())
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	if res.Replayed {
		w.Header().Set("Idempotent-Replayed", "true")
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRewards(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
		limit = n
	}
	history, err := s.engine.Rewards.History(r.Context(), chi.URLParam(r, "userID"), limit)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

// ─── Quests ─────────────────────────────────────────────────────────────────

func (s *Server) handleGenerate(kind domain.QuestKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := chi.URLParam(r, "userID")
		var (
			list *engagement.QuestList
			err  error
		)
		if kind == domain.QuestWeekly {
			list, err = s.engine.Quests.GenerateWeeklyQuests(r.Context(), userID, s.now())
		} else {
			list, err = s.engine.Quests.GenerateDailyQuests(r.Context(), userID, s.now())
		}
		if err != nil {
			writeEngineError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, list)
	}
}

func (s *Server) handleListQuests(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var states []domain.QuestState
	for _, v := range strings.Split(q.Get("state"), ",") {
		if v = strings.TrimSpace(v); v != "" {
			states = append(states, domain.QuestState(v))
		}
	}
	list, err := s.engine.Quests.ListQuests(r.Context(), chi.URLParam(r, "userID"),
		domain.QuestKind(q.Get("kind")), states, s.now())
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Delta int `json:"delta"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeEngineError(w, r, err)
		return
	}
	res, err := s.engine.Quests.ReportProgress(r.Context(), chi.URLParam(r, "userID"),
		chi.URLParam(r, "questID"), req.Delta, s.now())
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.Quests.ClaimRewards(r.Context(), chi.URLParam(r, "userID"),
		chi.URLParam(r, "questID"), s.now())
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	if res.Replayed {
		w.Header().Set("Idempotent-Replayed", "true")
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Action string `json:"action"`
		Delta  *int   `json:"delta"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeEngineError(w, r, err)
		return
	}
	delta := 1
	if req.Delta != nil {
		delta = *req.Delta
	}
	list, err := s.engine.Quests.RecordAction(r.Context(), chi.URLParam(r, "userID"), req.Action, delta, s.now())
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// ─── Alerts & rules ─────────────────────────────────────────────────────────

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	list, err := s.engine.Alerts.ActiveAlerts(r.Context(), chi.URLParam(r, "userID"), s.now())
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

type rulesResponse struct {
	Version              string                    `json:"version"`
	CutoverMinutes       int                       `json:"cutover_minutes"`
	StartingFreezeTokens int                       `json:"starting_freeze_tokens"`
	Milestones           []int                     `json:"milestones"`
	PityThresholds       map[domain.Rarity]int     `json:"pity_thresholds"`
	Probabilities        map[domain.Rarity]float64 `json:"probabilities"`
}

func (s *Server) handleRules(w http.ResponseWriter, r *http.Request) {
	rl := s.engine.Rules()
	resp := rulesResponse{
		Version:              rl.Version,
		CutoverMinutes:       rl.CutoverMinutes,
		StartingFreezeTokens: rl.StartingFreezeTokens,
		Milestones:           make([]int, 0, len(rl.Milestones)),
		PityThresholds:       rl.Spin.PityThresholds,
		Probabilities:        rl.Spin.Probabilities,
	}
	for _, m := range rl.Milestones {
		resp.Milestones = append(resp.Milestones, m.Days)
	}
	sort.Ints(resp.Milestones)
	writeJSON(w, http.StatusOK, resp)
}
