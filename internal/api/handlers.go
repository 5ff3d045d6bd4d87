package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/statch/gitbot-sub000/internal/feed"
	"github.com/statch/gitbot-sub000/internal/storage"
)

type healthResponse struct {
	Status   string          `json:"status"`
	Uptime   string          `json:"uptime"`
	Worker   string          `json:"worker"`
	LastTick *feed.TickStats `json:"last_tick,omitempty"`
}

// feedView is the public form of a feed item; the webhook suffix is a
// credential and is never returned.
type feedView struct {
	ChannelID int64                      `json:"channel_id,string"`
	Mention   storage.Mention            `json:"mention"`
	Repos     []storage.RepoSubscription `json:"repos"`
}

type addFeedRequest struct {
	ChannelID int64            `json:"channel_id,string"`
	Repo      string           `json:"repo"`
	Mention   *storage.Mention `json:"mention"`
}

type backlogRequest struct {
	Repo  string `json:"repo"`
	Count int    `json:"count"`
}

type localeRequest struct {
	Locale string `json:"locale"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{
		Status: "ok",
		Uptime: time.Since(s.start).Round(time.Second).String(),
		Worker: "disabled",
	}
	if s.worker != nil {
		resp.Worker = s.worker.State().String()
		resp.LastTick = s.worker.LastTick()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListFeeds(w http.ResponseWriter, r *http.Request) {
	guildID, ok := pathID(w, r, "guildID")
	if !ok {
		return
	}

	items, err := s.subs.ListSubscriptions(r.Context(), guildID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	views := make([]feedView, 0, len(items))
	for _, item := range items {
		views = append(views, feedView{ChannelID: item.ChannelID, Mention: item.Mention, Repos: item.Repos})
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleAddFeed(w http.ResponseWriter, r *http.Request) {
	guildID, ok := pathID(w, r, "guildID")
	if !ok {
		return
	}

	var req addFeedRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ChannelID <= 0 || req.Repo == "" {
		writeError(w, http.StatusBadRequest, "channel_id and repo are required")
		return
	}

	name, err := s.subs.AddSubscription(r.Context(), guildID, req.ChannelID, req.Repo, req.Mention)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"repo": name})
}

func (s *Server) handleRemoveRepo(w http.ResponseWriter, r *http.Request) {
	guildID, ok := pathID(w, r, "guildID")
	if !ok {
		return
	}
	channelID, ok := pathID(w, r, "channelID")
	if !ok {
		return
	}

	repo := chi.URLParam(r, "owner") + "/" + chi.URLParam(r, "name")
	if err := s.subs.RemoveSubscription(r.Context(), guildID, channelID, repo); err != nil {
		s.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleBacklog(w http.ResponseWriter, r *http.Request) {
	guildID, ok := pathID(w, r, "guildID")
	if !ok {
		return
	}
	channelID, ok := pathID(w, r, "channelID")
	if !ok {
		return
	}

	var req backlogRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if err := s.subs.RequestBacklog(r.Context(), guildID, channelID, req.Repo, req.Count); err != nil {
		s.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleSetLocale(w http.ResponseWriter, r *http.Request) {
	guildID, ok := pathID(w, r, "guildID")
	if !ok {
		return
	}

	var req localeRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if err := s.subs.SetLocale(r.Context(), guildID, req.Locale); err != nil {
		s.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, feed.ErrAlreadyExists):
		status = http.StatusConflict
	case errors.Is(err, feed.ErrInvalidRepo),
		errors.Is(err, feed.ErrInvalidBacklogSize),
		errors.Is(err, feed.ErrUnknownLocale):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, feed.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, feed.ErrThrottled):
		status = http.StatusTooManyRequests
	case errors.Is(err, feed.ErrMaxFeedsReached):
		status = http.StatusBadRequest
	}

	if status == http.StatusInternalServerError {
		s.log.Error().Err(err).Msg("API request failed")
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}

func pathID(w http.ResponseWriter, r *http.Request, param string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, param), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid "+param)
		return 0, false
	}
	return id, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
