package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ambulink/ambulink/internal/notifications"
)

// NotificationsAPI handles notification endpoints
type NotificationsAPI struct {
	service *notifications.Service
}

// NewNotificationsAPI creates a new notifications API
func NewNotificationsAPI(service *notifications.Service) *NotificationsAPI {
	return &NotificationsAPI{service: service}
}

// RegisterRoutes mounts the notification routes on r
func (api *NotificationsAPI) RegisterRoutes(r chi.Router) {
	r.Get("/notifications", api.handleGetNotifications)
	r.Get("/notifications/stats", api.handleGetStats)
	r.Get("/notifications/{id}", api.handleGetNotification)
	r.Post("/notifications/{id}/dismiss", api.handleDismiss)
}

// handleGetNotifications returns notifications with optional filters
func (api *NotificationsAPI) handleGetNotifications(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := notifications.Filter{
		Category:       notifications.Category(q.Get("category")),
		IncludeExpired: q.Get("all") == "true",
	}
	if l := q.Get("limit"); l != "" {
		filter.Limit, _ = strconv.Atoi(l)
	}

	notifs := api.service.List(filter)
	if notifs == nil {
		notifs = []notifications.Notification{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"notifications": notifs,
		"count":         len(notifs),
	})
}

func (api *NotificationsAPI) handleGetNotification(w http.ResponseWriter, r *http.Request) {
	n, err := api.service.Get(chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, n)
}

func (api *NotificationsAPI) handleDismiss(w http.ResponseWriter, r *http.Request) {
	if err := api.service.Dismiss(chi.URLParam(r, "id")); err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"dismissed": true})
}

func (api *NotificationsAPI) handleGetStats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, api.service.Stats())
}
