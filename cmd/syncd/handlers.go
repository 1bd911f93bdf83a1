package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/omnifeed/omnifeed/internal/archive"
	"github.com/omnifeed/omnifeed/internal/auth"
	"github.com/omnifeed/omnifeed/internal/config"
	"github.com/omnifeed/omnifeed/internal/models"
	"github.com/omnifeed/omnifeed/internal/platform"
	"github.com/omnifeed/omnifeed/internal/scheduler"
	"github.com/omnifeed/omnifeed/internal/search"
	"github.com/omnifeed/omnifeed/internal/store"
	"github.com/omnifeed/omnifeed/internal/vault"
)

type application struct {
	config    *config.Config
	conns     store.ConnectionRepository
	posts     store.PostRepository
	notifs    store.NotificationRepository
	vault     vault.Vault
	registry  *platform.Registry
	poller    *scheduler.Poller
	refresher *scheduler.Refresher
	reindexer *search.Reindexer
	archiver  archive.Archiver
	metrics   *scheduler.Metrics
	verifier  *auth.Verifier
}

func (a *application) router() *mux.Router {
	router := mux.NewRouter()

	// Health and metrics stay open
	router.HandleFunc("/health", a.healthHandler).Methods("GET")
	router.HandleFunc("/metrics", a.metricsHandler).Methods("GET")

	api := router.PathPrefix("/").Subrouter()
	api.Use(a.verifier.Middleware)

	// Connection lifecycle events from the request-routing layer
	api.HandleFunc("/connections", a.connectHandler).Methods("POST")
	api.HandleFunc("/connections/{id}", a.disconnectHandler).Methods("DELETE")
	api.HandleFunc("/connections/{id}/archive", a.archiveHandler).Methods("GET")

	// Read-only query access to canonical entities
	api.HandleFunc("/users/{id}/posts", a.listPostsHandler).Methods("GET")
	api.HandleFunc("/users/{id}/notifications", a.listNotificationsHandler).Methods("GET")
	api.HandleFunc("/users/{id}/connections", a.listConnectionsHandler).Methods("GET")

	// Manual triggers
	api.HandleFunc("/trigger/poll", a.triggerPollHandler).Methods("POST")
	api.HandleFunc("/trigger/refresh", a.triggerRefreshHandler).Methods("POST")
	api.HandleFunc("/trigger/reindex", a.triggerReindexHandler).Methods("POST")

	return router
}

func (a *application) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"healthy","timestamp":"` + time.Now().Format(time.RFC3339) + `"}`))
}

func (a *application) metricsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(a.metrics.GetMetrics()))
}

type connectRequest struct {
	UserID          string     `json:"user_id"`
	Platform        string     `json:"platform"`
	RemoteAccountID string     `json:"remote_account_id"`
	RemoteHandle    string     `json:"remote_handle"`
	AccessToken     string     `json:"access_token"`
	RefreshToken    string     `json:"refresh_token,omitempty"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
}

// connectHandler records a successful OAuth exchange: it creates the
// connection, seals the tokens into the vault and registers the polling
// job.
func (a *application) connectHandler(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" || req.Platform == "" || req.AccessToken == "" {
		writeError(w, http.StatusBadRequest, "user_id, platform and access_token are required")
		return
	}
	if _, err := a.registry.Resolve(req.Platform); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "unsupported platform")
		return
	}

	conn := &models.PlatformConnection{
		UserID:          req.UserID,
		Platform:        req.Platform,
		RemoteAccountID: req.RemoteAccountID,
		RemoteHandle:    req.RemoteHandle,
		TokenExpiresAt:  req.ExpiresAt,
	}
	if err := a.conns.Create(r.Context(), conn); err != nil {
		logrus.Errorf("Failed to create connection: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to create connection")
		return
	}

	token := platform.Token{
		AccessToken:  req.AccessToken,
		RefreshToken: req.RefreshToken,
		ExpiresAt:    req.ExpiresAt,
	}
	if err := a.vault.Rotate(r.Context(), conn.ID, token); err != nil {
		logrus.Errorf("Failed to store credentials: %v", err)
		// A connection without credentials can never poll; do not leave the
		// row active.
		if dErr := a.conns.Deactivate(r.Context(), conn.ID); dErr != nil {
			logrus.Errorf("Failed to deactivate credential-less connection %s: %v", conn.ID, dErr)
		}
		writeError(w, http.StatusInternalServerError, "failed to store credentials")
		return
	}

	a.poller.Register(conn.ID)

	writeJSON(w, http.StatusCreated, conn)
}

// disconnectHandler handles a user-initiated disconnect: tokens are
// discarded, the polling job removed, the row deactivated and the archived
// raw payloads purged.
func (a *application) disconnectHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	conn, err := a.conns.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "connection not found")
			return
		}
		logrus.Errorf("Failed to load connection %s: %v", id, err)
		writeError(w, http.StatusInternalServerError, "failed to load connection")
		return
	}

	a.poller.Deregister(id)

	if err := a.vault.Revoke(r.Context(), id); err != nil && !errors.Is(err, vault.ErrNotFound) {
		logrus.Errorf("Failed to revoke credentials for %s: %v", id, err)
		writeError(w, http.StatusInternalServerError, "failed to revoke credentials")
		return
	}
	if err := a.conns.Deactivate(r.Context(), id); err != nil {
		logrus.Errorf("Failed to deactivate connection %s: %v", id, err)
		writeError(w, http.StatusInternalServerError, "failed to deactivate connection")
		return
	}

	// Raw payloads follow the connection's lifetime; purge is best-effort.
	go a.purgeArchive(conn.Platform, conn.ID)

	w.WriteHeader(http.StatusNoContent)
}

// purgeArchive removes every archived batch belonging to one connection.
func (a *application) purgeArchive(platformID, connectionID string) {
	prefix := archive.Prefix(platformID, connectionID)
	names, err := a.archiver.List(prefix)
	if err != nil {
		logrus.Errorf("Failed to list archived batches under %s: %v", prefix, err)
		return
	}
	for _, name := range names {
		if err := a.archiver.Delete(name); err != nil {
			logrus.Errorf("Failed to delete archived batch %s: %v", name, err)
		}
	}
	if len(names) > 0 {
		logrus.Infof("Purged %d archived batches for connection %s", len(names), connectionID)
	}
}

// archiveHandler lists a connection's archived raw batches, or returns one
// verbatim when ?name= is given.
func (a *application) archiveHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	conn, err := a.conns.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "connection not found")
			return
		}
		logrus.Errorf("Failed to load connection %s: %v", id, err)
		writeError(w, http.StatusInternalServerError, "failed to load connection")
		return
	}

	prefix := archive.Prefix(conn.Platform, conn.ID)

	if name := r.URL.Query().Get("name"); name != "" {
		if !strings.HasPrefix(name, prefix) {
			writeError(w, http.StatusBadRequest, "batch does not belong to this connection")
			return
		}
		data, err := a.archiver.Retrieve(name)
		if err != nil {
			logrus.Errorf("Failed to retrieve archived batch %s: %v", name, err)
			writeError(w, http.StatusInternalServerError, "failed to retrieve archived batch")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write(data)
		return
	}

	names, err := a.archiver.List(prefix)
	if err != nil {
		logrus.Errorf("Failed to list archived batches under %s: %v", prefix, err)
		writeError(w, http.StatusInternalServerError, "failed to list archived batches")
		return
	}
	if names == nil {
		names = []string{}
	}
	writeJSON(w, http.StatusOK, names)
}

func (a *application) listPostsHandler(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["id"]
	offset, limit := pagination(r)

	posts, err := a.posts.ListByUser(r.Context(), userID, offset, limit)
	if err != nil {
		logrus.Errorf("Failed to list posts: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to list posts")
		return
	}
	writeJSON(w, http.StatusOK, posts)
}

func (a *application) listNotificationsHandler(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["id"]
	offset, limit := pagination(r)

	notifs, err := a.notifs.ListByUser(r.Context(), userID, offset, limit)
	if err != nil {
		logrus.Errorf("Failed to list notifications: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to list notifications")
		return
	}
	writeJSON(w, http.StatusOK, notifs)
}

func (a *application) listConnectionsHandler(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["id"]

	conns, err := a.conns.ListByUser(r.Context(), userID)
	if err != nil {
		logrus.Errorf("Failed to list connections: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to list connections")
		return
	}
	writeJSON(w, http.StatusOK, conns)
}

func (a *application) triggerPollHandler(w http.ResponseWriter, r *http.Request) {
	go a.poller.RunTick()
	writeJSON(w, http.StatusOK, map[string]string{"message": "polling tick triggered"})
}

func (a *application) triggerRefreshHandler(w http.ResponseWriter, r *http.Request) {
	go func() {
		if err := a.refresher.RunScan(context.Background()); err != nil {
			logrus.Errorf("Manual refresh scan failed: %v", err)
		}
	}()
	writeJSON(w, http.StatusOK, map[string]string{"message": "refresh scan triggered"})
}

func (a *application) triggerReindexHandler(w http.ResponseWriter, r *http.Request) {
	go func() {
		n, err := a.reindexer.Reindex(context.Background())
		if err != nil {
			logrus.Errorf("Reindex failed after %d documents: %v", n, err)
		}
	}()
	writeJSON(w, http.StatusOK, map[string]string{"message": "reindex triggered"})
}

func pagination(r *http.Request) (offset, limit int) {
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return offset, limit
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.Errorf("Failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
