package mailguard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 200
	apiCheckTimeout  = 3 * time.Second
)

// API is the admin HTTP interface over the blocked email store.
type API struct {
	Store     Store
	Inference Inference
	Log       logrus.FieldLogger
}

type listResponse struct {
	Emails     []BlockedEmail `json:"emails"`
	Total      int64          `json:"total"`
	Page       int            `json:"page"`
	Limit      int            `json:"limit"`
	TotalPages int64          `json:"total_pages"`
}

func (a *API) log() logrus.FieldLogger {
	if a.Log == nil {
		return logrus.StandardLogger()
	}
	return a.Log
}

func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/blocked-emails", a.list)
	mux.HandleFunc("DELETE /api/blocked-emails", a.deleteAll)
	mux.HandleFunc("GET /api/blocked-emails/{id}", a.get)
	mux.HandleFunc("DELETE /api/blocked-emails/{id}", a.delete)
	mux.HandleFunc("GET /api/stats", a.stats)
	mux.HandleFunc("GET /health", a.health)
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

func (a *API) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.log().WithError(err).Warn("write response")
	}
}

func (a *API) writeError(w http.ResponseWriter, code int, msg string) {
	a.writeJSON(w, code, map[string]string{"detail": msg})
}

func (a *API) internalError(w http.ResponseWriter, r *http.Request, err error) {
	a.log().WithError(err).WithField("path", r.URL.Path).Error("admin api error")
	a.writeError(w, http.StatusInternalServerError, "internal error")
}

// queryInt reads an optional integer query parameter within [lo, hi];
// hi <= 0 means unbounded.
func queryInt(r *http.Request, name string, def, lo, hi int) (int, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", name)
	}
	if n < lo || (hi > 0 && n > hi) {
		if hi > 0 {
			return 0, fmt.Errorf("%s must be between %d and %d", name, lo, hi)
		}
		return 0, fmt.Errorf("%s must be at least %d", name, lo)
	}
	return n, nil
}

func (a *API) list(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", defaultPageLimit, 1, maxPageLimit)
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	page, err := queryInt(r, "page", 1, 1, 0)
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx := r.Context()
	emails, err := a.Store.List(ctx, limit, (page-1)*limit)
	if err != nil {
		a.internalError(w, r, err)
		return
	}
	total, err := a.Store.Count(ctx)
	if err != nil {
		a.internalError(w, r, err)
		return
	}

	pages := int64(1)
	if total > 0 {
		pages = (total + int64(limit) - 1) / int64(limit)
	}

	a.writeJSON(w, http.StatusOK, listResponse{
		Emails:     emails,
		Total:      total,
		Page:       page,
		Limit:      limit,
		TotalPages: pages,
	})
}

func (a *API) get(w http.ResponseWriter, r *http.Request) {
	rec, err := a.Store.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, ErrNotFound) {
		a.writeError(w, http.StatusNotFound, "blocked email not found")
		return
	}
	if err != nil {
		a.internalError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, rec)
}

func (a *API) delete(w http.ResponseWriter, r *http.Request) {
	ok, err := a.Store.Delete(r.Context(), r.PathValue("id"))
	if err != nil {
		a.internalError(w, r, err)
		return
	}
	if !ok {
		a.writeError(w, http.StatusNotFound, "blocked email not found")
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]string{"message": "blocked email deleted"})
}

func (a *API) deleteAll(w http.ResponseWriter, r *http.Request) {
	n, err := a.Store.DeleteAll(r.Context())
	if err != nil {
		a.internalError(w, r, err)
		return
	}
	a.log().WithField("deleted", n).Info("blocked emails cleared")
	a.writeJSON(w, http.StatusOK, map[string]any{
		"message": "all blocked emails deleted",
		"deleted": n,
	})
}

func (a *API) stats(w http.ResponseWriter, r *http.Request) {
	n, err := a.Store.Count(r.Context())
	if err != nil {
		a.internalError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{
		"blocked_emails_count": n,
		"database_status":      checkStatus(r.Context(), a.Store.Ping),
	})
}

func (a *API) health(w http.ResponseWriter, r *http.Request) {
	resp := map[string]string{
		"database": checkStatus(r.Context(), a.Store.Ping),
	}
	if a.Inference != nil {
		resp["inference"] = checkStatus(r.Context(), a.Inference.Ping)
	}
	a.writeJSON(w, http.StatusOK, resp)
}

func checkStatus(ctx context.Context, ping func(context.Context) error) string {
	ctx, cancel := context.WithTimeout(ctx, apiCheckTimeout)
	defer cancel()
	if err := ping(ctx); err != nil {
		return "error"
	}
	return "ok"
}
