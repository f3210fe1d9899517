package main

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skipor/evictor"
	"github.com/skipor/evictor/log"
)

type handler struct {
	log      log.Logger
	ev       evictor.Evictor
	accounts *accounts
}

func newRouter(h *handler, gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Get("/health", h.health)
	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	r.Route("/accounts", func(r chi.Router) {
		r.Get("/", h.wrap(h.list))
		r.Put("/{name}", h.wrap(h.create))
		r.Get("/{name}", h.wrap(h.get))
		r.Delete("/{name}", h.wrap(h.destroy))
		r.Post("/{name}/deposit", h.wrap(h.deposit))
		r.Post("/{name}/transfer", h.wrap(h.transfer))
		r.Post("/{name}/keep", h.wrap(h.keep))
		r.Post("/{name}/release", h.wrap(h.release))
	})
	r.Route("/admin", func(r chi.Router) {
		r.Post("/save", h.wrap(h.save))
		r.Put("/size", h.wrap(h.setSize))
	})
	return r
}

type httpError struct {
	status int
	msg    string
}

func (e *httpError) Error() string { return e.msg }

func badRequest(msg string) error { return &httpError{http.StatusBadRequest, msg} }

type handlerFunc func(w http.ResponseWriter, r *http.Request) error

func (h *handler) wrap(f handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := f(w, r); err != nil {
			h.writeError(w, r, err)
		}
	}
}

type errorResponse struct {
	Error     string `json:"error"`
	Retryable bool   `json:"retryable,omitempty"`
}

func (h *handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	var he *httpError
	switch {
	case errors.As(err, &he):
		status = he.status
	case evictor.IsNotFound(err):
		status = http.StatusNotFound
	case errors.Is(err, evictor.ErrAlreadyExists):
		status = http.StatusConflict
	case errors.Is(err, ErrInsufficientFunds):
		status = http.StatusUnprocessableEntity
	case evictor.IsRetryable(err), errors.Is(err, evictor.ErrDeactivated):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		h.log.Errorf("%s %s: %v", r.Method, r.URL.Path, err)
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Retryable: evictor.IsRetryable(err)})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return badRequest("invalid json: " + err.Error())
	}
	return nil
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type accountDTO struct {
	Name    string `json:"name"`
	Owner   string `json:"owner,omitempty"`
	Balance int64  `json:"balance"`
}

func (h *handler) create(w http.ResponseWriter, r *http.Request) error {
	var req accountDTO
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	name := chi.URLParam(r, "name")
	err := h.accounts.create(r.Context(), name, req.Owner, req.Balance)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusCreated, accountDTO{Name: name, Owner: req.Owner, Balance: req.Balance})
	return nil
}

func (h *handler) get(w http.ResponseWriter, r *http.Request) error {
	name := chi.URLParam(r, "name")
	owner, balance, err := h.accounts.get(r.Context(), name)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, accountDTO{Name: name, Owner: owner, Balance: balance})
	return nil
}

func (h *handler) destroy(w http.ResponseWriter, r *http.Request) error {
	err := h.ev.DestroyObject(r.Context(), accountID(chi.URLParam(r, "name")))
	if err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

type amountRequest struct {
	Amount int64  `json:"amount"`
	To     string `json:"to,omitempty"`
}

func (h *handler) deposit(w http.ResponseWriter, r *http.Request) error {
	var req amountRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	name := chi.URLParam(r, "name")
	if err := h.accounts.deposit(r.Context(), name, req.Amount); err != nil {
		return err
	}
	return h.get(w, r)
}

func (h *handler) transfer(w http.ResponseWriter, r *http.Request) error {
	var req amountRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	if req.To == "" {
		return badRequest("empty transfer destination")
	}
	if err := h.accounts.transfer(r.Context(), chi.URLParam(r, "name"), req.To, req.Amount); err != nil {
		return err
	}
	return h.get(w, r)
}

// list returns accounts of owner, or all account names if owner is not set.
func (h *handler) list(w http.ResponseWriter, r *http.Request) error {
	limit, err := queryInt(r, "limit")
	if err != nil {
		return err
	}
	var names []string
	if owner := r.URL.Query().Get("owner"); owner != "" {
		names, err = h.accounts.byOwner(r.Context(), owner, limit)
	} else {
		names, err = h.allNames(r.Context(), limit)
	}
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string][]string{"names": names})
	return nil
}

func (h *handler) allNames(ctx context.Context, limit int) (names []string, err error) {
	it, err := h.ev.Iterator(ctx, accountCategory, 0)
	if err != nil {
		return
	}
	for it.Next() && (limit <= 0 || len(names) < limit) {
		names = append(names, it.Identity().Name)
	}
	err = it.Err()
	return
}

func (h *handler) keep(w http.ResponseWriter, r *http.Request) error {
	if err := h.ev.Keep(accountID(chi.URLParam(r, "name"))); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (h *handler) release(w http.ResponseWriter, r *http.Request) error {
	if err := h.ev.Release(accountID(chi.URLParam(r, "name"))); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (h *handler) save(w http.ResponseWriter, _ *http.Request) error {
	bs, ok := h.ev.(*evictor.BackgroundSaveEvictor)
	if !ok {
		return badRequest("save is supported in background save mode only")
	}
	if err := bs.SaveNow(); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (h *handler) setSize(w http.ResponseWriter, r *http.Request) error {
	var req struct {
		Size int `json:"size"`
	}
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	if req.Size < 0 {
		return badRequest("negative size")
	}
	if err := h.ev.SetSize(req.Size); err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, req)
	return nil
}

func queryInt(r *http.Request, name string) (int, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, badRequest("invalid " + name)
	}
	return v, nil
}
