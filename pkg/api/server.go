// Package api exposes the authorization service over HTTP: decision and
// visibility checks, role and privilege administration, privilege listings
// and catalog event ingestion. Every response carries the call-level status
// taxonomy; a denied decision is an OK response with allowed=false.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/wardenproject/warden/pkg/admission"
	"github.com/wardenproject/warden/pkg/counter"
	"github.com/wardenproject/warden/pkg/engine"
	"github.com/wardenproject/warden/pkg/groups"
	"github.com/wardenproject/warden/pkg/httputil"
	"github.com/wardenproject/warden/pkg/observability"
	"github.com/wardenproject/warden/pkg/ownersync"
	"github.com/wardenproject/warden/pkg/store"
)

// Server routes authorization requests to the engine, the admission
// controller and the owner synchronizer.
type Server struct {
	router      *mux.Router
	engine      *engine.Engine
	admission   *admission.Controller
	sync        *ownersync.Synchronizer
	resolver    groups.Resolver
	wait        *counter.Wait
	waitTimeout time.Duration
	logger      *observability.Logger
	metrics     *observability.Metrics
}

// NewServer wires the handlers. waitTimeout bounds min_notification_id
// waits unless the request overrides it. metrics may be nil.
func NewServer(eng *engine.Engine, adm *admission.Controller, sync *ownersync.Synchronizer, resolver groups.Resolver, wait *counter.Wait, waitTimeout time.Duration, logger *observability.Logger, metrics *observability.Metrics) *Server {
	s := &Server{
		router:      mux.NewRouter(),
		engine:      eng,
		admission:   adm,
		sync:        sync,
		resolver:    resolver,
		wait:        wait,
		waitTimeout: waitTimeout,
		logger:      logger,
		metrics:     metrics,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	v1 := s.router.PathPrefix("/v1").Subrouter()

	// Decision path
	v1.HandleFunc("/decide", s.decide).Methods("POST")
	v1.HandleFunc("/visible", s.decideVisible).Methods("POST")

	// Role administration
	v1.HandleFunc("/roles", s.createRole).Methods("POST")
	v1.HandleFunc("/roles", s.listRoles).Methods("GET")
	v1.HandleFunc("/roles/{role}", s.dropRole).Methods("DELETE")
	v1.HandleFunc("/roles/{role}/groups", s.addRoleToGroups).Methods("POST")
	v1.HandleFunc("/roles/{role}/groups/{group}", s.deleteRoleFromGroup).Methods("DELETE")

	// Privilege administration
	v1.HandleFunc("/roles/{role}/grants", s.grant).Methods("POST")
	v1.HandleFunc("/roles/{role}/revocations", s.revoke).Methods("POST")
	v1.HandleFunc("/roles/{role}/privileges", s.rolePrivileges).Methods("GET")
	v1.HandleFunc("/principals/{type}/{name}/privileges", s.principalPrivileges).Methods("GET")

	// Catalog ingestion
	v1.HandleFunc("/events", s.applyEvent).Methods("POST")
}

// Handler returns the full middleware-wrapped handler.
func (s *Server) Handler() http.Handler {
	return httputil.Chain(
		httputil.RequestIDMiddleware,
		httputil.LoggingMiddleware(s.logger),
		httputil.RecoveryMiddleware(s.logger),
	)(s.router)
}

// Router exposes the bare router for tests.
func (s *Server) Router() *mux.Router {
	return s.router
}

func requestor(r *http.Request) string {
	return r.Header.Get(RequestorHeader)
}

// writeError maps an error onto the status taxonomy.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	st := httputil.StatusInternalError
	switch {
	case errors.Is(err, engine.ErrInvalidInput),
		errors.Is(err, admission.ErrInvalidInput),
		errors.Is(err, ownersync.ErrMalformedEvent):
		st = httputil.StatusInvalidInput
	case errors.Is(err, admission.ErrAccessDenied),
		errors.Is(err, admission.ErrNotGrantable):
		st = httputil.StatusAccessDenied
	case errors.Is(err, store.ErrRoleNotFound):
		st = httputil.StatusNotFound
	case errors.Is(err, store.ErrRoleExists):
		st = httputil.StatusConflict
	case errors.Is(err, counter.ErrWaitTimeout):
		st = httputil.StatusTimeout
	}
	if st == httputil.StatusInternalError && s.logger != nil {
		s.logger.WithError(err).Error("request failed")
	}
	httputil.WriteStatus(w, st, err.Error())
}

// awaitNotification blocks until the notification counter reaches the
// requested watermark, converting asynchronous catalog ingestion into a
// causally consistent read.
func (s *Server) awaitNotification(ctx context.Context, spec waitSpec) error {
	if spec.MinNotificationID <= 0 {
		return nil
	}
	timeout := s.waitTimeout
	if spec.WaitTimeoutMS > 0 {
		timeout = time.Duration(spec.WaitTimeoutMS) * time.Millisecond
	}
	category := string(counter.Notification)
	if s.metrics != nil {
		s.metrics.WaitersActive.WithLabelValues(category).Inc()
		defer s.metrics.WaitersActive.WithLabelValues(category).Dec()
		start := time.Now()
		defer func() {
			s.metrics.WaitDuration.WithLabelValues(category).Observe(time.Since(start).Seconds())
		}()
	}
	_, err := s.wait.WaitFor(ctx, counter.Notification, spec.MinNotificationID, timeout)
	if s.metrics != nil && errors.Is(err, counter.ErrWaitTimeout) {
		s.metrics.WaitTimeouts.WithLabelValues(category).Inc()
	}
	return err
}
