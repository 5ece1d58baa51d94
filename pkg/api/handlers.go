package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/wardenproject/warden/pkg/engine"
	"github.com/wardenproject/warden/pkg/httputil"
	"github.com/wardenproject/warden/pkg/model"
	"github.com/wardenproject/warden/pkg/ownersync"
)

func (s *Server) decide(w http.ResponseWriter, r *http.Request) {
	var req decideRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	principal, memberOf, chain, err := s.subject(r, req.Principal, req.Groups, req.Object)
	if err != nil {
		s.writeError(w, err)
		return
	}
	action, err := model.ParseAction(req.Action)
	if err != nil {
		httputil.WriteStatus(w, httputil.StatusInvalidInput, err.Error())
		return
	}
	if err := s.awaitNotification(r.Context(), req.waitSpec); err != nil {
		s.writeError(w, err)
		return
	}

	d, err := s.engine.Decide(r.Context(), principal, memberOf, chain, action)
	if err != nil {
		s.writeError(w, err)
		return
	}
	httputil.WriteOK(w, decideResponse{Status: httputil.StatusOK, Allowed: d.Allowed, Admin: d.Admin})
}

func (s *Server) decideVisible(w http.ResponseWriter, r *http.Request) {
	var req decideRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	principal, memberOf, chain, err := s.subject(r, req.Principal, req.Groups, req.Object)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.awaitNotification(r.Context(), req.waitSpec); err != nil {
		s.writeError(w, err)
		return
	}

	d, err := s.engine.DecideVisible(r.Context(), principal, memberOf, chain)
	if err != nil {
		s.writeError(w, err)
		return
	}
	httputil.WriteOK(w, decideResponse{Status: httputil.StatusOK, Allowed: d.Allowed, Admin: d.Admin})
}

// subject assembles the decision inputs: the principal, its groups
// (resolver-backed for users unless the request named them) and the object
// chain.
func (s *Server) subject(r *http.Request, ref principalRef, memberOf []string, object []objectPart) (model.Principal, []string, model.Chain, error) {
	ptype, err := model.ParsePrincipalType(ref.Type)
	if err != nil {
		return model.Principal{}, nil, nil, invalidInput(err)
	}
	principal := model.Principal{Type: ptype, Name: ref.Name}
	if principal.Name == "" {
		return model.Principal{}, nil, nil, invalidInput(fmt.Errorf("principalName parameter must not be null"))
	}

	chain, err := parseChain(object)
	if err != nil {
		return model.Principal{}, nil, nil, invalidInput(err)
	}

	if len(memberOf) == 0 && ptype == model.PrincipalUser {
		memberOf, err = s.resolver.Groups(r.Context(), principal.Name)
		if err != nil {
			return model.Principal{}, nil, nil, fmt.Errorf("resolve groups: %w", err)
		}
	}
	return principal, memberOf, chain, nil
}

func (s *Server) createRole(w http.ResponseWriter, r *http.Request) {
	var req createRoleRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if err := s.admission.CreateRole(r.Context(), requestor(r), req.Name); err != nil {
		s.writeError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, httputil.Response{Status: httputil.StatusOK})
}

func (s *Server) listRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := s.admission.ListRoles(r.Context(), requestor(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	httputil.WriteOK(w, rolesResponse{Status: httputil.StatusOK, Roles: roles})
}

func (s *Server) dropRole(w http.ResponseWriter, r *http.Request) {
	role := mux.Vars(r)["role"]
	if err := s.admission.DropRole(r.Context(), requestor(r), role); err != nil {
		s.writeError(w, err)
		return
	}
	httputil.WriteStatus(w, httputil.StatusOK, "")
}

func (s *Server) addRoleToGroups(w http.ResponseWriter, r *http.Request) {
	var req roleGroupsRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	role := mux.Vars(r)["role"]
	if err := s.admission.AddRoleToGroups(r.Context(), requestor(r), role, req.Groups); err != nil {
		s.writeError(w, err)
		return
	}
	httputil.WriteStatus(w, httputil.StatusOK, "")
}

func (s *Server) deleteRoleFromGroup(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := s.admission.DeleteRoleFromGroups(r.Context(), requestor(r), vars["role"], []string{vars["group"]}); err != nil {
		s.writeError(w, err)
		return
	}
	httputil.WriteStatus(w, httputil.StatusOK, "")
}

func (s *Server) grant(w http.ResponseWriter, r *http.Request) {
	s.applyBatch(w, r, s.admission.ApplyGrant)
}

func (s *Server) revoke(w http.ResponseWriter, r *http.Request) {
	s.applyBatch(w, r, s.admission.ApplyRevoke)
}

func (s *Server) applyBatch(w http.ResponseWriter, r *http.Request, apply func(ctx context.Context, requestor, role string, privs []model.Privilege) error) {
	var req privilegeBatchRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	privs := make([]model.Privilege, 0, len(req.Privileges))
	for _, wp := range req.Privileges {
		p, err := wp.toModel()
		if err != nil {
			httputil.WriteStatus(w, httputil.StatusInvalidInput, err.Error())
			return
		}
		privs = append(privs, p)
	}

	role := mux.Vars(r)["role"]
	if err := apply(r.Context(), requestor(r), role, privs); err != nil {
		s.writeError(w, err)
		return
	}
	httputil.WriteStatus(w, httputil.StatusOK, "")
}

func (s *Server) rolePrivileges(w http.ResponseWriter, r *http.Request) {
	role := mux.Vars(r)["role"]
	privs, err := s.admission.RolePrivileges(r.Context(), requestor(r), role)
	if err != nil {
		s.writeError(w, err)
		return
	}
	httputil.WriteOK(w, privilegesResponse{Status: httputil.StatusOK, Privileges: wirePrivileges(privs)})
}

// principalPrivileges lists everything a principal holds, directly plus
// through group-linked roles. min_notification_id may be passed as a query
// parameter to wait for catalog ingestion first.
func (s *Server) principalPrivileges(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	ptype, err := model.ParsePrincipalType(vars["type"])
	if err != nil {
		httputil.WriteStatus(w, httputil.StatusInvalidInput, err.Error())
		return
	}
	principal := model.Principal{Type: ptype, Name: vars["name"]}

	spec, err := waitSpecFromQuery(r)
	if err != nil {
		httputil.WriteStatus(w, httputil.StatusInvalidInput, err.Error())
		return
	}
	if err := s.awaitNotification(r.Context(), spec); err != nil {
		s.writeError(w, err)
		return
	}

	var memberOf []string
	if ptype == model.PrincipalUser {
		memberOf, err = s.resolver.Groups(r.Context(), principal.Name)
		if err != nil {
			s.writeError(w, err)
			return
		}
	}
	privs, err := s.engine.HeldPrivileges(r.Context(), principal, memberOf)
	if err != nil {
		s.writeError(w, err)
		return
	}
	httputil.WriteOK(w, privilegesResponse{Status: httputil.StatusOK, Privileges: wirePrivileges(privs)})
}

// applyEvent ingests one catalog event synchronously, an alternative to
// the redis feed for deployments that push over HTTP.
func (s *Server) applyEvent(w http.ResponseWriter, r *http.Request) {
	var req eventRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	ev := ownersync.Event{
		ID:       req.ID,
		Type:     ownersync.EventType(req.Type),
		Server:   req.Server,
		Database: req.Database,
		Table:    req.Table,
	}
	if req.Owner != nil {
		ptype, err := model.ParsePrincipalType(req.Owner.Type)
		if err != nil {
			httputil.WriteStatus(w, httputil.StatusInvalidInput, err.Error())
			return
		}
		ev.OwnerType = ptype
		ev.OwnerName = req.Owner.Name
	}

	if err := s.sync.Apply(r.Context(), ev); err != nil {
		s.writeError(w, err)
		return
	}
	httputil.WriteOK(w, eventResponse{Status: httputil.StatusOK, LastID: s.sync.LastID()})
}

func wirePrivileges(privs []model.Privilege) []wirePrivilege {
	out := make([]wirePrivilege, 0, len(privs))
	for _, p := range privs {
		out = append(out, fromModel(p))
	}
	return out
}

func waitSpecFromQuery(r *http.Request) (waitSpec, error) {
	var spec waitSpec
	if v := r.URL.Query().Get("min_notification_id"); v != "" {
		if _, err := fmt.Sscanf(v, "%d", &spec.MinNotificationID); err != nil {
			return waitSpec{}, fmt.Errorf("invalid min_notification_id %q", v)
		}
	}
	if v := r.URL.Query().Get("wait_timeout_ms"); v != "" {
		if _, err := fmt.Sscanf(v, "%d", &spec.WaitTimeoutMS); err != nil {
			return waitSpec{}, fmt.Errorf("invalid wait_timeout_ms %q", v)
		}
	}
	return spec, nil
}

func invalidInput(err error) error {
	return fmt.Errorf("%w: %v", engine.ErrInvalidInput, err)
}
