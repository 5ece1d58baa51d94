package api

import (
	"fmt"

	"github.com/wardenproject/warden/pkg/httputil"
	"github.com/wardenproject/warden/pkg/model"
)

// RequestorHeader carries the authenticated identity of the caller.
// Establishing that identity is the fronting proxy's job, not ours.
const RequestorHeader = "X-Warden-Requestor"

// objectPart is one level of an authorizable chain on the wire.
type objectPart struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

func parseChain(parts []objectPart) (model.Chain, error) {
	if len(parts) == 0 {
		return nil, fmt.Errorf("object chain must not be empty")
	}
	out := make([]model.Authorizable, 0, len(parts))
	for _, p := range parts {
		t, err := model.ParseObjectType(p.Type)
		if err != nil {
			return nil, err
		}
		out = append(out, model.Authorizable{Type: t, Name: p.Name})
	}
	chain := model.NewChain(out...)
	if err := chain.Validate(); err != nil {
		return nil, err
	}
	return chain, nil
}

// wirePrivilege is a privilege on the wire.
type wirePrivilege struct {
	Scope       string `json:"scope"`
	Server      string `json:"server"`
	Database    string `json:"database,omitempty"`
	Table       string `json:"table,omitempty"`
	Column      string `json:"column,omitempty"`
	URI         string `json:"uri,omitempty"`
	Action      string `json:"action"`
	GrantOption bool   `json:"grant_option,omitempty"`
	Synthesized bool   `json:"synthesized,omitempty"`
}

func (wp wirePrivilege) toModel() (model.Privilege, error) {
	scope, err := model.ParseObjectType(wp.Scope)
	if err != nil {
		return model.Privilege{}, err
	}
	action, err := model.ParseAction(wp.Action)
	if err != nil {
		return model.Privilege{}, err
	}
	p := model.Privilege{
		Scope:       scope,
		Server:      wp.Server,
		Database:    wp.Database,
		Table:       wp.Table,
		Column:      wp.Column,
		URI:         wp.URI,
		Action:      action,
		GrantOption: wp.GrantOption,
	}.Normalize()
	if err := p.Validate(); err != nil {
		return model.Privilege{}, err
	}
	return p, nil
}

func fromModel(p model.Privilege) wirePrivilege {
	return wirePrivilege{
		Scope:       p.Scope.String(),
		Server:      p.Server,
		Database:    p.Database,
		Table:       p.Table,
		Column:      p.Column,
		URI:         p.URI,
		Action:      string(p.Action),
		GrantOption: p.GrantOption,
		Synthesized: p.Synthesized,
	}
}

// principalRef identifies a user or role on the wire.
type principalRef struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

// waitSpec is embedded in read requests that want causal consistency with
// catalog ingestion.
type waitSpec struct {
	// MinNotificationID blocks the read until the notification counter
	// reaches this value.
	MinNotificationID int64 `json:"min_notification_id,omitempty"`
	// WaitTimeoutMS overrides the configured default.
	WaitTimeoutMS int64 `json:"wait_timeout_ms,omitempty"`
}

type decideRequest struct {
	Principal principalRef `json:"principal"`
	// Groups overrides resolver lookup when non-empty, for callers that
	// already know the membership.
	Groups []string     `json:"groups,omitempty"`
	Object []objectPart `json:"object"`
	Action string       `json:"action,omitempty"`
	waitSpec
}

type decideResponse struct {
	Status  httputil.Status `json:"status"`
	Allowed bool            `json:"allowed"`
	Admin   bool            `json:"admin,omitempty"`
}

type createRoleRequest struct {
	Name string `json:"name"`
}

type roleGroupsRequest struct {
	Groups []string `json:"groups"`
}

type privilegeBatchRequest struct {
	Privileges []wirePrivilege `json:"privileges"`
}

type rolesResponse struct {
	Status httputil.Status `json:"status"`
	Roles  []string        `json:"roles"`
}

type privilegesResponse struct {
	Status     httputil.Status `json:"status"`
	Privileges []wirePrivilege `json:"privileges"`
}

type eventRequest struct {
	ID       int64         `json:"id"`
	Type     string        `json:"type"`
	Server   string        `json:"server"`
	Database string        `json:"database"`
	Table    string        `json:"table,omitempty"`
	Owner    *principalRef `json:"owner,omitempty"`
}

type eventResponse struct {
	Status httputil.Status `json:"status"`
	LastID int64           `json:"last_id"`
}
