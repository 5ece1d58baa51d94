package model

import (
	"fmt"
	"strings"
)

// Privilege is a grant of an action on a point in the hierarchy. Fields
// narrower than Scope are left empty and mean "any"; fields from SERVER down
// to Scope must be populated with no gaps.
//
// Synthesized marks owner privileges minted by the catalog synchronizer.
// Synthesized and explicit grants for the same (principal, object, action)
// are independent rows; revoking one never removes the other.
type Privilege struct {
	Scope       ObjectType `json:"scope"`
	Server      string     `json:"server"`
	Database    string     `json:"database,omitempty"`
	Table       string     `json:"table,omitempty"`
	Column      string     `json:"column,omitempty"`
	URI         string     `json:"uri,omitempty"`
	Action      Action     `json:"action"`
	GrantOption bool       `json:"grant_option"`
	Synthesized bool       `json:"synthesized,omitempty"`
}

// Normalize lowercases the case-insensitive name fields. URIs and server
// names are left as given.
func (p Privilege) Normalize() Privilege {
	p.Database = strings.ToLower(p.Database)
	p.Table = strings.ToLower(p.Table)
	p.Column = strings.ToLower(p.Column)
	p.Action = Action(strings.ToLower(string(p.Action)))
	return p
}

// Validate enforces the contiguity invariant: names populated from SERVER
// down to Scope, nothing below it, and a known action.
func (p Privilege) Validate() error {
	if _, err := ParseAction(string(p.Action)); err != nil {
		return err
	}
	if p.Server == "" {
		return fmt.Errorf("privilege has no server")
	}
	if p.Scope == URI {
		if p.URI == "" {
			return fmt.Errorf("URI privilege has no uri")
		}
		if p.Database != "" || p.Table != "" || p.Column != "" {
			return fmt.Errorf("URI privilege must not name database objects")
		}
		return nil
	}
	if p.URI != "" {
		return fmt.Errorf("uri set on a %s-scoped privilege", p.Scope)
	}
	levels := []struct {
		t    ObjectType
		name string
	}{
		{Database, p.Database},
		{Table, p.Table},
		{Column, p.Column},
	}
	for _, l := range levels {
		switch {
		case l.t <= p.Scope && l.name == "":
			return fmt.Errorf("%s privilege is missing the %s name", p.Scope, l.t)
		case l.t > p.Scope && l.name != "":
			return fmt.Errorf("%s privilege must not name a %s", p.Scope, l.t)
		}
	}
	return nil
}

// nameAt returns the privilege's name at a hierarchy level, AllName above or
// below what it populates.
func (p Privilege) nameAt(t ObjectType) string {
	switch t {
	case Server:
		return p.Server
	case Database:
		return p.Database
	case Table:
		return p.Table
	case Column:
		return p.Column
	default:
		return AllName
	}
}

// AppliesTo reports whether the privilege's hierarchy covers the requested
// chain: at every level from SERVER down to the privilege's scope, its name
// equals the chain's name at that level or is the wildcard. Action matching
// is the caller's concern.
func (p Privilege) AppliesTo(chain Chain) bool {
	if p.Scope == URI {
		if p.Server != chain.NameAt(Server) {
			return false
		}
		requested := chain.NameAt(URI)
		return requested != AllName && uriCovers(p.URI, requested)
	}
	// A privilege naming database objects cannot cover a URI request; a
	// SERVER-scoped privilege compares only the server level and covers
	// everything under it, URIs included.
	if chain.NameAt(URI) != AllName && p.Scope > Server {
		return false
	}
	for t := Server; t <= p.Scope; t++ {
		have := p.nameAt(t)
		if have != AllName && have != chain.NameAt(t) {
			return false
		}
	}
	return true
}

// CoversOrWithin is the relaxed form used for metadata visibility: true when
// the privilege lies on the chain, an ancestor of it, or a descendant of it.
// Only the levels both sides actually name are compared.
func (p Privilege) CoversOrWithin(chain Chain) bool {
	if p.Scope == URI || chain.NameAt(URI) != AllName {
		return p.AppliesTo(chain)
	}
	depth := chain.Depth()
	if p.Scope < depth {
		depth = p.Scope
	}
	for t := Server; t <= depth; t++ {
		have := p.nameAt(t)
		want := chain.NameAt(t)
		if have != AllName && want != AllName && have != want {
			return false
		}
	}
	return true
}

// ObjectChain returns the chain of the object the privilege is scoped to.
func (p Privilege) ObjectChain() Chain {
	c := Chain{{Type: Server, Name: p.Server}}
	if p.Scope == URI {
		return append(c, Authorizable{Type: URI, Name: p.URI})
	}
	if p.Scope >= Database {
		c = append(c, Authorizable{Type: Database, Name: p.Database})
	}
	if p.Scope >= Table {
		c = append(c, Authorizable{Type: Table, Name: p.Table})
	}
	if p.Scope >= Column {
		c = append(c, Authorizable{Type: Column, Name: p.Column})
	}
	return c
}

func (p Privilege) String() string {
	var b strings.Builder
	b.WriteString(p.Scope.String())
	b.WriteString("[")
	b.WriteString(p.ObjectChain().String())
	b.WriteString("]=")
	b.WriteString(p.Action.String())
	if p.GrantOption {
		b.WriteString("+grant")
	}
	if p.Synthesized {
		b.WriteString("(owner)")
	}
	return b.String()
}

// uriCovers reports whether a granted URI covers a requested one: equality
// or a path-boundary prefix.
func uriCovers(granted, requested string) bool {
	if granted == AllName || granted == requested {
		return true
	}
	granted = strings.TrimSuffix(granted, "/")
	return strings.HasPrefix(requested, granted+"/")
}

// NewOwnerPrivilege builds the synthesized ALL privilege mirroring catalog
// ownership of a database or table.
func NewOwnerPrivilege(object Chain, withGrant bool) (Privilege, error) {
	if err := object.Validate(); err != nil {
		return Privilege{}, err
	}
	depth := object.Depth()
	if depth != Database && depth != Table {
		return Privilege{}, fmt.Errorf("owner privileges apply to databases and tables, not %s", depth)
	}
	p := Privilege{
		Scope:       depth,
		Server:      object.NameAt(Server),
		Database:    object.NameAt(Database),
		Action:      ActionAll,
		GrantOption: withGrant,
		Synthesized: true,
	}
	if depth == Table {
		p.Table = object.NameAt(Table)
	}
	return p.Normalize(), nil
}
