package model

import (
	"fmt"
	"strings"
)

// AllName is the reserved wildcard name meaning "any object at this level".
const AllName = "*"

// ObjectType identifies a level in the authorizable hierarchy. The ordering
// defines containment: a server contains databases, a database contains
// tables, a table contains columns. URI is an orthogonal kind attached at
// server scope.
type ObjectType int

const (
	Server ObjectType = iota
	Database
	Table
	Column
	URI
)

func (t ObjectType) String() string {
	switch t {
	case Server:
		return "SERVER"
	case Database:
		return "DATABASE"
	case Table:
		return "TABLE"
	case Column:
		return "COLUMN"
	case URI:
		return "URI"
	default:
		return fmt.Sprintf("ObjectType(%d)", int(t))
	}
}

// ParseObjectType parses an object type name, case-insensitively.
func ParseObjectType(s string) (ObjectType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "SERVER":
		return Server, nil
	case "DATABASE", "DB":
		return Database, nil
	case "TABLE":
		return Table, nil
	case "COLUMN":
		return Column, nil
	case "URI":
		return URI, nil
	default:
		return Server, fmt.Errorf("unknown object type %q", s)
	}
}

// Contains reports whether objects of type t contain objects of type other.
// URI participates in containment only under SERVER.
func (t ObjectType) Contains(other ObjectType) bool {
	if other == URI {
		return t == Server
	}
	if t == URI {
		return false
	}
	return t < other
}

// Authorizable is a single typed, named object in the hierarchy.
type Authorizable struct {
	Type ObjectType `json:"type"`
	Name string     `json:"name"`
}

// NewAuthorizable builds an authorizable with the name normalized. Database,
// table and column names are case-insensitive; server names and URIs are
// kept as given.
func NewAuthorizable(t ObjectType, name string) Authorizable {
	switch t {
	case Database, Table, Column:
		name = strings.ToLower(name)
	}
	return Authorizable{Type: t, Name: name}
}

func (a Authorizable) String() string {
	return a.Type.String() + "=" + a.Name
}

// Chain is the target of a request: an ordered path from SERVER down to the
// most specific level the request names. Levels below the last element are
// implicitly wildcards.
type Chain []Authorizable

// NewChain normalizes each element; see NewAuthorizable.
func NewChain(parts ...Authorizable) Chain {
	c := make(Chain, 0, len(parts))
	for _, p := range parts {
		c = append(c, NewAuthorizable(p.Type, p.Name))
	}
	return c
}

// Validate checks that the chain starts at SERVER and descends without
// skipping levels. A URI element may only follow the server element.
func (c Chain) Validate() error {
	if len(c) == 0 {
		return fmt.Errorf("empty authorizable chain")
	}
	if c[0].Type != Server {
		return fmt.Errorf("chain must start at SERVER, got %s", c[0].Type)
	}
	for i, a := range c {
		if a.Name == "" {
			return fmt.Errorf("chain element %s has empty name", a.Type)
		}
		if i == 0 {
			continue
		}
		if a.Type == URI {
			if i != 1 {
				return fmt.Errorf("URI must directly follow SERVER in a chain")
			}
			continue
		}
		if c[i-1].Type == URI {
			return fmt.Errorf("nothing may follow a URI element")
		}
		if a.Type != c[i-1].Type+1 {
			return fmt.Errorf("chain skips from %s to %s", c[i-1].Type, a.Type)
		}
	}
	return nil
}

// NameAt returns the requested name at the given hierarchy level, or AllName
// when the chain does not descend that far.
func (c Chain) NameAt(t ObjectType) string {
	for _, a := range c {
		if a.Type == t {
			return a.Name
		}
	}
	return AllName
}

// Depth returns the most specific level the chain names.
func (c Chain) Depth() ObjectType {
	return c[len(c)-1].Type
}

func (c Chain) String() string {
	parts := make([]string, 0, len(c))
	for _, a := range c {
		parts = append(parts, a.String())
	}
	return strings.Join(parts, "->")
}

// PrincipalType distinguishes users from roles.
type PrincipalType string

const (
	PrincipalUser PrincipalType = "USER"
	PrincipalRole PrincipalType = "ROLE"
)

// ParsePrincipalType parses a principal type name, case-insensitively.
func ParsePrincipalType(s string) (PrincipalType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "USER":
		return PrincipalUser, nil
	case "ROLE":
		return PrincipalRole, nil
	default:
		return "", fmt.Errorf("unknown principal type %q", s)
	}
}

// Principal is a user or role identity holding privileges.
type Principal struct {
	Type PrincipalType `json:"type"`
	Name string        `json:"name"`
}

func (p Principal) String() string {
	return string(p.Type) + ":" + p.Name
}

// Role is a named bundle of privileges. Users reach roles only through
// group membership; roles have no direct user association.
type Role struct {
	Name       string      `json:"name"`
	Privileges []Privilege `json:"privileges,omitempty"`
}

// GroupRoleLink associates a group name with a role name (many-to-many).
type GroupRoleLink struct {
	Group string `json:"group"`
	Role  string `json:"role"`
}
