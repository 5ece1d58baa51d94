// Package policy holds the product-policy knobs of the authorization engine:
// the admin group set, the grantable-action allow-list, the metadata
// visibility-eligibility table and the action-implication rules. The values
// live in a versionable YAML file rather than in code so policy can evolve
// without touching the matching algorithm.
package policy

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/wardenproject/warden/pkg/model"
)

// Policy is an immutable snapshot of the configured rules. Callers obtain it
// from a Manager and must not mutate it.
type Policy struct {
	// AdminGroups short-circuit every decision to Allow.
	AdminGroups map[string]bool

	// GrantableActions is the allow-list checked by grant admission.
	GrantableActions map[model.Action]bool

	// Visibility lists, per scope, the actions that confer metadata
	// visibility. A privilege with action ALL is eligible when any listed
	// action is.
	Visibility map[model.ObjectType][]model.Action

	// Implications extends action matching beyond ALL-implies-everything.
	Implications model.Implications

	// StaticGroups backs the static group resolver: username to groups.
	StaticGroups map[string][]string
}

// Default returns the built-in policy: every action grantable, and the
// visibility table observed in production behavior — INSERT at database
// scope and CREATE at table scope do not confer visibility, columns are
// visible through SELECT only, any action on a URI makes that URI visible.
func Default() *Policy {
	grantable := map[model.Action]bool{model.ActionAll: true}
	for _, a := range model.AllActions() {
		grantable[a] = true
	}
	return &Policy{
		AdminGroups:      map[string]bool{},
		GrantableActions: grantable,
		Visibility: map[model.ObjectType][]model.Action{
			model.Server:   {model.ActionSelect, model.ActionInsert, model.ActionCreate, model.ActionAlter, model.ActionDrop, model.ActionIndex},
			model.Database: {model.ActionSelect, model.ActionCreate, model.ActionAlter, model.ActionDrop, model.ActionIndex},
			model.Table:    {model.ActionSelect, model.ActionInsert, model.ActionAlter, model.ActionDrop, model.ActionIndex},
			model.Column:   {model.ActionSelect},
			model.URI:      {model.ActionSelect, model.ActionInsert, model.ActionCreate, model.ActionAlter, model.ActionDrop, model.ActionIndex},
		},
		Implications: model.Implications{},
		StaticGroups: map[string][]string{},
	}
}

// IsAdminGroup reports whether any of the given groups is an admin group.
func (p *Policy) IsAdminGroup(groups []string) bool {
	for _, g := range groups {
		if p.AdminGroups[g] {
			return true
		}
	}
	return false
}

// Grantable reports whether an action may appear in an explicit grant.
func (p *Policy) Grantable(a model.Action) bool {
	return p.GrantableActions[a]
}

// DisallowedActions returns the actions from the batch that the allow-list
// rejects, deduplicated and sorted for a stable error message.
func (p *Policy) DisallowedActions(privs []model.Privilege) []model.Action {
	seen := map[model.Action]bool{}
	var out []model.Action
	for _, priv := range privs {
		a := model.Action(strings.ToLower(string(priv.Action)))
		if !p.Grantable(a) && !seen[a] {
			seen[a] = true
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// VisibilityEligible reports whether a privilege of the given scope and
// action confers metadata visibility. ALL is treated as implying its
// members, never as a fine-grained action of its own.
func (p *Policy) VisibilityEligible(scope model.ObjectType, action model.Action) bool {
	eligible := p.Visibility[scope]
	if action == model.ActionAll {
		return len(eligible) > 0
	}
	for _, a := range eligible {
		if a == action {
			return true
		}
	}
	return false
}

// file is the YAML shape of a policy file. Sections left out fall back to
// the defaults.
type file struct {
	AdminGroups      []string            `yaml:"admin_groups"`
	GrantableActions []string            `yaml:"grantable_actions"`
	Visibility       map[string][]string `yaml:"visibility"`
	Implications     map[string][]string `yaml:"implications"`
	StaticGroups     map[string][]string `yaml:"static_groups"`
}

// Parse decodes a YAML policy document, layered over Default.
func Parse(data []byte) (*Policy, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("malformed policy file: %w", err)
	}

	p := Default()
	for _, g := range f.AdminGroups {
		p.AdminGroups[g] = true
	}
	if f.GrantableActions != nil {
		p.GrantableActions = make(map[model.Action]bool, len(f.GrantableActions))
		for _, s := range f.GrantableActions {
			a, err := model.ParseAction(s)
			if err != nil {
				return nil, fmt.Errorf("grantable_actions: %w", err)
			}
			p.GrantableActions[a] = true
		}
	}
	if f.Visibility != nil {
		p.Visibility = make(map[model.ObjectType][]model.Action, len(f.Visibility))
		for scope, actions := range f.Visibility {
			t, err := model.ParseObjectType(scope)
			if err != nil {
				return nil, fmt.Errorf("visibility: %w", err)
			}
			parsed, err := parseActions(actions)
			if err != nil {
				return nil, fmt.Errorf("visibility[%s]: %w", scope, err)
			}
			p.Visibility[t] = parsed
		}
	}
	for held, implied := range f.Implications {
		h, err := model.ParseAction(held)
		if err != nil {
			return nil, fmt.Errorf("implications: %w", err)
		}
		parsed, err := parseActions(implied)
		if err != nil {
			return nil, fmt.Errorf("implications[%s]: %w", held, err)
		}
		p.Implications[h] = parsed
	}
	for user, groups := range f.StaticGroups {
		p.StaticGroups[user] = append([]string(nil), groups...)
	}
	return p, nil
}

// Load reads and parses a policy file from disk.
func Load(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	return Parse(data)
}

func parseActions(in []string) ([]model.Action, error) {
	out := make([]model.Action, 0, len(in))
	for _, s := range in {
		a, err := model.ParseAction(s)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}
