package model

import (
	"fmt"
	"strings"
)

// Action is a grantable operation.
type Action string

const (
	ActionSelect Action = "select"
	ActionInsert Action = "insert"
	ActionCreate Action = "create"
	ActionAlter  Action = "alter"
	ActionDrop   Action = "drop"
	ActionIndex  Action = "index"

	// ActionAll is a supertype implying every other action at a matching
	// scope. It is never expanded into persisted fine-grained actions;
	// policy that needs the members asks AllActions.
	ActionAll Action = "all"
)

// AllActions returns the fine-grained members that ActionAll implies.
func AllActions() []Action {
	return []Action{ActionSelect, ActionInsert, ActionCreate, ActionAlter, ActionDrop, ActionIndex}
}

// ParseAction parses an action name, case-insensitively. "*" is accepted as
// an alias for ALL, matching how the wildcard is written in grants.
func ParseAction(s string) (Action, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "select":
		return ActionSelect, nil
	case "insert":
		return ActionInsert, nil
	case "create":
		return ActionCreate, nil
	case "alter":
		return ActionAlter, nil
	case "drop":
		return ActionDrop, nil
	case "index":
		return ActionIndex, nil
	case "all", "*":
		return ActionAll, nil
	default:
		return "", fmt.Errorf("unknown action %q", s)
	}
}

func (a Action) String() string {
	return strings.ToUpper(string(a))
}

// Implications is the action-implication rule set: holding the key action
// satisfies a request for any of the listed actions at the holder's scope.
// ALL implying everything is built in and need not be listed.
type Implications map[Action][]Action

// Implies reports whether holding `held` satisfies a request for `requested`
// under these rules.
func (im Implications) Implies(held, requested Action) bool {
	if held == requested || held == ActionAll {
		return true
	}
	for _, a := range im[held] {
		if a == requested {
			return true
		}
	}
	return false
}
