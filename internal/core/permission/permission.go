package permission

import (
	"fmt"
	"sort"
	"strings"
)

type Feature string

const (
	FeatureBook        Feature = "Book"
	FeatureCategory    Feature = "Category"
	FeatureContributor Feature = "Contributor"
	FeaturePublisher   Feature = "Publisher"
	FeatureCheckout    Feature = "Checkout"
	FeatureAuditEntry  Feature = "AuditEntry"
	FeatureUser        Feature = "User"
	FeatureRole        Feature = "Role"
	FeaturePermission  Feature = "Permission"
)

type Action string

const (
	ActionCreate Action = "Create"
	ActionRead   Action = "Read"
	ActionUpdate Action = "Update"
	ActionDelete Action = "Delete"
)

var features = []Feature{
	FeatureBook,
	FeatureCategory,
	FeatureContributor,
	FeaturePublisher,
	FeatureCheckout,
	FeatureAuditEntry,
	FeatureUser,
	FeatureRole,
	FeaturePermission,
}

var actions = []Action{ActionCreate, ActionRead, ActionUpdate, ActionDelete}

func Features() []Feature {
	out := make([]Feature, len(features))
	copy(out, features)
	return out
}

func Actions() []Action {
	out := make([]Action, len(actions))
	copy(out, actions)
	return out
}

func (f Feature) Valid() bool {
	for _, known := range features {
		if f == known {
			return true
		}
	}
	return false
}

func (a Action) Valid() bool {
	for _, known := range actions {
		if a == known {
			return true
		}
	}
	return false
}

// Permission is a (feature, action) pair. It is comparable, so == is value equality.
type Permission struct {
	Feature Feature `json:"feature"`
	Action  Action  `json:"action"`
}

func New(feature Feature, action Action) Permission {
	return Permission{Feature: feature, Action: action}
}

// Code renders the permission as "<Feature>:<Action>".
func (p Permission) Code() string {
	return string(p.Feature) + ":" + string(p.Action)
}

func (p Permission) String() string {
	return p.Code()
}

func (p Permission) Valid() bool {
	return p.Feature.Valid() && p.Action.Valid()
}

// Parse is the inverse of Code. Unknown features or actions are rejected.
func Parse(code string) (Permission, error) {
	feature, action, ok := strings.Cut(code, ":")
	if !ok {
		return Permission{}, fmt.Errorf("permission code %q: expected Feature:Action", code)
	}
	p := Permission{Feature: Feature(feature), Action: Action(action)}
	if !p.Feature.Valid() {
		return Permission{}, fmt.Errorf("permission code %q: unknown feature %q", code, feature)
	}
	if !p.Action.Valid() {
		return Permission{}, fmt.Errorf("permission code %q: unknown action %q", code, action)
	}
	return p, nil
}

// All enumerates every feature/action combination.
func All() []Permission {
	out := make([]Permission, 0, len(features)*len(actions))
	for _, f := range features {
		for _, a := range actions {
			out = append(out, Permission{Feature: f, Action: a})
		}
	}
	return out
}

func Codes(perms []Permission) []string {
	out := make([]string, len(perms))
	for i, p := range perms {
		out[i] = p.Code()
	}
	return out
}

func Contains(perms []Permission, p Permission) bool {
	for _, candidate := range perms {
		if candidate == p {
			return true
		}
	}
	return false
}

type Set map[Permission]struct{}

func NewSet(perms ...Permission) Set {
	s := make(Set, len(perms))
	for _, p := range perms {
		s.Add(p)
	}
	return s
}

func (s Set) Add(p Permission) {
	s[p] = struct{}{}
}

func (s Set) Remove(p Permission) {
	delete(s, p)
}

func (s Set) Contains(p Permission) bool {
	_, ok := s[p]
	return ok
}

// Sorted returns the members ordered by code.
func (s Set) Sorted() []Permission {
	out := make([]Permission, 0, len(s))
	for p := range s {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Code() < out[j].Code()
	})
	return out
}
