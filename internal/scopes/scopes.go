package scopes

import (
	"errors"
	"fmt"
	"sort"
)

type Scope int

const (
	All Scope = iota
	AllRead
	State
	Define
	Profile
	StatementsRead
	StatementsReadMine
	StatementsWrite
)

var ErrUnknownScope = errors.New("unknown scope")

var scopeTokens = map[Scope]string{
	All:                "all",
	AllRead:            "all/read",
	State:              "state",
	Define:             "define",
	Profile:            "profile",
	StatementsRead:     "statements/read",
	StatementsReadMine: "statements/read/mine",
	StatementsWrite:    "statements/write",
}

var tokenScopes = func() map[string]Scope {
	m := make(map[string]Scope, len(scopeTokens))
	for s, t := range scopeTokens {
		m[t] = s
	}
	return m
}()

func Parse(token string) (Scope, error) {
	s, ok := tokenScopes[token]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownScope, token)
	}
	return s, nil
}

func (s Scope) String() string {
	t, ok := scopeTokens[s]
	if !ok {
		return fmt.Sprintf("scope(%d)", int(s))
	}
	return t
}

type Set map[Scope]struct{}

func NewSet(members ...Scope) Set {
	set := make(Set, len(members))
	for _, s := range members {
		set[s] = struct{}{}
	}
	return set
}

// ParseSet decodes every token; one unknown token fails the whole set.
func ParseSet(tokens []string) (Set, error) {
	set := make(Set, len(tokens))
	for _, t := range tokens {
		s, err := Parse(t)
		if err != nil {
			return nil, err
		}
		set[s] = struct{}{}
	}
	return set, nil
}

// Defaults is the scope set granted to credentials with no scope rows.
func Defaults() Set {
	return NewSet(StatementsWrite, StatementsReadMine)
}

func (s Set) Contains(scope Scope) bool {
	_, ok := s[scope]
	return ok
}

func (s Set) Add(scope Scope) {
	s[scope] = struct{}{}
}

func (s Set) Tokens() []string {
	tokens := make([]string, 0, len(s))
	for scope := range s {
		tokens = append(tokens, scope.String())
	}
	sort.Strings(tokens)
	return tokens
}

// Diff returns the scopes present in s but absent from other.
func (s Set) Diff(other Set) Set {
	out := Set{}
	for scope := range s {
		if !other.Contains(scope) {
			out.Add(scope)
		}
	}
	return out
}

func (s Set) Equal(other Set) bool {
	if len(s) != len(other) {
		return false
	}
	for scope := range s {
		if !other.Contains(scope) {
			return false
		}
	}
	return true
}
