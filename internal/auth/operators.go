package auth

import "strings"

// OperatorSet is the configured list of operator party ids.
type OperatorSet map[string]struct{}

// ParseOperatorIDs splits a comma separated list, ignoring blanks.
func ParseOperatorIDs(csv string) OperatorSet {
	set := OperatorSet{}
	for _, id := range strings.Split(csv, ",") {
		if id = strings.TrimSpace(id); id != "" {
			set[id] = struct{}{}
		}
	}
	return set
}

// Contains reports whether partyID is an operator.
func (s OperatorSet) Contains(partyID string) bool {
	if partyID == "" {
		return false
	}
	_, ok := s[partyID]
	return ok
}
