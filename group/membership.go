// Package group implements ephemeral group membership on top of a
// hierarchical, watch-capable coordination store. Processes advertise
// membership in a named group, look up other members' advertised payloads,
// and are notified when the member set changes, across connection loss and
// session expiry.
package group

import "sort"

// Membership identifies one advertised group member by the sequence id the
// store assigned at node-creation time. It is an immutable value; ids are
// monotonically increasing within a group.
type Membership struct {
	id int
}

// ErrorMembership is the distinguished "no such member" value returned when
// an operation fails terminally. It is a valid return value, not an error.
var ErrorMembership = Membership{id: -1}

func newMembership(id int) Membership {
	return Membership{id: id}
}

func (m Membership) ID() int {
	return m.id
}

func (m Membership) IsError() bool {
	return m.id < 0
}

// Less orders memberships by id, which matches the lexical order of their
// node names.
func (m Membership) Less(o Membership) bool {
	return m.id < o.id
}

// Set is an unordered collection of memberships.
type Set map[Membership]struct{}

func NewSet(members ...Membership) Set {
	s := make(Set, len(members))
	for _, m := range members {
		s[m] = struct{}{}
	}
	return s
}

func (s Set) Has(m Membership) bool {
	_, ok := s[m]
	return ok
}

func (s Set) Add(m Membership) {
	s[m] = struct{}{}
}

func (s Set) Equal(o Set) bool {
	if len(s) != len(o) {
		return false
	}
	for m := range s {
		if !o.Has(m) {
			return false
		}
	}
	return true
}

func (s Set) Copy() Set {
	c := make(Set, len(s))
	for m := range s {
		c[m] = struct{}{}
	}
	return c
}

// Sorted returns the members ordered by id.
func (s Set) Sorted() []Membership {
	members := make([]Membership, 0, len(s))
	for m := range s {
		members = append(members, m)
	}
	sort.Slice(members, func(i, j int) bool { return members[i].Less(members[j]) })
	return members
}
