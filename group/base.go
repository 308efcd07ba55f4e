package group

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

// DefaultMemberPrefix is the name prefix of member nodes. Groups with
// different prefixes can share a root path without seeing each other.
const DefaultMemberPrefix = "member_"

// seqWidth is the zero-padded width of the sequence suffix. The padding is
// load-bearing: it makes the store's lexical ordering of child names equal
// the numeric ordering of ids, which "lowest id wins" consumers rely on.
const seqWidth = 10

type naming struct {
	prefix string
}

// ownsName reports whether name is a member node of this group, as opposed
// to an unrelated child under the same root.
func (n naming) ownsName(name string) bool {
	if !strings.HasPrefix(name, n.prefix) {
		return false
	}
	_, err := n.idFromName(name)
	return err == nil
}

func (n naming) idFromName(name string) (int, error) {
	suffix := strings.TrimPrefix(name, n.prefix)
	if suffix == name {
		return 0, errors.Newf("name %q does not carry prefix %q", name, n.prefix)
	}
	id, err := strconv.Atoi(suffix)
	if err != nil || id < 0 {
		return 0, errors.Newf("name %q does not carry a sequence id", name)
	}
	return id, nil
}

func (n naming) nameFromID(id int) string {
	return fmt.Sprintf("%s%0*d", n.prefix, seqWidth, id)
}

// membershipsFrom maps a raw child listing to the memberships this group
// owns, ignoring foreign names.
func (n naming) membershipsFrom(names []string) Set {
	s := make(Set, len(names))
	for _, name := range names {
		if !n.ownsName(name) {
			continue
		}
		id, _ := n.idFromName(name)
		s.Add(newMembership(id))
	}
	return s
}

// applyChildren reconciles the bookkeeping map with a fresh child listing.
// It is the single place membership-set changes are computed: members no
// longer listed have their pending captures rejected with ErrMemberGone and
// are removed; newly listed members get an unresolved entry. Returns the
// departed and joined members and the current owned set.
func (g *Group) applyChildren(names []string) (left, joined []Membership, current Set) {
	current = g.naming.membershipsFrom(names)

	g.mu.Lock()
	var stale []*memberEntry
	for m, e := range g.members {
		if !current.Has(m) {
			stale = append(stale, e)
			delete(g.members, m)
			left = append(left, m)
		}
	}
	for m := range current {
		if _, ok := g.members[m]; !ok {
			g.members[m] = newMemberEntry()
			joined = append(joined, m)
		}
	}
	g.mu.Unlock()

	// reject outside the lock: capture callbacks may reenter the group
	for _, e := range stale {
		e.c.Reject(ErrMemberGone)
	}
	return left, joined, current
}
