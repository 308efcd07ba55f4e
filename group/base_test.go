package group

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/groupkeeper/zkgroup/coordination/coordtest"
)

func TestNameFromIDOrdering(t *testing.T) {
	n := naming{prefix: DefaultMemberPrefix}

	// lexical order of names must equal numeric order of ids, across digit
	// rollovers
	ids := []int{0, 1, 9, 10, 11, 99, 100, 12345, 999999999}
	for i := 0; i < len(ids)-1; i++ {
		a, b := n.nameFromID(ids[i]), n.nameFromID(ids[i+1])
		assert.Truef(t, a < b, "expected %q < %q", a, b)
	}
}

func TestNameRoundTrip(t *testing.T) {
	n := naming{prefix: DefaultMemberPrefix}

	for _, id := range []int{0, 1, 9, 10, 4242, 1<<31 - 1} {
		got, err := n.idFromName(n.nameFromID(id))
		require.NoError(t, err)
		assert.Equal(t, id, got)
	}
}

func TestOwnsName(t *testing.T) {
	n := naming{prefix: "member_"}

	assert.True(t, n.ownsName("member_0000000000"))
	assert.True(t, n.ownsName("member_0000000042"))
	assert.False(t, n.ownsName("lock_0000000000"))
	assert.False(t, n.ownsName("member_"))
	assert.False(t, n.ownsName("member_abc"))
	assert.False(t, n.ownsName("unrelated"))
}

func TestAlternatePrefixesCoexist(t *testing.T) {
	a := naming{prefix: "member_"}
	b := naming{prefix: "candidate_"}

	names := []string{"member_0000000000", "candidate_0000000000", "candidate_0000000001"}
	assert.Equal(t, []Membership{newMembership(0)}, a.membershipsFrom(names).Sorted())
	assert.Equal(t, []Membership{newMembership(0), newMembership(1)}, b.membershipsFrom(names).Sorted())
}

func TestApplyChildren(t *testing.T) {
	cases := []struct {
		name   string
		before []int
		after  []int
		left   []int
		joined []int
	}{
		{name: "no change", before: []int{1, 2}, after: []int{1, 2}},
		{name: "all join", before: nil, after: []int{0, 1}, joined: []int{0, 1}},
		{name: "all leave", before: []int{0, 1}, after: nil, left: []int{0, 1}},
		{name: "overlap", before: []int{0, 1, 2}, after: []int{1, 2, 3}, left: []int{0}, joined: []int{3}},
		{name: "disjoint", before: []int{0}, after: []int{5}, left: []int{0}, joined: []int{5}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			g := newTestGroup(t, coordtest.New(), "/test/group")
			g.applyChildren(namesOf(g, tc.before))

			pending := make(map[int]*memberEntry)
			g.mu.Lock()
			for m, e := range g.members {
				pending[m.ID()] = e
			}
			g.mu.Unlock()

			left, joined, current := g.applyChildren(namesOf(g, tc.after))

			assert.ElementsMatch(t, memberships(tc.left), left)
			assert.ElementsMatch(t, memberships(tc.joined), joined)
			assert.True(t, NewSet(memberships(tc.after)...).Equal(current))

			// bookkeeping keys equal exactly the new listing
			g.mu.Lock()
			keys := make([]Membership, 0, len(g.members))
			for m := range g.members {
				keys = append(keys, m)
			}
			g.mu.Unlock()
			assert.ElementsMatch(t, memberships(tc.after), keys)

			// departed members had their pending captures failed
			for _, id := range tc.left {
				e := pending[id]
				require.NotNil(t, e)
				assert.True(t, e.c.Resolved())
			}
		})
	}
}

func TestApplyChildrenIgnoresForeignNames(t *testing.T) {
	g := newTestGroup(t, coordtest.New(), "/test/group")

	_, joined, current := g.applyChildren([]string{"member_0000000000", "lock_0000000001", "garbage"})
	assert.ElementsMatch(t, memberships([]int{0}), joined)
	assert.True(t, NewSet(newMembership(0)).Equal(current))
}

func namesOf(g *Group, ids []int) []string {
	names := make([]string, len(ids))
	for i, id := range ids {
		names[i] = g.naming.nameFromID(id)
	}
	return names
}

func memberships(ids []int) []Membership {
	ms := make([]Membership, len(ids))
	for i, id := range ids {
		ms[i] = newMembership(id)
	}
	return ms
}
