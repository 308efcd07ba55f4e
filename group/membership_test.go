package group

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMembership(t *testing.T) {
	m0 := newMembership(0)
	m1 := newMembership(1)

	assert.Equal(t, 0, m0.ID())
	assert.True(t, m0.Less(m1))
	assert.False(t, m1.Less(m0))
	assert.False(t, m0.IsError())

	assert.True(t, ErrorMembership.IsError())
	assert.Equal(t, -1, ErrorMembership.ID())
}

func TestSet(t *testing.T) {
	t.Run("equal", func(t *testing.T) {
		assert.True(t, NewSet().Equal(NewSet()))
		assert.True(t, NewSet(newMembership(1)).Equal(NewSet(newMembership(1))))
		assert.False(t, NewSet(newMembership(1)).Equal(NewSet(newMembership(2))))
		assert.False(t, NewSet(newMembership(1)).Equal(NewSet()))

		// nil and empty are interchangeable
		var nilSet Set
		assert.True(t, nilSet.Equal(NewSet()))
	})

	t.Run("sorted", func(t *testing.T) {
		s := NewSet(newMembership(10), newMembership(2), newMembership(7))
		assert.Equal(t, []Membership{newMembership(2), newMembership(7), newMembership(10)}, s.Sorted())
	})

	t.Run("copy is independent", func(t *testing.T) {
		s := NewSet(newMembership(1))
		c := s.Copy()
		c.Add(newMembership(2))
		assert.False(t, s.Has(newMembership(2)))
		assert.True(t, c.Has(newMembership(1)))
	})
}
