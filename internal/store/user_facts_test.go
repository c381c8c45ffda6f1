package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUserFacts(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	id1, err := s.AddUserFact(ctx, "  prefers metric units ")
	require.NoError(t, err)
	clock.Advance(time.Second)
	_, err = s.AddUserFact(ctx, "lives in Lisbon")
	require.NoError(t, err)

	again, err := s.AddUserFact(ctx, "prefers metric units")
	require.NoError(t, err)
	assert.Equal(t, id1, again)

	facts, err := s.UserFacts(ctx, 10)
	require.NoError(t, err)
	require.Len(t, facts, 2)
	assert.Equal(t, "lives in Lisbon", facts[0].Fact)
	assert.Equal(t, "prefers metric units", facts[1].Fact)

	ok, err := s.DeleteUserFact(ctx, id1)
	require.NoError(t, err)
	assert.True(t, ok)
	facts, err = s.UserFacts(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, facts, 1)
}

func TestAddUserFact_Empty(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.AddUserFact(context.Background(), "   ")
	assert.Error(t, err)
}
