package model_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/progressdb/openmemory-core/internal/model"
)

func Test_Owner_Matches_TriState(t *testing.T) {
	t.Parallel()

	tenant := "u1"

	testCases := []struct {
		name   string
		owner  model.Owner
		stored *string
		want   bool
	}{
		{"any_matches_nil", model.OwnerAny(), nil, true},
		{"any_matches_tenant", model.OwnerAny(), &tenant, true},
		{"none_matches_nil", model.OwnerNone(), nil, true},
		{"none_rejects_tenant", model.OwnerNone(), &tenant, false},
		{"some_matches_equal_id", model.OwnerOf(tenant), &tenant, true},
		{"some_rejects_nil", model.OwnerOf(tenant), nil, false},
		{"some_rejects_other_id", model.OwnerOf(tenant), strPtr("u2"), false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, tc.owner.Matches(tc.stored))
		})
	}
}

func strPtr(s string) *string { return &s }

func Test_Owner_NullableString(t *testing.T) {
	t.Parallel()

	assert.Nil(t, model.OwnerNone().NullableString())

	id, ok := model.OwnerOf("u1").ID()
	require.True(t, ok)
	assert.Equal(t, "u1", id)
	assert.Equal(t, "u1", *model.OwnerOf("u1").NullableString())

	_, ok = model.OwnerAny().ID()
	assert.False(t, ok)
}

func Test_ValidTo_OpenAndClosed(t *testing.T) {
	t.Parallel()

	open := model.Open()
	assert.True(t, open.IsOpen())
	assert.Nil(t, open.Ptr())
	_, ok := open.Ms()
	assert.False(t, ok)

	closed := model.At(5000)
	assert.False(t, closed.IsOpen())
	require.NotNil(t, closed.Ptr())
	assert.Equal(t, int64(5000), *closed.Ptr())
	ms, ok := closed.Ms()
	require.True(t, ok)
	assert.Equal(t, int64(5000), ms)
}

func Test_ValidToFromPtr(t *testing.T) {
	t.Parallel()

	assert.True(t, model.ValidToFromPtr(nil).IsOpen())

	v := int64(42)
	vt := model.ValidToFromPtr(&v)
	assert.False(t, vt.IsOpen())
	ms, ok := vt.Ms()
	require.True(t, ok)
	assert.Equal(t, v, ms)
}

func Test_NewID_ProducesDistinctCanonicalIDs(t *testing.T) {
	t.Parallel()

	a := model.NewID()
	b := model.NewID()
	assert.NotEqual(t, a, b)
	assert.Len(t, a, 36)
}
