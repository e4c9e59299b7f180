package ir

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateVector_ZeroValue(t *testing.T) {
	var v StateVector

	_, ok := v.Get(1)
	assert.False(t, ok)
	assert.True(t, v.IsDeliverable(1, 0))
	assert.False(t, v.IsAlreadyDelivered(1, 0))

	v.Set(1, 0)
	clock, ok := v.Get(1)
	require.True(t, ok)
	assert.Equal(t, 0, clock)
}

func TestStateVector_IsDeliverable(t *testing.T) {
	v := StateVectorFrom(map[int]int{1: 3})

	tests := []struct {
		name  string
		id    int
		clock int
		want  bool
	}{
		{"next clock", 1, 4, true},
		{"current clock", 1, 3, false},
		{"gap", 1, 5, false},
		{"unknown site first op", 2, 0, true},
		{"unknown site later op", 2, 1, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, v.IsDeliverable(tt.id, tt.clock))
		})
	}
}

func TestStateVector_IsAlreadyDelivered(t *testing.T) {
	v := StateVectorFrom(map[int]int{1: 3})

	assert.True(t, v.IsAlreadyDelivered(1, 0))
	assert.True(t, v.IsAlreadyDelivered(1, 3))
	assert.False(t, v.IsAlreadyDelivered(1, 4))
	assert.False(t, v.IsAlreadyDelivered(2, 0))
}

func TestStateVector_Monotonicity(t *testing.T) {
	v := NewStateVector()
	last := -1
	for _, clock := range []int{0, 1, 1, 4, 9} {
		v.Set(7, clock)
		got, _ := v.Get(7)
		assert.GreaterOrEqual(t, got, last)
		last = got
	}
}

func TestStateVector_SetRollbackPanics(t *testing.T) {
	v := StateVectorFrom(map[int]int{1: 5})

	defer func() {
		r := recover()
		require.NotNil(t, r, "Set with a lower clock must panic")
		err, ok := r.(*InvariantError)
		require.True(t, ok)
		assert.Equal(t, ErrCodeVectorRollback, err.Code)
		assert.True(t, IsInvariantError(err))

		clock, _ := v.Get(1)
		assert.Equal(t, 5, clock, "entry must be unchanged")
	}()

	v.Set(1, 2)
}

func TestStateVector_ClearAndClone(t *testing.T) {
	v := StateVectorFrom(map[int]int{1: 2, 2: 0})
	c := v.Clone()

	v.Clear()
	assert.Equal(t, 0, v.Len())
	assert.Equal(t, 2, c.Len(), "clone is independent")

	// After Clear a lower value is accepted again.
	v.Set(1, 0)
	clock, _ := v.Get(1)
	assert.Equal(t, 0, clock)
}

func TestStateVector_ForEachOrdered(t *testing.T) {
	v := StateVectorFrom(map[int]int{9: 1, 2: 4, 5: 0})

	var sites []int
	v.ForEach(func(id, clock int) { sites = append(sites, id) })

	assert.Equal(t, []int{2, 5, 9}, sites)
}

func TestStateVector_AsMapIsCopy(t *testing.T) {
	v := StateVectorFrom(map[int]int{1: 1})
	m := v.AsMap()
	m[1] = 100

	clock, _ := v.Get(1)
	assert.Equal(t, 1, clock)
}

func TestStateVector_JSON(t *testing.T) {
	v := StateVectorFrom(map[int]int{1: 3, 12: 0})

	data, err := json.Marshal(v)
	require.NoError(t, err)
	assert.JSONEq(t, `{"1":3,"12":0}`, string(data))

	var decoded StateVector
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.True(t, v.Equal(decoded))

	empty, err := json.Marshal(StateVector{})
	require.NoError(t, err)
	assert.Equal(t, "{}", string(empty))
}
