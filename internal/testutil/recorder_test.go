package testutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/mutesync/internal/ir"
)

func TestRecorder_RecordsInOrder(t *testing.T) {
	r := NewRecorder()

	r.LocalOperation(Insert(1, 0))
	r.Applied([]ir.Operation{Insert(2, 0).Op, Insert(2, 1).Op})
	r.QuerySync(ir.StateVectorFrom(map[int]int{1: 0}))
	r.ReplySync(7, ir.ReplySync{})
	r.StateChanged(StateOf(Insert(1, 0)))

	assert.Equal(t, []EmissionKind{EmitLocal, EmitApplied, EmitQuery, EmitReply, EmitState}, r.Kinds())
	assert.Equal(t, []string{"2:0", "2:1"}, PayloadStrings(r.AppliedOperations()))

	replies := r.Of(EmitReply)
	require.Len(t, replies, 1)
	assert.Equal(t, 7, replies[0].To)

	r.Reset()
	assert.Equal(t, 0, r.Len())
}

func TestStateOf(t *testing.T) {
	s := StateOf(Insert(1, 0), Insert(2, 0), Insert(1, 1))

	last, ok := s.Vector.Get(1)
	require.True(t, ok)
	assert.Equal(t, 1, last)
	assert.Equal(t, 3, s.Len())
}

func TestInserts(t *testing.T) {
	ops := Inserts(4, 2, 5)
	require.Len(t, ops, 4)
	assert.Equal(t, 2, ops[0].Clock)
	assert.Equal(t, 5, ops[3].Clock)
	assert.Equal(t, "4:5", string(ops[3].Op.Payload))
}
