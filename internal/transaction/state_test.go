package transaction

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestState_String(t *testing.T) {
	assert.Equal(t, "idle", Idle.String())
	assert.Equal(t, "snapshot-taken", SnapshotTaken.String())
	assert.Equal(t, "guard-armed", GuardArmed.String())
	assert.Equal(t, "state(99)", State(99).String())
}

func TestState_JSONRoundTrip(t *testing.T) {
	data, err := json.Marshal(Reverted)
	require.NoError(t, err)
	assert.Equal(t, `"reverted"`, string(data))

	var s State
	require.NoError(t, json.Unmarshal(data, &s))
	assert.Equal(t, Reverted, s)

	assert.Error(t, json.Unmarshal([]byte(`"limbo"`), &s))
}

func TestState_Terminal(t *testing.T) {
	for _, s := range []State{Confirmed, Reverted, Aborted} {
		assert.True(t, s.Terminal(), s.String())
	}
	for _, s := range []State{Idle, SnapshotTaken, Staged, Validated, GuardArmed, Applied} {
		assert.False(t, s.Terminal(), s.String())
	}
}

func TestAdvance_LegalPath(t *testing.T) {
	s := Idle
	for _, next := range []State{SnapshotTaken, Staged, Validated, GuardArmed, Applied, Confirmed} {
		s = advance(s, next)
	}
	assert.Equal(t, Confirmed, s)
}

func TestAdvance_IllegalTransitionPanics(t *testing.T) {
	assert.Panics(t, func() { advance(Idle, Applied) })
	assert.Panics(t, func() { advance(Confirmed, Reverted) })
	assert.Panics(t, func() { advance(GuardArmed, Aborted) }, "armed guards resolve, they do not abort")
	assert.Panics(t, func() { advance(Applied, Aborted) })
}

func TestReceipt_Committed(t *testing.T) {
	assert.True(t, (&Receipt{State: Confirmed}).Committed())
	assert.False(t, (&Receipt{State: Reverted}).Committed())
	assert.False(t, (&Receipt{State: Applied}).Committed())
}
