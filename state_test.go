package dbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStateAddInvokesInReverseOrderOnClose(t *testing.T) {
	s := NewState()
	var order []int
	s.Add(func() { order = append(order, 1) })
	s.Add(func() { order = append(order, 2) })
	s.Add(func() { order = append(order, 3) })

	s.Close()
	assert.Equal(t, []int{3, 2, 1}, order)
}

func TestStateRemoveUnregistersWithoutInvoking(t *testing.T) {
	s := NewState()
	called := false
	token := s.Add(func() { called = true })
	s.Remove(token)
	s.Close()
	assert.False(t, called)
}

func TestStateRemoveZeroTokenIsNoOp(t *testing.T) {
	s := NewState()
	assert.NotPanics(t, func() { s.Remove(0) })
}

func TestStateAddAfterCloseRunsImmediately(t *testing.T) {
	s := NewState()
	s.Close()

	called := false
	token := s.Add(func() { called = true })
	assert.True(t, called)
	assert.Equal(t, uint64(0), token)
}

func TestStateResetLeavesStateOpen(t *testing.T) {
	s := NewState()
	count := 0
	s.Add(func() { count++ })
	s.Reset()
	assert.Equal(t, 1, count)
	assert.Equal(t, 0, s.Len())

	s.Add(func() { count++ })
	s.Reset()
	assert.Equal(t, 2, count)
}

func TestStateLen(t *testing.T) {
	s := NewState()
	assert.Equal(t, 0, s.Len())
	token := s.Add(func() {})
	assert.Equal(t, 1, s.Len())
	s.Remove(token)
	assert.Equal(t, 0, s.Len())
}

func TestStateCloseIsIdempotent(t *testing.T) {
	s := NewState()
	calls := 0
	s.Add(func() { calls++ })
	s.Close()
	s.Close()
	assert.Equal(t, 1, calls)
}
