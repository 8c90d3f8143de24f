package nsutil

import (
	"testing"

	"github.com/bmizerany/assert"
)

func TestRunPanicless(t *testing.T) {
	assert.T(t, RunPanicless(func() {
		panic("boom")
	}), "should report panic")

	called := false
	assert.T(t, !RunPanicless(func() {
		called = true
	}), "should not report panic")
	assert.T(t, called, "should call f")
}

func TestCatchPanic(t *testing.T) {
	assert.Equal(t, "boom", CatchPanic(func() {
		panic("boom")
	}))
	assert.Equal(t, nil, CatchPanic(func() {}))
}
