package runner

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskControlPauseResume(t *testing.T) {
	ctl := NewTaskControl()
	assert.False(t, ctl.Resume())
	require.True(t, ctl.Pause())
	assert.False(t, ctl.Pause())
	assert.Equal(t, TaskPaused, ctl.State())

	released := make(chan error, 1)
	go func() { released <- ctl.WaitIfPaused(context.Background()) }()

	select {
	case <-released:
		t.Fatal("wait returned while paused")
	case <-time.After(20 * time.Millisecond):
	}

	require.True(t, ctl.Resume())
	select {
	case err := <-released:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("resume did not release waiter")
	}
	assert.Equal(t, "active", ctl.State().String())
}

func TestTaskControlCancelReturnsCause(t *testing.T) {
	ctl := NewTaskControl()
	ctl.Pause()
	cause := errors.New("plan aborted")
	assert.True(t, ctl.Cancel(cause))
	assert.False(t, ctl.Cancel(errors.New("ignored")))
	assert.False(t, ctl.Resume())

	assert.ErrorIs(t, ctl.WaitIfPaused(context.Background()), cause)
	assert.Equal(t, cause, ctl.CancelCause())
	select {
	case <-ctl.Done():
	default:
		t.Fatal("done channel not closed")
	}
}

func TestTaskControlDefaultCause(t *testing.T) {
	ctl := NewTaskControl()
	ctl.Cancel(nil)
	assert.ErrorIs(t, ctl.CancelCause(), ErrTaskCanceled)
	assert.Equal(t, TaskCanceled, ctl.State())
}

func TestWaitIfPausedHonoursContext(t *testing.T) {
	ctl := NewTaskControl()
	ctl.Pause()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, ctl.WaitIfPaused(ctx), context.DeadlineExceeded)
}

func TestNoopControl(t *testing.T) {
	var ctl ExecutionControl = NoopControl{}
	assert.NoError(t, ctl.WaitIfPaused(context.Background()))
	assert.Nil(t, ctl.Done())
}
