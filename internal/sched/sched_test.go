package sched

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestInterruptCancelIsIdempotent(t *testing.T) {
	i := NewInterrupt()
	require.False(t, i.Cancelled())
	i.Cancel()
	i.Cancel()
	require.True(t, i.Cancelled())
}

func TestTaskCancelStopsLoop(t *testing.T) {
	task := Go(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	task.Cancel()
	err := task.Wait()
	require.Error(t, err)
}

func TestTicksSubscribe20ms(t *testing.T) {
	ticks := NewTicks()
	defer ticks.Stop()

	ch := ticks.Subscribe20ms()
	select {
	case <-ch:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("expected at least one 20ms tick within 200ms")
	}
}
