package sched

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestScheduleRuns(t *testing.T) {
	tbl := NewTable()
	done := make(chan struct{})
	tbl.Schedule("a", 10*time.Millisecond, func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task did not run")
	}
	if tbl.Pending("a") {
		t.Error("key should not be pending after the task ran")
	}
}

func TestRescheduleSupersedes(t *testing.T) {
	tbl := NewTable()
	var first, second atomic.Int32

	tbl.Schedule("a", 20*time.Millisecond, func() { first.Add(1) })
	tbl.Schedule("a", 40*time.Millisecond, func() { second.Add(1) })

	time.Sleep(100 * time.Millisecond)
	if first.Load() != 0 {
		t.Error("superseded task ran")
	}
	if second.Load() != 1 {
		t.Errorf("expected latest task to run once, ran %d times", second.Load())
	}
}

func TestKeysAreIndependent(t *testing.T) {
	tbl := NewTable()
	var ran atomic.Int32
	tbl.Schedule("a", 10*time.Millisecond, func() { ran.Add(1) })
	tbl.Schedule("b", 10*time.Millisecond, func() { ran.Add(1) })

	time.Sleep(80 * time.Millisecond)
	if ran.Load() != 2 {
		t.Errorf("expected both tasks to run, got %d", ran.Load())
	}
}

func TestCancel(t *testing.T) {
	tbl := NewTable()
	var ran atomic.Int32
	tbl.Schedule("a", 20*time.Millisecond, func() { ran.Add(1) })
	tbl.Cancel("a")
	tbl.Cancel("missing")

	time.Sleep(60 * time.Millisecond)
	if ran.Load() != 0 {
		t.Error("cancelled task ran")
	}
}

func TestStopCancelsAllAndIgnoresLater(t *testing.T) {
	tbl := NewTable()
	var ran atomic.Int32
	tbl.Schedule("a", 20*time.Millisecond, func() { ran.Add(1) })
	tbl.Schedule("b", 20*time.Millisecond, func() { ran.Add(1) })
	tbl.Stop()
	tbl.Schedule("c", time.Millisecond, func() { ran.Add(1) })

	time.Sleep(60 * time.Millisecond)
	if ran.Load() != 0 {
		t.Errorf("expected no task to run after Stop, got %d", ran.Load())
	}
	if tbl.Len() != 0 {
		t.Errorf("expected empty table, got %d", tbl.Len())
	}
}
