package saga

import (
	"context"
	"errors"
	"sync"
	"testing"

	"go.uber.org/zap"
)

func step(name string, log *[]string, doErr, undoErr error) Step {
	return Step{
		Name: name,
		Do: func(context.Context) error {
			*log = append(*log, "do:"+name)
			return doErr
		},
		Undo: func(context.Context) error {
			*log = append(*log, "undo:"+name)
			return undoErr
		},
	}
}

func TestRun_AllStepsComplete(t *testing.T) {
	var log []string
	steps := []Step{
		step("a", &log, nil, nil),
		step("b", &log, nil, nil),
		step("c", &log, nil, nil),
	}

	out := run(context.Background(), zap.NewNop(), steps)

	if !out.OK || out.State != StateCompleted {
		t.Fatalf("expected completed outcome, got %+v", out)
	}
	want := []string{"do:a", "do:b", "do:c"}
	if len(log) != len(want) {
		t.Fatalf("expected %v, got %v", want, log)
	}
	for i := range want {
		if log[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, log)
		}
	}
}

func TestRun_FailureCompensatesInReverse(t *testing.T) {
	var log []string
	steps := []Step{
		step("a", &log, nil, nil),
		step("b", &log, nil, nil),
		step("c", &log, errors.New("boom"), nil),
	}

	out := run(context.Background(), zap.NewNop(), steps)

	if out.OK {
		t.Fatal("expected failed outcome")
	}
	if out.State != StateRolledBack {
		t.Errorf("expected state %s, got %s", StateRolledBack, out.State)
	}
	if out.FailedStep != "c" {
		t.Errorf("expected failed step c, got %q", out.FailedStep)
	}
	if out.PartialRollback {
		t.Error("all compensations succeeded, rollback must not be partial")
	}

	// The failed step is never compensated; the completed prefix is, last
	// first.
	want := []string{"do:a", "do:b", "do:c", "undo:b", "undo:a"}
	if len(log) != len(want) {
		t.Fatalf("expected %v, got %v", want, log)
	}
	for i := range want {
		if log[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, log)
		}
	}
}

func TestRun_CompensationFailureIsPartialButContinues(t *testing.T) {
	var log []string
	steps := []Step{
		step("a", &log, nil, nil),
		step("b", &log, nil, errors.New("undo failed")),
		step("c", &log, errors.New("boom"), nil),
	}

	out := run(context.Background(), zap.NewNop(), steps)

	if !out.PartialRollback {
		t.Error("failed compensation must mark the rollback partial")
	}
	// The failing undo of b must not stop a's compensation.
	last := log[len(log)-1]
	if last != "undo:a" {
		t.Errorf("expected compensation to continue through undo:a, log ended with %q", last)
	}
}

func TestRun_NilUndoIsPartial(t *testing.T) {
	var log []string
	steps := []Step{
		{
			Name: "irreversible",
			Do: func(context.Context) error {
				log = append(log, "do:irreversible")
				return nil
			},
		},
		step("b", &log, errors.New("boom"), nil),
	}

	out := run(context.Background(), zap.NewNop(), steps)

	if !out.PartialRollback {
		t.Error("a completed step without compensation must mark the rollback partial")
	}
}

func TestRun_FirstStepFailureCompensatesNothing(t *testing.T) {
	var log []string
	steps := []Step{
		step("a", &log, errors.New("boom"), nil),
		step("b", &log, nil, nil),
	}

	out := run(context.Background(), zap.NewNop(), steps)

	if out.OK {
		t.Fatal("expected failed outcome")
	}
	if len(log) != 1 || log[0] != "do:a" {
		t.Errorf("expected only the failing Do to run, got %v", log)
	}
}

func TestKeyedMutex_SerializesSameKey(t *testing.T) {
	locks := newKeyedMutex()

	const workers = 20
	counter := 0
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			unlock := locks.Lock("user:42")
			defer unlock()
			// Unsynchronized read-modify-write; only mutual exclusion on
			// the key keeps the count exact.
			counter++
		}()
	}
	wg.Wait()

	if counter != workers {
		t.Errorf("expected %d increments, got %d", workers, counter)
	}
}

func TestKeyedMutex_DifferentKeysDoNotBlock(t *testing.T) {
	locks := newKeyedMutex()

	unlockA := locks.Lock("user:a")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlockB := locks.Lock("user:b")
		unlockB()
		close(done)
	}()

	<-done
}

func TestKeyedMutex_EntryReclaimedAfterUnlock(t *testing.T) {
	locks := newKeyedMutex()

	unlock := locks.Lock("user:a")
	unlock()

	locks.mu.Lock()
	defer locks.mu.Unlock()
	if len(locks.entries) != 0 {
		t.Errorf("expected no live entries after unlock, got %d", len(locks.entries))
	}
}
