package rollback

import (
	"context"
	"errors"
	"slices"
	"testing"
)

func TestUnwind_RunsInReverseOrder(t *testing.T) {
	s := New(nil)
	var order []string
	for _, name := range []string{"A", "B", "C"} {
		s.Register(name, func(context.Context) error {
			order = append(order, name)
			return nil
		}, "test action "+name)
	}

	ok, outcomes := s.Unwind(context.Background())
	if !ok {
		t.Error("Unwind reported failure, want success")
	}
	if want := []string{"C", "B", "A"}; !slices.Equal(order, want) {
		t.Errorf("order = %v, want %v", order, want)
	}
	if len(outcomes) != 3 {
		t.Errorf("got %d outcomes, want 3", len(outcomes))
	}
}

func TestUnwind_FailingCompensationDoesNotStopUnwind(t *testing.T) {
	s := New(nil)
	var order []string
	s.Register("A", func(context.Context) error { order = append(order, "A"); return nil }, "")
	s.Register("B", func(context.Context) error { order = append(order, "B"); return errors.New("boom") }, "")
	s.Register("C", func(context.Context) error { order = append(order, "C"); return nil }, "")

	ok, outcomes := s.Unwind(context.Background())
	if ok {
		t.Error("Unwind reported success, want failure")
	}
	if want := []string{"C", "B", "A"}; !slices.Equal(order, want) {
		t.Errorf("order = %v, want %v", order, want)
	}
	if outcomes[1].Name != "B" || outcomes[1].Err == nil {
		t.Errorf("outcome[1] = %+v, want failed B", outcomes[1])
	}
}

func TestUnwind_PanicIsRecovered(t *testing.T) {
	s := New(nil)
	ranA := false
	s.RegisterFunc("A", func() error { ranA = true; return nil }, "")
	s.RegisterFunc("B", func() error { panic("kaboom") }, "")

	ok, _ := s.Unwind(context.Background())
	if ok {
		t.Error("Unwind reported success, want failure")
	}
	if !ranA {
		t.Error("A did not run after B panicked")
	}
}

func TestUnwind_EachActionRunsOnce(t *testing.T) {
	s := New(nil)
	calls := 0
	s.Register("A", func(context.Context) error { calls++; return nil }, "")

	s.Unwind(context.Background())
	s.Unwind(context.Background())
	if calls != 1 {
		t.Errorf("compensation ran %d times, want 1", calls)
	}

	s.Register("late", func(context.Context) error { calls++; return nil }, "")
	if s.Len() != 0 {
		t.Errorf("Len() = %d after unwind, want 0", s.Len())
	}
}

func TestDisable(t *testing.T) {
	s := New(nil)
	calls := 0
	s.Register("A", func(context.Context) error { calls++; return nil }, "")
	s.Disable()
	s.Register("B", func(context.Context) error { calls++; return nil }, "")

	if got := s.Names(); !slices.Equal(got, []string{"A"}) {
		t.Errorf("Names() = %v, want [A]", got)
	}
	ok, outcomes := s.Unwind(context.Background())
	if !ok || outcomes != nil || calls != 0 {
		t.Errorf("Unwind on disabled stack = (%v, %v), calls=%d; want no-op", ok, outcomes, calls)
	}
}

func TestUnwind_Empty(t *testing.T) {
	ok, outcomes := New(nil).Unwind(context.Background())
	if !ok || len(outcomes) != 0 {
		t.Errorf("Unwind on empty stack = (%v, %v), want (true, [])", ok, outcomes)
	}
}
