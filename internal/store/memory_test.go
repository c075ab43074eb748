package store

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/nmslite/agentprov/internal/model"
)

func result(id string) *model.InstallationResult {
	return &model.InstallationResult{
		ID:       id,
		Host:     "10.0.0.1",
		OS:       model.OSLinux,
		Attempts: []model.AttemptRecord{{Transport: "linux_ssh", Success: true, Category: "success"}},
	}
}

func TestMemory_SaveGet(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	r := result("a")
	if err := m.Save(ctx, r); err != nil {
		t.Fatal(err)
	}
	r.Host = "mutated"
	r.Attempts[0].Transport = "mutated"

	got, err := m.Get(ctx, "a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Host != "10.0.0.1" || got.Attempts[0].Transport != "linux_ssh" {
		t.Errorf("stored result shares memory with the caller: %+v", got)
	}

	if _, err := m.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(missing) error = %v, want ErrNotFound", err)
	}
}

func TestMemory_ListNewestFirst(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	for i := range 5 {
		if err := m.Save(ctx, result(fmt.Sprintf("r%d", i))); err != nil {
			t.Fatal(err)
		}
	}
	// Re-saving keeps the original position.
	if err := m.Save(ctx, result("r1")); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		limit int
		want  []string
	}{
		{limit: 2, want: []string{"r4", "r3"}},
		{limit: 10, want: []string{"r4", "r3", "r2", "r1", "r0"}},
		{limit: 0, want: []string{"r4", "r3", "r2", "r1", "r0"}},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("limit_%d", tt.limit), func(t *testing.T) {
			got, err := m.List(ctx, tt.limit)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("len = %d, want %d", len(got), len(tt.want))
			}
			for i, r := range got {
				if r.ID != tt.want[i] {
					t.Errorf("[%d] = %s, want %s", i, r.ID, tt.want[i])
				}
			}
		})
	}
}

func TestMemory_ErrorIsCopied(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	r := result("e")
	r.Error = &model.ResultError{Code: "AUTH_FAILED"}
	_ = m.Save(ctx, r)
	r.Error.Code = "changed"

	got, _ := m.Get(ctx, "e")
	if got.Error.Code != "AUTH_FAILED" {
		t.Errorf("error code = %s", got.Error.Code)
	}
}
