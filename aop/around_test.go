package aop

import (
	"context"
	"testing"
)

func TestAroundRegistrarComposesLastPushOutermost(t *testing.T) {
	var order []string
	reg := &AroundRegistrar[int]{}

	wrap := func(tag string) Wrapper[int] {
		return func(next Target[int]) Target[int] {
			return func(ctx context.Context) (int, error) {
				order = append(order, tag+":enter")
				v, err := next(ctx)
				order = append(order, tag+":exit")
				return v, err
			}
		}
	}

	reg.AttachToTarget(wrap("t1"))
	reg.AttachToTarget(wrap("t2"))

	resolver := NewAroundResolver[int](reg)
	composed := resolver.Resolve(context.Background(), intTarget(1, nil), func(next Target[int]) Target[int] {
		return next
	})

	if _, err := composed(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []string{"t2:enter", "t1:enter", "t1:exit", "t2:exit"}
	if len(order) != len(want) {
		t.Fatalf("got %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("got %v, want %v", order, want)
		}
	}
}

func TestAroundResolverResultWrappersSeeTheFinalOutcome(t *testing.T) {
	reg := &AroundRegistrar[int]{}
	reg.AttachToResult(func(next Target[int]) Target[int] {
		return func(ctx context.Context) (int, error) {
			v, err := next(ctx)
			return v + 100, err
		}
	})

	resolver := NewAroundResolver[int](reg)
	composed := resolver.Resolve(context.Background(), intTarget(1, nil), func(next Target[int]) Target[int] {
		return func(ctx context.Context) (int, error) {
			v, err := next(ctx)
			return v * 2, err
		}
	})

	v, err := composed(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 102 {
		t.Fatalf("got %d, want 102 (target doubled by next, then +100 by the result wrapper)", v)
	}
}
