package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"sleecore/pkg/domain"
)

func TestMandateTransactionWithoutTransaction(t *testing.T) {
	_, err := MandateTransaction(context.Background())
	var sysErr *SystemError
	if !errors.As(err, &sysErr) || !errors.Is(err, domain.ErrNoTransaction) {
		t.Fatalf("expected system error wrapping ErrNoTransaction, got %v", err)
	}
	if err := AddAfterCommitAction(context.Background(), func(context.Context) error { return nil }); !errors.Is(err, domain.ErrNoTransaction) {
		t.Fatalf("expected ErrNoTransaction, got %v", err)
	}
}

func TestMandateTransactionAfterCommit(t *testing.T) {
	f := newFixture(t)
	var captured context.Context
	f.mustTx(t, func(ctx context.Context) error {
		captured = ctx
		return nil
	})
	_, err := MandateTransaction(captured)
	if !errors.Is(err, domain.ErrTransactionClosed) {
		t.Fatalf("expected closed transaction error, got %v", err)
	}
}

func TestAfterCommitActionsRunInOrderOnlyOnCommit(t *testing.T) {
	f := newFixture(t)
	var order []int
	f.mustTx(t, func(ctx context.Context) error {
		for i := 1; i <= 3; i++ {
			if err := AddAfterCommitAction(ctx, func(context.Context) error {
				order = append(order, i)
				return nil
			}); err != nil {
				return err
			}
		}
		if len(order) != 0 {
			t.Fatalf("actions ran before commit")
		}
		return nil
	})
	if fmt.Sprint(order) != "[1 2 3]" {
		t.Fatalf("unexpected order %v", order)
	}

	ran := false
	err := f.inTx(func(ctx context.Context) error {
		if err := AddAfterCommitAction(ctx, func(context.Context) error {
			ran = true
			return nil
		}); err != nil {
			return err
		}
		return errors.New("abort")
	})
	if err == nil || ran {
		t.Fatalf("rolled back transaction must not run actions (err=%v ran=%v)", err, ran)
	}
}

func TestFailingAfterCommitActionIsReported(t *testing.T) {
	var mu sync.Mutex
	var reported []error
	metrics := &captureMetricsRecorder{}
	f := newFixture(t, WithMetricsRecorder(metrics), WithActionErrorHandler(func(_ context.Context, err error) {
		mu.Lock()
		reported = append(reported, err)
		mu.Unlock()
	}))
	second := false
	f.mustTx(t, func(ctx context.Context) error {
		_ = AddAfterCommitAction(ctx, func(context.Context) error { return errors.New("side effect failed") })
		_ = AddAfterCommitAction(ctx, func(context.Context) error {
			second = true
			return nil
		})
		return nil
	})
	if !second {
		t.Fatalf("later actions must still run")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(reported) != 1 {
		t.Fatalf("expected one reported failure, got %v", reported)
	}
	if !metrics.has("after_commit.store", false) {
		t.Fatalf("expected failure metric")
	}
	if !f.logger.has("error", "after-commit action failed") {
		t.Fatalf("expected error log")
	}
}
