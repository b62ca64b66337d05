package core

import (
	"context"

	"sleecore/pkg/domain"
)

// MandateTransaction returns the ambient transaction or a *SystemError when
// there is none or it no longer accepts work.
func MandateTransaction(ctx context.Context) (domain.Transaction, error) {
	tx, ok := domain.TransactionFromContext(ctx)
	if !ok {
		return nil, &SystemError{Op: "mandate transaction", Err: domain.ErrNoTransaction}
	}
	if !tx.Active() {
		return nil, &SystemError{Op: "mandate transaction", Err: domain.ErrTransactionClosed}
	}
	return tx, nil
}

// AddAfterCommitAction queues action on the ambient transaction. Actions run
// in registration order once the transaction's writes are durable and never
// run when it rolls back.
func AddAfterCommitAction(ctx context.Context, action domain.AfterCommitAction) error {
	tx, err := MandateTransaction(ctx)
	if err != nil {
		return err
	}
	if err := tx.AfterCommit(action); err != nil {
		return &SystemError{Op: "add after-commit action", Err: err}
	}
	return nil
}

// viewFor returns the transaction view when ctx carries one, else nil.
func viewFor(ctx context.Context) domain.Transaction {
	tx, ok := domain.TransactionFromContext(ctx)
	if !ok || !tx.Active() {
		return nil
	}
	return tx
}
