package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNoTransaction is returned when an operation needs an ambient transaction.
	ErrNoTransaction = errors.New("no active transaction")
	// ErrTransactionClosed is returned when a finished transaction is used.
	ErrTransactionClosed = errors.New("transaction is no longer active")
	// ErrPersistence marks failures of the durable backend during commit.
	ErrPersistence = errors.New("persist state")
)

// ErrNotFound indicates the requested record does not exist.
type ErrNotFound struct {
	Entity EntityType
	ID     string
}

func (e ErrNotFound) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

// ErrAlreadyExists indicates a strict create found an existing record.
type ErrAlreadyExists struct {
	Entity EntityType
	ID     string
}

func (e ErrAlreadyExists) Error() string {
	return fmt.Sprintf("%s %s already exists", e.Entity, e.ID)
}
