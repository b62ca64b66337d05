// Package dialog keeps the adapter-side association between protocol dialogs
// and the transactions running inside them. Dialogs and transactions never
// point at each other; the Registry owns the branch-to-dialog table and each
// dialog tracks its ongoing transactions by branch ID.
package dialog

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"sleecore/pkg/domain"
)

// Kind tags a transaction as client or server side.
type Kind int

const (
	ClientTransaction Kind = iota + 1
	ServerTransaction
)

func (k Kind) String() string {
	switch k {
	case ClientTransaction:
		return "client"
	case ServerTransaction:
		return "server"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Transaction is one protocol transaction. BranchID is unique per Kind.
type Transaction struct {
	Kind     Kind
	BranchID string
	Method   string
	Payload  any
}

// State is the dialog state.
type State string

const (
	StateEarly      State = "EARLY"
	StateConfirmed  State = "CONFIRMED"
	StateTerminated State = "TERMINATED"
)

var (
	ErrDialogTerminated     = errors.New("dialog terminated")
	ErrDuplicateTransaction = errors.New("cannot add the same transaction twice")
	ErrDialogExists         = errors.New("dialog already exists")
	ErrUnknownDialog        = errors.New("unknown dialog")
	ErrUnknownKind          = errors.New("unknown transaction kind")
)

// ErrClientTransactionNotOngoing is returned when a client transaction is not
// running in the dialog.
type ErrClientTransactionNotOngoing struct {
	DialogID string
	BranchID string
}

func (e ErrClientTransactionNotOngoing) Error() string {
	return "client transaction " + e.BranchID + " is not ongoing in dialog " + e.DialogID
}

// ErrServerTransactionNotOngoing is returned when a server transaction is not
// running in the dialog.
type ErrServerTransactionNotOngoing struct {
	DialogID string
	BranchID string
}

func (e ErrServerTransactionNotOngoing) Error() string {
	return "server transaction " + e.BranchID + " is not ongoing in dialog " + e.DialogID
}

// Dialog wraps one protocol dialog.
type Dialog struct {
	mu         sync.Mutex
	id         string
	handle     domain.ActivityContextHandle
	state      State
	initiating string
	clients    map[string]Transaction
	servers    map[string]Transaction
	// associated maps a client branch to the server transaction it relays,
	// possibly in another dialog.
	associated map[string]serverRef
	index      *branchIndex
}

type serverRef struct {
	dialogID string
	branchID string
}

func newDialog(id string, handle domain.ActivityContextHandle, index *branchIndex) *Dialog {
	return &Dialog{
		id:         id,
		handle:     handle,
		state:      StateEarly,
		clients:    make(map[string]Transaction),
		servers:    make(map[string]Transaction),
		associated: make(map[string]serverRef),
		index:      index,
	}
}

func (d *Dialog) ID() string                           { return d.id }
func (d *Dialog) Handle() domain.ActivityContextHandle { return d.handle }

// State returns the current dialog state.
func (d *Dialog) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// InitiatingBranch returns the branch of the transaction that created the dialog.
func (d *Dialog) InitiatingBranch() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.initiating
}

// Confirm moves an early dialog to CONFIRMED.
func (d *Dialog) Confirm() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == StateTerminated {
		return ErrDialogTerminated
	}
	d.state = StateConfirmed
	return nil
}

func (d *Dialog) ongoing(kind Kind) (map[string]Transaction, error) {
	switch kind {
	case ClientTransaction:
		return d.clients, nil
	case ServerTransaction:
		return d.servers, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
}

func (d *Dialog) notOngoing(kind Kind, branch string) error {
	if kind == ClientTransaction {
		return ErrClientTransactionNotOngoing{DialogID: d.id, BranchID: branch}
	}
	return ErrServerTransactionNotOngoing{DialogID: d.id, BranchID: branch}
}

// AddOngoing registers tx as running in the dialog.
func (d *Dialog) AddOngoing(tx Transaction) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == StateTerminated {
		return ErrDialogTerminated
	}
	set, err := d.ongoing(tx.Kind)
	if err != nil {
		return err
	}
	if _, dup := set[tx.BranchID]; dup {
		return fmt.Errorf("%w: %s %s", ErrDuplicateTransaction, tx.Kind, tx.BranchID)
	}
	set[tx.BranchID] = tx
	if d.initiating == "" {
		d.initiating = tx.BranchID
	}
	d.index.put(tx.Kind, tx.BranchID, d.id)
	return nil
}

// RemoveOngoing drops tx from the dialog. Removal from a terminated dialog is
// a no-op since Terminate already cleared every transaction.
func (d *Dialog) RemoveOngoing(tx Transaction) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == StateTerminated {
		return nil
	}
	set, err := d.ongoing(tx.Kind)
	if err != nil {
		return err
	}
	if _, ok := set[tx.BranchID]; !ok {
		return d.notOngoing(tx.Kind, tx.BranchID)
	}
	delete(set, tx.BranchID)
	if tx.Kind == ClientTransaction {
		delete(d.associated, tx.BranchID)
	}
	d.index.drop(tx.Kind, tx.BranchID)
	return nil
}

// HasOngoing reports whether the branch is running in the dialog.
func (d *Dialog) HasOngoing(kind Kind, branchID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	set, err := d.ongoing(kind)
	if err != nil {
		return false
	}
	_, ok := set[branchID]
	return ok
}

// Transaction returns the ongoing transaction for branchID.
func (d *Dialog) Transaction(kind Kind, branchID string) (Transaction, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	set, err := d.ongoing(kind)
	if err != nil {
		return Transaction{}, false
	}
	tx, ok := set[branchID]
	return tx, ok
}

// Ongoing returns the ongoing branch IDs of kind, sorted.
func (d *Dialog) Ongoing(kind Kind) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	set, err := d.ongoing(kind)
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(set))
	for branch := range set {
		out = append(out, branch)
	}
	slices.Sort(out)
	return out
}

// Terminate clears every association and returns the activity handle the
// adapter must end through the kernel. Terminating twice returns the handle
// again.
func (d *Dialog) Terminate() domain.ActivityContextHandle {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == StateTerminated {
		return d.handle
	}
	for branch := range d.clients {
		d.index.drop(ClientTransaction, branch)
	}
	for branch := range d.servers {
		d.index.drop(ServerTransaction, branch)
	}
	clear(d.clients)
	clear(d.servers)
	clear(d.associated)
	d.state = StateTerminated
	return d.handle
}
