package dialog

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"sleecore/pkg/domain"
)

type branchKey struct {
	kind   Kind
	branch string
}

// branchIndex maps ongoing branches to their dialog IDs. Dialogs update it
// while holding their own lock; the index lock is always taken last.
type branchIndex struct {
	mu      sync.RWMutex
	entries map[branchKey]string
}

func (i *branchIndex) put(kind Kind, branch, dialogID string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.entries[branchKey{kind, branch}] = dialogID
}

func (i *branchIndex) drop(kind Kind, branch string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.entries, branchKey{kind, branch})
}

func (i *branchIndex) lookup(kind Kind, branch string) (string, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	id, ok := i.entries[branchKey{kind, branch}]
	return id, ok
}

// Registry is the association table from dialog ID to Dialog and from
// branch ID to the owning dialog.
type Registry struct {
	source  string
	mu      sync.RWMutex
	dialogs map[string]*Dialog
	index   *branchIndex
}

// NewRegistry returns an empty registry whose activity handles carry source
// (for example "sip").
func NewRegistry(source string) *Registry {
	return &Registry{
		source:  source,
		dialogs: make(map[string]*Dialog),
		index:   &branchIndex{entries: make(map[branchKey]string)},
	}
}

// Create registers a dialog started by initiating.
func (r *Registry) Create(dialogID string, initiating Transaction) (*Dialog, error) {
	if dialogID == "" {
		return nil, errors.New("dialog id required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.dialogs[dialogID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDialogExists, dialogID)
	}
	handle := domain.ActivityContextHandle{Kind: domain.ActivityKindAdaptor, Source: r.source, ID: dialogID}
	d := newDialog(dialogID, handle, r.index)
	if err := d.AddOngoing(initiating); err != nil {
		return nil, err
	}
	r.dialogs[dialogID] = d
	return d, nil
}

// Get returns the dialog for id.
func (r *Registry) Get(dialogID string) (*Dialog, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.dialogs[dialogID]
	return d, ok
}

// ByBranch returns the dialog running the branch.
func (r *Registry) ByBranch(kind Kind, branchID string) (*Dialog, bool) {
	id, ok := r.index.lookup(kind, branchID)
	if !ok {
		return nil, false
	}
	return r.Get(id)
}

// Dialogs returns the registered dialog IDs, sorted.
func (r *Registry) Dialogs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.dialogs))
	for id := range r.dialogs {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Associate records that client, ongoing in dialog clientDialog, relays
// server, ongoing in dialog serverDialog. A client relays at most one server
// transaction; a server transaction may be relayed by many clients.
func (r *Registry) Associate(clientDialog, clientBranch, serverDialog, serverBranch string) error {
	cd, ok := r.Get(clientDialog)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDialog, clientDialog)
	}
	sd, ok := r.Get(serverDialog)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDialog, serverDialog)
	}
	if !sd.HasOngoing(ServerTransaction, serverBranch) {
		return ErrServerTransactionNotOngoing{DialogID: serverDialog, BranchID: serverBranch}
	}
	cd.mu.Lock()
	defer cd.mu.Unlock()
	if _, ok := cd.clients[clientBranch]; !ok {
		return ErrClientTransactionNotOngoing{DialogID: clientDialog, BranchID: clientBranch}
	}
	cd.associated[clientBranch] = serverRef{dialogID: serverDialog, branchID: serverBranch}
	return nil
}

// AssociatedServer returns the server transaction relayed by the client
// branch of dialogID.
func (r *Registry) AssociatedServer(dialogID, clientBranch string) (Transaction, bool, error) {
	cd, ok := r.Get(dialogID)
	if !ok {
		return Transaction{}, false, fmt.Errorf("%w: %s", ErrUnknownDialog, dialogID)
	}
	cd.mu.Lock()
	_, ongoing := cd.clients[clientBranch]
	ref, associated := cd.associated[clientBranch]
	cd.mu.Unlock()
	if !ongoing {
		return Transaction{}, false, ErrClientTransactionNotOngoing{DialogID: dialogID, BranchID: clientBranch}
	}
	if !associated {
		return Transaction{}, false, nil
	}
	sd, ok := r.Get(ref.dialogID)
	if !ok {
		return Transaction{}, false, nil
	}
	tx, ok := sd.Transaction(ServerTransaction, ref.branchID)
	return tx, ok, nil
}

// Terminate ends the dialog, drops it from the registry and returns its
// activity handle.
func (r *Registry) Terminate(dialogID string) (domain.ActivityContextHandle, error) {
	r.mu.Lock()
	d, ok := r.dialogs[dialogID]
	delete(r.dialogs, dialogID)
	r.mu.Unlock()
	if !ok {
		return domain.ActivityContextHandle{}, fmt.Errorf("%w: %s", ErrUnknownDialog, dialogID)
	}
	return d.Terminate(), nil
}

// Dispatch resolves the dialog owning the ongoing transaction tx. Client and
// server branches live in separate namespaces.
func (r *Registry) Dispatch(tx Transaction) (*Dialog, error) {
	switch tx.Kind {
	case ClientTransaction, ServerTransaction:
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, tx.Kind)
	}
	d, ok := r.ByBranch(tx.Kind, tx.BranchID)
	if !ok {
		if tx.Kind == ClientTransaction {
			return nil, ErrClientTransactionNotOngoing{BranchID: tx.BranchID}
		}
		return nil, ErrServerTransactionNotOngoing{BranchID: tx.BranchID}
	}
	return d, nil
}
