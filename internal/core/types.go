// Package core is the service-execution kernel: the service lifecycle
// manager, the managed entity tree, activity contexts and the event router
// that drives them. Kernel operations run inside a caller-supplied
// transaction carried by the context; only the container's management
// operations and the router demarcate transactions.
package core

import "sleecore/pkg/domain"

type (
	Transaction           = domain.Transaction
	TransactionView       = domain.TransactionView
	PersistentStore       = domain.PersistentStore
	RulesEngine           = domain.RulesEngine
	Result                = domain.Result
	ServiceID             = domain.ServiceID
	ComponentID           = domain.ComponentID
	ServiceState          = domain.ServiceState
	ActivityContextHandle = domain.ActivityContextHandle
)

// Store is the persistent store the container runs on. Plugin rules are
// registered into its rules engine.
type Store interface {
	domain.PersistentStore
	RulesEngine() *domain.RulesEngine
}
