// Package pluginapi is the surface service plugins compile against: the
// managed component contract, descriptors and the registration hooks.
package pluginapi

import "sleecore/pkg/domain"

// Version is the plugin API revision.
const Version = "v1"

// Registry receives plugin contributions during installation.
type Registry interface {
	RegisterComponent(desc ComponentDescriptor) error
	RegisterService(desc ServiceDescriptor) error
	RegisterProfileTable(spec ProfileTableSpec) error
	RegisterRule(rule domain.Rule)
}

// Plugin bundles components, services and rules.
type Plugin interface {
	Name() string
	Version() string
	Register(Registry) error
}
