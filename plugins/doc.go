// Package plugins hosts service plugin subpackages. It contains no runtime
// code; the architecture guard that lives alongside it keeps every plugin on
// the public pkg/pluginapi and pkg/domain contracts.
package plugins
