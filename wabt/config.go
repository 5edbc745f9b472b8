package wabt

import (
	"go.uber.org/zap"

	"github.com/wippyai/wabt-go/abi"
)

// Config configures a Toolkit. A nil *Config selects the defaults.
type Config struct {
	// Logger receives allocation, release and operation logs. Nil selects
	// the package logger.
	Logger *zap.Logger

	// Registry holds the struct descriptors. Toolkits bound to instances of
	// the same build may share one; nil creates a registry per toolkit.
	Registry *abi.Registry

	// OnDiagnostic is called for every diagnostic the toolkit reports, as
	// it is reported.
	OnDiagnostic func(Diagnostic)

	// LayoutPrefix is the export prefix of the layout queries. Empty
	// selects abi.DefaultLayoutPrefix.
	LayoutPrefix string

	// Debug enables the heap's use-after-free guard on every handle access.
	Debug bool
}

func (c *Config) logger() *zap.Logger {
	if c == nil || c.Logger == nil {
		return Logger()
	}
	return c.Logger
}

func (c *Config) registry() *abi.Registry {
	if c == nil || c.Registry == nil {
		return abi.NewRegistry()
	}
	return c.Registry
}
