// Package builtin provides the tools every toolflow deployment ships with.
package builtin

import (
	"toolflow/internal/tools"
	"toolflow/internal/tools/middleware"
)

// All returns the built-in tools.
func All() []tools.Tool {
	return []tools.Tool{
		NewSaveMemoryTool(),
		NewRecallMemoryTool(),
		NewRequestApprovalTool(),
		NewTransferTool(),
		NewEscalateTool(),
		NewWaitTool(),
	}
}

// RegisterAll registers the built-in tools, each wrapped with mws.
func RegisterAll(registry *tools.Registry, mws ...middleware.Middleware) {
	for _, t := range All() {
		registry.Register(middleware.Apply(t, mws...))
	}
}
