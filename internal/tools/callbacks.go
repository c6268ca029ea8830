package tools

// BeforeCallback runs before a tool executes. A non-nil result skips the
// tool and is used as its response; a non-nil error fails the call.
type BeforeCallback func(ctx Context, t Tool, args map[string]any) (map[string]any, error)

// AfterCallback runs once the tool has produced its response payload. The
// returned values replace the tool's; return them unchanged to pass through.
type AfterCallback func(ctx Context, t Tool, args, result map[string]any, err error) (map[string]any, error)
