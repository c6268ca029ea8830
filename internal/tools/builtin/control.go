package builtin

import (
	"time"

	"github.com/dustin/go-humanize"
	"google.golang.org/genai"

	"toolflow/internal/tools"
	"toolflow/pkg/errors"
	"toolflow/pkg/logger"
)

// MaxWait bounds the wait tool.
const MaxWait = time.Minute

// NewRequestApprovalTool creates a long-running tool that asks a human to
// approve an action. The call stays open until the approval arrives as a
// late function response.
func NewRequestApprovalTool() tools.Tool {
	return tools.New(tools.Config{
		Name:        "request_approval",
		Description: "Ask a human operator to approve an action before carrying it out.",
		Parameters: &genai.Schema{
			Type: genai.TypeObject,
			Properties: map[string]*genai.Schema{
				"action": {Type: genai.TypeString, Description: "What needs approval."},
				"reason": {Type: genai.TypeString, Description: "Why the action is needed."},
			},
			Required: []string{"action"},
		},
		LongRunning: true,
	}, func(ctx tools.Context, args map[string]any) (any, error) {
		meta := ctx.Metadata()
		logger.Get().With("component", "approvals", "session", meta.SessionID).
			Infof("Approval requested for %q (call %s)", args["action"], ctx.FunctionCallID())
		return nil, nil
	})
}

// NewTransferTool creates a tool that hands the conversation to another agent.
func NewTransferTool() tools.Tool {
	return tools.New(tools.Config{
		Name:        "transfer_to_agent",
		Description: "Hand the conversation over to another agent.",
		Parameters: &genai.Schema{
			Type: genai.TypeObject,
			Properties: map[string]*genai.Schema{
				"agent_name": {Type: genai.TypeString},
			},
			Required: []string{"agent_name"},
		},
	}, func(ctx tools.Context, args map[string]any) (any, error) {
		name, _ := args["agent_name"].(string)
		if name == "" {
			return nil, errors.NewValidationError("agent_name", "must not be empty", nil)
		}
		ctx.Actions().TransferToAgent = name
		return nil, nil
	})
}

// NewEscalateTool creates a tool that ends the agent's run.
func NewEscalateTool() tools.Tool {
	return tools.New(tools.Config{
		Name:        "escalate",
		Description: "Stop working on the request and return control to the caller.",
	}, func(ctx tools.Context, args map[string]any) (any, error) {
		ctx.Actions().Escalate = true
		return nil, nil
	})
}

// NewWaitTool creates an asynchronous tool that pauses for a number of
// seconds, up to MaxWait. Other calls of the turn keep running meanwhile.
func NewWaitTool() tools.Tool {
	return tools.NewAsync(tools.Config{
		Name:        "wait",
		Description: "Wait for a number of seconds before continuing.",
		Parameters: &genai.Schema{
			Type: genai.TypeObject,
			Properties: map[string]*genai.Schema{
				"seconds": {Type: genai.TypeNumber},
			},
			Required: []string{"seconds"},
		},
	}, func(ctx tools.Context, args map[string]any) <-chan tools.Result {
		return tools.Go(func() (any, error) {
			seconds, ok := args["seconds"].(float64)
			if !ok {
				if n, isInt := args["seconds"].(int); isInt {
					seconds, ok = float64(n), true
				}
			}
			if !ok || seconds < 0 {
				return nil, errors.NewValidationError("seconds", "must be a non-negative number", args["seconds"])
			}

			d := min(time.Duration(seconds*float64(time.Second)), MaxWait)
			started := time.Now()

			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-ctx.Done():
				return nil, ctx.Err()
			}

			return map[string]any{
				"waited":     d.String(),
				"started_at": humanize.Time(started),
			}, nil
		})
	})
}
