package builtin

import (
	"google.golang.org/genai"

	"toolflow/internal/agents/state"
	"toolflow/internal/tools"
	"toolflow/pkg/errors"
)

const (
	ScopeSession = "session"
	ScopeUser    = "user"
	ScopeApp     = "app"
)

var scopeSchema = &genai.Schema{
	Type:        genai.TypeString,
	Description: "Where to keep the value: session (default), user (all sessions of this user) or app (everyone).",
	Enum:        []string{ScopeSession, ScopeUser, ScopeApp},
}

// memoryKey maps a tool-level key and scope to a state key.
func memoryKey(key, scope string) (string, error) {
	if key == "" {
		return "", errors.NewValidationError("key", "must not be empty", key)
	}
	switch scope {
	case "", ScopeSession:
		return "memory:" + key, nil
	case ScopeUser:
		return state.UserKey("memory:" + key), nil
	case ScopeApp:
		return state.AppKey("memory:" + key), nil
	default:
		return "", errors.NewValidationError("scope", "must be session, user or app", scope)
	}
}

// NewSaveMemoryTool creates a tool that remembers a value in conversation state.
func NewSaveMemoryTool() tools.Tool {
	return tools.New(tools.Config{
		Name:        "save_memory",
		Description: "Remember a value under a key so later turns (and, with a wider scope, other sessions) can recall it.",
		Parameters: &genai.Schema{
			Type: genai.TypeObject,
			Properties: map[string]*genai.Schema{
				"key":   {Type: genai.TypeString, Description: "Name to store the value under."},
				"value": {Type: genai.TypeString, Description: "Value to remember."},
				"scope": scopeSchema,
			},
			Required: []string{"key", "value"},
		},
	}, func(ctx tools.Context, args map[string]any) (any, error) {
		key, _ := args["key"].(string)
		scope, _ := args["scope"].(string)

		stateKey, err := memoryKey(key, scope)
		if err != nil {
			return nil, err
		}
		if err := ctx.State().Set(stateKey, args["value"]); err != nil {
			return nil, err
		}

		return map[string]any{"saved": key}, nil
	})
}

// NewRecallMemoryTool creates a tool that reads a value saved by save_memory.
func NewRecallMemoryTool() tools.Tool {
	return tools.New(tools.Config{
		Name:        "recall_memory",
		Description: "Recall a value previously saved with save_memory.",
		Parameters: &genai.Schema{
			Type: genai.TypeObject,
			Properties: map[string]*genai.Schema{
				"key":   {Type: genai.TypeString, Description: "Name the value was stored under."},
				"scope": scopeSchema,
			},
			Required: []string{"key"},
		},
	}, func(ctx tools.Context, args map[string]any) (any, error) {
		key, _ := args["key"].(string)
		scope, _ := args["scope"].(string)

		stateKey, err := memoryKey(key, scope)
		if err != nil {
			return nil, err
		}

		value, err := ctx.State().Get(stateKey)
		if errors.Is(err, errors.ErrStateKeyNotExist) {
			return map[string]any{"found": false}, nil
		}
		if err != nil {
			return nil, err
		}

		return map[string]any{"found": true, "value": value}, nil
	})
}
