package ai

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"toolflow/internal/adapters/config"
	"toolflow/internal/agents"
	"toolflow/pkg/errors"
)

func TestBuildConfig(t *testing.T) {
	decl := &genai.FunctionDeclaration{Name: "increase_by_one"}
	cfg := buildConfig(&agents.ModelRequest{
		SystemInstruction: "be brief",
		Tools:             []*genai.FunctionDeclaration{decl},
	})

	require.NotNil(t, cfg.SystemInstruction)
	assert.Equal(t, "be brief", cfg.SystemInstruction.Parts[0].Text)
	require.Len(t, cfg.Tools, 1)
	assert.Equal(t, []*genai.FunctionDeclaration{decl}, cfg.Tools[0].FunctionDeclarations)
}

func TestBuildConfig_Empty(t *testing.T) {
	cfg := buildConfig(&agents.ModelRequest{})

	assert.Nil(t, cfg.SystemInstruction)
	assert.Empty(t, cfg.Tools)
}

func TestFirstCandidate(t *testing.T) {
	content, err := firstCandidate(&genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{Content: &genai.Content{Parts: []*genai.Part{{Text: "hi"}}}}},
	})
	require.NoError(t, err)
	assert.Equal(t, string(genai.RoleModel), content.Role)

	_, err = firstCandidate(&genai.GenerateContentResponse{})
	assert.True(t, errors.Is(err, errors.ErrInternal))
}

func TestNewGeminiModel_RequiresKey(t *testing.T) {
	_, err := NewGeminiModel(context.Background(), config.AIConfig{Model: "gemini-2.5-flash"})
	assert.True(t, errors.Is(err, errors.ErrInvalidInput))
}
