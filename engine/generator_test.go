package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/nim-memory/core"
	"github.com/becomeliminal/nim-memory/memory"
)

func TestFoldMessages(t *testing.T) {
	msgs := []memory.ContextMessage{
		{Role: core.RoleAssistant, Content: "Welcome back."},
		{Role: core.RoleUser, Content: "My name is Zephyr1234"},
		{Role: core.RoleAssistant, Content: "Noted."},
		{Role: core.RoleSystem, Content: "[Context from conversation]: My cat is Whiskers"},
		{Role: core.RoleSystem, Content: memory.InstructionsWithContext},
		{Role: core.RoleUser, Content: ""},
		{Role: core.RoleUser, Content: "What is my name?"},
	}

	system, turns := foldMessages("base prompt", msgs)

	assert.Equal(t, "base prompt\n\n[Context from conversation]: My cat is Whiskers\n\n"+memory.InstructionsWithContext, system)
	require.Len(t, turns, 5)
	assert.Equal(t, core.RoleUser, turns[0].Role)
	assert.Equal(t, "(earlier conversation)", turns[0].Content)
	assert.Equal(t, core.RoleAssistant, turns[1].Role)
	assert.Equal(t, core.RoleUser, turns[2].Role)
	assert.Equal(t, core.RoleAssistant, turns[3].Role)
	assert.Equal(t, "What is my name?", turns[4].Content)
}

func TestFoldMessages_MergesSameRole(t *testing.T) {
	_, turns := foldMessages("", []memory.ContextMessage{
		{Role: core.RoleUser, Content: "first"},
		{Role: core.RoleUser, Content: "second"},
	})
	require.Len(t, turns, 1)
	assert.Equal(t, "first\n\nsecond", turns[0].Content)
}

func TestClaudeGenerator_Params(t *testing.T) {
	g := NewClaudeGenerator(nil, WithModel("claude-test"), WithMaxTokens(64), WithSystemPrompt("be brief"))

	params, err := g.params([]memory.ContextMessage{
		{Role: core.RoleSystem, Content: "instructions"},
		{Role: core.RoleUser, Content: "hi"},
	})
	require.NoError(t, err)
	assert.Equal(t, "claude-test", string(params.Model))
	assert.Equal(t, int64(64), params.MaxTokens)
	require.Len(t, params.System, 1)
	assert.Equal(t, "be brief\n\ninstructions", params.System[0].Text)
	assert.Len(t, params.Messages, 1)

	_, err = g.params([]memory.ContextMessage{{Role: core.RoleSystem, Content: "only system"}})
	assert.Error(t, err)
}

func TestEchoGenerator(t *testing.T) {
	reply, err := EchoGenerator.Generate(context.Background(), []memory.ContextMessage{
		{Role: core.RoleSystem, Content: "[Context from conversation]: My name is Zephyr1234", Source: memory.SourceLongTerm},
		{Role: core.RoleUser, Content: "What is my name?", Source: memory.SourceQuery},
	})
	require.NoError(t, err)
	assert.Equal(t, "[Context from conversation]: My name is Zephyr1234", reply)

	reply, err = EchoGenerator.Generate(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, NoInformationReply, reply)
}

func TestClaudeGenerator_Defaults(t *testing.T) {
	g := NewClaudeGenerator(nil, WithModel(""), WithMaxTokens(0))
	assert.Equal(t, DefaultModel, g.model)
	assert.Equal(t, int64(DefaultMaxTokens), g.maxTokens)
	assert.Equal(t, DefaultSystemPrompt, g.systemPrompt)
}
