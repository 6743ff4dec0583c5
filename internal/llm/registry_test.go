package llm_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "AgentLoom/internal/errors"
	"AgentLoom/internal/llm"
)

type staticClient struct{ text string }

func (c *staticClient) Generate(context.Context, llm.Request) (*llm.Response, error) {
	return &llm.Response{Text: c.text}, nil
}

func TestRegistryResolveEmptyRefReturnsFallback(t *testing.T) {
	fallback := &staticClient{text: "default"}
	reg := llm.NewRegistry(fallback)

	client, err := reg.Resolve("")
	require.NoError(t, err)
	assert.Same(t, fallback, client)

	client, err = reg.Resolve("   ")
	require.NoError(t, err)
	assert.Same(t, fallback, client)
}

func TestRegistryResolveNamedRef(t *testing.T) {
	fallback := &staticClient{text: "default"}
	alt := &staticClient{text: "alt"}
	reg := llm.NewRegistry(fallback)
	require.NoError(t, reg.Register("openai/gpt-4o", alt))

	client, err := reg.Resolve("openai/gpt-4o")
	require.NoError(t, err)
	assert.Same(t, alt, client)
}

func TestRegistryResolveUnknownRef(t *testing.T) {
	reg := llm.NewRegistry(&staticClient{})

	_, err := reg.Resolve("anthropic/claude-x")
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeNotFound, xerrors.CodeOf(err))
}

func TestRegistryRegisterValidation(t *testing.T) {
	reg := llm.NewRegistry(&staticClient{})

	err := reg.Register("", &staticClient{})
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))

	err = reg.Register("openai/gpt-4o", nil)
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))

	require.NoError(t, reg.Register("openai/gpt-4o", &staticClient{}))
	err = reg.Register("openai/gpt-4o", &staticClient{})
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeConflict, xerrors.CodeOf(err))
}

func TestRegistryResolveWithoutFallback(t *testing.T) {
	reg := llm.NewRegistry(nil)

	_, err := reg.Resolve("")
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeInitializationFailure, xerrors.CodeOf(err))
}
