package mcp

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestServersWithRolePreservesDeclarationOrder(t *testing.T) {
	descriptors := []Descriptor{
		{Name: "charlie", Transport: "sse", URL: "http://127.0.0.1:0", Enable: true, Role: RoleTool},
		{Name: "alpha", Transport: "sse", URL: "http://127.0.0.1:0", Enable: true, Role: RoleTool},
		{Name: "bravo", Transport: "sse", URL: "http://127.0.0.1:0", Enable: true, Role: RoleVectorSearch},
		{Name: "delta", Transport: "sse", URL: "http://127.0.0.1:0", Enable: true, Role: RoleTool},
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := New(ctx, descriptors, nil)

	assert.Equal(t, []string{"charlie", "alpha", "delta"}, p.ServersWithRole(RoleTool),
		"resolution order must match declaration order, not map iteration order, for first-declared-wins to be deterministic")
	assert.Equal(t, []string{"bravo"}, p.ServersWithRole(RoleVectorSearch))
}

func TestServersWithRoleSkipsDisabledDescriptors(t *testing.T) {
	descriptors := []Descriptor{
		{Name: "enabled", Transport: "sse", URL: "http://127.0.0.1:0", Enable: true, Role: RoleTool},
		{Name: "disabled", Transport: "sse", URL: "http://127.0.0.1:0", Enable: false, Role: RoleTool},
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := New(ctx, descriptors, nil)

	assert.Equal(t, []string{"enabled"}, p.ServersWithRole(RoleTool))
}
