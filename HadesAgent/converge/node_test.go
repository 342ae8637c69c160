package converge

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildNode(t *testing.T) {
	node, err := BuildNode(context.Background())
	require.NoError(t, err)

	assert.NotEmpty(t, node.Name)
	assert.NotEmpty(t, node.Arch)
	assert.Positive(t, node.CPUs)
	assert.Positive(t, node.MemoryTotal)
}

func TestNode_Expand(t *testing.T) {
	node := &Node{Name: "web-1", Platform: "ubuntu", CPUs: 4}

	tests := []struct {
		input    string
		expected string
	}{
		{"plain text", "plain text"},
		{"host ${node.name}", "host web-1"},
		{"${node.platform}/${node.cpus}", "ubuntu/4"},
		{"${node.unknown} stays", "${node.unknown} stays"},
		{"$HOME and ${PATH} untouched", "$HOME and ${PATH} untouched"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, node.Expand(tt.input))
		})
	}

	var nilNode *Node
	assert.Equal(t, "${node.name}", nilNode.Expand("${node.name}"))
}
