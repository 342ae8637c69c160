package converge

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/jsierles/opscode-agent/shared/payload"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNode = &Node{Name: "test-node", Platform: "linux"}

func newTestLogger() (*logrus.Logger, *test.Hook) {
	log, hook := test.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)
	return log, hook
}

func messages(hook *test.Hook) []string {
	var out []string
	for _, e := range hook.AllEntries() {
		out = append(out, e.Message)
	}
	return out
}

func TestNewResource_Validation(t *testing.T) {
	tests := []struct {
		name    string
		spec    payload.Resource
		wantErr error
		action  string
	}{
		{"default file action", payload.Resource{Type: "file", Name: "/tmp/x"}, nil, "create"},
		{"default execute action", payload.Resource{Type: "execute", Name: "true"}, nil, "run"},
		{"explicit nothing", payload.Resource{Type: "log", Name: "hi", Action: "nothing"}, nil, "nothing"},
		{"unknown type", payload.Resource{Type: "package", Name: "nginx"}, ErrUnknownResourceType, ""},
		{"missing name", payload.Resource{Type: "file", Name: " "}, ErrInvalidResource, ""},
		{"unsupported action", payload.Resource{Type: "directory", Name: "/tmp", Action: "touch"}, ErrUnsupportedAction, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := NewResource(tt.spec, testNode)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.action, res.Action())
			assert.Same(t, testNode, res.Node())
		})
	}
}

func TestNewResource_DoesNotAliasAttributes(t *testing.T) {
	attrs := map[string]string{"content": "a"}
	res, err := NewResource(payload.Resource{Type: "file", Name: "/tmp/x", Attributes: attrs}, testNode)
	require.NoError(t, err)

	attrs["content"] = "b"
	assert.Equal(t, "a", res.Attribute("content", ""))
}

func TestFileResource(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "motd")
	log, _ := newTestLogger()
	ctx := context.Background()

	newFile := func(action, content string) *Resource {
		res, err := NewResource(payload.Resource{
			Type:       "file",
			Name:       path,
			Action:     action,
			Attributes: map[string]string{"content": content, "mode": "0600"},
		}, testNode)
		require.NoError(t, err)
		return res
	}

	res := newFile("create", "hello ${node.name}\n")
	require.NoError(t, res.RunAction(ctx, "create", log))
	assert.True(t, res.Updated())
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "hello test-node\n", string(data))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	res = newFile("create", "hello ${node.name}\n")
	require.NoError(t, res.RunAction(ctx, "create", log))
	assert.False(t, res.Updated(), "second create is idempotent")

	res = newFile("create", "changed\n")
	require.NoError(t, res.RunAction(ctx, "create", log))
	assert.True(t, res.Updated())

	res = newFile("delete", "")
	require.NoError(t, res.RunAction(ctx, "delete", log))
	assert.True(t, res.Updated())
	assert.NoFileExists(t, path)

	res = newFile("delete", "")
	require.NoError(t, res.RunAction(ctx, "delete", log))
	assert.False(t, res.Updated())

	res = newFile("touch", "")
	require.NoError(t, res.RunAction(ctx, "touch", log))
	assert.FileExists(t, path)
}

func TestFileResource_InvalidMode(t *testing.T) {
	log, _ := newTestLogger()
	res, err := NewResource(payload.Resource{
		Type: "file", Name: filepath.Join(t.TempDir(), "f"), Attributes: map[string]string{"mode": "rwx"},
	}, testNode)
	require.NoError(t, err)

	err = res.RunAction(context.Background(), "create", log)
	assert.ErrorIs(t, err, ErrInvalidResource)
}

func TestDirectoryResource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a", "b")
	log, _ := newTestLogger()
	ctx := context.Background()

	res, err := NewResource(payload.Resource{Type: "directory", Name: path}, testNode)
	require.NoError(t, err)
	require.NoError(t, res.RunAction(ctx, "create", log))
	assert.True(t, res.Updated())
	assert.DirExists(t, path)

	res, err = NewResource(payload.Resource{Type: "directory", Name: path}, testNode)
	require.NoError(t, err)
	require.NoError(t, res.RunAction(ctx, "create", log))
	assert.False(t, res.Updated())

	require.NoError(t, os.WriteFile(filepath.Join(path, "f"), nil, 0o600))
	res, err = NewResource(payload.Resource{Type: "directory", Name: path, Action: "delete"}, testNode)
	require.NoError(t, err)
	err = res.RunAction(ctx, "delete", log)
	assert.ErrorIs(t, err, ErrResourceFailed, "non-recursive delete of a non-empty directory")

	res, err = NewResource(payload.Resource{
		Type: "directory", Name: path, Action: "delete", Attributes: map[string]string{"recursive": "true"},
	}, testNode)
	require.NoError(t, err)
	require.NoError(t, res.RunAction(ctx, "delete", log))
	assert.NoDirExists(t, path)
}

func TestExecuteResource(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "ran")
	log, hook := newTestLogger()
	ctx := context.Background()

	res, err := NewResource(payload.Resource{
		Type:       "execute",
		Name:       "create marker",
		Attributes: map[string]string{"command": "echo output-line && touch ran", "cwd": dir, "creates": marker},
	}, testNode)
	require.NoError(t, err)
	require.NoError(t, res.RunAction(ctx, "run", log))
	assert.True(t, res.Updated())
	assert.FileExists(t, marker)
	assert.Contains(t, messages(hook), "execute[create marker]: output-line")

	res, err = NewResource(payload.Resource{
		Type:       "execute",
		Name:       "create marker",
		Attributes: map[string]string{"command": "exit 1", "creates": marker},
	}, testNode)
	require.NoError(t, err)
	require.NoError(t, res.RunAction(ctx, "run", log))
	assert.False(t, res.Updated(), "skipped because creates exists")
}

func TestExecuteResource_Failure(t *testing.T) {
	log, _ := newTestLogger()

	res, err := NewResource(payload.Resource{Type: "execute", Name: "exit 3"}, testNode)
	require.NoError(t, err)
	err = res.RunAction(context.Background(), "run", log)
	require.ErrorIs(t, err, ErrResourceFailed)
	assert.Contains(t, err.Error(), "returned 3, expected 0")

	res, err = NewResource(payload.Resource{Type: "execute", Name: "exit 3", Attributes: map[string]string{"returns": "3"}}, testNode)
	require.NoError(t, err)
	assert.NoError(t, res.RunAction(context.Background(), "run", log))
}

func TestLogResource(t *testing.T) {
	log, hook := newTestLogger()

	res, err := NewResource(payload.Resource{
		Type: "log", Name: "greeting", Attributes: map[string]string{"message": "hello ${node.name}", "level": "warn"},
	}, testNode)
	require.NoError(t, err)
	require.NoError(t, res.RunAction(context.Background(), "write", log))

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, "hello test-node", entry.Message)
	assert.Equal(t, logrus.WarnLevel, entry.Level)

	res, err = NewResource(payload.Resource{Type: "log", Name: "x", Attributes: map[string]string{"level": "loud"}}, testNode)
	require.NoError(t, err)
	assert.ErrorIs(t, res.RunAction(context.Background(), "write", log), ErrInvalidResource)
}

func TestSpecs_KeepUpdatedFlag(t *testing.T) {
	log, _ := newTestLogger()
	logged, err := NewResource(payload.Resource{Type: "log", Name: "a"}, testNode)
	require.NoError(t, err)
	skipped, err := NewResource(payload.Resource{Type: "log", Name: "b", Action: "nothing"}, testNode)
	require.NoError(t, err)

	require.NoError(t, logged.RunAction(context.Background(), "write", log))
	require.NoError(t, skipped.RunAction(context.Background(), "nothing", log))

	specs := Specs([]*Resource{logged, skipped})
	assert.Equal(t, []payload.Resource{
		{Type: "log", Name: "a", Action: "write", Updated: true},
		{Type: "log", Name: "b", Action: "nothing"},
	}, specs)
}
