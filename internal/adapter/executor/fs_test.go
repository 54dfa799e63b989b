package executor

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentswarm/internal/domain"
	"agentswarm/internal/security"
)

func setupFS(t *testing.T, shadow bool) (*fakeStager, *security.Sandbox, func(topic string, payload any) domain.ToolReply) {
	t.Helper()
	bus := newBus(t)
	sb := newSandbox(t)
	stager := &fakeStager{enabled: shadow}
	effects := NewEffects(sb, &fakeShell{}, NewCommandPolicy(nil), quietLogger())
	mut := NewMutation(stager, effects, quietLogger())
	mount(t, bus, NewRegistry(quietLogger()), NewFS(sb, mut, 64, quietLogger()).Endpoints()...)
	return stager, sb, func(topic string, payload any) domain.ToolReply {
		return call(t, bus, topic, "coder", payload)
	}
}

func TestFS_WriteDirectWhenShadowOff(t *testing.T) {
	stager, sb, do := setupFS(t, false)

	reply := do(domain.TopicFSWrite, map[string]string{"path": "pkg/a.txt", "content": "hello"})
	require.False(t, reply.IsError(), reply.Error)
	assert.False(t, reply.Staged)
	assert.Empty(t, stager.staged())

	data, err := os.ReadFile(filepath.Join(sb.Root(), "pkg", "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestFS_WriteStagedWhenShadowOn(t *testing.T) {
	stager, sb, do := setupFS(t, true)

	reply := do(domain.TopicFSWrite, map[string]string{"path": "a.txt", "content": "hello"})
	require.False(t, reply.IsError(), reply.Error)
	assert.True(t, reply.Staged)
	assert.Equal(t, "act-1", reply.ActionID)

	staged := stager.staged()
	require.Len(t, staged, 1)
	assert.Equal(t, "coder", staged[0].agentID)
	assert.Equal(t, domain.ActionWrite, staged[0].kind)
	var p domain.WritePayload
	require.NoError(t, json.Unmarshal(staged[0].payload, &p))
	assert.Equal(t, domain.WritePayload{Path: "a.txt", Content: "hello"}, p)

	_, err := os.Stat(filepath.Join(sb.Root(), "a.txt"))
	assert.True(t, os.IsNotExist(err), "staged write must not touch the filesystem")
}

func TestFS_ReadAndList(t *testing.T) {
	_, sb, do := setupFS(t, true)
	require.NoError(t, os.WriteFile(filepath.Join(sb.Root(), "notes.md"), []byte("# notes"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(sb.Root(), "src"), 0o755))

	reply := do(domain.TopicFSRead, map[string]string{"path": "notes.md"})
	require.False(t, reply.IsError(), reply.Error)
	assert.Equal(t, "# notes", reply.Output)

	reply = do(domain.TopicFSList, map[string]string{})
	require.False(t, reply.IsError(), reply.Error)
	assert.Contains(t, reply.Output, "notes.md\n")
	assert.Contains(t, reply.Output, "src/\n")
}

func TestFS_ReadLimit(t *testing.T) {
	_, sb, do := setupFS(t, false)
	big := make([]byte, 65)
	require.NoError(t, os.WriteFile(filepath.Join(sb.Root(), "big.bin"), big, 0o644))

	reply := do(domain.TopicFSRead, map[string]string{"path": "big.bin"})
	assert.True(t, reply.IsError())
	assert.Contains(t, reply.Error, "limit")
}

func TestFS_PathOutsideSandboxNeverStaged(t *testing.T) {
	stager, _, do := setupFS(t, true)

	for _, path := range []string{"../escape.txt", "/etc/passwd"} {
		reply := do(domain.TopicFSWrite, map[string]string{"path": path, "content": "x"})
		assert.True(t, reply.IsError(), path)
		assert.Contains(t, reply.Error, "outside sandbox")
	}
	assert.Empty(t, stager.staged())
}

func TestFS_DeleteDirect(t *testing.T) {
	_, sb, do := setupFS(t, false)
	target := filepath.Join(sb.Root(), "old.txt")
	require.NoError(t, os.WriteFile(target, []byte("x"), 0o644))

	reply := do(domain.TopicFSDelete, map[string]string{"path": "old.txt"})
	require.False(t, reply.IsError(), reply.Error)

	_, err := os.Stat(target)
	assert.True(t, os.IsNotExist(err))
}

func TestFS_MissingRequiredArgument(t *testing.T) {
	_, _, do := setupFS(t, false)
	reply := do(domain.TopicFSWrite, map[string]string{"path": "a.txt"})
	assert.True(t, reply.IsError())
}
