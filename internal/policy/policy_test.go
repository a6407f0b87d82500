package policy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeArtifact(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "decision.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestNoPathMeansNoOverride(t *testing.T) {
	st := NewStore("", zap.NewNop())
	snap := st.Current()
	assert.Nil(t, snap)

	_, applies := snap.Override("any-model")
	assert.False(t, applies)
}

func TestMissingArtifactFailsClosed(t *testing.T) {
	st := NewStore(filepath.Join(t.TempDir(), "nope.json"), zap.NewNop())
	snap := st.Current()
	require.NotNil(t, snap)
	assert.False(t, snap.OK)

	allowed, applies := snap.Override("m1")
	assert.True(t, applies, "a broken artifact denies every model")
	assert.False(t, allowed)
}

func TestUnparseableArtifactFailsClosed(t *testing.T) {
	path := writeArtifact(t, "{not json")
	snap := NewStore(path, zap.NewNop()).Current()
	assert.False(t, snap.OK)
}

func TestDenyStatusFailsClosed(t *testing.T) {
	for _, status := range []string{"deny", "unknown"} {
		path := writeArtifact(t, `{"ok": true, "status": "`+status+`", "enable_extract": true}`)
		snap := NewStore(path, zap.NewNop()).Current()
		assert.False(t, snap.OK, "status %s must deny", status)
	}
}

func TestContractErrorsFailClosed(t *testing.T) {
	path := writeArtifact(t, `{"ok": true, "status": "allow", "enable_extract": true, "contract_errors": 2}`)
	snap := NewStore(path, zap.NewNop()).Current()
	assert.False(t, snap.OK)
}

func TestNotOKFailsClosed(t *testing.T) {
	path := writeArtifact(t, `{"ok": false, "status": "allow", "enable_extract": true}`)
	snap := NewStore(path, zap.NewNop()).Current()
	assert.False(t, snap.OK)

	allowed, applies := snap.Override("m1")
	assert.True(t, applies)
	assert.False(t, allowed)
}

func TestAllowArtifactOverrides(t *testing.T) {
	path := writeArtifact(t, `{"ok": true, "status": "allow", "enable_extract": false}`)
	snap := NewStore(path, zap.NewNop()).Current()
	require.True(t, snap.OK)

	allowed, applies := snap.Override("m1")
	assert.True(t, applies)
	assert.False(t, allowed, "enable_extract=false is merged onto the model")
}

func TestScopedArtifactSkipsOtherModels(t *testing.T) {
	path := writeArtifact(t, `{"ok": true, "status": "allow", "enable_extract": false, "model_id": "m1"}`)
	snap := NewStore(path, zap.NewNop()).Current()

	_, applies := snap.Override("m2")
	assert.False(t, applies, "scoped decisions do not apply to other models")

	allowed, applies := snap.Override("m1")
	assert.True(t, applies)
	assert.False(t, allowed)
}

func TestReloadPicksUpChanges(t *testing.T) {
	path := writeArtifact(t, `{"ok": true, "status": "allow", "enable_extract": false}`)
	st := NewStore(path, zap.NewNop())
	require.True(t, st.Current().OK)

	require.NoError(t, os.WriteFile(path, []byte(`{"ok": true, "status": "allow", "enable_extract": true}`), 0o644))
	snap := st.Reload()
	allowed, applies := snap.Override("m1")
	assert.True(t, applies)
	assert.True(t, allowed)
}
