package env

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lookup(kvs []string, key string) (string, bool) {
	for _, kv := range kvs {
		if strings.HasPrefix(kv, key+"=") {
			return strings.TrimPrefix(kv, key+"="), true
		}
	}
	return "", false
}

func TestMergePrecedence(t *testing.T) {
	t.Setenv("LO_TEST_VAR", "from-os")

	e := New()
	e.Set("LO_TEST_VAR", "from-global")
	e.Set("GLOBAL_ONLY", "g")

	merged := e.Merge([]string{"LO_TEST_VAR=from-deployment", "LOCAL_ONLY=l"})

	v, ok := lookup(merged, "LO_TEST_VAR")
	require.True(t, ok)
	assert.Equal(t, "from-deployment", v)

	v, ok = lookup(merged, "GLOBAL_ONLY")
	require.True(t, ok)
	assert.Equal(t, "g", v)

	v, ok = lookup(merged, "LOCAL_ONLY")
	require.True(t, ok)
	assert.Equal(t, "l", v)
}

func TestMergeGlobalOverridesOS(t *testing.T) {
	t.Setenv("LO_TEST_VAR2", "from-os")
	e := New()
	e.SetAll([]string{"LO_TEST_VAR2=from-global"})

	v, ok := lookup(e.Merge(nil), "LO_TEST_VAR2")
	require.True(t, ok)
	assert.Equal(t, "from-global", v)
}

func TestExpansion(t *testing.T) {
	e := New()
	e.Set("BASE", "/opt/app")

	merged := e.Merge([]string{"DATA_DIR=${BASE}/data"})
	v, ok := lookup(merged, "DATA_DIR")
	require.True(t, ok)
	assert.Equal(t, "/opt/app/data", v)
}

func TestExpansionUnknownVarLeftIntact(t *testing.T) {
	e := New()
	merged := e.Merge([]string{"X=${NOPE_UNSET_12345}"})
	v, ok := lookup(merged, "X")
	require.True(t, ok)
	assert.Equal(t, "${NOPE_UNSET_12345}", v)
}

func TestSetAllIgnoresMalformed(t *testing.T) {
	e := New()
	e.SetAll([]string{"novalue", "=nokey", "OK=1"})
	v, ok := lookup(e.Merge(nil), "OK")
	require.True(t, ok)
	assert.Equal(t, "1", v)
}
