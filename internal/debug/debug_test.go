package debug

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogfGatedByVerbose(t *testing.T) {
	if os.Getenv("HOOKWIRE_DEBUG") != "" {
		t.Skip("HOOKWIRE_DEBUG is set; gating cannot be observed")
	}

	f, err := os.Create(filepath.Join(t.TempDir(), "stderr"))
	require.NoError(t, err)
	old := os.Stderr
	os.Stderr = f
	defer func() {
		os.Stderr = old
		SetVerbose(false)
	}()

	Logf("hidden %d", 1)
	SetVerbose(true)
	Logf("shown %d", 2)

	data, err := os.ReadFile(f.Name())
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hidden")
	assert.Contains(t, string(data), "shown 2")
}
