package filelock

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyOf(t *testing.T) {
	dir := t.TempDir()
	name := filepath.Join(dir, "data")
	require.NoError(t, os.WriteFile(name, []byte("x"), 0o600))

	a, err := os.Open(name)
	require.NoError(t, err)
	defer a.Close()
	b, err := os.OpenFile(name, os.O_RDWR, 0)
	require.NoError(t, err)
	defer b.Close()

	keyA, err := KeyOf(a)
	require.NoError(t, err)
	keyB, err := KeyOf(b)
	require.NoError(t, err)
	assert.Equal(t, keyA, keyB)

	other := filepath.Join(dir, "other")
	require.NoError(t, os.WriteFile(other, nil, 0o600))
	c, err := os.Open(other)
	require.NoError(t, err)
	defer c.Close()
	keyC, err := KeyOf(c)
	require.NoError(t, err)
	assert.NotEqual(t, keyA, keyC)
	assert.NotEmpty(t, keyC.String())
}
