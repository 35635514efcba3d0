package steps

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	merrors "github.com/davidroman0O/metalflow/errors"
	"github.com/davidroman0O/metalflow/monitor"
)

func TestContentHash(t *testing.T) {
	got, err := contentHash(strings.NewReader("hello"))
	require.NoError(t, err)
	assert.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", got)
}

func TestFirmwareChecksum(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bios.exe")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))
	const digest = "2CF24DBA5FB0A30E26E83B2AC5B9E29E1B161E5C1FA7425E73043362938B9824"

	t.Run("match", func(t *testing.T) {
		ft := &fakeTool{}
		step := NewFirmwareStep([]Component{{Name: "BIOS", Version: "1.9.0", ImagePath: path, SHA256: digest}}, nil, ft)
		res := step.Execute(context.Background(), target(), monitor.New())
		require.True(t, res.Success, "%v", res.Err)
		assert.Equal(t, []string{path}, ft.pushed)
	})

	t.Run("mismatch", func(t *testing.T) {
		ft := &fakeTool{}
		step := NewFirmwareStep([]Component{{Name: "BIOS", Version: "1.9.0", ImagePath: path, SHA256: "deadbeef"}}, nil, ft)
		res := step.Execute(context.Background(), target(), monitor.New())
		require.False(t, res.Success)
		assert.Equal(t, merrors.ErrInvalidInput, merrors.GetCode(res.Err))
		assert.Equal(t, "BIOS", merrors.GetContext(res.Err)["component"])
		assert.Empty(t, ft.pushed)
	})

	t.Run("missing file", func(t *testing.T) {
		err := verifyImage(filepath.Join(t.TempDir(), "nope"), digest)
		assert.Equal(t, merrors.ErrInvalidInput, merrors.GetCode(err))
	})
}
