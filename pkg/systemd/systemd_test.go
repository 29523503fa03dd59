package systemd

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeSystemctl(t *testing.T, script string) Systemctl {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script stub")
	}
	p := filepath.Join(t.TempDir(), "systemctl")
	require.NoError(t, os.WriteFile(p, []byte("#!/bin/sh\n"+script), 0o755))
	return Systemctl{Binary: p}
}

func TestRestartUnit(t *testing.T) {
	ok := fakeSystemctl(t, "exit 0\n")
	assert.NoError(t, ok.RestartUnit(context.Background(), "gams.service"))

	bad := fakeSystemctl(t, "echo 'Unit gams.service not found.' >&2\nexit 5\n")
	err := bad.RestartUnit(context.Background(), "gams.service")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestIsActive(t *testing.T) {
	active := fakeSystemctl(t, "echo active\n")
	got, err := active.IsActive(context.Background(), "gams")
	require.NoError(t, err)
	assert.True(t, got)

	inactive := fakeSystemctl(t, "echo inactive\nexit 3\n")
	got, err = inactive.IsActive(context.Background(), "gams")
	require.NoError(t, err)
	assert.False(t, got)
}
