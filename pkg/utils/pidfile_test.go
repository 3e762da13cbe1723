package utils

import (
	"os"
	"path/filepath"
	"strconv"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPIDFile_WriteReadRemove(t *testing.T) {
	p := NewPIDFile(filepath.Join(t.TempDir(), "run", "wshub.pid"))

	require.NoError(t, p.Write())
	pid, err := p.Read()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	require.NoError(t, p.Remove())
	_, err = os.Stat(p.Path())
	assert.True(t, os.IsNotExist(err))

	// removing twice is fine
	assert.NoError(t, p.Remove())
}

func TestPIDFile_ReadErrors(t *testing.T) {
	_, err := NewPIDFile("").Read()
	assert.ErrorContains(t, err, "PID file path is empty")

	_, err = NewPIDFile(filepath.Join(t.TempDir(), "missing.pid")).Read()
	assert.ErrorContains(t, err, "failed to read PID file")

	bad := filepath.Join(t.TempDir(), "bad.pid")
	require.NoError(t, os.WriteFile(bad, []byte("nope"), 0o644))
	_, err = NewPIDFile(bad).Read()
	assert.ErrorContains(t, err, "invalid PID format")

	zero := filepath.Join(t.TempDir(), "zero.pid")
	require.NoError(t, os.WriteFile(zero, []byte("0"), 0o644))
	_, err = NewPIDFile(zero).Read()
	assert.ErrorContains(t, err, "invalid PID value")
}

func TestPIDFile_SignalSelf(t *testing.T) {
	path := filepath.Join(t.TempDir(), "self.pid")
	require.NoError(t, os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644))
	// signal 0 probes the process without delivering anything
	assert.NoError(t, NewPIDFile(path).Signal(syscall.Signal(0)))
}
