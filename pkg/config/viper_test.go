package config

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadReadsYAMLAndEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "talk.yaml"), []byte("server:\n  port: \"9000\"\nchat:\n  typing_timeout: 3s\n"), 0o644))
	t.Setenv("CHAT_TYPING_TIMEOUT", "7s")

	v, err := Load(Source{Dirs: []string{t.TempDir(), dir}, Name: "talk"})
	require.NoError(t, err)

	assert.Equal(t, "9000", v.GetString("server.port"))
	assert.Equal(t, "7s", v.GetString("chat.typing_timeout"))
}

func TestLoadWithoutFile(t *testing.T) {
	v, err := Load(Source{Dirs: []string{t.TempDir()}, Name: "missing", EnvFile: filepath.Join(t.TempDir(), ".env")})
	require.NoError(t, err)
	assert.Empty(t, v.ConfigFileUsed())
	assert.False(t, Watch(v, time.Millisecond, nil))
}

func TestLoadExplicitFileMustExist(t *testing.T) {
	_, err := Load(Source{File: filepath.Join(t.TempDir(), "nope.yaml")})
	assert.Error(t, err)
}

func TestLoadEnvFileDoesNotOverride(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("TALK_A=from-file\nTALK_B=from-file\n"), 0o644))
	t.Setenv("TALK_A", "from-env")
	t.Setenv("TALK_B", "")
	os.Unsetenv("TALK_B")
	t.Cleanup(func() { os.Unsetenv("TALK_B") })

	v, err := Load(Source{EnvFile: envFile, Dirs: []string{dir}, Name: "none"})
	require.NoError(t, err)
	assert.Equal(t, "from-env", v.GetString("talk_a"))
	assert.Equal(t, "from-file", v.GetString("talk_b"))
}

func TestWatchCollapsesBursts(t *testing.T) {
	file := filepath.Join(t.TempDir(), "talk.yaml")
	require.NoError(t, os.WriteFile(file, []byte("log:\n  level: info\n"), 0o644))
	v, err := Load(Source{File: file})
	require.NoError(t, err)

	var calls atomic.Int32
	require.True(t, Watch(v, 100*time.Millisecond, func(*viper.Viper) { calls.Add(1) }))

	for _, lvl := range []string{"debug", "warn", "error"} {
		require.NoError(t, os.WriteFile(file, []byte("log:\n  level: "+lvl+"\n"), 0o644))
	}
	assert.Eventually(t, func() bool { return calls.Load() >= 1 }, 3*time.Second, 20*time.Millisecond)
	time.Sleep(300 * time.Millisecond)
	assert.LessOrEqual(t, calls.Load(), int32(2))
}
