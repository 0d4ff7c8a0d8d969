package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func testConfigPath(name string) string {
	return filepath.Join("testdata", name)
}

// writeTempConfig 把 content 写入临时 config.toml 并返回路径。
func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600), "写入临时配置失败")
	return path
}
