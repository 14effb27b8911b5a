package conf

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	t.Run("ini文件覆盖默认值", func(t *testing.T) {
		content := `
[mxstore]
data-dir           = /tmp/mxstore-data
offset-buffers     = 128
member-buffers     = 32
direct-io          = true
local-cache-size   = 512
vacuum-safe-margin = 1000000
wal-dir            = /tmp/mxstore-wal
wal-flush-interval = 200ms
wal-compression    = true

[log]
log-path  = /tmp/mxstore.log
log-level = debug
`
		path := filepath.Join(t.TempDir(), "my.ini")
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))

		cfg := NewCfg()
		require.NoError(t, cfg.Load(path))

		assert.Equal(t, "/tmp/mxstore-data", cfg.DataDir)
		assert.Equal(t, 128, cfg.OffsetBuffers)
		assert.Equal(t, 32, cfg.MemberBuffers)
		assert.True(t, cfg.DirectIO)
		assert.Equal(t, 512, cfg.LocalCacheSize)
		assert.Equal(t, uint64(1000000), cfg.VacuumSafeMargin)
		assert.Equal(t, "/tmp/mxstore-wal", cfg.WalDir)
		assert.Equal(t, 200*time.Millisecond, cfg.WalFlushIntervalDur)
		assert.True(t, cfg.WalCompressionEnabled)
		assert.Equal(t, "/tmp/mxstore.log", cfg.LogPath)
		assert.Equal(t, "debug", cfg.LogLevel)
	})

	t.Run("缺省项保持默认值", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "my.ini")
		require.NoError(t, os.WriteFile(path, []byte("[mxstore]\n"), 0644))

		cfg := NewCfg()
		require.NoError(t, cfg.Load(path))
		assert.Equal(t, 8192, cfg.PageSize)
		assert.Equal(t, 64, cfg.OffsetBuffers)
		assert.Equal(t, 256, cfg.LocalCacheSize)
		assert.Equal(t, "info", cfg.LogLevel)
	})

	t.Run("空路径不报错", func(t *testing.T) {
		cfg := NewCfg()
		assert.NoError(t, cfg.Load(""))
	})

	t.Run("文件不存在时报错", func(t *testing.T) {
		cfg := NewCfg()
		assert.Error(t, cfg.Load("/no/such/file.ini"))
	})
}

func TestValidate(t *testing.T) {
	t.Run("默认配置合法", func(t *testing.T) {
		assert.NoError(t, NewCfg().Validate())
	})

	t.Run("页大小固定", func(t *testing.T) {
		cfg := NewCfg()
		cfg.PageSize = 4096
		assert.Error(t, cfg.Validate())
	})

	t.Run("缓冲槽位数必须是16的倍数", func(t *testing.T) {
		cfg := NewCfg()
		cfg.OffsetBuffers = 30
		assert.Error(t, cfg.Validate())

		cfg = NewCfg()
		cfg.MemberBuffers = 7
		assert.Error(t, cfg.Validate())
	})
}
