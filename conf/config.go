package conf

import (
	"os"
	"time"

	"github.com/juju/errors"
	"github.com/zhukovaskychina/mxstore/logger"
	"gopkg.in/ini.v1"
)

/*
*
data-dir           = /var/lib/mxstore
page-size          = 8192
offset-buffers     = 64
member-buffers     = 64
local-cache-size   = 256
vacuum-safe-margin = 2000000
*/
type Cfg struct {
	Raw *ini.File

	DataDir string

	// slru
	PageSize      int `default:"8192"`
	OffsetBuffers int `default:"64"`
	MemberBuffers int `default:"64"`
	DirectIO      bool

	// manager
	LocalCacheSize   int    `default:"256"`
	VacuumSafeMargin uint64 `default:"2000000"`
	MaxSessions      int    `default:"128"`

	// wal
	WalDir                string
	WalBufferSize         int `default:"64"`
	WalFlushInterval      string
	WalFlushIntervalDur   time.Duration
	WalCompressionEnabled bool

	// logs
	LogPath  string
	LogLevel string `default:"info"`
}

// NewCfg 创建带默认值的配置
func NewCfg() *Cfg {
	return &Cfg{
		Raw:              ini.Empty(),
		DataDir:          "data",
		PageSize:         8192,
		OffsetBuffers:    64,
		MemberBuffers:    64,
		LocalCacheSize:   256,
		VacuumSafeMargin: 2000000,
		MaxSessions:      128,
		WalBufferSize:    64,

		WalFlushIntervalDur: time.Second,
		LogLevel:            "info",
	}
}

// Load 从ini文件加载配置，缺省项保持默认值
func (cfg *Cfg) Load(configPath string) error {
	if configPath == "" {
		return nil
	}
	if _, err := os.Stat(configPath); err != nil {
		return errors.Annotatef(err, "config file %s", configPath)
	}

	iniFile, err := ini.Load(configPath)
	if err != nil {
		return errors.Trace(err)
	}
	cfg.Raw = iniFile

	cfg.parseMxstoreCfg(iniFile.Section("mxstore"))
	cfg.parseLogCfg(iniFile.Section("log"))

	logger.Debugf("loaded configuration from %s", configPath)
	return nil
}

func (cfg *Cfg) parseMxstoreCfg(section *ini.Section) *Cfg {
	cfg.DataDir = section.Key("data-dir").MustString(cfg.DataDir)
	cfg.PageSize = section.Key("page-size").MustInt(cfg.PageSize)
	cfg.OffsetBuffers = section.Key("offset-buffers").MustInt(cfg.OffsetBuffers)
	cfg.MemberBuffers = section.Key("member-buffers").MustInt(cfg.MemberBuffers)
	cfg.DirectIO = section.Key("direct-io").MustBool(cfg.DirectIO)
	cfg.LocalCacheSize = section.Key("local-cache-size").MustInt(cfg.LocalCacheSize)
	cfg.VacuumSafeMargin = section.Key("vacuum-safe-margin").MustUint64(cfg.VacuumSafeMargin)
	cfg.MaxSessions = section.Key("max-sessions").MustInt(cfg.MaxSessions)

	cfg.WalDir = section.Key("wal-dir").MustString(cfg.WalDir)
	cfg.WalBufferSize = section.Key("wal-buffer-size").MustInt(cfg.WalBufferSize)
	cfg.WalCompressionEnabled = section.Key("wal-compression").MustBool(cfg.WalCompressionEnabled)

	cfg.WalFlushInterval = section.Key("wal-flush-interval").MustString("1s")
	if d, err := time.ParseDuration(cfg.WalFlushInterval); err == nil {
		cfg.WalFlushIntervalDur = d
	}
	return cfg
}

func (cfg *Cfg) parseLogCfg(section *ini.Section) *Cfg {
	cfg.LogPath = section.Key("log-path").MustString(cfg.LogPath)
	cfg.LogLevel = section.Key("log-level").MustString(cfg.LogLevel)
	return cfg
}

// Validate 检查配置的内部一致性
func (cfg *Cfg) Validate() error {
	// 页布局常量按8192字节页推导，运行时改不了
	if cfg.PageSize != 8192 {
		return errors.Errorf("page-size is fixed at 8192, got %d", cfg.PageSize)
	}
	if cfg.OffsetBuffers%16 != 0 || cfg.OffsetBuffers <= 0 {
		return errors.Errorf("offset-buffers must be a positive multiple of 16, got %d", cfg.OffsetBuffers)
	}
	if cfg.MemberBuffers%16 != 0 || cfg.MemberBuffers <= 0 {
		return errors.Errorf("member-buffers must be a positive multiple of 16, got %d", cfg.MemberBuffers)
	}
	if cfg.LocalCacheSize <= 0 {
		return errors.Errorf("local-cache-size must be positive, got %d", cfg.LocalCacheSize)
	}
	return nil
}
