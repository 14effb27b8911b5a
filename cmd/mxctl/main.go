package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/zhukovaskychina/mxstore/conf"
	"github.com/zhukovaskychina/mxstore/logger"
	"github.com/zhukovaskychina/mxstore/manager"
	"github.com/zhukovaskychina/mxstore/storage/wal"
)

const help = `mxctl - 多成员事务日志存储维护工具

用法: mxctl [-configPath my.ini] <命令> [参数]

命令:
  init                 初始化数据目录
  horizons             打印当前视界(最老可读/下一个待分配)
  members  -id N       读出标识符N的成员组
  truncate -to N       把最老可读标识符推进到N并回收段文件
  checkpoint           把所有脏页写回段文件
  stats                打印两个页缓存的命中统计
`

// noTxn 维护工具离线跑，没有活动事务
type noTxn struct{}

func (noTxn) IsInProgress(uint64) bool { return false }
func (noTxn) DidCommit(uint64) bool    { return true }
func (noTxn) IsCurrent(uint64) bool    { return false }

func main() {
	var configPath string
	flag.StringVar(&configPath, "configPath", "", "配置文件路径")
	flag.Usage = func() { fmt.Fprint(os.Stderr, help) }
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Fprint(os.Stderr, help)
		os.Exit(2)
	}
	command := flag.Arg(0)

	config := conf.NewCfg()
	if err := config.Load(configPath); err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}
	if err := config.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "配置不合法: %v\n", err)
		os.Exit(1)
	}

	if err := logger.InitLogger(logger.LogConfig{
		LogPath:  config.LogPath,
		LogLevel: config.LogLevel,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}

	if err := run(command, config, flag.Args()[1:]); err != nil {
		logger.Errorf("mxctl %s: %v", command, err)
		fmt.Fprintf(os.Stderr, "失败: %v\n", err)
		os.Exit(1)
	}
}

func run(command string, config *conf.Cfg, args []string) error {
	walDir := config.WalDir
	if walDir == "" {
		walDir = filepath.Join(config.DataDir, "wal")
	}

	walMgr, err := wal.NewManager(wal.Config{
		Dir:           walDir,
		BufferSize:    config.WalBufferSize,
		FlushInterval: config.WalFlushIntervalDur,
		Compression:   config.WalCompressionEnabled,
	})
	if err != nil {
		return err
	}
	defer walMgr.Close()

	mgr, err := manager.New(manager.Config{
		DataDir:          config.DataDir,
		OffsetBuffers:    config.OffsetBuffers,
		MemberBuffers:    config.MemberBuffers,
		DirectIO:         config.DirectIO,
		LocalCacheSize:   config.LocalCacheSize,
		VacuumSafeMargin: config.VacuumSafeMargin,
		MaxSessions:      config.MaxSessions,
		Txn:              noTxn{},
		Wal:              walMgr,
	})
	if err != nil {
		return err
	}

	if command == "init" {
		if err := mgr.Bootstrap(); err != nil {
			return err
		}
		fmt.Printf("数据目录 %s 初始化完成\n", config.DataDir)
		return mgr.Close()
	}

	// 其余命令都先走恢复再干活
	if err := mgr.StartRecovery(); err != nil {
		return err
	}
	if err := walMgr.Replay(); err != nil {
		return err
	}
	if err := mgr.Trim(); err != nil {
		return err
	}
	defer mgr.Close()

	switch command {
	case "horizons":
		oldest, next := mgr.ReadIDRange()
		fmt.Printf("oldest=%d next=%d\n", oldest, next)
		return nil

	case "members":
		fs := flag.NewFlagSet("members", flag.ExitOnError)
		id := fs.Uint64("id", 0, "标识符")
		fs.Parse(args)

		sess, err := mgr.Acquire()
		if err != nil {
			return err
		}
		defer sess.Release()

		members, err := mgr.GetMembers(context.Background(), sess, manager.ID(*id))
		if err != nil {
			return err
		}
		for _, m := range members {
			fmt.Println(m)
		}
		return nil

	case "truncate":
		fs := flag.NewFlagSet("truncate", flag.ExitOnError)
		to := fs.Uint64("to", 0, "新的最老可读标识符")
		owner := fs.Uint64("owner", 0, "归属标识")
		fs.Parse(args)
		return mgr.TruncateTo(manager.ID(*to), *owner)

	case "checkpoint":
		if err := mgr.Checkpoint(); err != nil {
			return err
		}
		return walMgr.Checkpoint()

	case "stats":
		offsets, members := mgr.CacheStats()
		fmt.Printf("offsets: %+v\n", offsets)
		fmt.Printf("members: %+v\n", members)
		return nil

	default:
		return fmt.Errorf("未知命令 %q", command)
	}
}
