// Package cli 提供连续性求解服务的命令行入口
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/paiban/continuity/internal/app"
	"github.com/paiban/continuity/internal/config"
	"github.com/paiban/continuity/internal/handler"
	"github.com/paiban/continuity/pkg/logger"
)

// options 全局参数
type options struct {
	configPath string
	version    handler.VersionInfo
}

// load 加载配置并初始化日志
func (o *options) load(override func(*config.Config)) (*config.Config, error) {
	cfg, err := config.LoadWith(o.configPath, override)
	if err != nil {
		return nil, fmt.Errorf("加载配置失败: %w", err)
	}
	logger.Init(cfg.Log)
	return cfg, nil
}

// service 按配置创建服务
func (o *options) service(ctx context.Context, override func(*config.Config)) (*app.Service, error) {
	cfg, err := o.load(override)
	if err != nil {
		return nil, err
	}
	return app.New(ctx, cfg)
}

// NewRootCmd 创建根命令
func NewRootCmd(version handler.VersionInfo) *cobra.Command {
	o := &options{version: version}
	root := &cobra.Command{
		Use:           "continuity",
		Short:         "两阶段护理员连续性约束求解",
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&o.configPath, "config", "c", "", "配置文件 (yaml/json)，为空时只读取 CONT_ 环境变量")

	root.AddCommand(
		serveCmd(o),
		pipelineCmd(o),
		runsCmd(o),
		solverStubCmd(o),
	)
	return root
}

// Execute 执行命令行
func Execute(version handler.VersionInfo) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return NewRootCmd(version).ExecuteContext(ctx)
}
