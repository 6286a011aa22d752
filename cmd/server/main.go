// 连续性约束求解服务
// 主程序入口

package main

import (
	"fmt"
	"os"

	"github.com/paiban/continuity/internal/cli"
	"github.com/paiban/continuity/internal/handler"
)

// 构建信息（通过 ldflags 注入）
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	err := cli.Execute(handler.VersionInfo{
		Version:   Version,
		BuildTime: BuildTime,
		GitCommit: GitCommit,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "错误:", err)
		os.Exit(1)
	}
}
