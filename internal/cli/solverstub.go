package cli

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/paiban/continuity/internal/config"
	"github.com/paiban/continuity/internal/solverstub"
)

func solverStubCmd(o *options) *cobra.Command {
	cfg := solverstub.Config{}
	cmd := &cobra.Command{
		Use:   "solver-stub",
		Short: "启动兼容路线求解接口的本地贪心求解器",
		RunE: func(cmd *cobra.Command, args []string) error {
			// 只需要日志配置，不要求外部求解器地址
			if _, err := o.load(func(c *config.Config) { c.Solver.Local = true }); err != nil {
				return err
			}
			s := solverstub.New(cfg, prometheus.NewRegistry())
			fmt.Fprintf(cmd.OutOrStdout(), "本地求解器监听 %s\n", cfg.Address)
			return s.Start(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&cfg.Address, "addr", ":8081", "监听地址")
	cmd.Flags().StringVar(&cfg.APIKey, "api-key", "", "要求的 X-API-KEY，为空时不校验")
	cmd.Flags().DurationVar(&cfg.Delay, "delay", 0, "模拟求解耗时")
	cmd.Flags().Float64Var(&cfg.SpeedKmh, "speed", 0, "行驶速度 km/h，0 使用默认值")
	return cmd
}
