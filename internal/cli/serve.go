package cli

import (
	"github.com/spf13/cobra"

	"github.com/paiban/continuity/internal/config"
)

func serveCmd(o *options) *cobra.Command {
	var port int
	var local bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "启动HTTP服务",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := o.service(cmd.Context(), func(c *config.Config) {
				if port > 0 {
					c.App.Port = port
				}
				if local {
					c.Solver.Local = true
				}
			})
			if err != nil {
				return err
			}
			defer svc.Close()
			return svc.Serve(cmd.Context(), o.version)
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 0, "监听端口，覆盖 app.port")
	cmd.Flags().BoolVar(&local, "local", false, "使用内置求解器")
	return cmd
}
