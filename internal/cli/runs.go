package cli

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/paiban/continuity/internal/repository"
	"github.com/paiban/continuity/pkg/errors"
)

func runsCmd(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "查询与决策已记录的运行",
	}
	cmd.AddCommand(runsListCmd(o), runsShowCmd(o), runsDecideCmd(o))
	return cmd
}

func runsListCmd(o *options) *cobra.Command {
	var dataset, status, phase string
	var limit, offset int
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "列出运行记录",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := o.service(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer svc.Close()
			repo, err := svc.Runs()
			if err != nil {
				return err
			}

			filter := repository.DefaultListFilter().WithLimit(limit).WithOffset(offset)
			if dataset != "" {
				filter = filter.WithDataset(dataset)
			}
			if status != "" {
				filter = filter.WithStatus(status)
			}
			filter.Phase = phase
			runs, total, err := repo.List(cmd.Context(), filter)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOut {
				return writeJSON(out, map[string]interface{}{"runs": runs, "total": total})
			}
			printRunTable(out, runs)
			fmt.Fprintln(out, faint.Sprintf("共 %d 条", total))
			return nil
		},
	}
	cmd.Flags().StringVarP(&dataset, "dataset", "d", "", "数据集ID")
	cmd.Flags().StringVar(&status, "status", "", "状态过滤")
	cmd.Flags().StringVar(&phase, "phase", "", "阶段过滤 unconstrained/pooled")
	cmd.Flags().IntVar(&limit, "limit", 20, "返回条数")
	cmd.Flags().IntVar(&offset, "offset", 0, "偏移")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "以JSON输出")
	return cmd
}

func runsShowCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "查看运行详情",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseRunID(args[0])
			if err != nil {
				return err
			}
			svc, err := o.service(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer svc.Close()
			if _, err := svc.Runs(); err != nil {
				return err
			}
			run, err := svc.Tracker().Get(cmd.Context(), id)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), run)
		},
	}
}

func runsDecideCmd(o *options) *cobra.Command {
	var decision, rationale string
	cmd := &cobra.Command{
		Use:   "decide <run-id>",
		Short: "记录是否采纳约束运行的决策",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseRunID(args[0])
			if err != nil {
				return err
			}
			svc, err := o.service(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer svc.Close()
			if _, err := svc.Runs(); err != nil {
				return err
			}
			run, err := svc.Tracker().RecordDecision(cmd.Context(), id, decision, rationale)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s\n", green.Sprint("已记录"), run.ID, run.Decision)
			return nil
		},
	}
	cmd.Flags().StringVar(&decision, "decision", "", "决策，如 adopt/reject")
	cmd.Flags().StringVar(&rationale, "rationale", "", "决策理由")
	_ = cmd.MarkFlagRequired("decision")
	return cmd
}

func parseRunID(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, errors.InvalidInput("run_id", "不是有效的UUID")
	}
	return id, nil
}
