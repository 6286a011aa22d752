package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/paiban/continuity/internal/app"
	"github.com/paiban/continuity/internal/config"
	"github.com/paiban/continuity/pkg/builder"
	"github.com/paiban/continuity/pkg/careplan"
	"github.com/paiban/continuity/pkg/errors"
	"github.com/paiban/continuity/pkg/model"
	"github.com/paiban/continuity/pkg/orchestrator"
)

// pipelineFlags pipeline 命令参数
type pipelineFlags struct {
	input    string
	instance bool
	k        int
	sweep    []int
	policy   string
	budget   time.Duration
	local    bool
	jsonOut  bool
}

func pipelineCmd(o *options) *cobra.Command {
	f := &pipelineFlags{}
	cmd := &cobra.Command{
		Use:   "pipeline",
		Short: "执行两阶段连续性约束求解",
		Long: `读取数据集，先做无约束试解，再按每个客户最常服务的K个车辆限制候选，重新求解并比较指标。

示例:
  continuity pipeline --input visits.json --k 3
  continuity pipeline --input problem.json --instance --sweep 1,2,3 --local`,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := o.service(cmd.Context(), func(c *config.Config) {
				if f.local {
					c.Solver.Local = true
				}
			})
			if err != nil {
				return err
			}
			defer svc.Close()
			return runPipeline(cmd, svc, f)
		},
	}
	cmd.Flags().StringVarP(&f.input, "input", "i", "", "数据集文件，- 表示标准输入")
	cmd.Flags().BoolVar(&f.instance, "instance", false, "输入为已构建的问题实例而非表格行")
	cmd.Flags().IntVarP(&f.k, "k", "k", 0, "每个客户的护理员池大小，0 使用配置默认值")
	cmd.Flags().IntSliceVar(&f.sweep, "sweep", nil, "依次比较多个K值，如 1,2,3")
	cmd.Flags().StringVar(&f.policy, "policy", "", "零分配客户策略 unconstrained/exclude")
	cmd.Flags().DurationVar(&f.budget, "budget", 0, "求解时间预算")
	cmd.Flags().BoolVar(&f.local, "local", false, "使用内置求解器")
	cmd.Flags().BoolVar(&f.jsonOut, "json", false, "以JSON输出结果")
	_ = cmd.MarkFlagRequired("input")
	return cmd
}

func runPipeline(cmd *cobra.Command, svc *app.Service, f *pipelineFlags) error {
	instance, err := readInstance(cmd.InOrStdin(), svc.Builder(), f.input, f.instance)
	if err != nil {
		return err
	}
	opts := orchestrator.Options{K: f.k, Policy: model.EmptyPoolPolicy(f.policy), Budget: f.budget}
	out := cmd.OutOrStdout()

	if len(f.sweep) > 0 {
		res, err := svc.Pipeline().Sweep(cmd.Context(), instance, f.sweep, svc.Config().Pipeline.SweepWorkers, opts)
		if err != nil {
			return err
		}
		if f.jsonOut {
			return writeJSON(out, res)
		}
		printSweep(out, res)
		return nil
	}

	res, err := svc.Pipeline().Run(cmd.Context(), instance, opts)
	if res != nil {
		if f.jsonOut {
			if werr := writeJSON(out, res); werr != nil {
				return werr
			}
		} else {
			printResult(out, res)
		}
	}
	return err
}

// readInstance 读取输入文件并构建问题实例
func readInstance(stdin io.Reader, b *builder.Builder, path string, prebuilt bool) (*model.ProblemInstance, error) {
	var r io.Reader = stdin
	if path != "-" {
		file, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("打开输入文件失败: %w", err)
		}
		defer file.Close()
		r = file
	}
	dec := json.NewDecoder(r)

	if prebuilt {
		var p model.ProblemInstance
		if err := dec.Decode(&p); err != nil {
			return nil, errors.Wrap(err, errors.CodeInvalidInput, "解析问题实例失败")
		}
		return &p, nil
	}
	var ds careplan.Dataset
	if err := dec.Decode(&ds); err != nil {
		return nil, errors.Wrap(err, errors.CodeInvalidInput, "解析输入行失败")
	}
	in, err := ds.Rows()
	if err != nil {
		return nil, err
	}
	return b.Build(in)
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var (
	bold  = color.New(color.Bold)
	green = color.New(color.FgGreen)
	red   = color.New(color.FgRed)
	faint = color.New(color.Faint)
)

func statusText(s model.RunStatus) string {
	switch s {
	case model.RunCompleted:
		return green.Sprint(s)
	case model.RunFailed:
		return red.Sprint(s)
	case model.RunCancelled:
		return color.New(color.FgYellow).Sprint(s)
	}
	return string(s)
}

func printRunTable(w io.Writer, runs []*model.Run) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tPHASE\tK\tSTATUS\tUNASSIGNED\tTRAVEL\tAVG\tMAX\tOVER\tVIOLATIONS")
	for _, run := range runs {
		s := run.Summary()
		k := "-"
		if s.PoolK > 0 {
			k = fmt.Sprint(s.PoolK)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%.2f\t%d\t%d\t%d\n",
			shortID(s.RunID), s.Phase, k, statusText(s.Status), s.Unassigned,
			time.Duration(s.TravelSeconds)*time.Second, s.AvgDistinct, s.MaxDistinct, s.OverTarget, s.Violations)
	}
	tw.Flush()
}

func printResult(w io.Writer, res *orchestrator.Result) {
	fmt.Fprintf(w, "%s %s\n", bold.Sprint("数据集"), res.DatasetID)
	var runs []*model.Run
	for _, run := range []*model.Run{res.Unconstrained, res.Pooled} {
		if run != nil {
			runs = append(runs, run)
		}
	}
	printRunTable(w, runs)

	if res.Pool != nil {
		fmt.Fprintf(w, "\n池 K=%d 策略=%s 客户=%d 空池=%d\n", res.Pool.K, res.Pool.Policy, len(res.Pool.Clients), res.Pool.EmptyCount())
	}
	if len(res.Comparison) > 0 {
		fmt.Fprintln(w, "\n对比 (约束 - 无约束)")
		keys := make([]string, 0, len(res.Comparison))
		for key := range res.Comparison {
			if strings.HasSuffix(key, "_diff") {
				keys = append(keys, key)
			}
		}
		sort.Strings(keys)
		for _, key := range keys {
			fmt.Fprintf(w, "  %-22s %s\n", key, diffText(key, res.Comparison[key]))
		}
	}
	if res.Failure != "" {
		fmt.Fprintf(w, "\n%s %s\n", red.Sprint("失败"), res.Failure)
	}
}

// diffText 着色差值，利用率以外的指标越小越好
func diffText(key string, v float64) string {
	better := v < 0
	if key == "utilization_diff" {
		better = v > 0
	}
	text := fmt.Sprintf("%+.3f", v)
	switch {
	case v == 0:
		return faint.Sprint(text)
	case better:
		return green.Sprint(text)
	}
	return red.Sprint(text)
}

func printSweep(w io.Writer, res *orchestrator.SweepResult) {
	fmt.Fprintf(w, "%s %s\n", bold.Sprint("数据集"), res.DatasetID)
	var runs []*model.Run
	if res.Unconstrained != nil {
		runs = append(runs, res.Unconstrained)
	}
	var failed []orchestrator.SweepEntry
	for _, e := range res.Entries {
		if e.Run != nil {
			runs = append(runs, e.Run)
		}
		if e.Error != "" {
			failed = append(failed, e)
		}
	}
	printRunTable(w, runs)
	for _, e := range failed {
		fmt.Fprintf(w, "%s K=%d %s\n", red.Sprint("失败"), e.K, e.Error)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
