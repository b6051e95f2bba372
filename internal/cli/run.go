package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

// NewRunCmd создаёт группу команд для управления runs.
func NewRunCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Manage pipeline runs",
	}

	cmd.AddCommand(
		newRunCreateCmd(clientFn, outputFn),
		newRunStartCmd(clientFn, outputFn),
		newRunListCmd(clientFn, outputFn),
		newRunShowCmd(clientFn, outputFn),
		newRunCancelCmd(clientFn, outputFn),
		newRunStagesCmd(clientFn, outputFn),
		newRunSkipCmd(clientFn, outputFn),
		newRunRetryCmd(clientFn, outputFn),
		newRunAssetsCmd(clientFn, outputFn),
		newRunInvocationsCmd(clientFn, outputFn),
	)

	return cmd
}

func newRunCreateCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var owner string
	var inputs []string
	var budgets []string
	var budgetBase int64

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new run",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			req := CreateRunRequest{
				OwnerID:    owner,
				BudgetBase: budgetBase,
			}

			if len(inputs) > 0 {
				req.Input = make(map[string]any)
				for _, kv := range inputs {
					parts := strings.SplitN(kv, "=", 2)
					if len(parts) != 2 {
						return fmt.Errorf("invalid input format %q, expected KEY=VALUE", kv)
					}
					req.Input[parts[0]] = parts[1]
				}
			}

			if len(budgets) > 0 {
				req.Budgets = make(map[string]int64)
				for _, kv := range budgets {
					parts := strings.SplitN(kv, "=", 2)
					if len(parts) != 2 {
						return fmt.Errorf("invalid budget format %q, expected STAGE=AMOUNT", kv)
					}
					amount, err := strconv.ParseInt(parts[1], 10, 64)
					if err != nil {
						return fmt.Errorf("invalid budget amount %q for stage %s", parts[1], parts[0])
					}
					req.Budgets[parts[0]] = amount
				}
			}

			run, err := client.CreateRun(req)
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Run created: %s", run.ID))
			out.Print(
				[]string{"ID", "OWNER", "STATUS", "CREATED"},
				[][]string{{run.ID, run.OwnerID, run.Status, run.CreatedAt}},
				run,
			)
			return nil
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "Owner UUID (required)")
	cmd.Flags().StringSliceVar(&inputs, "input", nil, "Input values as KEY=VALUE (repeatable)")
	cmd.Flags().StringSliceVar(&budgets, "budget", nil, "Stage budget ceilings as STAGE=AMOUNT in minor units (repeatable)")
	cmd.Flags().Int64Var(&budgetBase, "budget-base", 0, "Base campaign budget to derive stage ceilings from")
	cmd.MarkFlagRequired("owner")

	return cmd
}

func newRunStartCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "start ID",
		Short: "Dispatch a pending run into orchestration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			run, err := client.StartRun(args[0])
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Run started: %s", run.ID))
			return nil
		},
	}
}

func newRunListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var owner string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs for an owner",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			runs, err := client.ListRuns(owner, limit)
			if err != nil {
				return err
			}

			headers := []string{"ID", "STATUS", "ERROR", "CREATED"}
			rows := make([][]string, len(runs))
			for i, r := range runs {
				rows[i] = []string{r.ID, r.Status, orDash(r.Error), r.CreatedAt}
			}

			out.Print(headers, rows, runs)
			return nil
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "Owner UUID (required)")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of results")
	cmd.MarkFlagRequired("owner")

	return cmd
}

func newRunShowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show run details with stages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			run, err := client.GetRun(args[0])
			if err != nil {
				return err
			}

			headers := []string{"STAGE", "STATUS", "ATTEMPT", "REASON", "SPENT", "NOTES"}
			rows := make([][]string, len(run.Stages))
			for i, s := range run.Stages {
				rows[i] = []string{
					s.Name, s.Status, strconv.Itoa(s.Attempt),
					orDash(s.Reason), strconv.FormatInt(s.BudgetSpent, 10), orDash(s.Notes),
				}
			}

			out.Success(fmt.Sprintf("Run %s [%s]", run.ID, run.Status))
			out.Print(headers, rows, run)
			return nil
		},
	}
}

func newRunCancelCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel ID",
		Short: "Cancel an unfinished run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			run, err := client.CancelRun(args[0])
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Run cancelled: %s", run.ID))
			return nil
		},
	}
}

func newRunStagesCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "stages RUN_ID",
		Short: "List stages of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			run, err := client.GetRun(args[0])
			if err != nil {
				return err
			}

			headers := []string{"STAGE", "STATUS", "ATTEMPT", "REASON", "STARTED", "FINISHED", "NEXT_RETRY", "SPENT"}
			rows := make([][]string, len(run.Stages))
			for i, s := range run.Stages {
				rows[i] = []string{
					s.Name, s.Status, strconv.Itoa(s.Attempt), orDash(s.Reason),
					orDash(s.StartedAt), orDash(s.FinishedAt), orDash(s.NextRetryAt),
					strconv.FormatInt(s.BudgetSpent, 10),
				}
			}

			out.Print(headers, rows, run.Stages)
			return nil
		},
	}
}

func newRunSkipCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var notes string

	cmd := &cobra.Command{
		Use:   "skip RUN_ID STAGE",
		Short: "Skip a stage (operator decision)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			stage, err := client.PatchStage(args[0], args[1], PatchStageRequest{
				Status: "skipped",
				Notes:  notes,
			})
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Stage %s skipped", stage.Name))
			return nil
		},
	}

	cmd.Flags().StringVar(&notes, "notes", "", "Reason for skipping")

	return cmd
}

func newRunRetryCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "retry RUN_ID STAGE",
		Short: "Manually retry a failed stage",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			stage, err := client.PatchStage(args[0], args[1], PatchStageRequest{
				Status: "pending",
			})
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Stage %s queued for retry (attempt %d done)", stage.Name, stage.Attempt))
			return nil
		},
	}
}

func newRunAssetsCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "assets RUN_ID",
		Short: "List assets produced by a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			assets, err := client.ListAssets(args[0])
			if err != nil {
				return err
			}

			headers := []string{"ID", "STAGE", "TYPE", "STORAGE_KEY", "CREATED"}
			rows := make([][]string, len(assets))
			for i, a := range assets {
				rows[i] = []string{a.ID, a.Stage, a.Type, a.StorageKey, a.CreatedAt}
			}

			out.Print(headers, rows, assets)
			return nil
		},
	}
}

func newRunInvocationsCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "invocations RUN_ID",
		Short: "List executor invocations of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			invocations, err := client.ListInvocations(args[0])
			if err != nil {
				return err
			}

			headers := []string{"ID", "STAGE", "PROVIDER", "MODEL", "COST", "LATENCY_MS"}
			rows := make([][]string, len(invocations))
			for i, inv := range invocations {
				rows[i] = []string{
					inv.ID, inv.Stage, inv.Provider, inv.Model,
					strconv.FormatInt(inv.CostMinor, 10), strconv.FormatInt(inv.LatencyMs, 10),
				}
			}

			out.Print(headers, rows, invocations)
			return nil
		},
	}
}
