package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/chain-sleuth/sleuth/internal/app/workflow"
	"github.com/chain-sleuth/sleuth/internal/daemon"
	"github.com/chain-sleuth/sleuth/internal/domain"
	"github.com/spf13/cobra"
)

func init() {
	investigateCmd.Flags().BoolVar(&investigateForce, "force", false, "Start a new task even if one exists")
	investigateCmd.Flags().BoolVar(&investigateWait, "wait", false, "Process the task in this process and show progress")
	investigateCmd.Flags().StringVar(&investigateToken, "token-id", "", "Token ID to update on chain (defaults to the request ID)")
	rootCmd.AddCommand(investigateCmd)
}

var (
	investigateForce bool
	investigateWait  bool
	investigateToken string
)

var investigateCmd = &cobra.Command{
	Use:   "investigate ACCOUNT",
	Short: "Start an investigation for an account",
	Args:  cobra.ExactArgs(1),
	RunE:  runInvestigate,
}

func runInvestigate(cmd *cobra.Command, args []string) error {
	d, err := daemon.New()
	if err != nil {
		return err
	}
	defer d.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	res, err := d.Engine.StartInvestigation(ctx, workflow.StartRequest{
		AccountID: args[0],
		Force:     investigateForce,
		TokenID:   investigateToken,
	})
	if err != nil {
		return err
	}

	fmt.Printf("Request: %s\n", res.RequestID)
	fmt.Printf("Task:    %s (%s)\n", res.TaskID, res.Status)
	if res.Result != nil {
		return printJSON(res.Result)
	}
	if !investigateWait {
		fmt.Println("Run 'sleuth serve' or 'sleuth worker' to process it.")
		return nil
	}

	// Run workers in-process until the task settles.
	workCtx, stopWorkers := context.WithCancel(ctx)
	workersDone := make(chan struct{})
	go func() {
		defer close(workersDone)
		_ = d.Queue.Run(workCtx)
	}()
	defer func() {
		stopWorkers()
		<-workersDone
	}()

	snapshots, err := d.Gateway.Stream(ctx, res.TaskID)
	if err != nil {
		return err
	}
	bar := newProgressBar(os.Stderr)
	var last domain.Task
	for t := range snapshots {
		bar.render(t)
		last = t
	}

	switch last.Status {
	case domain.TaskComplete:
		return printJSON(last.Result)
	case domain.TaskFailed:
		return fmt.Errorf("investigation failed: %s", last.Error)
	}
	return ctx.Err()
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
