package cli

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/chain-sleuth/sleuth/internal/daemon"
	"github.com/chain-sleuth/sleuth/internal/domain"
	"github.com/spf13/cobra"
)

func init() {
	tasksCmd.Flags().StringVar(&tasksAccount, "account", "", "Only tasks for this account")
	tasksCmd.Flags().StringVar(&tasksStatus, "status", "", "Only tasks in this status")
	tasksCmd.Flags().IntVar(&tasksLimit, "limit", 50, "Maximum rows")
	rootCmd.AddCommand(tasksCmd, statusCmd)
}

var (
	tasksAccount string
	tasksStatus  string
	tasksLimit   int
)

var tasksCmd = &cobra.Command{
	Use:     "tasks",
	Aliases: []string{"ls"},
	Short:   "List investigation tasks",
	RunE:    runTasks,
}

var statusCmd = &cobra.Command{
	Use:   "status TASK",
	Short: "Show one task",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

func runTasks(cmd *cobra.Command, args []string) error {
	status := domain.TaskStatus(tasksStatus)
	if status != "" && !status.Valid() {
		return fmt.Errorf("unknown status %q", tasksStatus)
	}

	d, err := daemon.New()
	if err != nil {
		return err
	}
	defer d.Close()

	tasks, err := d.DB.ListTasks(context.Background(), domain.TaskFilter{
		AccountID: tasksAccount,
		Status:    status,
		Limit:     tasksLimit,
	})
	if err != nil {
		return err
	}

	if len(tasks) == 0 {
		fmt.Println("No tasks. Run 'sleuth investigate <account>' to start one.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TASK\tACCOUNT\tSTATUS\tPROGRESS\tUPDATED")
	for _, t := range tasks {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d%%\t%s\n",
			t.ID,
			t.AccountID,
			t.Status,
			t.Progress,
			t.UpdatedAt.Format("2006-01-02 15:04"),
		)
	}
	return w.Flush()
}

func runStatus(cmd *cobra.Command, args []string) error {
	d, err := daemon.New()
	if err != nil {
		return err
	}
	defer d.Close()

	t, err := d.Gateway.Snapshot(context.Background(), args[0])
	if err != nil {
		return err
	}

	fmt.Printf("Task:     %s\n", t.ID)
	fmt.Printf("Account:  %s\n", t.AccountID)
	fmt.Printf("Status:   %s\n", t.Status)
	fmt.Printf("Progress: %d%%\n", t.Progress)
	if t.CurrentStep != "" {
		fmt.Printf("Step:     %s\n", t.CurrentStep)
	}
	if t.Error != "" {
		fmt.Printf("Error:    %s\n", t.Error)
	}
	fmt.Printf("Created:  %s\n", t.CreatedAt.Format("2006-01-02 15:04:05"))
	fmt.Printf("Updated:  %s\n", t.UpdatedAt.Format("2006-01-02 15:04:05"))
	if len(t.Result) > 0 {
		return printJSON(t.Result)
	}
	return nil
}
