package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/hochfrequenz/taskpilot/internal/domain"
	"github.com/hochfrequenz/taskpilot/internal/journal"
	"github.com/hochfrequenz/taskpilot/internal/prompts"
	"github.com/hochfrequenz/taskpilot/internal/taskstore"
)

var (
	listStatus string
	listRepo   string
	listUser   string
	listLimit  int

	staleAfter time.Duration
)

func init() {
	tasksCmd := &cobra.Command{
		Use:   "tasks",
		Short: "Inspect tasks",
	}
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE:  runList,
	}
	listCmd.Flags().StringVar(&listStatus, "status", "", "filter by status")
	listCmd.Flags().StringVar(&listRepo, "repo", "", "filter by repository")
	listCmd.Flags().StringVar(&listUser, "user", "", "filter by user")
	listCmd.Flags().IntVar(&listLimit, "limit", 20, "maximum number of tasks")
	tasksCmd.AddCommand(listCmd)
	tasksCmd.AddCommand(&cobra.Command{
		Use:   "show TASK",
		Short: "Show a task with its journal and bill",
		Args:  cobra.ExactArgs(1),
		RunE:  runShow,
	})
	rootCmd.AddCommand(tasksCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "undo TASK [EVENT...]",
		Short: "Undo reversible actions of a task (all undoable entries by default)",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runUndo,
	})

	budgetCmd := &cobra.Command{
		Use:   "budget",
		Short: "Manage user credit budgets",
	}
	budgetCmd.AddCommand(&cobra.Command{
		Use:   "get USER",
		Short: "Show a user's balance",
		Args:  cobra.ExactArgs(1),
		RunE:  runBudgetGet,
	})
	budgetCmd.AddCommand(&cobra.Command{
		Use:   "set USER CREDITS",
		Short: "Set a user's balance",
		Args:  cobra.ExactArgs(2),
		RunE:  runBudgetSet,
	})
	budgetCmd.AddCommand(&cobra.Command{
		Use:   "add USER CREDITS",
		Short: "Add credits to a user's balance",
		Args:  cobra.ExactArgs(2),
		RunE:  runBudgetAdd,
	})
	rootCmd.AddCommand(budgetCmd)

	promptsCmd := &cobra.Command{
		Use:   "prompts",
		Short: "Inspect prompt templates",
	}
	promptsCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List prompt templates, honoring overrides",
		RunE:  runPromptsList,
	})
	rootCmd.AddCommand(promptsCmd)

	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect the durable task queue",
	}
	recoverCmd := &cobra.Command{
		Use:   "recover",
		Short: "Return stale in-flight items to the queue",
		RunE:  runQueueRecover,
	}
	recoverCmd.Flags().DurationVar(&staleAfter, "stale-after", 0, "in-flight age to recover (default from config)")
	queueCmd.AddCommand(recoverCmd)
	queueCmd.AddCommand(&cobra.Command{
		Use:   "len",
		Short: "Show the number of waiting items",
		RunE:  runQueueLen,
	})
	rootCmd.AddCommand(queueCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	ctx, a, err := setup(cmd)
	if err != nil {
		return err
	}
	defer a.Close(ctx)

	tasks, err := a.store.ListTasks(ctx, taskstore.ListOptions{
		Repo:   listRepo,
		User:   listUser,
		Status: domain.TaskStatus(listStatus),
		Limit:  listLimit,
	})
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		fmt.Println("No tasks found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tREPO\tUSER\tCREATED\tTITLE")
	for _, t := range tasks {
		title := t.Title
		if title == "" {
			title = t.UserRequest
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			t.ID, t.Status, t.Repo, t.User, humanize.Time(t.CreatedAt), truncate(title, 50))
	}
	return w.Flush()
}

func runShow(cmd *cobra.Command, args []string) error {
	ctx, a, err := setup(cmd)
	if err != nil {
		return err
	}
	defer a.Close(ctx)

	t, err := a.store.GetTask(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Printf("Task:     %s\n", t.ID)
	fmt.Printf("Title:    %s\n", t.Title)
	fmt.Printf("Type:     %s\n", t.Type)
	fmt.Printf("Status:   %s\n", t.Status)
	fmt.Printf("Repo:     %s\n", t.Repo)
	fmt.Printf("User:     %s\n", t.User)
	if t.Branch != "" {
		fmt.Printf("Branch:   %s\n", t.Branch)
	}
	fmt.Printf("Created:  %s (%s)\n", t.CreatedAt.Format(time.RFC3339), humanize.Time(t.CreatedAt))
	fmt.Printf("Request:  %s\n", t.UserRequest)
	if t.Result != "" {
		fmt.Printf("\n%s\n", t.Result)
	}

	events, err := a.store.ListEvents(ctx, t.ID)
	if err != nil {
		return err
	}
	if len(events) > 0 {
		fmt.Println("\nJournal:")
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		for _, ev := range events {
			mark := ""
			switch {
			case ev.Reversed:
				mark = "undone"
			case ev.Undoable():
				mark = "undoable"
			}
			fmt.Fprintf(w, "  %d\t%s\t%s\t%s\t%s\n", ev.ID, ev.Action, ev.Target, mark, truncate(ev.Message, 60))
		}
		w.Flush()
	}

	bill, err := a.store.GetBill(ctx, t.ID)
	switch {
	case err == nil:
		fmt.Printf("\nBill: %s credits", humanize.FormatFloat("#,###.##", bill.FinalCost()))
		if bill.DiscountPercent > 0 {
			fmt.Printf(" (%.0f%% open-source discount)", bill.DiscountPercent)
		}
		fmt.Println()
	case !isNotFound(err):
		return err
	}
	return nil
}

func runUndo(cmd *cobra.Command, args []string) error {
	var ids []int64
	for _, arg := range args[1:] {
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid event id %q", arg)
		}
		ids = append(ids, id)
	}

	ctx, a, err := setup(cmd)
	if err != nil {
		return err
	}
	defer a.Close(ctx)

	task, err := a.store.GetTask(ctx, args[0])
	if err != nil {
		return err
	}
	provider, err := a.hostingProvider(ctx)
	if err != nil {
		return err
	}
	client, err := provider.Client(ctx, task.InstallationID)
	if err != nil {
		return err
	}

	undone, err := journal.New(a.store, task).UndoEvents(ctx, client, "user", ids)
	for _, ev := range undone {
		fmt.Printf("✓ %s\n", ev.Message)
	}
	if len(undone) == 0 && err == nil {
		fmt.Println("Nothing to undo")
	}
	return err
}

func runBudgetGet(cmd *cobra.Command, args []string) error {
	ctx, a, err := setup(cmd)
	if err != nil {
		return err
	}
	defer a.Close(ctx)

	b, err := a.store.GetOrCreateBudget(ctx, args[0], a.cfg.Admission.DefaultBudget)
	if err != nil {
		return err
	}
	fmt.Printf("%s: %s credits (updated %s)\n", b.Username, humanize.FormatFloat("#,###.##", b.Balance), humanize.Time(b.UpdatedAt))
	return nil
}

func runBudgetSet(cmd *cobra.Command, args []string) error {
	balance, err := strconv.ParseFloat(args[1], 64)
	if err != nil {
		return fmt.Errorf("invalid credits %q: %w", args[1], err)
	}
	ctx, a, err := setup(cmd)
	if err != nil {
		return err
	}
	defer a.Close(ctx)

	if err := a.store.SetBudget(ctx, args[0], balance); err != nil {
		return err
	}
	fmt.Printf("%s: %s credits\n", args[0], humanize.FormatFloat("#,###.##", balance))
	return nil
}

func runBudgetAdd(cmd *cobra.Command, args []string) error {
	credits, err := strconv.ParseFloat(args[1], 64)
	if err != nil {
		return fmt.Errorf("invalid credits %q: %w", args[1], err)
	}
	ctx, a, err := setup(cmd)
	if err != nil {
		return err
	}
	defer a.Close(ctx)

	balance, err := a.store.AdjustBudget(ctx, args[0], credits, a.cfg.Admission.DefaultBudget)
	if err != nil {
		return err
	}
	fmt.Printf("%s: %s credits\n", args[0], humanize.FormatFloat("#,###.##", balance))
	return nil
}

func runQueueRecover(cmd *cobra.Command, args []string) error {
	ctx, a, err := setup(cmd)
	if err != nil {
		return err
	}
	defer a.Close(ctx)

	stale := staleAfter
	if stale <= 0 {
		stale = a.cfg.Queue.StaleAfter.Duration
	}
	n, err := a.taskQueue().Recover(ctx, stale)
	if err != nil {
		return err
	}
	fmt.Printf("Recovered %d stale item(s)\n", n)
	return nil
}

func runQueueLen(cmd *cobra.Command, args []string) error {
	ctx, a, err := setup(cmd)
	if err != nil {
		return err
	}
	defer a.Close(ctx)

	n, err := a.taskQueue().Len(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("%d waiting\n", n)
	return nil
}

func runPromptsList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd.Context())
	if err != nil {
		return err
	}
	metas, err := prompts.DefaultLoader(cfg.Agent.PromptsDir).List()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tDESCRIPTION")
	for _, m := range metas {
		fmt.Fprintf(w, "%s\t%s\t%s\n", m.ID, m.Name, truncate(m.Description, 60))
	}
	return w.Flush()
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
