package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"conclave/internal/domain"
)

var (
	flagAddr string
	flagJSON bool
)

var rootCmd = &cobra.Command{
	Use:   "conclavectl",
	Short: "Conclave CLI",
	Long: `Conclavectl drives a running conclave server over its HTTP API:
submit tasks, open and debate negotiations, and inspect the quota ledger.`,
}

func main() {
	rootCmd.PersistentFlags().StringVar(&flagAddr, "addr", "http://localhost:8092", "conclave base URL")
	rootCmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "output JSON")
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(negotiationCmd())
	rootCmd.AddCommand(quotaCmd())
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func taskCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "task", Short: "Manage tasks"}
	cmd.AddCommand(taskCreateCmd())
	cmd.AddCommand(taskListCmd())
	cmd.AddCommand(taskShowCmd())
	cmd.AddCommand(taskDecisionsCmd())
	return cmd
}

func taskCreateCmd() *cobra.Command {
	var goal, role, contextText string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Submit a new task",
		RunE: func(cmd *cobra.Command, args []string) error {
			var task domain.Task
			err := postJSON("/tasks", map[string]string{
				"goal":    goal,
				"role":    role,
				"context": contextText,
			}, &task)
			if err != nil {
				return err
			}
			if flagJSON {
				return printJSON(task)
			}
			fmt.Printf("task %s created (%s)\n", task.ID, task.Status)
			return nil
		},
	}
	cmd.Flags().StringVar(&goal, "goal", "", "goal text (required)")
	cmd.Flags().StringVar(&role, "role", "operator", "assigned role")
	cmd.Flags().StringVar(&contextText, "context", "", "free-text context")
	_ = cmd.MarkFlagRequired("goal")
	return cmd
}

func taskListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			var tasks []domain.Task
			if err := getJSON("/tasks", &tasks); err != nil {
				return err
			}
			if flagJSON {
				return printJSON(tasks)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"ID", "Status", "Goal", "Attempts", "Negotiation", "Updated"})
			for _, t := range tasks {
				tw.AppendRow(table.Row{
					shorten(t.ID, 12), t.Status, shorten(t.Goal, 48),
					len(t.History), t.NegotiationID, t.UpdatedAt.Local().Format(time.TimeOnly),
				})
			}
			tw.Render()
			return nil
		},
	}
}

func taskShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show a task with its execution history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var task domain.Task
			if err := getJSON("/tasks/"+args[0], &task); err != nil {
				return err
			}
			if flagJSON {
				return printJSON(task)
			}
			fmt.Printf("%s  %s\ngoal: %s\nrole: %s\n", task.ID, task.Status, task.Goal, task.Role)
			if task.NegotiationID != "" {
				fmt.Printf("negotiation: %s\n", task.NegotiationID)
			}
			if task.LastError != "" {
				fmt.Printf("last error: %s\n", task.LastError)
			}
			for _, result := range task.History {
				fmt.Printf("\nattempt %d  success=%t\n", result.Attempt, result.Success)
				if result.Output != "" {
					fmt.Printf("  output: %s\n", shorten(result.Output, 200))
				}
				if result.Error != "" {
					fmt.Printf("  error: %s\n", shorten(result.Error, 200))
				}
				if result.Governance != nil && !result.Governance.Valid {
					fmt.Printf("  rejected: %s (%s)\n", result.Governance.Reason, result.Governance.Clause)
				}
				if result.Diagnosis != nil {
					fmt.Printf("  diagnosis: %s\n", result.Diagnosis.Summary)
				}
				if result.Arbitration != nil {
					fmt.Printf("  arbitration: %s\n", result.Arbitration.Decision)
				}
			}
			return nil
		},
	}
}

func taskDecisionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "decisions <task-id>",
		Short: "Show the decision audit log of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var items []domain.DecisionLog
			if err := getJSON("/tasks/"+args[0]+"/decisions", &items); err != nil {
				return err
			}
			if flagJSON {
				return printJSON(items)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Time", "Actor", "Action", "Reason"})
			for _, item := range items {
				tw.AppendRow(table.Row{
					item.CreatedAt.Local().Format(time.TimeOnly),
					item.Actor, item.Action, shorten(item.Reason, 60),
				})
			}
			tw.Render()
			return nil
		},
	}
}

func negotiationCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "negotiation", Short: "Manage negotiations"}
	cmd.AddCommand(negotiationCreateCmd())
	cmd.AddCommand(negotiationListCmd())
	cmd.AddCommand(negotiationShowCmd())
	cmd.AddCommand(negotiationStartCmd())
	cmd.AddCommand(negotiationDebateCmd())
	return cmd
}

func negotiationCreateCmd() *cobra.Command {
	var title, description, taskID string
	var participants []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Open a new negotiation",
		RunE: func(cmd *cobra.Command, args []string) error {
			var n domain.Negotiation
			err := postJSON("/negotiations", map[string]any{
				"title":        title,
				"description":  description,
				"participants": participants,
				"task_id":      taskID,
			}, &n)
			if err != nil {
				return err
			}
			if flagJSON {
				return printJSON(n)
			}
			fmt.Printf("negotiation %s created (%s)\n", n.ID, n.Status)
			return nil
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "negotiation title (required)")
	cmd.Flags().StringVar(&description, "description", "", "what is being decided")
	cmd.Flags().StringSliceVar(&participants, "participant", nil, "participant agent (repeat, at least two)")
	cmd.Flags().StringVar(&taskID, "task", "", "related task id")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("participant")
	return cmd
}

func negotiationListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List negotiations",
		RunE: func(cmd *cobra.Command, args []string) error {
			var items []domain.Negotiation
			if err := getJSON("/negotiations", &items); err != nil {
				return err
			}
			if flagJSON {
				return printJSON(items)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"ID", "Status", "Round", "Score", "Cost", "Title"})
			for _, n := range items {
				tw.AppendRow(table.Row{
					n.ID, n.Status, fmt.Sprintf("%d/%d", n.Round, n.MaxRounds),
					fmt.Sprintf("%.2f", n.Score), fmt.Sprintf("$%.2f", float64(n.CostCents)/100),
					shorten(n.Title, 40),
				})
			}
			tw.Render()
			return nil
		},
	}
}

func negotiationShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <negotiation-id>",
		Short: "Show a negotiation with its debate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var n domain.Negotiation
			if err := getJSON("/negotiations/"+args[0], &n); err != nil {
				return err
			}
			if flagJSON {
				return printJSON(n)
			}
			fmt.Printf("%s  %s\n%s\nstatus=%s round=%d/%d score=%.2f cost=$%.2f\n",
				n.ID, n.Title, n.Description, n.Status, n.Round, n.MaxRounds, n.Score, float64(n.CostCents)/100)
			for _, entry := range n.Debate {
				fmt.Printf("\n[round %d] %s: %s\n", entry.Round, entry.Agent, entry.Argument)
				if entry.Evidence != "" {
					fmt.Printf("  evidence: %s\n", entry.Evidence)
				}
			}
			if n.Arbitration != nil {
				fmt.Printf("\narbitration: %s\n%s\n", n.Arbitration.Decision, n.Arbitration.Reasoning)
			}
			return nil
		},
	}
}

func negotiationStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start <negotiation-id>",
		Short: "Open the debate of a pending negotiation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var n domain.Negotiation
			if err := postJSON("/negotiations/"+args[0]+"/start", map[string]any{}, &n); err != nil {
				return err
			}
			if flagJSON {
				return printJSON(n)
			}
			fmt.Printf("negotiation %s is %s (round %d)\n", n.ID, n.Status, n.Round)
			return nil
		},
	}
}

func negotiationDebateCmd() *cobra.Command {
	var agent, argument, evidence string
	cmd := &cobra.Command{
		Use:   "debate <negotiation-id>",
		Short: "Submit a debate argument",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var n domain.Negotiation
			err := postJSON("/negotiations/"+args[0]+"/debate", map[string]string{
				"agent":    agent,
				"argument": argument,
				"evidence": evidence,
			}, &n)
			if err != nil {
				return err
			}
			if flagJSON {
				return printJSON(n)
			}
			fmt.Printf("negotiation %s: status=%s round=%d/%d score=%.2f\n",
				n.ID, n.Status, n.Round, n.MaxRounds, n.Score)
			return nil
		},
	}
	cmd.Flags().StringVar(&agent, "agent", "", "participant submitting the argument (required)")
	cmd.Flags().StringVar(&argument, "argument", "", "argument text (required)")
	cmd.Flags().StringVar(&evidence, "evidence", "", "supporting evidence")
	_ = cmd.MarkFlagRequired("agent")
	_ = cmd.MarkFlagRequired("argument")
	return cmd
}

func quotaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "quota",
		Short: "Show the quota ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			var quota struct {
				Total     int64 `json:"total_cents"`
				Spent     int64 `json:"spent_cents"`
				Remaining int64 `json:"remaining_cents"`
			}
			if err := getJSON("/quota", &quota); err != nil {
				return err
			}
			if flagJSON {
				return printJSON(quota)
			}
			fmt.Printf("spent $%.2f of $%.2f (remaining $%.2f)\n",
				float64(quota.Spent)/100, float64(quota.Total)/100, float64(quota.Remaining)/100)
			return nil
		},
	}
}

var httpClient = &http.Client{Timeout: 30 * time.Second}

func getJSON(path string, target any) error {
	resp, err := httpClient.Get(strings.TrimRight(flagAddr, "/") + path)
	if err != nil {
		return err
	}
	return decodeResponse(resp, path, target)
}

func postJSON(path string, payload, target any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	resp, err := httpClient.Post(strings.TrimRight(flagAddr, "/")+path, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	return decodeResponse(resp, path, target)
}

func decodeResponse(resp *http.Response, path string, target any) error {
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s: %s", path, apiErr.Error)
		}
		return fmt.Errorf("%s: status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(target)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func shorten(s string, max int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
