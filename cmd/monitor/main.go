package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"conclave/internal/domain"
)

type client struct {
	baseURL string
	http    *http.Client
}

func main() {
	addr := flag.String("addr", "http://localhost:8092", "conclave base URL")
	interval := flag.Duration("interval", 2*time.Second, "refresh interval")
	flag.Parse()

	c := &client{
		baseURL: strings.TrimRight(*addr, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
	if err := waitHealth(c, 15*time.Second); err != nil {
		fmt.Fprintf(os.Stderr, "conclave health check failed: %v\n", err)
		os.Exit(1)
	}

	app := tview.NewApplication()

	tasksTable := tview.NewTable().
		SetBorders(false).
		SetSelectable(true, false)
	tasksTable.SetTitle("Tasks (Enter inspect, F5 refresh, F10 quit)").SetBorder(true)

	negotiationsTable := tview.NewTable().
		SetBorders(false).
		SetSelectable(true, false)
	negotiationsTable.SetTitle("Negotiations").SetBorder(true)

	detailView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(true)
	detailView.SetTitle("Detail").SetBorder(true)

	statusView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	statusView.SetBorder(true).SetTitle("Status")
	statusView.SetText(fmt.Sprintf("Connected to %s | F10 quit, F5 refresh, Tab switch panes", c.baseURL))

	left := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(tasksTable, 0, 1, true).
		AddItem(negotiationsTable, 0, 1, false)
	root := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(tview.NewFlex().
			AddItem(left, 0, 1, true).
			AddItem(detailView, 0, 1, false), 0, 12, true).
		AddItem(statusView, 3, 0, false)

	var lastTasks []domain.Task
	var lastNegotiations []domain.Negotiation

	refresh := func() {
		tasks, tasksErr := c.listTasks()
		negotiations, negErr := c.listNegotiations()
		quotaLine, quotaErr := c.quotaLine()
		app.QueueUpdateDraw(func() {
			if tasksErr != nil {
				statusView.SetText(fmt.Sprintf("[red]load tasks: %v", tasksErr))
				return
			}
			if negErr != nil {
				statusView.SetText(fmt.Sprintf("[red]load negotiations: %v", negErr))
				return
			}
			sort.Slice(tasks, func(i, j int) bool {
				return tasks[i].UpdatedAt.After(tasks[j].UpdatedAt)
			})
			lastTasks = tasks
			lastNegotiations = negotiations
			renderTasks(tasksTable, tasks)
			renderNegotiations(negotiationsTable, negotiations)
			if quotaErr == nil {
				statusView.SetText(quotaLine)
			}
		})
	}

	tasksTable.SetSelectedFunc(func(row, _ int) {
		if row < 1 || row > len(lastTasks) {
			return
		}
		task, err := c.getTask(lastTasks[row-1].ID)
		if err != nil {
			detailView.SetText(fmt.Sprintf("[red]load task: %v", err))
			return
		}
		detailView.SetText(renderTaskDetail(task))
	})
	negotiationsTable.SetSelectedFunc(func(row, _ int) {
		if row < 1 || row > len(lastNegotiations) {
			return
		}
		n, err := c.getNegotiation(lastNegotiations[row-1].ID)
		if err != nil {
			detailView.SetText(fmt.Sprintf("[red]load negotiation: %v", err))
			return
		}
		detailView.SetText(renderNegotiationDetail(n))
	})

	app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Key() {
		case tcell.KeyF10, tcell.KeyEsc:
			app.Stop()
			return nil
		case tcell.KeyF5:
			go refresh()
			return nil
		case tcell.KeyTab:
			if tasksTable.HasFocus() {
				app.SetFocus(negotiationsTable)
			} else {
				app.SetFocus(tasksTable)
			}
			return nil
		}
		return event
	})

	go func() {
		ticker := time.NewTicker(*interval)
		defer ticker.Stop()
		refresh()
		for range ticker.C {
			refresh()
		}
	}()

	if err := app.SetRoot(root, true).SetFocus(tasksTable).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "monitor failed: %v\n", err)
		os.Exit(1)
	}
}

func renderTasks(table *tview.Table, tasks []domain.Task) {
	table.Clear()
	for col, header := range []string{"ID", "STATUS", "GOAL", "ATTEMPTS", "UPDATED"} {
		table.SetCell(0, col, tview.NewTableCell(header).
			SetTextColor(tview.Styles.SecondaryTextColor).
			SetSelectable(false))
	}
	for i, task := range tasks {
		row := i + 1
		table.SetCell(row, 0, tview.NewTableCell(shorten(task.ID, 12)))
		table.SetCell(row, 1, tview.NewTableCell(string(task.Status)).SetTextColor(statusColor(string(task.Status))))
		table.SetCell(row, 2, tview.NewTableCell(shorten(task.Goal, 48)))
		table.SetCell(row, 3, tview.NewTableCell(fmt.Sprintf("%d", len(task.History))))
		table.SetCell(row, 4, tview.NewTableCell(task.UpdatedAt.Local().Format("15:04:05")))
	}
}

func renderNegotiations(table *tview.Table, negotiations []domain.Negotiation) {
	table.Clear()
	for col, header := range []string{"ID", "STATUS", "ROUND", "SCORE", "COST", "TITLE"} {
		table.SetCell(0, col, tview.NewTableCell(header).
			SetTextColor(tview.Styles.SecondaryTextColor).
			SetSelectable(false))
	}
	for i, n := range negotiations {
		row := i + 1
		table.SetCell(row, 0, tview.NewTableCell(n.ID))
		table.SetCell(row, 1, tview.NewTableCell(string(n.Status)).SetTextColor(statusColor(string(n.Status))))
		table.SetCell(row, 2, tview.NewTableCell(fmt.Sprintf("%d/%d", n.Round, n.MaxRounds)))
		table.SetCell(row, 3, tview.NewTableCell(fmt.Sprintf("%.2f", n.Score)))
		table.SetCell(row, 4, tview.NewTableCell(fmt.Sprintf("$%.2f", float64(n.CostCents)/100)))
		table.SetCell(row, 5, tview.NewTableCell(shorten(n.Title, 40)))
	}
}

func renderTaskDetail(task domain.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[yellow]%s[-]\n%s\nstatus=%s role=%s", task.ID, task.Goal, task.Status, task.Role)
	if task.NegotiationID != "" {
		fmt.Fprintf(&b, " negotiation=%s", task.NegotiationID)
	}
	if task.LastError != "" {
		fmt.Fprintf(&b, "\n[red]last error:[-] %s", task.LastError)
	}
	for _, result := range task.History {
		fmt.Fprintf(&b, "\n\n[blue]attempt %d[-] success=%t", result.Attempt, result.Success)
		if result.Output != "" {
			fmt.Fprintf(&b, "\noutput: %s", shorten(result.Output, 300))
		}
		if result.Error != "" {
			fmt.Fprintf(&b, "\nerror: %s", shorten(result.Error, 300))
		}
		if result.Governance != nil && !result.Governance.Valid {
			fmt.Fprintf(&b, "\n[red]rejected:[-] %s (%s)", result.Governance.Reason, result.Governance.Clause)
		}
		if result.Diagnosis != nil {
			fmt.Fprintf(&b, "\ndiagnosis: %s", result.Diagnosis.Summary)
			if result.Diagnosis.SuggestedFix != "" {
				fmt.Fprintf(&b, "\nfix: %s", result.Diagnosis.SuggestedFix)
			}
		}
		if result.Arbitration != nil {
			fmt.Fprintf(&b, "\narbitration: %s", result.Arbitration.Decision)
		}
	}
	return b.String()
}

func renderNegotiationDetail(n domain.Negotiation) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[yellow]%s[-] %s\n%s\nstatus=%s round=%d/%d score=%.2f cost=$%.2f",
		n.ID, n.Title, n.Description, n.Status, n.Round, n.MaxRounds, n.Score, float64(n.CostCents)/100)
	for _, c := range n.Conflicts {
		fmt.Fprintf(&b, "\nconflict [%s] %s: %s", c.Severity, c.Dimension, c.Description)
	}
	for _, entry := range n.Debate {
		fmt.Fprintf(&b, "\n\n[blue]round %d %s[-]\n%s", entry.Round, entry.Agent, shorten(entry.Argument, 300))
		if entry.Evidence != "" {
			fmt.Fprintf(&b, "\nevidence: %s", shorten(entry.Evidence, 200))
		}
	}
	if n.Arbitration != nil {
		fmt.Fprintf(&b, "\n\n[green]arbitration:[-] %s\n%s", n.Arbitration.Decision, n.Arbitration.Reasoning)
	}
	return b.String()
}

func statusColor(status string) tcell.Color {
	switch status {
	case "completed", "consensus_reached":
		return tcell.ColorGreen
	case "failed", "timeout":
		return tcell.ColorRed
	case "arbitrating", "escalated":
		return tcell.ColorYellow
	default:
		return tview.Styles.PrimaryTextColor
	}
}

func shorten(s string, max int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

func waitHealth(c *client, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		resp, err := c.http.Get(c.baseURL + "/healthz")
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
			lastErr = fmt.Errorf("health status %d", resp.StatusCode)
		} else {
			lastErr = err
		}
		time.Sleep(300 * time.Millisecond)
	}
	return lastErr
}

func (c *client) listTasks() ([]domain.Task, error) {
	var tasks []domain.Task
	return tasks, c.getJSON("/tasks", &tasks)
}

func (c *client) getTask(id string) (domain.Task, error) {
	var task domain.Task
	return task, c.getJSON("/tasks/"+id, &task)
}

func (c *client) listNegotiations() ([]domain.Negotiation, error) {
	var items []domain.Negotiation
	return items, c.getJSON("/negotiations", &items)
}

func (c *client) getNegotiation(id string) (domain.Negotiation, error) {
	var n domain.Negotiation
	return n, c.getJSON("/negotiations/"+id, &n)
}

func (c *client) quotaLine() (string, error) {
	var quota struct {
		Total     int64 `json:"total_cents"`
		Spent     int64 `json:"spent_cents"`
		Remaining int64 `json:"remaining_cents"`
	}
	if err := c.getJSON("/quota", &quota); err != nil {
		return "", err
	}
	return fmt.Sprintf("budget: spent $%.2f of $%.2f (remaining $%.2f)",
		float64(quota.Spent)/100, float64(quota.Total)/100, float64(quota.Remaining)/100), nil
}

func (c *client) getJSON(path string, target any) error {
	resp, err := c.http.Get(c.baseURL + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return json.NewDecoder(resp.Body).Decode(target)
}
