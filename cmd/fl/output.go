package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"forgeline/internal/domain"
	"forgeline/internal/engine"
	"forgeline/internal/scorer"
)

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printYAML(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(v)
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleLight)
	return tw
}

func printProjects(items []domain.Project) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"ID", "Status", "Description", "Created"})
	for _, p := range items {
		tw.AppendRow(table.Row{p.ID, p.Status, p.Description, p.CreatedAt})
	}
	tw.Render()
	return nil
}

func printTasks(items []domain.Task) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"ID", "Title", "Status", "Priority", "Estimate", "Deps"})
	for _, t := range items {
		tw.AppendRow(table.Row{t.ID, t.Title, t.Status, t.Priority, t.EstimateMinutes, len(t.DependsOn)})
	}
	tw.Render()
	return nil
}

func printRanked(items []scorer.Scored, w scorer.Weights) error {
	if viper.GetBool("json") {
		return printJSON(map[string]any{"weights": w, "items": items})
	}
	tw := newTable()
	tw.SetTitle(fmt.Sprintf("weights p=%.2f d=%.2f t=%.2f c=%.2f u=%.2f",
		w.Priority, w.Dependencies, w.Duration, w.Complexity, w.Urgency))
	tw.AppendHeader(table.Row{"#", "ID", "Title", "Score", "Priority", "Deps", "Duration", "Complexity", "Urgency"})
	for i, s := range items {
		b := s.Breakdown
		tw.AppendRow(table.Row{i + 1, s.ID, s.Title, fmt.Sprintf("%.3f", s.Score),
			fmt.Sprintf("%.2f", b.Priority), fmt.Sprintf("%.2f", b.Dependencies), fmt.Sprintf("%.2f", b.Duration),
			fmt.Sprintf("%.2f", b.Complexity), fmt.Sprintf("%.2f", b.Urgency)})
	}
	tw.Render()
	return nil
}

func printGoals(items []engine.RankedGoal) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"ID", "Title", "Score", "Urgency", "Impact"})
	for _, g := range items {
		tw.AppendRow(table.Row{g.ID, g.Title, fmt.Sprintf("%.3f", g.Score), g.Urgency, g.Impact})
	}
	tw.Render()
	return nil
}

func printRun(run domain.Run) error {
	if viper.GetBool("json") {
		return printJSON(run)
	}
	tw := newTable()
	task := ""
	if run.TaskID != nil {
		task = *run.TaskID
	}
	next := ""
	if run.NextAutoDecisionAt != nil {
		next = *run.NextAutoDecisionAt + " (" + run.AutoDecisionReason + ")"
	}
	tw.AppendRows([]table.Row{
		{"ID", run.ID},
		{"Project", run.ProjectID},
		{"State", run.State},
		{"Task", task},
		{"Spent", fmt.Sprintf("%d tokens / $%.2f", run.Spent.Tokens, run.Spent.USD)},
		{"Budget", fmt.Sprintf("%d tokens / $%.2f", run.Budget.Tokens, run.Budget.USD)},
		{"Preview", run.PreviewURL},
		{"Auto-decision", next},
		{"Updated", run.UpdatedAt},
	})
	tw.Render()
	return nil
}

func printRuns(items []domain.Run) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"ID", "State", "Task", "Tokens", "USD", "Updated"})
	for _, r := range items {
		task := ""
		if r.TaskID != nil {
			task = *r.TaskID
		}
		tw.AppendRow(table.Row{r.ID, r.State, task,
			fmt.Sprintf("%d/%d", r.Spent.Tokens, r.Budget.Tokens),
			fmt.Sprintf("%.2f/%.2f", r.Spent.USD, r.Budget.USD), r.UpdatedAt})
	}
	tw.Render()
	return nil
}

func printAdvances(items []engine.AdvanceResult) {
	tw := newTable()
	tw.AppendHeader(table.Row{"Attempt", "State", "Status"})
	for _, r := range items {
		tw.AppendRow(table.Row{r.AttemptID, r.State, r.Status})
	}
	tw.Render()
}

func printAttempts(items []domain.Attempt) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"ID", "State", "Status", "Message", "At"})
	for _, a := range items {
		tw.AppendRow(table.Row{a.ID, a.State, a.Status, a.Message, a.CreatedAt})
	}
	tw.Render()
	return nil
}

func printProofs(items []domain.Proof) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"ID", "Kind", "Summary", "Size", "URI", "At"})
	for _, p := range items {
		tw.AppendRow(table.Row{p.ID, p.Kind, p.Summary, p.ContentSize, p.URI, p.CreatedAt})
	}
	tw.Render()
	return nil
}
