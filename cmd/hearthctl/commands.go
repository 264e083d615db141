package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
)

func handleStatus(ctx context.Context, c *apiClient, args []string) error {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	mode := fs.String("mode", "quick", "quick|full|audit_trace")
	if err := fs.Parse(args); err != nil {
		return fail(exitValidation, "parse flags: %w", err)
	}
	data, err := c.request(ctx, http.MethodGet, "/status?mode="+*mode, nil)
	if err != nil {
		return err
	}
	var resp struct {
		Running       bool              `json:"running"`
		Agents        map[string]string `json:"agents"`
		ApprovalsOpen int               `json:"approvals_open"`
		IncidentsOpen int               `json:"incidents_open"`
		GeneratedAt   string            `json:"generated_at"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return fail(exitGeneric, "decode status: %w", err)
	}
	fmt.Printf("running: %v\n", resp.Running)
	fmt.Printf("approvals_open: %d  incidents_open: %d\n", resp.ApprovalsOpen, resp.IncidentsOpen)
	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "AGENT\tSTATE")
	kinds := make([]string, 0, len(resp.Agents))
	for k := range resp.Agents {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		fmt.Fprintf(w, "%s\t%s\n", k, resp.Agents[k])
	}
	return w.Flush()
}

func handleStartup(ctx context.Context, c *apiClient) error {
	data, err := c.request(ctx, http.MethodPost, "/startup", nil)
	if err != nil {
		return err
	}
	return printJSON(data)
}

func handleShutdown(ctx context.Context, c *apiClient) error {
	data, err := c.request(ctx, http.MethodPost, "/shutdown", nil)
	if err != nil {
		return err
	}
	return printJSON(data)
}

func handleJobs(ctx context.Context, c *apiClient, args []string) error {
	if len(args) == 0 {
		return fail(exitValidation, "jobs requires a subcommand: list|create|run")
	}
	switch args[0] {
	case "list":
		data, err := c.request(ctx, http.MethodGet, "/jobs", nil)
		if err != nil {
			return err
		}
		return printJobsTable(data)
	case "create":
		return jobsCreate(ctx, c, args[1:])
	case "run":
		if len(args) < 2 {
			return fail(exitValidation, "jobs run requires a job id")
		}
		data, err := c.request(ctx, http.MethodPost, "/jobs/"+args[1]+"/run", nil)
		if err != nil {
			return err
		}
		return printJSON(data)
	default:
		return fail(exitValidation, "unknown jobs subcommand %q", args[0])
	}
}

func jobsCreate(ctx context.Context, c *apiClient, args []string) error {
	fs := flag.NewFlagSet("jobs create", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	name := fs.String("name", "", "job name")
	agent := fs.String("agent", "", "owning agent kind")
	taskSpec := fs.String("task-spec", "", "task title created on firing")
	frequency := fs.String("frequency", "daily", "once|hourly|daily|weekly|monthly")
	hour := fs.Int("hour", 0, "hour of day (daily/weekly/monthly)")
	minute := fs.Int("minute", 0, "minute of hour")
	dayOfWeek := fs.Int("day-of-week", 0, "0=Sunday (weekly only)")
	dayOfMonth := fs.Int("day-of-month", 1, "day of month (monthly only)")
	cronSpec := fs.String("cron", "", "optional 5-field cron window, overrides frequency timing")
	critical := fs.Bool("critical", false, "mark the job safety-critical")
	if err := fs.Parse(args); err != nil {
		return fail(exitValidation, "parse flags: %w", err)
	}
	if *name == "" || *agent == "" {
		return fail(exitValidation, "jobs create requires --name and --agent")
	}
	payload := map[string]any{
		"name":         *name,
		"agent":        *agent,
		"task_spec":    *taskSpec,
		"frequency":    *frequency,
		"hour":         *hour,
		"minute":       *minute,
		"day_of_week":  *dayOfWeek,
		"day_of_month": *dayOfMonth,
		"cron_spec":    *cronSpec,
		"critical":     *critical,
	}
	data, err := c.request(ctx, http.MethodPost, "/jobs", payload)
	if err != nil {
		return err
	}
	return printJSON(data)
}

func printJobsTable(data []byte) error {
	var jobs []struct {
		ID           string `json:"id"`
		Name         string `json:"name"`
		Agent        string `json:"agent"`
		Frequency    string `json:"frequency"`
		Enabled      bool   `json:"enabled"`
		NextRun      string `json:"next_run"`
		LastStatus   string `json:"last_status"`
		FailureCount int    `json:"failure_count"`
	}
	if err := json.Unmarshal(data, &jobs); err != nil {
		return fail(exitGeneric, "decode jobs: %w", err)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tAGENT\tFREQUENCY\tENABLED\tNEXT_RUN\tLAST_STATUS\tFAILURES")
	for _, j := range jobs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%v\t%s\t%s\t%d\n",
			j.ID, j.Name, j.Agent, j.Frequency, j.Enabled, j.NextRun, j.LastStatus, j.FailureCount)
	}
	return w.Flush()
}

func handleApprovals(ctx context.Context, c *apiClient, args []string) error {
	if len(args) == 0 {
		return fail(exitValidation, "approvals requires a subcommand: list|resolve")
	}
	switch args[0] {
	case "list":
		data, err := c.request(ctx, http.MethodGet, "/approvals/pending", nil)
		if err != nil {
			return err
		}
		return printApprovalsTable(data)
	case "resolve":
		return approvalsResolve(ctx, c, args[1:])
	default:
		return fail(exitValidation, "unknown approvals subcommand %q", args[0])
	}
}

func approvalsResolve(ctx context.Context, c *apiClient, args []string) error {
	fs := flag.NewFlagSet("approvals resolve", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	approve := fs.Bool("approve", false, "approve instead of deny")
	deny := fs.Bool("deny", false, "deny instead of approve")
	if err := fs.Parse(args); err != nil {
		return fail(exitValidation, "parse flags: %w", err)
	}
	remaining := fs.Args()
	if len(remaining) == 0 {
		return fail(exitValidation, "approvals resolve requires an approval id")
	}
	if *approve == *deny {
		return fail(exitValidation, "approvals resolve requires exactly one of --approve or --deny")
	}
	path := "/approvals/" + remaining[0] + "/deny"
	if *approve {
		path = "/approvals/" + remaining[0] + "/approve"
	}
	data, err := c.request(ctx, http.MethodPost, path, nil)
	if err != nil {
		return err
	}
	return printJSON(data)
}

func printApprovalsTable(data []byte) error {
	var approvals []struct {
		ID             string   `json:"id"`
		RequesterAgent string   `json:"requester_agent"`
		Intent         string   `json:"intent"`
		CostEstimate   float64  `json:"cost_estimate"`
		Reversibility  string   `json:"reversibility"`
		RiskTags       []string `json:"risk_tags"`
		Status         string   `json:"status"`
		ExpiresAt      string   `json:"expires_at"`
	}
	if err := json.Unmarshal(data, &approvals); err != nil {
		return fail(exitGeneric, "decode approvals: %w", err)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tAGENT\tINTENT\tCOST\tREVERSIBILITY\tSTATUS\tEXPIRES_AT")
	for _, a := range approvals {
		fmt.Fprintf(w, "%s\t%s\t%s\t%.2f\t%s\t%s\t%s\n",
			a.ID, a.RequesterAgent, a.Intent, a.CostEstimate, a.Reversibility, a.Status, a.ExpiresAt)
	}
	return w.Flush()
}

func handleAudit(ctx context.Context, c *apiClient, args []string) error {
	if len(args) == 0 {
		return fail(exitValidation, "audit requires a subcommand: tail|trace")
	}
	switch args[0] {
	case "tail":
		fs := flag.NewFlagSet("audit tail", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		since := fs.Int64("since", 0, "only records after this sequence number")
		if err := fs.Parse(args[1:]); err != nil {
			return fail(exitValidation, "parse flags: %w", err)
		}
		data, err := c.request(ctx, http.MethodGet, "/audit?since="+strconv.FormatInt(*since, 10), nil)
		if err != nil {
			return err
		}
		return printJSON(data)
	case "trace":
		if len(args) < 2 {
			return fail(exitValidation, "audit trace requires a correlation id")
		}
		data, err := c.request(ctx, http.MethodGet, "/audit/trace/"+args[1], nil)
		if err != nil {
			return err
		}
		return printJSON(data)
	default:
		return fail(exitValidation, "unknown audit subcommand %q", args[0])
	}
}

func handleDelegate(ctx context.Context, c *apiClient, args []string) error {
	fs := flag.NewFlagSet("delegate", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	priority := fs.String("priority", "medium", "urgent|high|medium|low")
	if err := fs.Parse(args); err != nil {
		return fail(exitValidation, "parse flags: %w", err)
	}
	remaining := fs.Args()
	if len(remaining) < 2 {
		return fail(exitValidation, "delegate requires an agent kind and a directive")
	}
	data, err := c.request(ctx, http.MethodPost, "/delegate", map[string]any{
		"agent":     remaining[0],
		"directive": strings.Join(remaining[1:], " "),
		"priority":  *priority,
	})
	if err != nil {
		return err
	}
	return printJSON(data)
}

func handleBackup(ctx context.Context, c *apiClient, args []string) error {
	if len(args) < 2 {
		return fail(exitValidation, "backup requires a subcommand and a file: export <file> | restore <file>")
	}
	switch args[0] {
	case "export":
		data, err := c.request(ctx, http.MethodGet, "/backup/export", nil)
		if err != nil {
			return err
		}
		if err := os.WriteFile(args[1], data, 0o644); err != nil {
			return fail(exitGeneric, "write %s: %v", args[1], err)
		}
		fmt.Printf("exported %d bytes to %s\n", len(data), args[1])
		return nil
	case "restore":
		raw, err := os.ReadFile(args[1])
		if err != nil {
			return fail(exitValidation, "read %s: %v", args[1], err)
		}
		data, err := c.requestRaw(ctx, http.MethodPost, "/backup/restore", raw, "application/gzip")
		if err != nil {
			return err
		}
		return printJSON(data)
	default:
		return fail(exitValidation, "unknown backup subcommand %q", args[0])
	}
}

func printJSON(data []byte) error {
	var pretty map[string]any
	if err := json.Unmarshal(data, &pretty); err == nil {
		enc, _ := json.MarshalIndent(pretty, "", "  ")
		fmt.Println(string(enc))
		return nil
	}
	var prettyList []any
	if err := json.Unmarshal(data, &prettyList); err == nil {
		enc, _ := json.MarshalIndent(prettyList, "", "  ")
		fmt.Println(string(enc))
		return nil
	}
	fmt.Println(string(data))
	return nil
}
