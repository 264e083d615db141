// Command hearthctl is the household OS's command-line control surface,
// mirroring the control plane's HTTP routes (§6). Grounded on the teacher's
// cmd/slctl (run(ctx, args) dispatch, apiClient, usageError) with new
// exit-code mapping: 0 success, 1 generic failure, 2 validation, 3 policy
// denial, 4 storage unavailable.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		var ce *cliError
		if errors.As(err, &ce) {
			os.Exit(int(ce.code))
		}
		os.Exit(int(exitGeneric))
	}
}

func run(ctx context.Context, args []string) error {
	defaultAddr := getenv("HEARTH_ADDR", "http://localhost:8080")
	defaultUser := os.Getenv("HEARTH_USER")
	defaultPass := os.Getenv("HEARTH_PASSWORD")
	defaultToken := os.Getenv("HEARTH_TOKEN")

	root := flag.NewFlagSet("hearthctl", flag.ContinueOnError)
	root.SetOutput(io.Discard)
	addrFlag := root.String("addr", defaultAddr, "control plane base URL (env HEARTH_ADDR)")
	userFlag := root.String("user", defaultUser, "operator username (env HEARTH_USER)")
	passFlag := root.String("password", defaultPass, "operator password (env HEARTH_PASSWORD)")
	tokenFlag := root.String("token", defaultToken, "bearer token, skips login (env HEARTH_TOKEN)")
	timeoutFlag := root.Duration("timeout", 15*time.Second, "HTTP request timeout")
	if err := root.Parse(args); err != nil {
		printRootUsage()
		return fail(exitValidation, "parse flags: %w", err)
	}

	remaining := root.Args()
	if len(remaining) == 0 {
		printRootUsage()
		return fail(exitValidation, "no command specified")
	}

	client := &apiClient{
		baseURL: strings.TrimRight(*addrFlag, "/"),
		token:   strings.TrimSpace(*tokenFlag),
		http:    &http.Client{Timeout: *timeoutFlag},
	}
	if client.token == "" && *userFlag != "" {
		if err := client.login(ctx, *userFlag, *passFlag); err != nil {
			return err
		}
	}

	switch remaining[0] {
	case "status":
		return handleStatus(ctx, client, remaining[1:])
	case "startup":
		return handleStartup(ctx, client)
	case "shutdown":
		return handleShutdown(ctx, client)
	case "jobs":
		return handleJobs(ctx, client, remaining[1:])
	case "approvals":
		return handleApprovals(ctx, client, remaining[1:])
	case "audit":
		return handleAudit(ctx, client, remaining[1:])
	case "delegate":
		return handleDelegate(ctx, client, remaining[1:])
	case "backup":
		return handleBackup(ctx, client, remaining[1:])
	case "help", "-h", "--help":
		printRootUsage()
		return nil
	default:
		printRootUsage()
		return fail(exitValidation, "unknown command %q", remaining[0])
	}
}

func getenv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func printRootUsage() {
	fmt.Println(`hearthctl — household OS control surface

Usage:
  hearthctl [global flags] <command> [subcommand] [flags]

Global Flags:
  --addr       control plane base URL (env HEARTH_ADDR, default http://localhost:8080)
  --user       operator username (env HEARTH_USER)
  --password   operator password (env HEARTH_PASSWORD)
  --token      bearer token, skips login (env HEARTH_TOKEN)
  --timeout    HTTP timeout (default 15s)

Commands:
  status                 Show agent/approval/incident status
  startup                Start every registered agent
  shutdown                Stop every registered agent
  jobs list               List scheduled jobs
  jobs create              Create a scheduled job
  jobs run <id>            Run a job immediately
  approvals list           List pending approvals
  approvals resolve <id>   Approve or deny a pending approval
  audit tail               Show up to 200 audit records after --since, oldest first
  audit trace <cid>        Show the causal chain for a correlation ID
  delegate <agent> <text>  Route a directive to an agent
  backup export <file>     Export persisted state to a tar.gz archive
  backup restore <file>    Restore persisted state from an archive`)
}
