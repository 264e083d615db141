// Command hearthd is the household OS daemon: it wires the state store,
// event bus, scheduler, policy gate, safe-edit service, audit recorder, the
// nine fixed agents, and the HTTP control plane together and runs them
// until an operator signals shutdown. Grounded on the teacher's
// cmd/appserver/main.go (flag parsing, postgres-or-in-memory storage
// selection, signal-driven graceful shutdown).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/hearth-os/hearth/agents/backup"
	"github.com/hearth-os/hearth/agents/contractors"
	"github.com/hearth-os/hearth/agents/finance"
	"github.com/hearth-os/hearth/agents/janitor"
	"github.com/hearth-os/hearth/agents/maintenance"
	"github.com/hearth-os/hearth/agents/mailskill"
	"github.com/hearth-os/hearth/agents/manager"
	"github.com/hearth-os/hearth/agents/projects"
	"github.com/hearth-os/hearth/agents/security"
	"github.com/hearth-os/hearth/applications/httpapi"
	"github.com/hearth-os/hearth/internal/config"
	"github.com/hearth-os/hearth/pkg/auth"
	"github.com/hearth-os/hearth/pkg/logger"
	"github.com/hearth-os/hearth/system/agentrt"
	"github.com/hearth-os/hearth/system/audit"
	sysbackup "github.com/hearth-os/hearth/system/backup"
	"github.com/hearth-os/hearth/system/bus"
	"github.com/hearth-os/hearth/system/connectors"
	"github.com/hearth-os/hearth/system/policy"
	"github.com/hearth-os/hearth/system/safeedit"
	"github.com/hearth-os/hearth/system/scheduler"
	"github.com/hearth-os/hearth/system/store"
	"github.com/hearth-os/hearth/system/store/memstore"
	"github.com/hearth-os/hearth/system/supervisor"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address (defaults to config or :8080)")
	dsn := flag.String("dsn", "", "PostgreSQL DSN (overrides config/env; in-memory storage when empty)")
	configPath := flag.String("config", "", "path to configuration file (JSON or YAML)")
	flag.Parse()

	cfg := config.New()
	if trimmed := strings.TrimSpace(*configPath); trimmed != "" {
		loaded, err := loadConfigFile(trimmed)
		if err != nil {
			log.Fatalf("load config %s: %v", trimmed, err)
		}
		cfg = loaded
	} else if loaded, err := config.Load(); err == nil {
		cfg = loaded
	}

	log0 := logger.New(logger.LoggingConfig(cfg.Logging))

	st, closeStore := openStore(cfg, *dsn, log0)
	defer closeStore()

	if err := seedPolicy(context.Background(), st, cfg); err != nil {
		log.Fatalf("seed policy snapshot: %v", err)
	}

	eventBus := bus.New(log0, bus.WithQueueSize(cfg.Bus.QueueSize), bus.WithStore(st))

	registry := connectors.NewRegistry(eventBus, log0)
	registry.Register(connectors.NewStubMail("mail"), 1, 5)
	registry.Register(connectors.NewStubChat("chat"), 2, 5)
	registry.Register(connectors.NewStubPrice("price"), 1, 5)
	registry.Register(connectors.NewStubCalendar("calendar"), 1, 5)

	gate := policy.NewGate(st, eventBus, log0)

	sched := scheduler.New(st, eventBus, log0, func(ctx context.Context, job *store.Job) error {
		return st.InsertTask(ctx, &store.Task{
			ID:            uuid.NewString(),
			OwnerAgent:    job.Agent,
			Title:         job.TaskSpec,
			Priority:      store.PriorityMedium,
			Status:        store.TaskPending,
			Category:      "scheduled",
			CreatedAt:     time.Now(),
			CorrelationID: uuid.NewString(),
			Version:       1,
		})
	})

	masterKey := []byte(cfg.Security.BackupEncryptionKey)
	if len(masterKey) == 0 {
		log0.Component("hearthd").Warn("BACKUP_ENCRYPTION_KEY not set; safe-edit backups will use a zero-value key")
	}
	se := safeedit.New(st, eventBus, log0, masterKey)
	rec := audit.New(st)

	sup := supervisor.New(st, eventBus, gate, log0)
	for _, rt := range buildRuntimes(st, eventBus, log0, se, registry, cfg.Storage.DataRoot) {
		rt.Heartbeat = cfg.Heartbeat.Interval
		rt.AttachGate(gate)
		rt.Subscribe(supervisor.DirectiveTopic(rt.Kind), bus.PriorityNormal)
		sup.Register(rt)
	}

	operators := make([]auth.Operator, 0, len(cfg.Auth.Operators))
	for _, op := range cfg.Auth.Operators {
		operators = append(operators, auth.Operator{Username: op.Username, Password: op.Password, Role: op.Role})
	}
	authMgr := auth.NewManager(cfg.Auth.JWTSecret, operators)

	server := httpapi.New(httpapi.Deps{
		Store:      st,
		Bus:        eventBus,
		Gate:       gate,
		Scheduler:  sched,
		Supervisor: sup,
		SafeEdit:   se,
		Audit:      rec,
		Connectors: registry,
		Auth:       authMgr,
		Log:        log0,
		DataRoot:   cfg.Storage.DataRoot,
	})

	rootCtx := context.Background()
	if err := registry.StartAll(rootCtx); err != nil {
		log0.Component("hearthd").WithField("error", err).Warn("connector startup reported errors")
	}
	if err := sup.Startup(rootCtx); err != nil {
		log.Fatalf("start agents: %v", err)
	}
	sched.Start(rootCtx)

	retentionCtx, cancelRetention := context.WithCancel(rootCtx)
	defer cancelRetention()
	go runBackupRetention(retentionCtx, se, cfg, log0)

	listenAddr := determineAddr(*addr, cfg)
	go func() {
		if err := server.Start(listenAddr); err != nil {
			log.Fatalf("control plane: %v", err)
		}
	}()
	log.Printf("hearthd listening on %s", listenAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cancelRetention()
	sched.Stop()
	if err := sup.Shutdown(shutdownCtx); err != nil {
		log0.Component("hearthd").WithField("error", err).Warn("agent shutdown reported errors")
	}
	registry.StopAll(shutdownCtx)
	if err := server.Stop(shutdownCtx); err != nil {
		log.Fatalf("control plane shutdown: %v", err)
	}
}

// buildRuntimes constructs one agentrt.Runtime per fixed agent kind,
// subscribed to the bus topics its Brain handles.
func buildRuntimes(st store.Store, b *bus.Bus, log0 *logger.Logger, se *safeedit.Service, reg *connectors.Registry, dataRoot string) []*agentrt.Runtime {
	mgr := agentrt.New(store.AgentKindManager, st, b, log0, manager.New())
	mgr.Subscribe("household.request", bus.PriorityNormal)
	mgr.Subscribe("incident.opened", bus.PriorityCritical)

	fin := agentrt.New(store.AgentKindFinance, st, b, log0, finance.New())
	fin.Subscribe("bill.due", bus.PriorityHigh)
	fin.Subscribe("cost.actual", bus.PriorityNormal)
	fin.Subscribe("policy.frozen", bus.PriorityHigh)

	maint := agentrt.New(store.AgentKindMaintenance, st, b, log0, maintenance.New())
	maint.Subscribe("maintenance.issue_reported", bus.PriorityNormal)
	maint.Subscribe("connector.health", bus.PriorityLow)

	con := agentrt.New(store.AgentKindContractors, st, b, log0, contractors.New())
	con.Subscribe("contractors.dispatch_requested", bus.PriorityNormal)

	proj := agentrt.New(store.AgentKindProjects, st, b, log0, projects.New())
	proj.Subscribe("project.milestone_due", bus.PriorityNormal)

	sec := agentrt.New(store.AgentKindSecurity, st, b, log0, security.New())
	sec.Subscribe("security.breach", bus.PriorityCritical)
	sec.Subscribe("security.access_anomaly", bus.PriorityHigh)

	jan := agentrt.New(store.AgentKindJanitor, st, b, log0, janitor.New(se))
	jan.Subscribe("config.drift_detected", bus.PriorityNormal)
	jan.Subscribe("janitor.cleanup_due", bus.PriorityNormal)
	jan.Subscribe("safeedit.applied", bus.PriorityLow)

	bak := agentrt.New(store.AgentKindBackup, st, b, log0, backup.New(stateExporter(st, dataRoot)))
	bak.Subscribe("scheduler.tick", bus.PriorityNormal)
	bak.Subscribe("scheduler.job.disabled", bus.PriorityHigh)

	mail := agentrt.New(store.AgentKindMailSkill, st, b, log0, mailskill.New(reg))
	mail.Subscribe("inbox.message", bus.PriorityNormal)

	return []*agentrt.Runtime{mgr, fin, maint, con, proj, sec, jan, bak, mail}
}

// stateExporter returns the Backup agent's Exporter: a full state export
// into DATA_ROOT/exports, one timestamped archive per run. Export is given
// no data root here, so the archive holds Store state only and no file tree.
func stateExporter(st store.Store, dataRoot string) backup.Exporter {
	return func(ctx context.Context) (string, error) {
		dir := filepath.Join(dataRoot, "exports")
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", err
		}
		dest := filepath.Join(dir, "hearth-"+time.Now().Format("20060102-150405")+".tar.gz")
		f, err := os.Create(dest)
		if err != nil {
			return "", err
		}
		if err := sysbackup.Export(ctx, st, "", f); err != nil {
			f.Close()
			os.Remove(dest)
			return "", err
		}
		if err := f.Close(); err != nil {
			return "", err
		}
		return dest, nil
	}
}

// retentionSweepInterval is the cadence of the safe-edit backup retention
// sweep; BACKUP_RETENTION_DAYS (§6) controls how old a backup must be
// before it is eligible for pruning, not how often the sweep itself runs.
const retentionSweepInterval = 24 * time.Hour

// runBackupRetention periodically prunes safe-edit backups older than
// cfg.Policy.BackupRetentionDays (§4.6 step 5), running once immediately so
// a long-idle DATA_ROOT doesn't wait a full day for its first sweep.
func runBackupRetention(ctx context.Context, se *safeedit.Service, cfg *config.Config, log0 *logger.Logger) {
	sweep := func() {
		n, err := se.Prune(ctx, cfg.Policy.BackupRetentionDays)
		if err != nil {
			log0.Component("hearthd").WithField("error", err).Warn("backup retention sweep failed")
			return
		}
		if n > 0 {
			log0.Component("hearthd").WithField("pruned", n).Info("pruned expired safe-edit backups")
		}
	}
	sweep()

	ticker := time.NewTicker(retentionSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweep()
		}
	}
}

// seedPolicy installs the config-derived PolicySnapshot when the store has
// none yet (a fresh database, or a fresh in-memory store on every boot). An
// operator's already-installed policy is never overwritten.
func seedPolicy(ctx context.Context, st store.Store, cfg *config.Config) error {
	if _, err := st.CurrentPolicy(ctx); err == nil {
		return nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}
	return st.InstallPolicy(ctx, &store.PolicySnapshot{
		Thresholds: store.Thresholds{
			CostAutoCap:    cfg.Policy.CostAutoCap,
			CostConfirmCap: cfg.Policy.CostConfirmCap,
		},
		QuietHours: store.QuietHours{
			Start: cfg.Policy.QuietHoursStart,
			End:   cfg.Policy.QuietHoursEnd,
		},
		BackupRetentionDays: cfg.Policy.BackupRetentionDays,
	})
}

func openStore(cfg *config.Config, dsnFlag string, log0 *logger.Logger) (store.Store, func()) {
	dsnVal := resolveDSN(dsnFlag, cfg)
	if dsnVal == "" {
		log0.Component("hearthd").Info("no DSN configured; using in-memory state store")
		return memstore.New(), func() {}
	}
	pg, err := store.OpenPostgres(dsnVal, cfg.Database.MigrateOnStart)
	if err != nil {
		log.Fatalf("connect to postgres: %v", err)
	}
	return pg, func() { _ = pg.Close() }
}

func resolveDSN(flagDSN string, cfg *config.Config) string {
	if trimmed := strings.TrimSpace(flagDSN); trimmed != "" {
		return trimmed
	}
	if envDSN := strings.TrimSpace(os.Getenv("DATABASE_DSN")); envDSN != "" {
		return envDSN
	}
	if cfg == nil {
		return ""
	}
	if cfg.Database.DSN != "" {
		return strings.TrimSpace(cfg.Database.DSN)
	}
	if cfg.Database.Host != "" && cfg.Database.Name != "" {
		return cfg.Database.ConnectionString()
	}
	return ""
}

func determineAddr(flagAddr string, cfg *config.Config) string {
	addr := strings.TrimSpace(flagAddr)
	if addr != "" {
		return addr
	}
	if cfg != nil {
		host := strings.TrimSpace(cfg.Server.Host)
		port := cfg.Server.Port
		if port != 0 {
			if host == "" {
				host = "0.0.0.0"
			}
			return fmt.Sprintf("%s:%d", host, port)
		}
	}
	return ":8080"
}

func loadConfigFile(path string) (*config.Config, error) {
	switch {
	case strings.HasSuffix(path, ".yaml"), strings.HasSuffix(path, ".yml"):
		return config.LoadFile(path)
	case strings.HasSuffix(path, ".json"):
		return config.LoadConfig(path)
	default:
		if cfg, err := config.LoadFile(path); err == nil {
			return cfg, nil
		}
		return config.LoadConfig(path)
	}
}
