package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/coder/quartz"
	"golang.org/x/term"

	"github.com/Strob0t/licenser/internal/adapter/postgres"
	"github.com/Strob0t/licenser/internal/config"
	"github.com/Strob0t/licenser/internal/domain/license"
	"github.com/Strob0t/licenser/internal/domain/tenant"
	"github.com/Strob0t/licenser/internal/service"
)

// runAdmin dispatches admin subcommands.
func runAdmin(args []string) error {
	if len(args) == 0 || args[0] == "help" || args[0] == "--help" {
		printAdminHelp()
		return nil
	}

	switch args[0] {
	case "generate":
		return runAdminGenerate(args[1:])
	case "list-licenses":
		return runAdminListLicenses(args[1:])
	case "stats":
		return runAdminStats(args[1:])
	case "sweep":
		return runAdminSweep(args[1:])
	case "reconcile":
		return runAdminReconcile(args[1:])
	case "purge-tenant":
		return runAdminPurgeTenant(args[1:])
	case "backup":
		return runAdminBackup(args[1:])
	case "migrate-version":
		return runAdminMigrateVersion(args[1:])
	case "migrate-down":
		return runAdminMigrateDown(args[1:])
	default:
		printAdminHelp()
		return fmt.Errorf("unknown admin command: %s", args[0])
	}
}

func printAdminHelp() {
	fmt.Fprintf(os.Stderr, `Usage: licenser admin <command> [options]

Commands:
  generate         Mint license codes for a tenant
  list-licenses    List unused license codes
  stats            Show unused licenses and active entitlements
  sweep            Run one expiration sweep now
  reconcile        Purge tenants the bot is no longer a member of
  purge-tenant     Delete all state of a tenant (--keep-tenant keeps its settings)
  backup           Export a tenant with its licenses and entitlements as JSON
  migrate-version  Show the applied schema version
  migrate-down     Roll back schema migrations
  help             Show this help message

Examples:
  licenser admin generate --tenant 1234 --count 10 --duration "1month"
  licenser admin list-licenses --tenant 1234 --limit 20
  licenser admin purge-tenant --tenant 1234 --yes
  licenser admin purge-tenant --tenant 1234 --keep-tenant
  licenser admin backup --tenant 1234 --out tenant-1234.json
  licenser admin migrate-down --steps 1

Output is a table on a terminal and JSON otherwise.
`)
}

// adminDeps holds the services admin commands work with.
type adminDeps struct {
	cfg       *config.Config
	tenants   *service.TenantService
	licenses  *service.LicenseService
	cascades  *service.CascadeService
	sweeper   *service.Sweeper
	closePool func()
}

func loadAdminDeps(ctx context.Context) (*adminDeps, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	clock := quartz.NewReal()
	store := postgres.NewStore(pool)
	gateway := newGateway(cfg, clock)
	notifiers, err := buildNotifiers(cfg)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("notifiers: %w", err)
	}

	tenants := service.NewTenantService(store, gateway, nil, 0, cfg.Tenants.DefaultPrefix)
	lifecycle := service.NewLifecycle(service.NewNotificationService(notifiers, cfg.Notify.Events), nil, clock)
	return &adminDeps{
		cfg:       cfg,
		tenants:   tenants,
		licenses:  service.NewLicenseService(store, gateway, tenants, cfg.Licenses),
		cascades:  service.NewCascadeService(store, gateway, tenants),
		sweeper:   service.NewSweeper(store, gateway, tenants, lifecycle, clock, cfg.Sweeper),
		closePool: pool.Close,
	}, nil
}

func runAdminGenerate(args []string) error {
	fs := flag.NewFlagSet("generate", flag.ContinueOnError)
	tenantID := fs.String("tenant", "", "tenant id (required)")
	count := fs.Int("count", 1, "number of codes to mint")
	capabilityID := fs.String("capability", "", "capability id (tenant default if empty)")
	duration := fs.String("duration", "", `license duration such as "30d" or "1y 2months" (tenant default if empty)`)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *tenantID == "" {
		return errors.New("--tenant is required")
	}

	req := license.GenerateRequest{TenantID: *tenantID, Count: *count, CapabilityID: *capabilityID}
	if *duration != "" {
		hours, err := license.ParseDuration(*duration)
		if err != nil {
			return err
		}
		req.DurationHours = hours
	}

	ctx := context.Background()
	deps, err := loadAdminDeps(ctx)
	if err != nil {
		return err
	}
	defer deps.closePool()

	batch, err := deps.licenses.Generate(ctx, req)
	if err != nil {
		return fmt.Errorf("generate: %w", err)
	}
	if !isTerminal() {
		return printJSON(batch)
	}
	fmt.Fprintf(os.Stderr, "Minted %d licenses for role %s (%d hours):\n",
		len(batch.Codes), batch.CapabilityID, batch.DurationHours)
	for _, code := range batch.Codes {
		fmt.Println(code)
	}
	return nil
}

func runAdminListLicenses(args []string) error {
	fs := flag.NewFlagSet("list-licenses", flag.ContinueOnError)
	tenantID := fs.String("tenant", "", "tenant id (required)")
	capabilityID := fs.String("capability", "", "filter by capability id")
	limit := fs.Int("limit", license.DefaultListLimit, "maximum number of codes")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *tenantID == "" {
		return errors.New("--tenant is required")
	}

	ctx := context.Background()
	deps, err := loadAdminDeps(ctx)
	if err != nil {
		return err
	}
	defer deps.closePool()

	items, err := deps.licenses.List(ctx, *tenantID, *capabilityID, *limit)
	if err != nil {
		return fmt.Errorf("list licenses: %w", err)
	}
	if !isTerminal() {
		return printJSON(items)
	}
	if len(items) == 0 {
		fmt.Println("No licenses found.")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "CODE\tDURATION_HOURS")
	for _, it := range items {
		_, _ = fmt.Fprintf(w, "%s\t%d\n", it.Code, it.DurationHours)
	}
	return w.Flush()
}

func runAdminStats(args []string) error {
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	tenantID := fs.String("tenant", "", "tenant id (all tenants if empty)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx := context.Background()
	deps, err := loadAdminDeps(ctx)
	if err != nil {
		return err
	}
	defer deps.closePool()

	ids := []string{*tenantID}
	if *tenantID == "" {
		if ids, err = deps.tenants.ListIDs(ctx); err != nil {
			return fmt.Errorf("list tenants: %w", err)
		}
	}

	type row struct {
		TenantID           string `json:"tenant_id"`
		UnusedLicenses     int    `json:"unused_licenses"`
		ActiveEntitlements int    `json:"active_entitlements"`
	}
	rows := make([]row, 0, len(ids))
	for _, id := range ids {
		st, err := deps.licenses.Stats(ctx, id)
		if err != nil {
			return fmt.Errorf("stats %s: %w", id, err)
		}
		rows = append(rows, row{TenantID: id, UnusedLicenses: st.UnusedLicenses, ActiveEntitlements: st.ActiveEntitlements})
	}

	if !isTerminal() {
		return printJSON(rows)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "TENANT\tUNUSED_LICENSES\tACTIVE_ENTITLEMENTS")
	for _, r := range rows {
		_, _ = fmt.Fprintf(w, "%s\t%d\t%d\n", r.TenantID, r.UnusedLicenses, r.ActiveEntitlements)
	}
	return w.Flush()
}

func runAdminSweep(args []string) error {
	fs := flag.NewFlagSet("sweep", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx := context.Background()
	deps, err := loadAdminDeps(ctx)
	if err != nil {
		return err
	}
	defer deps.closePool()

	report, err := deps.sweeper.Tick(ctx)
	if err != nil {
		return fmt.Errorf("sweep: %w", err)
	}
	if !isTerminal() {
		return printJSON(report)
	}
	fmt.Fprintf(os.Stderr, "Sweep %s: scanned=%d expired=%d revoked=%d deleted=%d skipped=%d tenants_purged=%d\n",
		report.SweepID, report.Scanned, report.Expired, report.Revoked, report.Deleted, report.Skipped, report.TenantsPurged)
	return nil
}

func runAdminReconcile(args []string) error {
	fs := flag.NewFlagSet("reconcile", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx := context.Background()
	deps, err := loadAdminDeps(ctx)
	if err != nil {
		return err
	}
	defer deps.closePool()

	purged, err := deps.cascades.Reconcile(ctx)
	fmt.Fprintf(os.Stderr, "Purged %d tenants\n", purged)
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	return nil
}

func runAdminPurgeTenant(args []string) error {
	fs := flag.NewFlagSet("purge-tenant", flag.ContinueOnError)
	tenantID := fs.String("tenant", "", "tenant id (required)")
	yes := fs.Bool("yes", false, "skip the confirmation prompt")
	keep := fs.Bool("keep-tenant", false, "keep the tenant row and its settings")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *tenantID == "" {
		return errors.New("--tenant is required")
	}
	if !*yes {
		if !term.IsTerminal(int(os.Stdin.Fd())) { //nolint:gosec // fd fits in int
			return errors.New("refusing to purge without --yes when stdin is not a terminal")
		}
		ok, err := confirm(fmt.Sprintf("Delete all licenses and entitlements of tenant %s?", *tenantID))
		if err != nil {
			return err
		}
		if !ok {
			return errors.New("aborted")
		}
	}

	ctx := context.Background()
	deps, err := loadAdminDeps(ctx)
	if err != nil {
		return err
	}
	defer deps.closePool()

	if err := purgeTenant(ctx, deps.tenants, *tenantID, *keep); err != nil {
		return err
	}
	if *keep {
		fmt.Fprintf(os.Stderr, "Tenant %s cleared, settings kept\n", *tenantID)
	} else {
		fmt.Fprintf(os.Stderr, "Tenant %s purged\n", *tenantID)
	}
	return nil
}

// tenantPurger is the part of the tenant service purge-tenant and backup use.
type tenantPurger interface {
	Purge(ctx context.Context, id string) error
	ClearData(ctx context.Context, id string) error
	Backup(ctx context.Context, id string) (*tenant.Backup, error)
}

func purgeTenant(ctx context.Context, tenants tenantPurger, id string, keepTenant bool) error {
	if keepTenant {
		if err := tenants.ClearData(ctx, id); err != nil {
			return fmt.Errorf("clear tenant data: %w", err)
		}
		return nil
	}
	if err := tenants.Purge(ctx, id); err != nil {
		return fmt.Errorf("purge tenant: %w", err)
	}
	return nil
}

func runAdminBackup(args []string) error {
	fs := flag.NewFlagSet("backup", flag.ContinueOnError)
	tenantID := fs.String("tenant", "", "tenant id (required)")
	out := fs.String("out", "", "output file (stdout if empty)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *tenantID == "" && fs.NArg() > 0 {
		*tenantID = fs.Arg(0)
	}
	if *tenantID == "" {
		return errors.New("--tenant is required")
	}

	ctx := context.Background()
	deps, err := loadAdminDeps(ctx)
	if err != nil {
		return err
	}
	defer deps.closePool()

	var w io.Writer = os.Stdout
	var f *os.File
	if *out != "" {
		if f, err = os.OpenFile(*out, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600); err != nil {
			return fmt.Errorf("create backup file: %w", err)
		}
		w = f
	}
	b, err := writeBackup(ctx, w, deps.tenants, *tenantID)
	if f != nil {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("close backup file: %w", cerr)
		}
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "Tenant %s exported: %d licenses, %d entitlements\n", *tenantID, len(b.Licenses), len(b.Entitlements))
	return nil
}

// writeBackup exports the tenant and writes it to w as indented JSON.
func writeBackup(ctx context.Context, w io.Writer, tenants tenantPurger, id string) (*tenant.Backup, error) {
	b, err := tenants.Backup(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("backup tenant %s: %w", id, err)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(b); err != nil {
		return nil, fmt.Errorf("write backup: %w", err)
	}
	return b, nil
}

func runAdminMigrateVersion(args []string) error {
	fs := flag.NewFlagSet("migrate-version", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	version, err := postgres.MigrationVersion(context.Background(), cfg.Postgres.DSN)
	if err != nil {
		return err
	}
	fmt.Println(version)
	return nil
}

func runAdminMigrateDown(args []string) error {
	fs := flag.NewFlagSet("migrate-down", flag.ContinueOnError)
	steps := fs.Int("steps", 1, "number of migrations to roll back")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *steps < 1 {
		return errors.New("--steps must be >= 1")
	}
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx := context.Background()
	if err := postgres.RollbackMigrations(ctx, cfg.Postgres.DSN, *steps); err != nil {
		return err
	}
	version, err := postgres.MigrationVersion(ctx, cfg.Postgres.DSN)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "Rolled back %d migration(s), now at version %d\n", *steps, version)
	return nil
}

// isTerminal reports whether stdout is an interactive terminal.
func isTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd())) //nolint:gosec // fd fits in int
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// confirm asks a yes/no question on stderr and reads the answer from stdin.
func confirm(question string) (bool, error) {
	fmt.Fprintf(os.Stderr, "%s [y/N]: ", question)
	answer, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false, fmt.Errorf("read answer: %w", err)
	}
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes", nil
}
