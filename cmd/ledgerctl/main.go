// ledgerctl - operator utility for the delta-target ledger.
// Commands:
//
//	list     show records, optionally filtered by account, instrument or type
//	delete   remove one record by id
//	purge    remove order records older than the grace period
//	migrate  apply the postgres schema migrations
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/eddiefleurent/delta_hedger/internal/config"
	"github.com/eddiefleurent/delta_hedger/internal/models"
	"github.com/eddiefleurent/delta_hedger/internal/storage"
	"github.com/sirupsen/logrus"
)

var errUsage = errors.New("usage: ledgerctl [-config path] [-dry-run] [-yes] <list|delete|purge|migrate> [args]")

// migrator is implemented by ledgers with a schema.
type migrator interface {
	Migrate(ctx context.Context) error
}

type options struct {
	account    string
	instrument string
	recordType string
	graceDays  int
	limit      int
	dryRun     bool
	yes        bool
}

func main() {
	var (
		configPath = flag.String("config", "config.yaml", "Path to configuration file")
		opts       options
	)
	flag.StringVar(&opts.account, "account", "", "Filter by account id")
	flag.StringVar(&opts.instrument, "instrument", "", "Filter by instrument name")
	flag.StringVar(&opts.recordType, "type", "", "Filter by record type (position|order)")
	flag.IntVar(&opts.limit, "limit", 0, "Maximum records to list (0 = all)")
	flag.IntVar(&opts.graceDays, "grace-days", 0, "Order record grace period for purge (0 = config value)")
	flag.BoolVar(&opts.dryRun, "dry-run", false, "Show what would be done without making changes")
	flag.BoolVar(&opts.yes, "yes", false, "Skip confirmation prompts")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}
	if opts.graceDays == 0 {
		opts.graceDays = cfg.Schedule.OrderGraceDays
	}

	ctx := context.Background()
	scfg := storage.Config{
		Driver:   cfg.Storage.Driver,
		DSN:      cfg.Storage.DSN,
		MaxConns: cfg.Storage.MaxConns,
		MinConns: cfg.Storage.MinConns,
	}
	ledger, err := storage.NewStorage(ctx, scfg)
	if err != nil {
		logrus.Fatalf("Failed to open ledger: %v", err)
	}
	defer func() {
		if err := ledger.Close(); err != nil {
			logrus.WithError(err).Warn("Failed to close ledger")
		}
	}()

	fmt.Printf("Ledger: %s\n\n", cfg.Storage.Driver)
	if err := run(ctx, ledger, flag.Args(), opts, os.Stdin, os.Stdout); err != nil {
		logrus.Fatal(err)
	}
}

func run(ctx context.Context, ledger storage.Interface, args []string, opts options, in io.Reader, out io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}
	switch args[0] {
	case "list":
		return list(ctx, ledger, opts, out)
	case "delete":
		if len(args) != 2 {
			return fmt.Errorf("delete needs exactly one record id: %w", errUsage)
		}
		return deleteRecord(ctx, ledger, args[1], opts, in, out)
	case "purge":
		return purge(ctx, ledger, opts, in, out)
	case "migrate":
		m, ok := ledger.(migrator)
		if !ok {
			return errors.New("migrate: the configured ledger has no schema")
		}
		if opts.dryRun {
			_, _ = fmt.Fprintln(out, "DRY RUN: Would apply pending migrations")
			return nil
		}
		if err := m.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		_, _ = fmt.Fprintln(out, "Migrations applied")
		return nil
	default:
		return fmt.Errorf("unknown command %q: %w", args[0], errUsage)
	}
}

func list(ctx context.Context, ledger storage.Interface, opts options, out io.Writer) error {
	q := models.Query{
		AccountID:      opts.account,
		InstrumentName: opts.instrument,
		RecordType:     models.RecordType(opts.recordType),
		Limit:          opts.limit,
	}
	if q.RecordType != "" && !q.RecordType.Valid() {
		return fmt.Errorf("invalid type %q: must be 'position' or 'order'", opts.recordType)
	}
	recs, err := ledger.ListRecords(ctx, q)
	if err != nil {
		return fmt.Errorf("list records: %w", err)
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tACCOUNT\tINSTRUMENT\tTYPE\tTARGET\tMOVE\tMIN DAYS\tORDER\tCREATED")
	for _, r := range recs {
		minDays := "-"
		if r.MinExpireDays != nil {
			minDays = fmt.Sprint(*r.MinExpireDays)
		}
		orderID := "-"
		if r.OrderID != nil {
			orderID = *r.OrderID
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%.4f\t%.4f\t%s\t%s\t%s\n",
			r.ID, r.AccountID, r.InstrumentName, r.RecordType,
			r.TargetDelta, r.MovePositionDelta, minDays, orderID,
			r.CreatedAt.UTC().Format("2006-01-02 15:04:05"))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(out, "\n%d record(s)\n", len(recs))
	return nil
}

func deleteRecord(ctx context.Context, ledger storage.Interface, id string, opts options, in io.Reader, out io.Writer) error {
	rec, err := ledger.GetRecord(ctx, id)
	if err != nil {
		return fmt.Errorf("get record %s: %w", id, err)
	}
	if rec == nil {
		return fmt.Errorf("record %s not found", id)
	}
	_, _ = fmt.Fprintf(out, "Record %s: %s %s (%s, target %.4f)\n",
		rec.ID, rec.AccountID, rec.InstrumentName, rec.RecordType, rec.TargetDelta)

	if opts.dryRun {
		_, _ = fmt.Fprintln(out, "DRY RUN: Would delete this record")
		return nil
	}
	if !opts.yes && !confirm(in, out, "Delete this record?") {
		_, _ = fmt.Fprintln(out, "Cancelled")
		return nil
	}
	if _, err := ledger.DeleteRecord(ctx, id); err != nil {
		return fmt.Errorf("delete record %s: %w", id, err)
	}
	_, _ = fmt.Fprintln(out, "Deleted")
	return nil
}

func purge(ctx context.Context, ledger storage.Interface, opts options, in io.Reader, out io.Writer) error {
	if opts.graceDays <= 0 {
		return fmt.Errorf("grace days must be > 0, got %d", opts.graceDays)
	}
	if opts.dryRun {
		orders, err := ledger.ListRecords(ctx, models.Query{RecordType: models.RecordTypeOrder})
		if err != nil {
			return fmt.Errorf("list order records: %w", err)
		}
		_, _ = fmt.Fprintf(out, "DRY RUN: Would purge order records older than %d days (%d order records total)\n",
			opts.graceDays, len(orders))
		return nil
	}
	if !opts.yes && !confirm(in, out, fmt.Sprintf("Purge order records older than %d days?", opts.graceDays)) {
		_, _ = fmt.Fprintln(out, "Cancelled")
		return nil
	}
	n, err := ledger.DeleteExpiredOrders(ctx, opts.graceDays)
	if err != nil {
		return fmt.Errorf("purge: %w", err)
	}
	_, _ = fmt.Fprintf(out, "Purged %d order record(s)\n", n)
	return nil
}

func confirm(in io.Reader, out io.Writer, prompt string) bool {
	_, _ = fmt.Fprintf(out, "%s (yes/no): ", prompt)
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && line == "" {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "yes", "y":
		return true
	default:
		return false
	}
}
