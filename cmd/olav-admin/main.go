// Command olav-admin is the operator's administrative surface over the
// orchestrator stores: inspect workflows and threads, export the audit
// log, and dry-run the intent router.
//
// Usage:
//
//	olav-admin workflows
//	olav-admin thread [-db olav.db | -mysql DSN] [thread-id]
//	olav-admin audit [-db olav.db | -mysql DSN] [-thread ID] [-from RFC3339] [-to RFC3339]
//	olav-admin route [-fallback query] [-mode standard] "<query>"
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/olavnet/olav/flow/store"
	"github.com/olavnet/olav/router"
	"github.com/olavnet/olav/workflow"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "workflows":
		err = runWorkflows()
	case "thread":
		err = runThread(os.Args[2:])
	case "audit":
		err = runAudit(os.Args[2:])
	case "route":
		err = runRoute(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "olav-admin:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: olav-admin <command> [flags] [args]

commands:
  workflows   list registered workflows
  thread      show a thread's latest checkpoint (no argument lists threads)
  audit       export audit records for a time range
  route       dry-run the intent router for a query`)
}

func runWorkflows() error {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tKEYWORDS\tPURPOSE")
	for _, d := range workflow.Descriptors() {
		fmt.Fprintf(w, "%s\t%s\t%s\n", d.Name, strings.Join(d.Keywords, ","), d.Purpose)
	}
	return w.Flush()
}

// storeFlags adds the backend selection flags shared by the store-reading
// subcommands.
func storeFlags(fs *flag.FlagSet) (dbPath, mysqlDSN *string) {
	dbPath = fs.String("db", "olav.db", "SQLite database path")
	mysqlDSN = fs.String("mysql", "", "MySQL DSN (overrides -db)")
	return
}

func openStore(dbPath, mysqlDSN string) (store.Store[workflow.State], func() error, error) {
	if mysqlDSN != "" {
		st, err := store.NewMySQLStore[workflow.State](mysqlDSN)
		if err != nil {
			return nil, nil, err
		}
		return st, st.Close, nil
	}
	st, err := store.NewSQLiteStore[workflow.State](dbPath)
	if err != nil {
		return nil, nil, err
	}
	return st, st.Close, nil
}

func runThread(args []string) error {
	fs := flag.NewFlagSet("thread", flag.ExitOnError)
	dbPath, mysqlDSN := storeFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	st, closeStore, err := openStore(*dbPath, *mysqlDSN)
	if err != nil {
		return err
	}
	defer closeStore()

	ctx := context.Background()
	threadID := fs.Arg(0)
	if threadID == "" {
		threads, err := st.ListThreads(ctx)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "THREAD\tSTEP\tNODE\tINTERRUPTED\tUPDATED")
		for _, ti := range threads {
			fmt.Fprintf(w, "%s\t%d\t%s\t%v\t%s\n",
				ti.ThreadID, ti.Step, ti.NodeID, ti.Interrupted, ti.UpdatedAt.Format(time.RFC3339))
		}
		return w.Flush()
	}

	latest, err := st.Latest(ctx, threadID)
	if err != nil {
		return fmt.Errorf("thread %s: %w", threadID, err)
	}
	out := map[string]any{
		"thread_id": threadID,
		"step":      latest.Step,
		"node":      latest.NodeID,
		"next_node": latest.NextNode,
		"saved_at":  latest.SavedAt,
		"workflow":  latest.State.Workflow,
		"outcome":   latest.State.Outcome,
		"summary":   latest.State.Summary,
	}
	if ir, err := st.PendingInterrupt(ctx, threadID); err == nil {
		out["pending"] = ir.Plan
	}
	return printJSON(out)
}

func runAudit(args []string) error {
	fs := flag.NewFlagSet("audit", flag.ExitOnError)
	dbPath, mysqlDSN := storeFlags(fs)
	threadID := fs.String("thread", "", "restrict to one thread (empty matches all)")
	fromRaw := fs.String("from", "", "range start, RFC3339 (empty means unbounded)")
	toRaw := fs.String("to", "", "range end, RFC3339 (empty means unbounded)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	from, err := parseTime(*fromRaw)
	if err != nil {
		return fmt.Errorf("-from: %w", err)
	}
	to, err := parseTime(*toRaw)
	if err != nil {
		return fmt.Errorf("-to: %w", err)
	}

	st, closeStore, err := openStore(*dbPath, *mysqlDSN)
	if err != nil {
		return err
	}
	defer closeStore()

	recs, err := st.AuditRange(context.Background(), *threadID, from, to)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	for _, rec := range recs {
		if err := enc.Encode(rec); err != nil {
			return err
		}
	}
	return nil
}

func parseTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, raw)
}

// runRoute dry-runs routing with the lexical stages only; live routing
// additionally consults embeddings and the LLM tiebreak.
func runRoute(args []string) error {
	fs := flag.NewFlagSet("route", flag.ExitOnError)
	fallback := fs.String("fallback", workflow.WorkflowQuery, "fallback workflow")
	mode := fs.String("mode", workflow.ModeStandard, "client mode hint (standard or expert)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	query := fs.Arg(0)
	if query == "" {
		return fmt.Errorf("route requires a query argument")
	}

	if *mode == workflow.ModeExpert {
		return printJSON(router.Selection{Workflow: workflow.WorkflowDeepDive, Method: router.Method("mode")})
	}

	r, err := router.New(router.Config{Fallback: *fallback}, workflow.Descriptors(), nil, nil)
	if err != nil {
		return err
	}
	return printJSON(r.Route(context.Background(), query))
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
