// censusctl is the operator tool for moving census data in and out of the
// store: portable tar archives, flat municipal census files, and bulk
// email insert/delete.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"voteauth.org/internal/authmethods"
	"voteauth.org/internal/censusio"
	"voteauth.org/internal/model"
	"voteauth.org/internal/pipeline"
	"voteauth.org/internal/store/pg"
)

const usage = `usage: censusctl [-dsn DSN] <command> [flags]

commands:
  create-event  create an auth event from a JSON definition
  export        write a census archive for the given event ids
  import        load a census archive
  flat-import   load a ';'-delimited flat census file into district events
  bulk-insert   add voters to an event by email
  bulk-delete   remove events and their census data
`

func main() {
	log.SetFlags(0)
	dsn := flag.String("dsn", os.Getenv("VOTEAUTH_PG_DSN"), "PostgreSQL DSN")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}
	if *dsn == "" {
		log.Fatal("missing DSN: provide via -dsn or VOTEAUTH_PG_DSN")
	}

	store, err := pg.Open(*dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	cmd, args := flag.Arg(0), flag.Args()[1:]
	switch cmd {
	case "create-event":
		err = runCreateEvent(ctx, store, args)
	case "export":
		err = runExport(ctx, store, args)
	case "import":
		err = runImport(ctx, store, args)
	case "flat-import":
		err = runFlatImport(ctx, store, args)
	case "bulk-insert":
		err = runBulkInsert(ctx, store, args)
	case "bulk-delete":
		err = runBulkDelete(ctx, store, args)
	default:
		log.Fatalf("unknown command %q", cmd)
	}
	if err != nil {
		log.Fatalf("%s: %v", cmd, err)
	}
}

// checkRegistry builds a method registry good for setup-time validation.
func checkRegistry(store *pg.Store) *authmethods.Registry {
	return authmethods.NewRegistry(&authmethods.Deps{
		Store:    store,
		Pipeline: pipeline.NewEngine(store.Lists(), store.Attempts()),
	})
}

func runCreateEvent(ctx context.Context, store *pg.Store, args []string) error {
	fs := flag.NewFlagSet("create-event", flag.ExitOnError)
	in := fs.String("in", "", "Event definition JSON (required)")
	_ = fs.Parse(args)

	if *in == "" {
		return fmt.Errorf("-in is required")
	}
	data, err := os.ReadFile(*in)
	if err != nil {
		return err
	}
	var def struct {
		AuthMethod                 string             `json:"auth_method"`
		Census                     string             `json:"census"`
		Status                     string             `json:"status"`
		ParentID                   *int64             `json:"parent_id"`
		AllowPublicCensusQuery     bool               `json:"allow_public_census_query"`
		NumSuccessfulLoginsAllowed int                `json:"num_successful_logins_allowed"`
		Config                     model.MethodConfig `json:"config"`
	}
	if err := json.Unmarshal(data, &def); err != nil {
		return fmt.Errorf("parse event definition: %w", err)
	}
	ae := &model.AuthEvent{
		AuthMethod:                 def.AuthMethod,
		Census:                     def.Census,
		Status:                     def.Status,
		ParentID:                   def.ParentID,
		AllowPublicCensusQuery:     def.AllowPublicCensusQuery,
		NumSuccessfulLoginsAllowed: def.NumSuccessfulLoginsAllowed,
		Config:                     def.Config,
	}
	if ae.Census == "" {
		ae.Census = model.CensusClosed
	}
	if ae.Status == "" {
		ae.Status = "notstarted"
	}
	if err := checkRegistry(store).CheckEvent(ae); err != nil {
		return fmt.Errorf("event definition rejected: %w", err)
	}
	if err := store.Events().Create(ctx, ae); err != nil {
		return err
	}
	log.Printf("created auth event %d (%s)", ae.ID, ae.AuthMethod)
	return nil
}

func runExport(ctx context.Context, store *pg.Store, args []string) error {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	out := fs.String("out", "", "Output archive path (default stdout)")
	source := fs.String("source", "voteauth", "Source label recorded in the manifest")
	_ = fs.Parse(args)

	var ids []int64
	if fs.NArg() > 0 {
		var err error
		if ids, err = parseIDs(fs.Args()); err != nil {
			return err
		}
	}
	w := os.Stdout
	if *out != "" {
		f, err := os.Create(*out)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	return censusio.Export(ctx, store, w, ids, *source, time.Now().UTC())
}

func runImport(ctx context.Context, store *pg.Store, args []string) error {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	in := fs.String("in", "", "Archive path (default stdin)")
	_ = fs.Parse(args)

	r := os.Stdin
	if *in != "" {
		f, err := os.Open(*in)
		if err != nil {
			return err
		}
		defer f.Close()
		r = f
	}
	manifest, err := censusio.Import(ctx, store, r, checkRegistry(store).CheckEvent)
	if err != nil {
		return err
	}
	log.Printf("imported census for events %v (source %q, exported %s)",
		manifest.Events, manifest.Source, manifest.Date)
	return nil
}

func runFlatImport(ctx context.Context, store *pg.Store, args []string) error {
	fs := flag.NewFlagSet("flat-import", flag.ExitOnError)
	in := fs.String("in", "", "Flat census file (required)")
	districts := fs.String("districts", "", "District routing, e.g. '1=10,2=11' (required)")
	meta := fs.String("meta", "", "Comma-separated extra metadata columns")
	_ = fs.Parse(args)

	if *in == "" || *districts == "" {
		return fmt.Errorf("-in and -districts are required")
	}
	routing, err := parseDistricts(*districts)
	if err != nil {
		return err
	}
	var metaCols []string
	if *meta != "" {
		metaCols = strings.Split(*meta, ",")
	}

	f, err := os.Open(*in)
	if err != nil {
		return err
	}
	defer f.Close()

	n, err := censusio.ImportFlat(ctx, store, f, censusio.FlatOptions{
		DistrictEvents:  routing,
		MetadataColumns: metaCols,
		Now:             time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	log.Printf("imported %d voters", n)
	return nil
}

func runBulkInsert(ctx context.Context, store *pg.Store, args []string) error {
	fs := flag.NewFlagSet("bulk-insert", flag.ExitOnError)
	eventID := fs.Int64("event", 0, "Target auth event id (required)")
	in := fs.String("in", "", "File with one email per line (default: emails as args)")
	_ = fs.Parse(args)

	if *eventID <= 0 {
		return fmt.Errorf("-event is required")
	}
	emails := fs.Args()
	if *in != "" {
		f, err := os.Open(*in)
		if err != nil {
			return err
		}
		defer f.Close()
		sc := bufio.NewScanner(f)
		for sc.Scan() {
			if line := strings.TrimSpace(sc.Text()); line != "" {
				emails = append(emails, line)
			}
		}
		if err := sc.Err(); err != nil {
			return err
		}
	}
	if len(emails) == 0 {
		return fmt.Errorf("no emails given")
	}
	n, err := censusio.BulkInsert(ctx, store, *eventID, emails, time.Now().UTC())
	if err != nil {
		return err
	}
	log.Printf("added %d voters to event %d", n, *eventID)
	return nil
}

func runBulkDelete(ctx context.Context, store *pg.Store, args []string) error {
	ids, err := parseIDs(args)
	if err != nil {
		return err
	}
	if err := censusio.BulkDelete(ctx, store, ids); err != nil {
		return err
	}
	log.Printf("deleted %d events", len(ids))
	return nil
}

func parseIDs(args []string) ([]int64, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("no event ids given")
	}
	ids := make([]int64, 0, len(args))
	for _, a := range args {
		id, err := strconv.ParseInt(a, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid event id %q", a)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// parseDistricts parses 'district=eventID' pairs separated by commas.
func parseDistricts(s string) (map[string]int64, error) {
	out := map[string]int64{}
	for _, pair := range strings.Split(s, ",") {
		name, idStr, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("invalid district mapping %q", pair)
		}
		id, err := strconv.ParseInt(idStr, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid event id in mapping %q", pair)
		}
		out[strings.TrimSpace(name)] = id
	}
	return out, nil
}
