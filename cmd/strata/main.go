// Command strata loads, counts, reads and deletes documents through the
// strata store client.
//
//	strata -config strata.yaml load -type product -partition books -file items.jsonl
//	strata count -type product -partition books -max-age 5m
//	strata get -type product -partition books -id b-1
//	strata delete -type product -partition books -id b-1 -hard
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/jacentio/strata/audit"
	"github.com/jacentio/strata/bulk"
	"github.com/jacentio/strata/config"
	"github.com/jacentio/strata/metrics"
	"github.com/jacentio/strata/store"
)

const usage = `usage: strata [-config file] [-metrics addr] [-principal name] <command> [flags]

commands:
  load     bulk create (or -upsert) JSON lines into one partition
  count    count active (or -total) documents of a partition
  get      print one document
  list     print one page of a partition
  delete   soft delete (or -hard delete) one document
  restore  restore a soft-deleted document
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

// app carries what every command needs.
type app struct {
	file      *config.File
	endpoints *store.Endpoints
	binding   store.Binding[*Record]
	log       zerolog.Logger
	stdin     io.Reader
	stdout    io.Writer
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("strata", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { fmt.Fprint(stderr, usage) }
	configPath := fs.String("config", os.Getenv("STRATA_CONFIG"), "configuration file (YAML or JSON)")
	metricsAddr := fs.String("metrics", "", "serve Prometheus metrics on this address, e.g. :9090")
	principal := fs.String("principal", "", "principal stamped into audit fields")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return 2
	}

	f, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	log := f.Logger(stderr)
	if *metricsAddr != "" {
		f.Metrics.Addr = *metricsAddr
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rec := metrics.NewRecorder(reg)
	if f.Metrics.Addr != "" {
		srv := serveMetrics(f.Metrics.Addr, f.Metrics.Path, reg, log)
		defer srv.Close()
	}

	endpoints, err := connect(ctx, f)
	if err != nil {
		log.Error().Err(err).Msg("failed to configure endpoints")
		return 1
	}
	cacheStore, closeCache := f.CacheStore()
	defer func() {
		if err := closeCache(); err != nil {
			log.Warn().Err(err).Msg("failed to close count cache")
		}
	}()

	var identity audit.IdentityProvider = audit.FromContext
	if *principal != "" {
		identity = audit.Static(*principal)
	}
	a := &app{
		file:      f,
		endpoints: endpoints,
		binding: store.Binding[*Record]{
			Identity:   identity,
			CacheStore: cacheStore,
			Logger:     log,
			Metrics:    rec,
		},
		log:    log,
		stdin:  stdin,
		stdout: stdout,
	}

	cmd, cmdArgs := fs.Arg(0), fs.Args()[1:]
	var fn func(context.Context, []string) error
	switch cmd {
	case "load":
		fn = a.load
	case "count":
		fn = a.count
	case "get":
		fn = a.get
	case "list":
		fn = a.list
	case "delete":
		fn = a.delete
	case "restore":
		fn = a.restore
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n", cmd)
		fs.Usage()
		return 2
	}

	if err := fn(ctx, cmdArgs); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 2
		}
		log.Error().Err(err).Str("command", cmd).Msg("command failed")
		return 1
	}
	return 0
}

// connect builds one DynamoDB client per configured endpoint. The SDK's
// own retryer is disabled; the store retries and counts retries itself.
func connect(ctx context.Context, f *config.File) (*store.Endpoints, error) {
	endpoints := store.NewEndpoints()
	for name, ep := range f.Endpoints {
		opts := []func(*awsconfig.LoadOptions) error{
			awsconfig.WithRetryer(func() aws.Retryer { return aws.NopRetryer{} }),
		}
		if ep.Region != "" {
			opts = append(opts, awsconfig.WithRegion(ep.Region))
		}
		if ep.Profile != "" {
			opts = append(opts, awsconfig.WithSharedConfigProfile(ep.Profile))
		}
		cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("load AWS config for endpoint %s: %w", name, err)
		}
		endpoints.Register(name, dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
			if ep.BaseEndpoint != "" {
				o.BaseEndpoint = aws.String(ep.BaseEndpoint)
			}
		}))
	}
	return endpoints, nil
}

func serveMetrics(addr, path string, reg *prometheus.Registry, log zerolog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info().Str("addr", addr).Str("path", path).Msg("starting metrics server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics server failed")
		}
	}()
	return srv
}

// target holds the flags shared by every command.
type target struct {
	typeName  string
	partition string
}

func (t *target) register(fs *flag.FlagSet) {
	fs.StringVar(&t.typeName, "type", "", "document type name (required)")
	fs.StringVar(&t.partition, "partition", "", "partition key (required)")
}

func (a *app) parse(name string, args []string, t *target, setup func(fs *flag.FlagSet)) error {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	t.register(fs)
	if setup != nil {
		setup(fs)
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if t.typeName == "" || t.partition == "" {
		fs.Usage()
		return errors.New("-type and -partition are required")
	}
	t.typeName = strings.ToLower(t.typeName)
	return nil
}

func (a *app) client(typeName string) (*store.Client[*Record], error) {
	cfg := a.file.StoreConfig()
	tc, ok := cfg.Types[typeName]
	if !ok {
		return nil, fmt.Errorf("%w: type %q is not configured", store.ErrConfiguration, typeName)
	}
	b := a.binding
	b.TypeName = typeName
	b.PartitionKey = partitionOf(tc.PartitionKeyField)
	return store.New(a.endpoints, cfg, b)
}

func (a *app) load(ctx context.Context, args []string) error {
	var (
		t           target
		path        string
		upsert      bool
		batchSize   int
		concurrency int
	)
	err := a.parse("load", args, &t, func(fs *flag.FlagSet) {
		fs.StringVar(&path, "file", "-", "JSON lines file, - for stdin")
		fs.BoolVar(&upsert, "upsert", false, "overwrite existing documents")
		fs.IntVar(&batchSize, "batch-size", 0, "items per transaction (default from config)")
		fs.IntVar(&concurrency, "concurrency", 0, "batches in flight (default from config)")
	})
	if err != nil {
		return err
	}
	c, err := a.client(t.typeName)
	if err != nil {
		return err
	}

	in := a.stdin
	if path != "-" {
		file, err := os.Open(path)
		if err != nil {
			return err
		}
		defer file.Close()
		in = file
	}
	items, err := readRecords(in, c.PartitionKeyField(), t.partition)
	if err != nil {
		return err
	}

	opts := bulk.Options{BatchSize: batchSize, MaxConcurrency: concurrency}
	var result *bulk.Result[*Record]
	if upsert {
		result, err = c.BulkUpsert(ctx, items, t.partition, opts)
	} else {
		result, err = c.BulkCreate(ctx, items, t.partition, opts)
	}
	if result == nil {
		return err
	}

	for _, f := range result.FailedItems {
		a.log.Warn().
			Str("id", f.Item.ID).
			Int("status", f.StatusCode).
			Str("code", f.Code).
			Msg(f.ErrorMessage)
	}
	fmt.Fprintf(a.stdout, "loaded %d of %d documents into %s/%s (%.1f capacity units)\n",
		len(result.SuccessfulItems), result.Total(), c.TableName(), t.partition, result.TotalCostUnits)
	return err
}

// readRecords parses one JSON object per non-empty line.
func readRecords(r io.Reader, partitionField, partition string) ([]*Record, error) {
	var items []*Record
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		rec, err := parseRecord([]byte(text), partitionField, partition)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		items = append(items, rec)
	}
	return items, scanner.Err()
}

func (a *app) count(ctx context.Context, args []string) error {
	var (
		t      target
		maxAge time.Duration
		total  bool
	)
	err := a.parse("count", args, &t, func(fs *flag.FlagSet) {
		fs.DurationVar(&maxAge, "max-age", 0, "accept a cached count up to this old")
		fs.BoolVar(&total, "total", false, "include soft-deleted documents")
	})
	if err != nil {
		return err
	}
	c, err := a.client(t.typeName)
	if err != nil {
		return err
	}

	count := c.GetCount
	if total {
		count = c.GetTotalCount
	}
	n, err := count(ctx, t.partition, maxAge)
	if err != nil {
		return err
	}
	fmt.Fprintln(a.stdout, n)
	return nil
}

func (a *app) get(ctx context.Context, args []string) error {
	var (
		t              target
		id             string
		includeDeleted bool
	)
	err := a.parse("get", args, &t, func(fs *flag.FlagSet) {
		fs.StringVar(&id, "id", "", "document id")
		fs.BoolVar(&includeDeleted, "deleted", false, "return soft-deleted documents too")
	})
	if err != nil {
		return err
	}
	c, err := a.client(t.typeName)
	if err != nil {
		return err
	}

	rec, found, err := c.GetItem(ctx, id, t.partition, includeDeleted)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: %s", store.ErrNotFound, id)
	}
	return a.printJSON(rec)
}

func (a *app) list(ctx context.Context, args []string) error {
	var (
		t        target
		pageSize int
		token    string
	)
	err := a.parse("list", args, &t, func(fs *flag.FlagSet) {
		fs.IntVar(&pageSize, "page-size", 25, "documents per page")
		fs.StringVar(&token, "token", "", "continuation token of the previous page")
	})
	if err != nil {
		return err
	}
	c, err := a.client(t.typeName)
	if err != nil {
		return err
	}

	page, err := c.GetPage(ctx, t.partition, pageSize, token)
	if err != nil {
		return err
	}
	return a.printJSON(page)
}

func (a *app) delete(ctx context.Context, args []string) error {
	var (
		t    target
		id   string
		hard bool
	)
	err := a.parse("delete", args, &t, func(fs *flag.FlagSet) {
		fs.StringVar(&id, "id", "", "document id")
		fs.BoolVar(&hard, "hard", false, "remove the document physically")
	})
	if err != nil {
		return err
	}
	c, err := a.client(t.typeName)
	if err != nil {
		return err
	}

	mode := store.DeleteSoft
	if hard {
		mode = store.DeleteHard
	}
	if err := c.Delete(ctx, id, t.partition, mode); err != nil {
		return err
	}
	a.log.Info().Str("id", id).Stringer("mode", mode).Msg("deleted")
	return nil
}

func (a *app) restore(ctx context.Context, args []string) error {
	var (
		t  target
		id string
	)
	err := a.parse("restore", args, &t, func(fs *flag.FlagSet) {
		fs.StringVar(&id, "id", "", "document id")
	})
	if err != nil {
		return err
	}
	c, err := a.client(t.typeName)
	if err != nil {
		return err
	}
	return c.Restore(ctx, id, t.partition)
}

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
