package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alexflint/go-arg"
	"github.com/go-logr/logr"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"findprovs/pkg/config"
	"findprovs/pkg/lookup"
	"findprovs/pkg/metrics"
	"findprovs/pkg/render"
	"findprovs/pkg/routing"
	"findprovs/pkg/web"
)

const exampleCID = "QmSnuWmxptJZdLJpKRarxBMS2Ju2oANVrgbr2xWbie9b2D"

type BootstrapConfig struct {
	BootstrapKind        string   `arg:"--bootstrap-kind,env:BOOTSTRAP_KIND" help:"Kind of bootstrapper to use, one of default, static or dnsaddr."`
	DNSAddrDomain        string   `arg:"--dnsaddr-domain,env:DNSADDR_DOMAIN" help:"Domain to resolve dnsaddr bootstrap records from."`
	DNSAddrLimit         int      `arg:"--dnsaddr-limit,env:DNSADDR_LIMIT" help:"Max amount of peers to bootstrap with from dnsaddr records."`
	StaticBootstrapPeers []string `arg:"--static-bootstrap-peers,env:STATIC_BOOTSTRAP_PEERS" help:"Static list of peers to bootstrap with."`
}

type NodeConfig struct {
	BootstrapConfig
	DataDir    string `arg:"--data-dir,env:DATA_DIR" help:"Directory where the node identity is persisted, empty uses a new identity every run."`
	ListenAddr string `arg:"--listen-addr,env:LISTEN_ADDR" help:"host:port the node listens on, empty only dials out."`
}

type LookupConfig struct {
	Timeout          time.Duration `arg:"--timeout,env:TIMEOUT" help:"Deadline of a lookup, defaults to 10s."`
	QueryTimeout     time.Duration `arg:"--query-timeout,env:QUERY_TIMEOUT" help:"Deadline of a single peer query."`
	Concurrency      int           `arg:"--concurrency,env:CONCURRENCY" help:"Max amount of peer queries in flight, defaults to 3."`
	DesiredProviders int           `arg:"--desired-providers,env:DESIRED_PROVIDERS" help:"Stop after finding this many providers, zero finds all."`
}

type OutputConfig struct {
	Color   bool `arg:"--color,env:COLOR" default:"true" help:"When true status lines are coloured."`
	Verbose bool `arg:"--verbose,env:VERBOSE" default:"false" help:"When true every step of the lookup is printed."`
	JSON    bool `arg:"--json,env:JSON" default:"false" help:"When true events are written as JSON lines instead of text."`
}

type FindProvidersCmd struct {
	NodeConfig
	LookupConfig
	OutputConfig
	CID string `arg:"positional" help:"CID to find providers of."`
}

type SimulateCmd struct {
	LookupConfig
	OutputConfig
	Peers       int           `arg:"--peers,env:SIM_PEERS" default:"500" help:"Amount of peers in the simulated network."`
	Providers   int           `arg:"--providers,env:SIM_PROVIDERS" default:"3" help:"Amount of peers providing the key."`
	Unreachable float64       `arg:"--unreachable,env:SIM_UNREACHABLE" default:"0.1" help:"Fraction of peers that cannot be dialed."`
	Latency     time.Duration `arg:"--latency,env:SIM_LATENCY" default:"20ms" help:"Latency of every peer query."`
	Seed        int64         `arg:"--seed,env:SIM_SEED" default:"1" help:"Seed of the generated network."`
	CID         string        `arg:"positional" help:"CID to find providers of, defaults to a key derived from the seed."`
}

type ServeCmd struct {
	NodeConfig
	LookupConfig
	Addr        string        `arg:"--addr,env:ADDR" default:":8080" help:"address to serve lookups."`
	MetricsAddr string        `arg:"--metrics-addr,env:METRICS_ADDR" default:":9090" help:"address to serve metrics."`
	CacheSize   int           `arg:"--cache-size,env:CACHE_SIZE" help:"Amount of finished lookups to cache, defaults to 128."`
	CacheTTL    time.Duration `arg:"--cache-ttl,env:CACHE_TTL" help:"How long finished lookups are cached, defaults to 1m."`
}

type Arguments struct {
	FindProviders *FindProvidersCmd `arg:"subcommand:find-providers"`
	Simulate      *SimulateCmd      `arg:"subcommand:simulate"`
	Serve         *ServeCmd         `arg:"subcommand:serve"`
	ConfigPath    string            `arg:"--config,env:CONFIG" help:"Path to a TOML file with defaults for unset flags."`
	LogLevel      slog.Level        `arg:"--log-level,env:LOG_LEVEL" default:"INFO" help:"Minimum log level to output. Value should be DEBUG, INFO, WARN, or ERROR."`
}

func main() {
	args := &Arguments{}
	arg.MustParse(args)

	opts := slog.HandlerOptions{
		AddSource: true,
		Level:     args.LogLevel,
	}
	handler := slog.NewJSONHandler(os.Stderr, &opts)
	log := logr.FromSlogHandler(handler)
	ctx := logr.NewContext(context.Background(), log)

	err := run(ctx, args)
	if err != nil {
		log.Error(err, "run exit with error")
		os.Exit(1)
	}
	log.V(4).Info("gracefully shutdown")
}

func run(ctx context.Context, args *Arguments) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer cancel()
	file, err := config.Load(afero.NewOsFs(), args.ConfigPath)
	if err != nil {
		return err
	}
	switch {
	case args.FindProviders != nil:
		return findProvidersCommand(ctx, args.FindProviders, file)
	case args.Simulate != nil:
		return simulateCommand(ctx, args.Simulate, file)
	case args.Serve != nil:
		return serveCommand(ctx, args.Serve, file)
	default:
		return errors.New("unknown subcommand")
	}
}

func findProvidersCommand(ctx context.Context, args *FindProvidersCmd, file config.File) error {
	term := render.NewTerminal(os.Stdout, render.WithColor(args.Color), render.WithVerbose(args.Verbose))
	status := term.Status()

	if strings.TrimSpace(args.CID) == "" {
		status.Show("Try running a FIND_PROVS query with a CID", render.ColorNone)
		status.Show("E.g. "+exampleCID, render.ColorNone)
		return nil
	}
	key, err := lookup.ParseKey(args.CID)
	if err != nil {
		status.Show("Invalid CID", render.ColorError)
		return err
	}
	opts, err := lookupOptions(args.LookupConfig, file)
	if err != nil {
		return err
	}

	status.Show("Creating node", render.ColorActive)
	router, err := newP2PRouter(ctx, args.NodeConfig, file)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return router.Run(gCtx)
	})
	g.Go(func() error {
		defer cancel()
		status.Show("Waiting for peers...", render.ColorActive)
		err := routing.WaitReady(gCtx, router, routing.DefaultReadyInterval)
		if err != nil {
			return err
		}
		status.Show("node ready", render.ColorSuccess)

		engine, err := lookup.NewEngine(router, router, lookup.WithSelf(router.Self()), lookup.WithLogger(logr.FromContextOrDiscard(gCtx).WithName("lookup")))
		if err != nil {
			return err
		}
		return runLookup(gCtx, engine, key, nil, term, args.OutputConfig, opts)
	})
	return g.Wait()
}

func simulateCommand(ctx context.Context, args *SimulateCmd, file config.File) error {
	term := render.NewTerminal(os.Stdout, render.WithColor(args.Color), render.WithVerbose(args.Verbose))
	status := term.Status()

	if args.Peers < 1 || args.Providers < 0 || args.Providers > args.Peers {
		return fmt.Errorf("invalid simulation of %d providers among %d peers", args.Providers, args.Peers)
	}
	if args.Unreachable < 0 || args.Unreachable >= 1 {
		return fmt.Errorf("unreachable fraction %v must be in [0, 1)", args.Unreachable)
	}
	key, err := lookup.KeyFromName(fmt.Sprintf("simulation-%d", args.Seed))
	if err != nil {
		return err
	}
	if args.CID != "" {
		key, err = lookup.ParseKey(args.CID)
		if err != nil {
			status.Show("Invalid CID", render.ColorError)
			return err
		}
	}
	opts, err := lookupOptions(args.LookupConfig, file)
	if err != nil {
		return err
	}

	status.Show("Creating node", render.ColorActive)
	peers, err := routing.GeneratePeers(args.Peers, args.Seed)
	if err != nil {
		return err
	}
	network, err := routing.NewMemoryNetwork(peers, routing.WithLatency(args.Latency))
	if err != nil {
		return err
	}
	//nolint: gosec // Reproducible simulations need a seeded source.
	rnd := rand.New(rand.NewSource(args.Seed))
	order := rnd.Perm(len(peers))
	providers := []peer.ID{}
	for _, i := range order[:args.Providers] {
		providers = append(providers, peers[i].ID)
	}
	err = network.Provide(key, providers...)
	if err != nil {
		return err
	}
	for _, i := range order[args.Providers:] {
		if rnd.Float64() >= args.Unreachable {
			continue
		}
		err := network.SetUnreachable(peers[i].ID, true)
		if err != nil {
			return err
		}
	}

	client := network.Client("simulated-client")
	status.Show("Waiting for peers...", render.ColorActive)
	err = routing.WaitReady(ctx, client, routing.DefaultReadyInterval)
	if err != nil {
		return err
	}
	status.Show("node ready", render.ColorSuccess)
	engine, err := lookup.NewEngine(client, client, lookup.WithSelf(client.Self()), lookup.WithLogger(logr.FromContextOrDiscard(ctx).WithName("lookup")))
	if err != nil {
		return err
	}
	return runLookup(ctx, engine, key, nil, term, args.OutputConfig, opts)
}

func runLookup(ctx context.Context, engine *lookup.Engine, key lookup.Key, seeds []lookup.PeerRecord, term *render.Terminal, out OutputConfig, opts []lookup.Option) error {
	var sink lookup.EventSink = term
	var jsonl *render.JSONLines
	if out.JSON {
		jsonl = render.NewJSONLines(os.Stdout, nil)
		sink = jsonl
	} else {
		term.Searching(key)
	}
	res, err := engine.Run(ctx, key, seeds, sink, opts...)
	if err != nil {
		return err
	}
	if jsonl != nil {
		jsonl.Write(web.NewResultJSON(res))
		return jsonl.Err()
	}
	logr.FromContextOrDiscard(ctx).Info("lookup complete", "key", key.String(), "reason", res.Reason, "providers", len(res.Providers), "rounds", res.Rounds, "queried", res.Queried, "failed", res.Failed, "duration", res.Duration.String())
	return nil
}

func serveCommand(ctx context.Context, args *ServeCmd, file config.File) (err error) {
	log := logr.FromContextOrDiscard(ctx)
	g, ctx := errgroup.WithContext(ctx)

	opts, err := lookupOptions(args.LookupConfig, file)
	if err != nil {
		return err
	}

	// Router
	router, err := newP2PRouter(ctx, args.NodeConfig, file)
	if err != nil {
		return err
	}
	g.Go(func() error {
		return router.Run(ctx)
	})

	// Lookups
	engine, err := lookup.NewEngine(router, router, lookup.WithSelf(router.Self()), lookup.WithLogger(log.WithName("lookup")))
	if err != nil {
		return err
	}
	cacheSize := 128
	if file.Web.CacheSize != nil {
		cacheSize = *file.Web.CacheSize
	}
	cacheSize = config.Or(args.CacheSize, cacheSize)
	cacheTTL := time.Minute
	if file.Web.CacheTTL != nil {
		cacheTTL = time.Duration(*file.Web.CacheTTL)
	}
	cacheTTL = config.Or(args.CacheTTL, cacheTTL)
	webOpts := []web.WebOption{
		web.WithLogger(log.WithName("web")),
		web.WithCache(cacheSize, cacheTTL),
		web.WithLookupOptions(opts...),
	}
	w, err := web.NewWeb(engine, router, webOpts...)
	if err != nil {
		return err
	}
	webSrv := &http.Server{
		Addr:    args.Addr,
		Handler: w.Handler(),
	}
	g.Go(func() error {
		if err := webSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return webSrv.Shutdown(shutdownCtx)
	})

	// Metrics
	metrics.Register()
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(metrics.DefaultGatherer, promhttp.HandlerOpts{}))
	metricsMux.Handle("/debug/pprof/", http.HandlerFunc(pprof.Index))
	metricsMux.Handle("/debug/pprof/profile", http.HandlerFunc(pprof.Profile))
	metricsMux.Handle("/debug/pprof/trace", http.HandlerFunc(pprof.Trace))
	metricsMux.Handle("/debug/pprof/symbol", http.HandlerFunc(pprof.Symbol))
	metricsMux.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	metricsMux.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
	metricsSrv := &http.Server{
		Addr:    args.MetricsAddr,
		Handler: metricsMux,
	}
	g.Go(func() error {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return metricsSrv.Shutdown(shutdownCtx)
	})

	log.Info("running findprovs", "addr", args.Addr, "metrics", args.MetricsAddr, "id", router.Self().String())
	err = g.Wait()
	if err != nil {
		return err
	}
	return nil
}

func newP2PRouter(ctx context.Context, cfg NodeConfig, file config.File) (*routing.P2PRouter, error) {
	bootstrapper, err := getBootstrapper(cfg.BootstrapConfig, file.Bootstrap)
	if err != nil {
		return nil, err
	}
	routerOpts := []routing.P2PRouterOption{
		routing.WithDataDir(config.Or(cfg.DataDir, file.Node.DataDir)),
		routing.WithListenAddr(config.Or(cfg.ListenAddr, file.Node.ListenAddr)),
	}
	return routing.NewP2PRouter(ctx, bootstrapper, routerOpts...)
}

func getBootstrapper(cfg BootstrapConfig, file config.Bootstrap) (routing.Bootstrapper, error) { //nolint: ireturn // Return type can be different structs.
	peers := cfg.StaticBootstrapPeers
	if len(peers) == 0 {
		peers = file.Peers
	}
	kind := config.Or(cfg.BootstrapKind, config.Or(file.Kind, "default"))
	switch kind {
	case "default":
		return routing.NewDefaultBootstrapper(), nil
	case "static":
		return routing.NewStaticBootstrapperFromStrings(peers)
	case "dnsaddr":
		domain := config.Or(cfg.DNSAddrDomain, config.Or(file.Domain, "bootstrap.libp2p.io"))
		limit := config.Or(cfg.DNSAddrLimit, config.Or(file.Limit, 10))
		return routing.NewDNSAddrBootstrapper(domain, limit)
	default:
		return nil, fmt.Errorf("unknown bootstrap kind %s", kind)
	}
}

// lookupOptions applies the file first so that flags set on the command line win.
func lookupOptions(cfg LookupConfig, file config.File) ([]lookup.Option, error) {
	opts := file.Lookup.Options()
	if cfg.Timeout != 0 {
		opts = append(opts, lookup.WithTimeout(cfg.Timeout))
	}
	if cfg.QueryTimeout != 0 {
		opts = append(opts, lookup.WithQueryTimeout(cfg.QueryTimeout))
	}
	if cfg.Concurrency != 0 {
		opts = append(opts, lookup.WithConcurrency(cfg.Concurrency))
	}
	if cfg.DesiredProviders != 0 {
		opts = append(opts, lookup.WithDesiredProviders(cfg.DesiredProviders))
	}
	check := lookup.DefaultConfig()
	err := check.Apply(opts...)
	if err != nil {
		return nil, err
	}
	return opts, nil
}
