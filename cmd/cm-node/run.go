package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	cm "github.com/unkn0wn-root/copymachine"
	"github.com/unkn0wn-root/copymachine/cluster"
	"github.com/unkn0wn-root/copymachine/filecopy"
)

type runOptions struct {
	*rootOptions

	Src         string
	Dst         string
	Bind        string
	Seeds       []string
	MachineID   uint64
	StoreDriver string
	StorePath   string
	MetricsAddr string
	Shard       bool
	Pace        bool
	ExpectPeers int
	Linger      time.Duration
}

func newRunCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &runOptions{rootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Join the cluster and run one filecopy operation",
		Long: `Start a node, wait for the expected peers, copy the node's share of the
source tree into the destination and exit when the operation completes.

Example:
  cm-node run --src /data/a --dst /data/b
  cm-node run -c node.yaml --seed 10.0.0.2:7400 --shard --expect-peers 1`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			opts.override(cmd, &cfg)
			if err := cfg.validate(); err != nil {
				return wrapExit(exitCommandError, "invalid config", err)
			}
			logger, err := newLogger(cfg.LogLevel)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runNode(ctx, cfg, logger, cmd.OutOrStdout())
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.Src, "src", "", "source directory")
	f.StringVar(&opts.Dst, "dst", "", "destination directory")
	f.StringVar(&opts.Bind, "bind", "", "cluster listen address")
	f.StringSliceVar(&opts.Seeds, "seed", nil, "seed node address (repeatable)")
	f.Uint64Var(&opts.MachineID, "id", 0, "machine id keying the persisted window")
	f.StringVar(&opts.StoreDriver, "store", "", "store driver (badger|sqlite|memory)")
	f.StringVar(&opts.StorePath, "store-path", "", "store location")
	f.StringVar(&opts.MetricsAddr, "metrics-addr", "", "serve /metrics on this address")
	f.BoolVar(&opts.Shard, "shard", false, "copy only the files this node owns")
	f.BoolVar(&opts.Pace, "pace", false, "hold writes until every replica admitted the group")
	f.IntVar(&opts.ExpectPeers, "expect-peers", 0, "peers to wait for before starting")
	f.DurationVar(&opts.Linger, "linger", 0, "keep serving this long after completion")

	return cmd
}

// override applies the flags the user set on top of the file config.
func (o *runOptions) override(cmd *cobra.Command, cfg *nodeConfig) {
	f := cmd.Flags()
	if f.Changed("src") {
		cfg.Copy.Src = o.Src
	}
	if f.Changed("dst") {
		cfg.Copy.Dst = o.Dst
	}
	if f.Changed("bind") {
		cfg.Node.BindAddr = o.Bind
	}
	if f.Changed("seed") {
		cfg.Node.Seeds = o.Seeds
	}
	if f.Changed("id") {
		cfg.Machine.ID = o.MachineID
	}
	if f.Changed("store") {
		cfg.Store.Driver = o.StoreDriver
	}
	if f.Changed("store-path") {
		cfg.Store.Path = o.StorePath
	}
	if f.Changed("metrics-addr") {
		cfg.MetricsAddr = o.MetricsAddr
	}
	if f.Changed("shard") {
		cfg.Shard = o.Shard
	}
	if f.Changed("pace") {
		cfg.Copy.Pace = o.Pace
	}
	if f.Changed("expect-peers") {
		cfg.Machine.ExpectPeers = o.ExpectPeers
	}
	if f.Changed("linger") {
		cfg.Machine.Linger = o.Linger
	}
}

func runNode(ctx context.Context, cfg nodeConfig, logger *slog.Logger, out io.Writer) error {
	st, err := openStore(cfg.Store, logger)
	if err != nil {
		return wrapExit(exitCommandError, "open store", err)
	}
	defer func() {
		if cerr := st.Close(); cerr != nil {
			logger.Error("close store", slog.Any("err", cerr))
		}
	}()

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := cm.NewMetrics(promReg)
	if cfg.MetricsAddr != "" {
		hs := serveMetrics(cfg.MetricsAddr, promReg, logger)
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = hs.Shutdown(sctx)
		}()
	}

	reg := cm.NewRegistry(logger)
	tr, err := cluster.NewTransport(cfg.Node, logger)
	if err != nil {
		_ = reg.Close()
		return wrapExit(exitCommandError, "create transport", err)
	}
	srv, err := cluster.NewServer(cfg.Node, reg, tr, logger)
	if err != nil {
		_ = reg.Close()
		_ = tr.Close()
		return wrapExit(exitCommandError, "create server", err)
	}
	if err := srv.Start(); err != nil {
		_ = reg.Close()
		_ = tr.Close()
		return wrapExit(exitCommandError, "start server", err)
	}
	// machines stop before the transport they send on
	defer func() {
		if cerr := reg.Close(); cerr != nil {
			logger.Error("close registry", slog.Any("err", cerr))
		}
		srv.Stop()
		_ = tr.Close()
	}()
	logger.Info("node started", slog.String("addr", srv.PublicURL()), slog.Any("seeds", cfg.Node.Seeds))

	// a failed chunk keeps its group from finalizing; stop the operation
	// instead of waiting for a completion that cannot come
	runCtx, cancelRun := context.WithCancelCause(ctx)
	defer cancelRun(nil)

	copyCfg := cfg.Copy
	copyCfg.OnFailure = cancelRun
	if cfg.Shard {
		copyCfg.Self = srv.PublicURL()
		copyCfg.Members = srv.Members
	}
	if err := reg.Register(filecopy.NewType(copyCfg)); err != nil {
		return err
	}

	if n := cfg.Machine.ExpectPeers; n > 0 {
		actx, cancel := context.WithTimeout(ctx, cfg.Machine.ReadyTimeout)
		peers, err := srv.AwaitPeers(actx, n)
		cancel()
		if err != nil {
			return wrapExit(exitFailure, fmt.Sprintf("waiting for %d peers", n), err)
		}
		logger.Info("peers joined", slog.Any("peers", peers))
	}

	m, err := reg.NewMachine(filecopy.TypeName, cm.Options{
		ID:               cfg.Machine.ID,
		Endpoint:         srv.PublicURL(),
		Store:            st,
		Transport:        tr,
		Catalog:          srv,
		Logger:           logger,
		Metrics:          metrics,
		LivenessInterval: cfg.Machine.LivenessInterval,
		ConnectTimeout:   cfg.Machine.ConnectTimeout,
	})
	if err != nil {
		return err
	}
	if err := m.Setup(); err != nil {
		return wrapExit(exitCommandError, "set up copy machine", err)
	}

	start := time.Now()
	copier := m.Behavior().(*filecopy.Copier)
	err = m.Run(runCtx)
	switch {
	case err == nil:
	case ctx.Err() != nil:
		logger.Warn("interrupted, window kept for resume", slog.Uint64("machine", m.ID()))
		return nil
	case runCtx.Err() != nil:
		cause := context.Cause(runCtx)
		logger.Error("copy failed, window kept for resume", slog.Uint64("machine", m.ID()), slog.Any("err", cause))
		printResult(out, copier.Result(), start)
		return wrapExit(exitFailure, "copy", cause)
	default:
		return wrapExit(exitFailure, "copy", err)
	}

	printResult(out, copier.Result(), start)
	if cerr := copier.Err(); cerr != nil {
		return wrapExit(exitFailure, "copy", cerr)
	}

	if d := cfg.Machine.Linger; d > 0 {
		logger.Info("lingering", slog.Duration("for", d))
		select {
		case <-ctx.Done():
		case <-time.After(d):
		}
	}
	return nil
}

func printResult(out io.Writer, res filecopy.Result, start time.Time) {
	fmt.Fprintf(out, "copied %d/%d files: groups=%d chunks=%d bytes=%d failed=%d in %s\n",
		res.OwnedFiles, res.Files, res.Groups, res.Chunks, res.Bytes, res.FailedChunks,
		time.Since(start).Round(time.Millisecond))
}

func serveMetrics(addr string, reg *prometheus.Registry, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	hs := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", slog.Any("err", err))
		}
	}()
	return hs
}
