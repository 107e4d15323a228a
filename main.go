// ════════════════════════════════════════════════════════════════════════════════════════════════
// Market Feed - Main Entry Point
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Component: Process orchestration for the three roles
//
// Description:
//   One binary, three long-running processes. Each subcommand resolves its configuration,
//   acquires its resources, runs its loop until cancelled and releases everything on exit.
//
// Subcommands:
//   - publish:      creates the shared segment, serves TCP readers, generates ticks
//   - shm-consume:  attaches to the segment and drains the ring
//   - tcp-consume:  connects to the broadcast server and decodes frames
//
// Exit codes:
//   - 0 on clean shutdown (signal, end of stream, count reached)
//   - 1 on resource acquisition failure or a transport error
//   - 2 on a usage or configuration error
// ════════════════════════════════════════════════════════════════════════════════════════════════

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"marketfeed/config"
	"marketfeed/control"
	"marketfeed/debug"
	"marketfeed/generator"
	"marketfeed/publisher"
	"marketfeed/reader"
	"marketfeed/report"
	"marketfeed/server"
	"marketfeed/shm"
	"marketfeed/snapshot"
	"marketfeed/types"
)

const (
	exitOK    = 0
	exitFatal = 1
	exitUsage = 2
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run dispatches one subcommand and returns the process exit code.
func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		usage(stderr)
		return exitUsage
	}
	cmd, rest := args[0], args[1:]
	switch cmd {
	case config.CmdPublish, config.CmdShmConsume, config.CmdTCPConsume:
	case "-h", "--help", "help":
		usage(stdout)
		return exitOK
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n", cmd)
		usage(stderr)
		return exitUsage
	}

	cfg, err := config.Load(cmd, rest)
	if errors.Is(err, pflag.ErrHelp) {
		fmt.Fprintf(stdout, "Usage: marketfeed %s [flags]\n\n%s", cmd, config.Usage(cmd))
		return exitOK
	}
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}

	log, err := debug.Init(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}
	defer debug.Sync()

	tok := control.New()
	stop := control.WatchSignals(tok)
	defer stop()

	switch cmd {
	case config.CmdPublish:
		err = runPublish(tok, cfg, log)
	case config.CmdShmConsume:
		err = runShmConsume(tok, cfg, log, stdout)
	default:
		err = runTCPConsume(tok, cfg, log, stdout)
	}
	if err != nil {
		debug.DropError(cmd, err)
		return exitFatal
	}
	return exitOK
}

func usage(w io.Writer) {
	fmt.Fprintf(w, "Usage: marketfeed <command> [flags]\n\nCommands:\n")
	fmt.Fprintf(w, "  %-12s  generate ticks into shared memory and TCP\n", config.CmdPublish)
	fmt.Fprintf(w, "  %-12s  read ticks from shared memory\n", config.CmdShmConsume)
	fmt.Fprintf(w, "  %-12s  read ticks from the broadcast server\n", config.CmdTCPConsume)
	fmt.Fprintf(w, "\nRun 'marketfeed <command> -h' for the flags of a command.\n")
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// DISTRIBUTOR
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// runPublish owns the segment and the listener for the lifetime of the loop.
// Either failing to come up is fatal; everything after that is best effort.
func runPublish(tok *control.Token, cfg *config.Config, log *zap.Logger) error {
	owner, err := shm.Create(cfg.Shm.Name)
	if err != nil {
		return err
	}
	defer func() {
		if err := owner.Close(); err != nil {
			log.Warn("segment unmap", zap.Error(err))
		}
		if err := owner.Remove(); err != nil {
			log.Warn("segment remove", zap.Error(err))
		}
	}()
	log.Info("segment created", zap.String("path", owner.Path()))

	srv, err := server.Listen(cfg.TCP.Listen, server.Options{
		SendBuffer:   cfg.TCP.SendBuffer,
		RecvBuffer:   cfg.TCP.RecvBuffer,
		KeepAlive:    cfg.TCP.KeepAlive,
		QueueDepth:   cfg.TCP.QueueDepth,
		WriteTimeout: cfg.TCP.WriteTimeout,
	}, log)
	if err != nil {
		return err
	}
	defer srv.Close()

	serveDone := make(chan error, 1)
	go func() { serveDone <- srv.Serve(tok) }()

	pub := publisher.New(owner.Ring(), srv, publisher.Options{
		Interval:      cfg.Publisher.Interval,
		Count:         cfg.Publisher.Count,
		ProgressEvery: cfg.Publisher.ProgressEvery,
		CPU:           cfg.Publisher.CPU,
	}, log)

	var sinkDone chan error
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		defer client.Close()
		sink := snapshot.New(client, cfg.Redis.FlushInterval, log)
		pub.WithSnapshot(sink)

		ctx, cancel := context.WithCancel(tok.Context())
		defer cancel()
		sinkDone = make(chan error, 1)
		go func() { sinkDone <- sink.Run(ctx) }()
		defer func() {
			// The count bound ends the loop without cancelling tok.
			cancel()
			if err := <-sinkDone; err != nil {
				log.Warn("snapshot sink", zap.Error(err))
			}
			log.Info("snapshot sink stopped",
				zap.Uint64("written", sink.Written()),
				zap.Uint64("dropped", sink.Dropped()))
		}()
	}

	st := pub.Run(tok, generator.New(cfg.Generator(), nil, nil))

	srvStats := srv.Stats()
	log.Info("distributor finished",
		zap.Uint64("published", st.Published),
		zap.Uint64("ring_full", st.RingFull),
		zap.Uint64("reached", st.Reached),
		zap.Uint64("accepted", srvStats.Accepted),
		zap.Uint64("pruned", srvStats.Pruned),
		zap.Uint64("tcp_dropped", srvStats.Dropped))

	tok.Cancel()
	if err := srv.Close(); err != nil {
		log.Warn("server close", zap.Error(err))
	}
	if err := <-serveDone; err != nil {
		log.Warn("accept loop", zap.Error(err))
	}
	return nil
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// READERS
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// latencyHandler records every delivery and traces it at debug level.
func latencyHandler(rec *report.Recorder, log *zap.Logger) reader.Handler {
	trace := log.Core().Enabled(zap.DebugLevel)
	return func(t *types.Tick, latencyNs int64) {
		rec.Record(latencyNs)
		if trace {
			log.Debug("tick",
				zap.Stringer("instrument", t.Instrument),
				zap.Float64("bid", t.Bid),
				zap.Float64("ask", t.Ask),
				zap.Int64("latency_ns", latencyNs))
		}
	}
}

func runShmConsume(tok *control.Token, cfg *config.Config, log *zap.Logger, out io.Writer) error {
	seg, err := shm.Attach(cfg.Shm.Name)
	if err != nil {
		return err
	}
	log.Info("segment attached", zap.String("path", seg.Path()), zap.Int("owner_pid", seg.OwnerPID()))

	mode := cfg.ReaderMode()
	sum := report.NewSummary("shm", mode.String())
	var rec report.Recorder

	r := reader.NewShmReader(seg, reader.ShmOptions{
		Mode:  mode,
		Sleep: cfg.Reader.Sleep,
		CPU:   cfg.Reader.CPU,
	}, log)
	st, runErr := r.Run(tok, latencyHandler(&rec, log))

	sum.Finish(st.Delivered, st.Malformed, rec.Snapshot(), runErr)
	finishReport(cfg, sum, log, out)
	return runErr
}

func runTCPConsume(tok *control.Token, cfg *config.Config, log *zap.Logger, out io.Writer) error {
	r, err := reader.Dial(tok.Context(), cfg.TCP.Addr, reader.StreamOptions{
		RecvBuffer:  cfg.TCP.RecvBuffer,
		ReadTimeout: cfg.TCP.ReadTimeout,
		CPU:         cfg.Reader.CPU,
	}, log)
	if err != nil {
		return err
	}
	log.Info("connected", zap.String("addr", cfg.TCP.Addr))

	sum := report.NewSummary("tcp", "")
	var rec report.Recorder
	st, runErr := r.Run(tok, latencyHandler(&rec, log))

	sum.Finish(st.Delivered, st.Malformed, rec.Snapshot(), runErr)
	finishReport(cfg, sum, log, out)
	return runErr
}

// finishReport prints the summary and, when configured, stores it.
// Storage failures never change the exit code.
func finishReport(cfg *config.Config, sum *report.Summary, log *zap.Logger, out io.Writer) {
	fmt.Fprintln(out, sum.String())

	if cfg.Report.SQLite == "" {
		return
	}
	store, err := report.Open(cfg.Report.SQLite)
	if err != nil {
		log.Warn("report store", zap.Error(err))
		return
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := store.Save(ctx, sum); err != nil {
		log.Warn("report save", zap.Error(err))
		return
	}
	log.Info("run saved", zap.String("run_id", sum.RunID), zap.String("db", cfg.Report.SQLite))
}
