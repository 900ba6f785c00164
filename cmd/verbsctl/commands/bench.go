package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rocketbitz/verbs-go/client"
	"github.com/rocketbitz/verbs-go/internal/config"
	"github.com/rocketbitz/verbs-go/verbs"
)

const (
	benchModeEncode   = "encode"
	benchModeSendRecv = "sendrecv"
)

type benchOptions struct {
	mode        string
	workers     int
	iterations  int
	batch       int
	sges        int
	messageSize int
	listen      string
}

// benchResult accumulates counters across workers.
type benchResult struct {
	ops     atomic.Uint64
	bytes   atomic.Uint64
	elapsed time.Duration
}

func newBenchCmd(a *app) *cobra.Command {
	opts := &benchOptions{}
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Measure command buffer construction or loopback send/receive throughput",
		Long: `Run a throughput benchmark.

  encode    serialize and free batches of send work requests (no provider calls)
  sendrecv  post sends and matching receives between two connected clients

Unset flags fall back to the bench section of the configuration. When
metrics.listen (or --metrics-listen) is set, Prometheus metrics are served
on /metrics while the benchmark runs.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts.applyDefaults(cmd, a.cfg)
			return a.bench(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&opts.mode, "mode", benchModeEncode, "benchmark mode: encode or sendrecv")
	flags.IntVarP(&opts.workers, "workers", "w", 0, "concurrent workers")
	flags.IntVarP(&opts.iterations, "iterations", "n", 0, "iterations per worker")
	flags.IntVar(&opts.batch, "batch", 0, "work requests per batch (encode)")
	flags.IntVar(&opts.sges, "sges", 0, "scatter/gather elements per work request (encode)")
	flags.IntVar(&opts.messageSize, "size", 0, "message size in bytes")
	flags.StringVar(&opts.listen, "metrics-listen", "", "address to serve Prometheus metrics on")
	return cmd
}

func (o *benchOptions) applyDefaults(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if !flags.Changed("workers") {
		o.workers = cfg.Bench.Workers
	}
	if !flags.Changed("iterations") {
		o.iterations = cfg.Bench.Iterations
	}
	if !flags.Changed("batch") {
		o.batch = cfg.Bench.Batch
	}
	if !flags.Changed("sges") {
		o.sges = cfg.Bench.SGEs
	}
	if !flags.Changed("size") {
		o.messageSize = cfg.Bench.MessageSize
	}
	if !flags.Changed("metrics-listen") {
		o.listen = cfg.Metrics.Listen
	}
}

func (o *benchOptions) validate() error {
	switch o.mode {
	case benchModeEncode, benchModeSendRecv:
	default:
		return fmt.Errorf("unknown bench mode %q", o.mode)
	}
	if o.workers < 1 || o.iterations < 1 || o.batch < 1 || o.sges < 0 || o.messageSize < 1 {
		return errors.New("bench workers, iterations, batch and size must be positive")
	}
	return nil
}

func (a *app) bench(ctx context.Context, out io.Writer, opts *benchOptions) error {
	if err := opts.validate(); err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	if opts.listen != "" {
		stop, err := a.serveMetrics(opts.listen, reg)
		if err != nil {
			return err
		}
		defer stop()
	}

	a.log.Info("benchmark starting",
		zap.String("mode", opts.mode),
		zap.Int("workers", opts.workers),
		zap.Int("iterations", opts.iterations),
	)

	var (
		res *benchResult
		err error
	)
	switch opts.mode {
	case benchModeEncode:
		res, err = a.benchEncode(ctx, opts, reg)
	case benchModeSendRecv:
		res, err = a.benchSendRecv(ctx, opts, reg)
	}
	if err != nil {
		return err
	}
	return writeBenchResult(out, opts.mode, res)
}

func (a *app) benchEncode(ctx context.Context, opts *benchOptions, reg *prometheus.Registry) (*benchResult, error) {
	pool := verbs.NewBufferPool(verbs.WithSlotsPerClass(max(a.cfg.Pool.SlotsPerClass, opts.workers)))
	defer pool.Close()
	if err := reg.Register(client.NewBufferPoolCollector(pool, "verbsctl", nil)); err != nil {
		return nil, err
	}

	wrs := make([]verbs.SendWR, opts.batch)
	for i := range wrs {
		sges := make([]verbs.SGE, opts.sges)
		for j := range sges {
			sges[j] = verbs.SGE{Addr: uint64(0x10000 + j*opts.messageSize), Length: uint32(opts.messageSize), LKey: 1}
		}
		wrs[i] = verbs.SendWR{ID: uint64(i), Opcode: verbs.OpRDMAWrite, Flags: verbs.SendSignaled, SGList: sges,
			RDMA: verbs.RDMAInfo{RemoteAddr: 0x800000, RKey: 2}}
	}

	res := &benchResult{}
	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for w := range opts.workers {
		g.Go(func() error {
			for it := range opts.iterations {
				if err := gctx.Err(); err != nil {
					return err
				}
				call, err := verbs.NewPostSend(dryRunQP{}, pool, wrs)
				if err != nil {
					return fmt.Errorf("worker %d: %w", w, err)
				}
				wr, err := call.WR(0)
				if err == nil {
					err = wr.SetID(uint64(it))
				}
				res.bytes.Add(uint64(call.Size()))
				call.Free()
				if err != nil {
					return fmt.Errorf("worker %d: %w", w, err)
				}
				res.ops.Add(uint64(len(wrs)))
			}
			return nil
		})
	}
	err := g.Wait()
	res.elapsed = time.Since(start)
	stats := pool.Stats()
	a.log.Info("buffer pool",
		zap.Uint64("allocations", stats.Allocations),
		zap.Uint64("hits", stats.Hits),
		zap.Uint64("misses", stats.Misses),
		zap.Uint64("releases", stats.Releases),
	)
	return res, err
}

func (a *app) benchSendRecv(ctx context.Context, opts *benchOptions, reg *prometheus.Registry) (*benchResult, error) {
	metrics, err := client.NewPrometheusMetrics(client.PrometheusMetricsOptions{
		Registerer: reg,
		Namespace:  "verbsctl",
	})
	if err != nil {
		return nil, err
	}
	cc := a.clientConfig()
	cc.Metrics = metrics
	cc.Endpoint.MaxRecvWR = max(cc.Endpoint.MaxRecvWR, opts.workers)
	sender, receiver, err := client.DialPair(cc)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = sender.Close()
		_ = receiver.Close()
	}()

	res := &benchResult{}
	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for w := range opts.workers {
		g.Go(func() error {
			payload := make([]byte, opts.messageSize)
			buf := make([]byte, opts.messageSize)
			for range opts.iterations {
				fut, err := receiver.ReceiveAsync(buf)
				if err != nil {
					return fmt.Errorf("worker %d: receive: %w", w, err)
				}
				if err := sender.Send(gctx, payload); err != nil {
					return fmt.Errorf("worker %d: send: %w", w, err)
				}
				n, err := fut.Await(gctx)
				if err != nil {
					return fmt.Errorf("worker %d: await receive: %w", w, err)
				}
				res.ops.Add(1)
				res.bytes.Add(uint64(n))
			}
			return nil
		})
	}
	err = g.Wait()
	res.elapsed = time.Since(start)
	stats := sender.Stats()
	a.log.Info("sender stats",
		zap.Uint64("send_posted", stats.SendPosted),
		zap.Uint64("send_completed", stats.SendCompleted),
		zap.Uint64("send_errored", stats.SendErrored),
	)
	return res, err
}

func (a *app) serveMetrics(addr string, reg *prometheus.Registry) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Warn("metrics server stopped", zap.Error(err))
		}
	}()
	a.log.Info("serving metrics", zap.String("addr", ln.Addr().String()))
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}

func writeBenchResult(out io.Writer, mode string, res *benchResult) error {
	ops := res.ops.Load()
	bytes := res.bytes.Load()
	secs := res.elapsed.Seconds()
	if secs <= 0 {
		secs = 1e-9
	}
	unit := "work requests"
	if mode == benchModeSendRecv {
		unit = "messages"
	}
	_, err := fmt.Fprintf(out, "%s: %s %s, %s in %s (%s/s, %s/s)\n",
		mode,
		humanize.Comma(int64(ops)), unit,
		humanize.IBytes(bytes),
		res.elapsed.Round(time.Microsecond),
		humanize.Comma(int64(float64(ops)/secs)),
		humanize.IBytes(uint64(float64(bytes)/secs)),
	)
	return err
}
