package commands

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rocketbitz/verbs-go/client"
	"github.com/rocketbitz/verbs-go/internal/batchfile"
	"github.com/rocketbitz/verbs-go/internal/inspect"
	"github.com/rocketbitz/verbs-go/verbs"
)

type encodeOptions struct {
	execute bool
	hexdump bool
}

func newEncodeCmd(a *app) *cobra.Command {
	opts := &encodeOptions{}
	cmd := &cobra.Command{
		Use:   "encode <batch.yaml>",
		Short: "Serialize a batch description into send and receive command buffers",
		Long: `Serialize the work requests of a batch file into native command buffers
and print the decoded records. Regions declared in the file are allocated
and registered on a loopback queue pair so their addresses and keys can be
referenced by name.

With --execute the buffers are posted on the loopback queue pair and the
resulting work completions are printed as well.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			file, err := batchfile.Load(args[0])
			if err != nil {
				return err
			}
			return a.encode(cmd.Context(), cmd.OutOrStdout(), file, opts)
		},
	}
	cmd.Flags().BoolVarP(&opts.execute, "execute", "x", false, "post the batch on a loopback queue pair")
	cmd.Flags().BoolVar(&opts.hexdump, "hexdump", false, "dump the raw command buffer bytes")
	return cmd
}

func (a *app) encode(ctx context.Context, out io.Writer, file *batchfile.File, opts *encodeOptions) error {
	cc := a.clientConfig()
	cc.Loopback = true
	cli, err := client.Dial(cc)
	if err != nil {
		return err
	}
	var buffers []*verbs.Buffer
	defer func() {
		if err := cli.Close(); err != nil {
			a.log.Warn("close client", zap.Error(err))
		}
		for _, b := range buffers {
			cli.Free(b)
		}
	}()

	bindings := make(batchfile.Bindings, len(file.Regions))
	for _, spec := range file.Regions {
		access, err := spec.AccessFlags()
		if err != nil {
			return err
		}
		buf, err := cli.Allocate(spec.Size)
		if err != nil {
			return fmt.Errorf("allocate region %q: %w", spec.Name, err)
		}
		buffers = append(buffers, buf)
		fill(buf.Bytes()[:spec.Size], spec.Fill)
		mr, err := cli.RegisterMemory(buf, access)
		if err != nil {
			return fmt.Errorf("register region %q: %w", spec.Name, err)
		}
		bindings[spec.Name] = batchfile.Region{Addr: mr.Addr, Length: uint64(spec.Size), LKey: mr.LKey, RKey: mr.RKey}
		a.log.Debug("region registered",
			zap.String("region", spec.Name),
			zap.String("size", humanize.IBytes(uint64(spec.Size))),
			zap.Stringer("access", access),
			zap.Uint32("lkey", mr.LKey),
			zap.Uint32("rkey", mr.RKey),
		)
	}

	sends, err := file.SendWRs(bindings)
	if err != nil {
		return err
	}
	recvs, err := file.RecvWRs(bindings)
	if err != nil {
		return err
	}

	if opts.execute {
		return a.executeBatch(ctx, out, cli, sends, recvs, opts)
	}

	if len(recvs) > 0 {
		call, err := verbs.NewPostRecv(dryRunQP{}, cli.Pool(), recvs)
		if err != nil {
			return fmt.Errorf("encode receives: %w", err)
		}
		err = writeRecvCall(out, call, opts.hexdump)
		call.Free()
		if err != nil {
			return err
		}
	}
	if len(sends) > 0 {
		call, err := verbs.NewPostSend(dryRunQP{}, cli.Pool(), sends)
		if err != nil {
			return fmt.Errorf("encode sends: %w", err)
		}
		err = writeSendCall(out, call, opts.hexdump)
		call.Free()
		if err != nil {
			return err
		}
	}
	return nil
}

func (a *app) executeBatch(ctx context.Context, out io.Writer, cli *client.Client, sends []verbs.SendWR, recvs []verbs.RecvWR, opts *encodeOptions) error {
	completions := make(chan verbs.WorkCompletion, len(sends)+len(recvs))
	unregister := cli.RegisterCompletionHandler(func(wc verbs.WorkCompletion) {
		select {
		case completions <- wc:
		default:
		}
	})
	defer unregister()

	if len(recvs) > 0 {
		call, err := cli.PostRecv(recvs)
		if err != nil {
			return fmt.Errorf("post receives: %w", err)
		}
		defer cli.Release(call)
		if err := writeRecvCall(out, call, opts.hexdump); err != nil {
			return err
		}
	}
	if len(sends) > 0 {
		call, err := cli.PostSend(sends)
		if err != nil {
			return fmt.Errorf("post sends: %w", err)
		}
		defer cli.Release(call)
		if err := writeSendCall(out, call, opts.hexdump); err != nil {
			return err
		}
	}

	expected := 0
	for _, wr := range sends {
		if wr.Flags&verbs.SendSignaled != 0 || a.cfg.Endpoint.SigAll {
			expected++
		}
	}
	wcs := collectCompletions(ctx, completions, expected, a.cfg.Timeout)
	a.log.Info("batch executed",
		zap.Int("sends", len(sends)),
		zap.Int("recvs", len(recvs)),
		zap.Int("completions", len(wcs)),
	)
	if _, err := fmt.Fprintf(out, "\ncompletions (%d)\n\n", len(wcs)); err != nil {
		return err
	}
	return inspect.Completions(out, wcs)
}

// collectCompletions waits until at least want completions arrived or
// timeout elapsed, then keeps draining until the channel is idle briefly.
func collectCompletions(ctx context.Context, ch <-chan verbs.WorkCompletion, want int, timeout time.Duration) []verbs.WorkCompletion {
	var wcs []verbs.WorkCompletion
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for len(wcs) < want {
		select {
		case wc := <-ch:
			wcs = append(wcs, wc)
		case <-deadline.C:
			return wcs
		case <-ctx.Done():
			return wcs
		}
	}
	idle := 20 * time.Millisecond
	for {
		select {
		case wc := <-ch:
			wcs = append(wcs, wc)
		case <-time.After(idle):
			return wcs
		case <-ctx.Done():
			return wcs
		}
	}
}

func writeSendCall(out io.Writer, call *verbs.PostSend, hexdump bool) error {
	if _, err := fmt.Fprintf(out, "send batch: %d work requests, %s\n\n", call.Len(), humanize.IBytes(uint64(call.Size()))); err != nil {
		return err
	}
	if err := inspect.SendChain(out, call.Buffer()); err != nil {
		return err
	}
	if hexdump {
		if _, err := io.WriteString(out, "\n"); err != nil {
			return err
		}
		return inspect.HexDump(out, call.Buffer().Bytes()[:call.Size()], verbs.SendWRSize)
	}
	return nil
}

func writeRecvCall(out io.Writer, call *verbs.PostRecv, hexdump bool) error {
	if _, err := fmt.Fprintf(out, "recv batch: %d work requests, %s\n\n", call.Len(), humanize.IBytes(uint64(call.Size()))); err != nil {
		return err
	}
	if err := inspect.RecvChain(out, call.Buffer()); err != nil {
		return err
	}
	if hexdump {
		if _, err := io.WriteString(out, "\n"); err != nil {
			return err
		}
		return inspect.HexDump(out, call.Buffer().Bytes()[:call.Size()], verbs.RecvWRSize)
	}
	return nil
}

func fill(dst []byte, pattern string) {
	if pattern == "" {
		return
	}
	for i := 0; i < len(dst); {
		i += copy(dst[i:], pattern)
	}
}
