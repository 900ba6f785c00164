package commands

import (
	"bytes"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rocketbitz/verbs-go/internal/inspect"
	"github.com/rocketbitz/verbs-go/nvme"
	"github.com/rocketbitz/verbs-go/verbs"
)

type nvmeOptions struct {
	lba     uint64
	blocks  int
	pattern string
	hexdump bool
}

func newNVMeCmd(a *app) *cobra.Command {
	opts := &nvmeOptions{}
	cmd := &cobra.Command{
		Use:   "nvme",
		Short: "Write, flush and read back sectors on a simulated NVMe namespace",
		Long: `Write a pattern to a simulated NVMe namespace, flush it, read it back and
verify the round trip. The namespace geometry comes from the nvme section
of the configuration.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.nvmeRoundTrip(cmd.OutOrStdout(), opts)
		},
	}
	flags := cmd.Flags()
	flags.Uint64Var(&opts.lba, "lba", 0, "starting logical block")
	flags.IntVar(&opts.blocks, "blocks", 1, "number of blocks to transfer")
	flags.StringVar(&opts.pattern, "pattern", "verbs-go", "data pattern written to the blocks")
	flags.BoolVar(&opts.hexdump, "hexdump", false, "dump the read command entry and the first block read")
	return cmd
}

func (a *app) nvmeRoundTrip(out io.Writer, opts *nvmeOptions) error {
	if opts.pattern == "" {
		return fmt.Errorf("nvme: empty pattern")
	}
	geo := a.cfg.NVMe
	ctrl := nvme.NewSimController()
	ctrl.AddNamespace(geo.NamespaceID, geo.SectorSize, geo.Sectors)

	pool := verbs.NewBufferPool(verbs.WithSlotsPerClass(a.cfg.Pool.SlotsPerClass))
	defer pool.Close()

	ns, qp, err := ctrl.Namespace(geo.NamespaceID, pool)
	if err != nil {
		return err
	}
	defer qp.Close()

	if opts.blocks <= 0 {
		return fmt.Errorf("nvme: blocks must be positive")
	}
	size := opts.blocks * ns.SectorSize
	src, err := pool.Allocate(size)
	if err != nil {
		return err
	}
	defer pool.Free(src)
	dst, err := pool.Allocate(size)
	if err != nil {
		return err
	}
	defer pool.Free(dst)

	fill(src.Bytes()[:size], opts.pattern)
	if err := ns.Write(src, opts.lba, opts.blocks); err != nil {
		return err
	}
	if err := ns.Flush(); err != nil {
		return err
	}
	if err := ns.Read(dst, opts.lba, opts.blocks); err != nil {
		return err
	}
	if !bytes.Equal(src.Bytes()[:size], dst.Bytes()[:size]) {
		return fmt.Errorf("nvme: data read from lba %d does not match data written", opts.lba)
	}

	a.log.Debug("nvme round trip",
		zap.Uint32("nsid", ns.ID),
		zap.Uint64("lba", opts.lba),
		zap.Int("blocks", opts.blocks),
		zap.Uint64("flushes", ctrl.Flushes()),
	)
	if _, err := fmt.Fprintf(out, "namespace %d: %s sectors of %s (%s)\n",
		ns.ID, humanize.Comma(int64(ns.Sectors)), humanize.IBytes(uint64(ns.SectorSize)),
		humanize.IBytes(ns.Sectors*uint64(ns.SectorSize))); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(out, "wrote, flushed and verified %d blocks (%s) at lba %d\n",
		opts.blocks, humanize.IBytes(uint64(size)), opts.lba); err != nil {
		return err
	}
	if !opts.hexdump {
		return nil
	}

	sqe, err := pool.Allocate(nvme.SQESize)
	if err != nil {
		return err
	}
	defer pool.Free(sqe)
	nvme.Encode(sqe, nvme.Command{
		Opcode: nvme.OpRead,
		NSID:   ns.ID,
		PRP1:   dst.Address(),
		SLBA:   opts.lba,
		Blocks: uint32(opts.blocks),
	})
	if _, err := io.WriteString(out, "\nread command\n"); err != nil {
		return err
	}
	if err := inspect.HexDump(out, sqe.Bytes()[:nvme.SQESize], 0); err != nil {
		return err
	}
	if _, err := io.WriteString(out, "\nfirst block\n"); err != nil {
		return err
	}
	return inspect.HexDump(out, dst.Bytes()[:ns.SectorSize], 0)
}
