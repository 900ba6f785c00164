// Package inspect renders serialized command buffers and record layouts as
// markdown tables for the verbsctl tool.
package inspect

import (
	"fmt"
	"io"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/renderer"
	"github.com/olekukonko/tablewriter/tw"
	"github.com/valyala/bytebufferpool"

	"github.com/rocketbitz/verbs-go/verbs"
)

var textPool bytebufferpool.Pool

func render(w io.Writer, headers []string, rows [][]string) error {
	table := tablewriter.NewTable(w,
		tablewriter.WithRenderer(renderer.NewMarkdown(tw.Rendition{})),
	)
	table.Header(headers)
	if err := table.Bulk(rows); err != nil {
		return fmt.Errorf("inspect: table rows: %w", err)
	}
	if err := table.Render(); err != nil {
		return fmt.Errorf("inspect: render table: %w", err)
	}
	return nil
}

func hex(v uint64) string { return "0x" + strconv.FormatUint(v, 16) }

func fieldOffset(fields []verbs.Field, name string) int {
	for _, f := range fields {
		if f.Name == name {
			return f.Offset
		}
	}
	panic("inspect: unknown field " + name)
}

// relative renders an absolute address stored in buf as an offset from its
// start, or "-" for a null pointer.
func relative(buf *verbs.Buffer, addr uint64) string {
	if addr == 0 {
		return "-"
	}
	base := buf.Address()
	if addr < base || addr >= base+uint64(buf.Cap()) {
		return hex(addr)
	}
	return "+" + strconv.FormatUint(addr-base, 10)
}

// Layout writes one table per native record listing field offsets and widths.
func Layout(w io.Writer) error {
	records := []struct {
		name   string
		size   int
		fields []verbs.Field
	}{
		{"ibv_sge", verbs.SGESize, verbs.SGEFields},
		{"ibv_recv_wr", verbs.RecvWRSize, verbs.RecvWRFields},
		{"ibv_send_wr", verbs.SendWRSize, verbs.SendWRFields},
	}
	for i, rec := range records {
		if i > 0 {
			if _, err := io.WriteString(w, "\n"); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintf(w, "%s (%d bytes)\n\n", rec.name, rec.size); err != nil {
			return err
		}
		rows := make([][]string, 0, len(rec.fields))
		for _, f := range rec.fields {
			rows = append(rows, []string{f.Name, strconv.Itoa(f.Offset), strconv.Itoa(f.Width)})
		}
		if err := render(w, []string{"field", "offset", "width"}, rows); err != nil {
			return err
		}
	}
	return nil
}

func remoteDetail(wr verbs.SendWR) string {
	switch wr.Opcode {
	case verbs.OpRDMAWrite, verbs.OpRDMAWriteWithImm, verbs.OpRDMARead:
		return fmt.Sprintf("addr=%s rkey=%d", hex(wr.RDMA.RemoteAddr), wr.RDMA.RKey)
	case verbs.OpAtomicCmpAndSwp, verbs.OpAtomicFetchAndAdd:
		return fmt.Sprintf("addr=%s rkey=%d compare_add=%s swap=%s",
			hex(wr.Atomic.RemoteAddr), wr.Atomic.RKey, hex(wr.Atomic.CompareAdd), hex(wr.Atomic.Swap))
	}
	if wr.UD.AH != 0 {
		return fmt.Sprintf("ah=%s qpn=%d qkey=%s", hex(wr.UD.AH), wr.UD.RemoteQPN, hex(uint64(wr.UD.RemoteQKey)))
	}
	return "-"
}

// SendChain writes the send work requests serialized in buf followed by
// their scatter/gather entries. Pointers are shown relative to buf.
func SendChain(w io.Writer, buf *verbs.Buffer) error {
	wrs := verbs.DecodeSendChain(buf.Pointer())
	next := fieldOffset(verbs.SendWRFields, "next")
	list := fieldOffset(verbs.SendWRFields, "sg_list")

	rows := make([][]string, 0, len(wrs))
	for i, wr := range wrs {
		off := i * verbs.SendWRSize
		imm := "-"
		if wr.Opcode == verbs.OpSendWithImm || wr.Opcode == verbs.OpRDMAWriteWithImm {
			imm = hex(uint64(wr.ImmData))
		}
		rows = append(rows, []string{
			strconv.Itoa(i),
			"+" + strconv.Itoa(off),
			strconv.FormatUint(wr.ID, 10),
			wr.Opcode.String(),
			wr.Flags.String(),
			imm,
			strconv.Itoa(len(wr.SGList)),
			relative(buf, buf.Uint64(off+list)),
			relative(buf, buf.Uint64(off+next)),
			remoteDetail(wr),
		})
	}
	headers := []string{"#", "offset", "wr_id", "opcode", "flags", "imm", "num_sge", "sg_list", "next", "remote"}
	if err := render(w, headers, rows); err != nil {
		return err
	}
	sges := make([][]verbs.SGE, len(wrs))
	for i, wr := range wrs {
		sges[i] = wr.SGList
	}
	return sgeTable(w, sges)
}

// RecvChain writes the receive work requests serialized in buf followed by
// their scatter/gather entries.
func RecvChain(w io.Writer, buf *verbs.Buffer) error {
	wrs := verbs.DecodeRecvChain(buf.Pointer())
	next := fieldOffset(verbs.RecvWRFields, "next")
	list := fieldOffset(verbs.RecvWRFields, "sg_list")

	rows := make([][]string, 0, len(wrs))
	for i, wr := range wrs {
		off := i * verbs.RecvWRSize
		rows = append(rows, []string{
			strconv.Itoa(i),
			"+" + strconv.Itoa(off),
			strconv.FormatUint(wr.ID, 10),
			strconv.Itoa(len(wr.SGList)),
			relative(buf, buf.Uint64(off+list)),
			relative(buf, buf.Uint64(off+next)),
		})
	}
	if err := render(w, []string{"#", "offset", "wr_id", "num_sge", "sg_list", "next"}, rows); err != nil {
		return err
	}
	sges := make([][]verbs.SGE, len(wrs))
	for i, wr := range wrs {
		sges[i] = wr.SGList
	}
	return sgeTable(w, sges)
}

func sgeTable(w io.Writer, perWR [][]verbs.SGE) error {
	var rows [][]string
	for i, list := range perWR {
		for j, sge := range list {
			rows = append(rows, []string{
				strconv.Itoa(i),
				strconv.Itoa(j),
				hex(sge.Addr),
				strconv.FormatUint(uint64(sge.Length), 10),
				strconv.FormatUint(uint64(sge.LKey), 10),
			})
		}
	}
	if len(rows) == 0 {
		return nil
	}
	if _, err := io.WriteString(w, "\n"); err != nil {
		return err
	}
	return render(w, []string{"wr", "sge", "addr", "length", "lkey"}, rows)
}

const hexDigits = "0123456789abcdef"

// HexDump writes data sixteen bytes per line with an offset column and a
// gap after every record-sized boundary of recordSize bytes when
// recordSize is positive.
func HexDump(w io.Writer, data []byte, recordSize int) error {
	bb := textPool.Get()
	defer textPool.Put(bb)

	for off := 0; off < len(data); off += 16 {
		if recordSize > 0 && off > 0 && off%recordSize == 0 {
			_ = bb.WriteByte('\n')
		}
		_, _ = fmt.Fprintf(bb, "%08x ", off)
		end := min(off+16, len(data))
		for i := off; i < off+16; i++ {
			if i%8 == 0 {
				_ = bb.WriteByte(' ')
			}
			if i < end {
				_ = bb.WriteByte(hexDigits[data[i]>>4])
				_ = bb.WriteByte(hexDigits[data[i]&0x0f])
				_ = bb.WriteByte(' ')
			} else {
				_, _ = bb.WriteString("   ")
			}
		}
		_, _ = bb.WriteString(" |")
		for _, c := range data[off:end] {
			if c < 0x20 || c > 0x7e {
				c = '.'
			}
			_ = bb.WriteByte(c)
		}
		_, _ = bb.WriteString("|\n")
	}
	_, err := w.Write(bb.B)
	return err
}

// Completions writes one row per work completion.
func Completions(w io.Writer, wcs []verbs.WorkCompletion) error {
	rows := make([][]string, 0, len(wcs))
	for _, wc := range wcs {
		imm := "-"
		if wc.HasImm {
			imm = hex(uint64(wc.ImmData))
		}
		rows = append(rows, []string{
			strconv.FormatUint(wc.ID, 10),
			wc.Opcode.String(),
			wc.Status.String(),
			strconv.FormatUint(uint64(wc.ByteLen), 10),
			imm,
			strconv.FormatUint(uint64(wc.QPN), 10),
		})
	}
	return render(w, []string{"wr_id", "opcode", "status", "byte_len", "imm", "qpn"}, rows)
}
