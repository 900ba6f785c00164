// Package batchfile parses YAML descriptions of work request batches.
//
// A file declares named regions, then send and receive work requests whose
// scatter/gather elements and remote targets refer either to literal
// addresses and keys or to a region by name:
//
//	regions:
//	  - {name: src, size: 4096}
//	sends:
//	  - id: 1
//	    opcode: rdma_write
//	    flags: [signaled]
//	    sges: [{region: src, offset: 0, length: 64}]
//	    rdma: {region: dst, offset: 128}
//	recvs:
//	  - id: 2
//	    sges: [{addr: 0x1000, length: 64, lkey: 7}]
package batchfile

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rocketbitz/verbs-go/verbs"
)

// File is a parsed batch description.
type File struct {
	Regions []RegionSpec `yaml:"regions"`
	Sends   []SendSpec   `yaml:"sends"`
	Recvs   []RecvSpec   `yaml:"recvs"`
}

// RegionSpec declares a buffer the caller allocates and registers.
type RegionSpec struct {
	Name   string   `yaml:"name"`
	Size   int      `yaml:"size"`
	Access []string `yaml:"access"`
	Fill   string   `yaml:"fill"`
}

// SGESpec is a scatter/gather element.
type SGESpec struct {
	Region string `yaml:"region"`
	Offset uint64 `yaml:"offset"`
	Addr   uint64 `yaml:"addr"`
	Length uint32 `yaml:"length"`
	LKey   uint32 `yaml:"lkey"`
}

// RemoteSpec is the remote target of an RDMA or atomic request.
type RemoteSpec struct {
	Region string `yaml:"region"`
	Offset uint64 `yaml:"offset"`
	Addr   uint64 `yaml:"addr"`
	RKey   uint32 `yaml:"rkey"`
}

// AtomicSpec carries the operands of an atomic request.
type AtomicSpec struct {
	RemoteSpec `yaml:",inline"`
	CompareAdd uint64 `yaml:"compare_add"`
	Swap       uint64 `yaml:"swap"`
}

// UDSpec addresses a datagram send.
type UDSpec struct {
	AH         uint64 `yaml:"ah"`
	RemoteQPN  uint32 `yaml:"remote_qpn"`
	RemoteQKey uint32 `yaml:"remote_qkey"`
}

// SendSpec describes one send work request.
type SendSpec struct {
	ID     uint64      `yaml:"id"`
	Opcode string      `yaml:"opcode"`
	Flags  []string    `yaml:"flags"`
	Imm    uint32      `yaml:"imm"`
	SGEs   []SGESpec   `yaml:"sges"`
	RDMA   *RemoteSpec `yaml:"rdma"`
	Atomic *AtomicSpec `yaml:"atomic"`
	UD     *UDSpec     `yaml:"ud"`
}

// RecvSpec describes one receive work request.
type RecvSpec struct {
	ID   uint64    `yaml:"id"`
	SGEs []SGESpec `yaml:"sges"`
}

// Region is a registered buffer a region name resolves to.
type Region struct {
	Addr   uint64
	Length uint64
	LKey   uint32
	RKey   uint32
}

// Bindings maps region names to registered buffers.
type Bindings map[string]Region

var sendFlagNames = map[string]verbs.SendFlag{
	"fence":     verbs.SendFence,
	"signaled":  verbs.SendSignaled,
	"solicited": verbs.SendSolicited,
	"inline":    verbs.SendInline,
	"ip_csum":   verbs.SendIPCsum,
}

var accessNames = map[string]verbs.AccessFlag{
	"local_write":   verbs.AccessLocalWrite,
	"remote_write":  verbs.AccessRemoteWrite,
	"remote_read":   verbs.AccessRemoteRead,
	"remote_atomic": verbs.AccessRemoteAtomic,
}

// Parse decodes a batch description. Unknown keys are rejected.
func Parse(r io.Reader) (*File, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var f File
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("batchfile: empty document")
		}
		return nil, fmt.Errorf("batchfile: %w", err)
	}
	if err := f.validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// ParseBytes is Parse over an in-memory document.
func ParseBytes(data []byte) (*File, error) {
	return Parse(bytes.NewReader(data))
}

// Load parses the file at path.
func Load(path string) (*File, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()
	return Parse(fh)
}

func (f *File) validate() error {
	if len(f.Sends) == 0 && len(f.Recvs) == 0 {
		return errors.New("batchfile: no sends or recvs")
	}
	seen := make(map[string]bool, len(f.Regions))
	for i, r := range f.Regions {
		if r.Name == "" {
			return fmt.Errorf("batchfile: region %d has no name", i)
		}
		if seen[r.Name] {
			return fmt.Errorf("batchfile: duplicate region %q", r.Name)
		}
		seen[r.Name] = true
		if r.Size <= 0 || r.Size > verbs.MaxBlockSize {
			return fmt.Errorf("batchfile: region %q size %d out of range", r.Name, r.Size)
		}
		if _, err := r.AccessFlags(); err != nil {
			return err
		}
	}
	for i, s := range f.Sends {
		if _, ok := verbs.ParseOpcode(s.Opcode); !ok {
			return fmt.Errorf("batchfile: send %d: unknown opcode %q", i, s.Opcode)
		}
		if _, err := parseSendFlags(s.Flags); err != nil {
			return fmt.Errorf("batchfile: send %d: %w", i, err)
		}
	}
	return nil
}

// AccessFlags resolves the region's access names; local_write is the default.
func (r RegionSpec) AccessFlags() (verbs.AccessFlag, error) {
	if len(r.Access) == 0 {
		return verbs.AccessLocalWrite, nil
	}
	var flags verbs.AccessFlag
	for _, name := range r.Access {
		flag, ok := accessNames[strings.ToLower(name)]
		if !ok {
			return 0, fmt.Errorf("batchfile: region %q: unknown access %q", r.Name, name)
		}
		flags |= flag
	}
	return flags, nil
}

func parseSendFlags(names []string) (verbs.SendFlag, error) {
	var flags verbs.SendFlag
	for _, name := range names {
		flag, ok := sendFlagNames[strings.ToLower(name)]
		if !ok {
			return 0, fmt.Errorf("unknown send flag %q", name)
		}
		flags |= flag
	}
	return flags, nil
}

// SendWRs resolves the send work requests against b.
func (f *File) SendWRs(b Bindings) ([]verbs.SendWR, error) {
	out := make([]verbs.SendWR, 0, len(f.Sends))
	for i, s := range f.Sends {
		op, _ := verbs.ParseOpcode(s.Opcode)
		flags, _ := parseSendFlags(s.Flags)
		wr := verbs.SendWR{ID: s.ID, Opcode: op, Flags: flags, ImmData: s.Imm}
		sges, err := resolveSGEs(s.SGEs, b)
		if err != nil {
			return nil, fmt.Errorf("batchfile: send %d: %w", i, err)
		}
		wr.SGList = sges
		if s.RDMA != nil {
			addr, rkey, err := s.RDMA.resolve(b)
			if err != nil {
				return nil, fmt.Errorf("batchfile: send %d rdma: %w", i, err)
			}
			wr.RDMA = verbs.RDMAInfo{RemoteAddr: addr, RKey: rkey}
		}
		if s.Atomic != nil {
			addr, rkey, err := s.Atomic.resolve(b)
			if err != nil {
				return nil, fmt.Errorf("batchfile: send %d atomic: %w", i, err)
			}
			wr.Atomic = verbs.AtomicInfo{RemoteAddr: addr, CompareAdd: s.Atomic.CompareAdd, Swap: s.Atomic.Swap, RKey: rkey}
		}
		if s.UD != nil {
			wr.UD = verbs.UDInfo{AH: s.UD.AH, RemoteQPN: s.UD.RemoteQPN, RemoteQKey: s.UD.RemoteQKey}
		}
		out = append(out, wr)
	}
	return out, nil
}

// RecvWRs resolves the receive work requests against b.
func (f *File) RecvWRs(b Bindings) ([]verbs.RecvWR, error) {
	out := make([]verbs.RecvWR, 0, len(f.Recvs))
	for i, r := range f.Recvs {
		sges, err := resolveSGEs(r.SGEs, b)
		if err != nil {
			return nil, fmt.Errorf("batchfile: recv %d: %w", i, err)
		}
		out = append(out, verbs.RecvWR{ID: r.ID, SGList: sges})
	}
	return out, nil
}

func resolveSGEs(specs []SGESpec, b Bindings) ([]verbs.SGE, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	out := make([]verbs.SGE, len(specs))
	for j, s := range specs {
		if s.Region == "" {
			out[j] = verbs.SGE{Addr: s.Addr, Length: s.Length, LKey: s.LKey}
			continue
		}
		r, err := b.lookup(s.Region, s.Offset, uint64(s.Length))
		if err != nil {
			return nil, fmt.Errorf("sge %d: %w", j, err)
		}
		out[j] = verbs.SGE{Addr: r.Addr + s.Offset, Length: s.Length, LKey: r.LKey}
	}
	return out, nil
}

func (s RemoteSpec) resolve(b Bindings) (uint64, uint32, error) {
	if s.Region == "" {
		return s.Addr, s.RKey, nil
	}
	r, err := b.lookup(s.Region, s.Offset, 0)
	if err != nil {
		return 0, 0, err
	}
	return r.Addr + s.Offset, r.RKey, nil
}

func (b Bindings) lookup(name string, offset, length uint64) (Region, error) {
	r, ok := b[name]
	if !ok {
		return Region{}, fmt.Errorf("unbound region %q", name)
	}
	if offset > r.Length || length > r.Length-offset {
		return Region{}, fmt.Errorf("region %q: [%d, %d) exceeds %d bytes", name, offset, offset+length, r.Length)
	}
	return r, nil
}
