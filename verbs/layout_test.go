package verbs

import (
	"errors"
	"strings"
	"testing"
)

func lp64Report() LayoutReport {
	return LayoutReport{
		SendWRSize: 128, RecvWRSize: 32, SGESize: 16,
		SendNext: 8, SendSGList: 16, SendNumSGE: 24,
		SendOpcode: 28, SendFlags: 32, SendImmData: 36,
		SendRemoteAddr: 40, SendRKey: 48,
		SendCompareAdd: 48, SendSwap: 56, SendAtomicRKey: 64,
		SendUDAH: 40, SendUDRemoteQPN: 48, SendUDRemoteQKey: 52,
		RecvNext: 8, RecvSGList: 16, RecvNumSGE: 24, SGELength: 8, SGELKey: 12,
	}
}

func TestCheckLayout(t *testing.T) {
	if err := CheckLayout(lp64Report()); err != nil {
		t.Fatalf("CheckLayout: %v", err)
	}
	bad := lp64Report()
	bad.SendImmData = 40
	err := CheckLayout(bad)
	if !errors.Is(err, ErrLayoutMismatch) || !strings.Contains(err.Error(), "imm_data") {
		t.Fatalf("expected imm_data mismatch, got %v", err)
	}
}

func TestFieldTablesFitRecords(t *testing.T) {
	tables := []struct {
		fields []Field
		size   int
	}{
		{SGEFields, SGESize},
		{RecvWRFields, RecvWRSize},
		{SendWRFields, SendWRSize},
	}
	for _, tbl := range tables {
		for _, f := range tbl.fields {
			if f.Offset+f.Width > tbl.size {
				t.Fatalf("field %s overflows %d byte record", f.Name, tbl.size)
			}
		}
	}
}
