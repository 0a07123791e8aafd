package bugcheck

import (
	"bytes"
	"strings"
	"testing"

	"github.com/tinyrange/kintr/internal/debug"
)

func TestCatch(t *testing.T) {
	bc := Catch(func() {
		Raise(MismatchedHal, 0, 7, 0x31)
	})
	if bc == nil {
		t.Fatalf("Catch returned nil")
	}
	if bc.Code != MismatchedHal || bc.Params != [4]uint64{0, 7, 0x31, 0} {
		t.Fatalf("bugcheck = %v", bc)
	}
	if !strings.Contains(bc.Error(), "MISMATCHED_HAL") {
		t.Fatalf("Error() = %q", bc.Error())
	}

	if bc := Catch(func() {}); bc != nil {
		t.Fatalf("Catch = %v for a normal return", bc)
	}
}

func TestCatchPropagatesOtherPanics(t *testing.T) {
	defer func() {
		if r := recover(); r != "boom" {
			t.Fatalf("recovered %v, want boom", r)
		}
	}()
	Catch(func() { panic("boom") })
	t.Fatalf("panic swallowed")
}

func TestCodeString(t *testing.T) {
	if got := IrqlNotLessOrEqual.String(); got != "IRQL_NOT_LESS_OR_EQUAL" {
		t.Fatalf("String() = %q", got)
	}
	if got := Code(0x1234).String(); got != "BUGCHECK_0x1234" {
		t.Fatalf("String() = %q", got)
	}
}

func TestRaiseWritesDebugLog(t *testing.T) {
	mem := &debug.Memory{}
	debug.Open(mem)
	Catch(func() { Raise(SpinLockNotOwned, 0xdead) })
	debug.Close()

	var entries []debug.Entry
	if err := debug.Each(bytes.NewReader(mem.Bytes()), func(e debug.Entry) error {
		entries = append(entries, e)
		return nil
	}); err != nil {
		t.Fatalf("Each: %v", err)
	}
	if len(entries) != 1 || entries[0].Kind != debug.KindBugCheck {
		t.Fatalf("entries = %+v", entries)
	}
	if !strings.Contains(entries[0].Message, "SPIN_LOCK_NOT_OWNED") {
		t.Fatalf("message = %q", entries[0].Message)
	}
}
