package debug

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/cloudius-systems/osv-sub002/utils"
)

func capture(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := utils.SetOutput(&buf)
	t.Cleanup(func() { utils.SetOutput(prev) })
	return &buf
}

func TestDropMessageFormat(t *testing.T) {
	buf := capture(t)
	DropMessage("IRQ", "unhandled interrupt 42")
	if buf.String() != "IRQ: unhandled interrupt 42\n" {
		t.Fatalf("got %q", buf.String())
	}
}

func TestDropErrorNil(t *testing.T) {
	buf := capture(t)
	DropError("BOOT", nil)
	DropError("BOOT", errors.New("no gic"))
	if buf.String() != "BOOT\nBOOT: no gic\n" {
		t.Fatalf("got %q", buf.String())
	}
}

func TestFatalPanicsWithAbort(t *testing.T) {
	buf := capture(t)
	before := Aborts()
	defer func() {
		a, ok := IsAbort(recover())
		if !ok {
			t.Fatal("expected *Abort panic")
		}
		if a.Where != "sched" || a.Message != "stack too large" {
			t.Fatalf("abort = %+v", a)
		}
		if Aborts() != before+1 {
			t.Fatal("abort counter not bumped")
		}
		if !strings.Contains(buf.String(), "ABORT sched: stack too large [") {
			t.Fatalf("diagnostic missing: %q", buf.String())
		}
		if !strings.Contains(buf.String(), "debug_test.go") {
			t.Fatalf("source location missing: %q", buf.String())
		}
	}()
	Fatal("sched", "stack too large")
}

func TestFatalDumpAppendsRegisters(t *testing.T) {
	buf := capture(t)
	defer func() {
		recover()
		if !strings.HasSuffix(buf.String(), "x0 0x0\n") {
			t.Fatalf("dump missing: %q", buf.String())
		}
	}()
	FatalDump("trap", "nesting", "x0 0x0\n")
}

func TestAssertTrueIsSilent(t *testing.T) {
	buf := capture(t)
	Assert(true, "x", "never")
	if buf.Len() != 0 {
		t.Fatalf("unexpected output %q", buf.String())
	}
}
