package diag

import (
	"testing"
	"time"

	"sv39os/internal/accnt"
)

func TestBuildProfileOneSamplePerTask(t *testing.T) {
	a1 := &accnt.Accnt{}
	a1.EnterKernel(0)
	a1.LeaveKernel(3)
	a2 := &accnt.Accnt{}
	a2.EnterKernel(0)
	a2.LeaveKernel(9)

	p := BuildProfile([]TaskSample{
		{Pid: 1, Name: "init", Accnt: a1},
		{Pid: 2, Name: "shell", Accnt: a2},
	}, 1000)

	if len(p.Sample) != 2 {
		t.Fatalf("got %d samples, want 2", len(p.Sample))
	}
	if got := p.Sample[0].Value[1]; got != 3 {
		t.Fatalf("got kernel ticks %d for init, want 3", got)
	}
	if got := p.Sample[1].Value[1]; got != 9 {
		t.Fatalf("got kernel ticks %d for shell, want 9", got)
	}
	if err := p.CheckValid(); err != nil {
		t.Fatalf("built profile does not validate: %v", err)
	}
}

func TestStampTime(t *testing.T) {
	p := BuildProfile(nil, 1000)
	if p.TimeNanos != 0 {
		t.Fatalf("expected an unstamped profile to carry TimeNanos=0")
	}
	at := time.Unix(1700000000, 0)
	StampTime(p, at)
	if p.TimeNanos != at.UnixNano() {
		t.Fatalf("got TimeNanos %d, want %d", p.TimeNanos, at.UnixNano())
	}
}

func TestDemangleFrame(t *testing.T) {
	if got := DemangleFrame("_ZN3foo3barEv"); got == "_ZN3foo3barEv" {
		t.Fatalf("expected a mangled C++ name to demangle, got %q", got)
	}
	if got := DemangleFrame("plain_c_symbol"); got != "plain_c_symbol" {
		t.Fatalf("expected a plain name to pass through, got %q", got)
	}
}
