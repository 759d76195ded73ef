package timer

import (
	"testing"

	"sv39os/internal/kconfig"
)

type fakeSBI struct {
	now      uint64
	deadline uint64
}

func (f *fakeSBI) SetTimer(deadline uint64) { f.deadline = deadline }
func (f *fakeSBI) ReadTime() uint64         { return f.now }

func TestGetTimeMs(t *testing.T) {
	sbi := &fakeSBI{now: kconfig.ClockFreq} // exactly one second of ticks
	if ms := GetTimeMs(sbi); ms != 1000 {
		t.Fatalf("got %d ms, want 1000", ms)
	}
}

func TestSetNextTriggerProgramsOneQuantum(t *testing.T) {
	sbi := &fakeSBI{now: 12345}
	SetNextTrigger(sbi)
	want := uint64(12345) + kconfig.ClockFreq/kconfig.TicksPerSec
	if sbi.deadline != want {
		t.Fatalf("got deadline %d, want %d", sbi.deadline, want)
	}
}
