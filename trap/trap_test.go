package trap

import "testing"

func TestAppInitContextClearsSPP(t *testing.T) {
	tc := AppInitContext(0x1000, 0x2000, 0x8000000000000001, 0x3000, 0xfffffffffffff000)
	if tc.Sstatus&sstatusSPPMask != 0 {
		t.Fatalf("expected SPP cleared so sret drops to U-mode")
	}
	if tc.Sstatus&sstatusSPIE == 0 {
		t.Fatalf("expected SPIE set")
	}
	if tc.Regs[RegSP] != 0x2000 {
		t.Fatalf("expected sp register preloaded with the user stack pointer")
	}
	if tc.Sepc != 0x1000 {
		t.Fatalf("expected sepc preloaded with the entry point")
	}
}

func TestDispatchEcallAdvancesSepcAndSetsA0(t *testing.T) {
	tc := &TrapContext{Sepc: 0x4000}
	tc.Regs[RegA7] = 93
	tc.Regs[RegA0] = 7

	result := Dispatch(CauseUserEnvCall, tc, func(id uint64, args [3]uint64) uint64 {
		if id != 93 || args[0] != 7 {
			t.Fatalf("unexpected syscall id/args: %d %v", id, args)
		}
		return 42
	})

	if result.Outcome != OutcomeReturnToUser {
		t.Fatalf("expected OutcomeReturnToUser, got %v", result.Outcome)
	}
	if tc.Sepc != 0x4004 {
		t.Fatalf("expected sepc advanced by 4, got %#x", tc.Sepc)
	}
	if tc.Regs[RegA0] != 42 {
		t.Fatalf("expected a0 overwritten with syscall result, got %d", tc.Regs[RegA0])
	}
}

func TestDispatchTimerReschedules(t *testing.T) {
	result := Dispatch(CauseTimerInterrupt, &TrapContext{}, nil)
	if result.Outcome != OutcomeReschedule {
		t.Fatalf("expected OutcomeReschedule, got %v", result.Outcome)
	}
}

func TestDispatchFaultTerminates(t *testing.T) {
	result := Dispatch(CauseStoreFault, &TrapContext{}, nil)
	if result.Outcome != OutcomeTerminate || result.ExitCode != FaultExitCode {
		t.Fatalf("expected terminate with code %d, got %v/%d", FaultExitCode, result.Outcome, result.ExitCode)
	}
}

func TestDispatchTimerFromSModePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on timer interrupt from S-mode")
		}
	}()
	Dispatch(CauseTimerFromSMode, &TrapContext{}, nil)
}
