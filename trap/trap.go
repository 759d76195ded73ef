// Package trap implements the U<->S trap plumbing: the trap-context
// layout, the trap dispatch decode table, and
// trap_return/app_init_context. The trampoline's actual assembly body
// and CSR access are external collaborators (bootstrap assembly and
// SBI firmware); they are abstracted behind the Mach interface so
// hardware access stays out of the portable trap logic.
package trap

import "sv39os/internal/klog"

// Mach abstracts the hardware/SBI operations the trap layer needs but
// cannot itself implement in portable Go: CSR access and the actual
// jump through the trampoline's assembly body.
type Mach interface {
	// WriteSatp programs the satp CSR, switching the active address
	// space.
	WriteSatp(token uint64)
	// FenceVMA issues an sfence.vma (TLB flush).
	FenceVMA()
	// RestoreAndReturn performs the trampoline's S->U leg: it loads
	// the trap context's saved registers and sret's into user mode.
	// Never returns to its caller on success.
	RestoreAndReturn(trapContextVA uint64, userSatp uint64)
}

// SCause enumerates the trap causes the dispatcher distinguishes. The
// numeric values are an internal enumeration (0..6 in declaration
// order), not RISC-V's scause encoding; translating a hardware scause
// into an SCause happens outside this Go code.
type SCause int

const (
	CauseUserEnvCall SCause = iota
	CauseTimerInterrupt
	CauseStoreFault
	CauseLoadFault
	CauseIllegalInstruction
	CauseTimerFromSMode
	CauseOther
)

// TrapContext is the saved user register frame plus the kernel-side
// fields needed to re-enter the kernel. x0..x31 occupy Regs in
// register-number order; x10 (a0) is also the syscall return slot.
type TrapContext struct {
	Regs [32]uint64

	Sstatus uint64
	Sepc    uint64

	KernelSatp    uint64
	KernelSP      uint64
	TrapHandlerVA uint64
}

// register index aliases for readability at call sites.
const (
	RegSP = 2
	RegA0 = 10
	RegA1 = 11
	RegA2 = 12
	RegA7 = 17
)

// sstatusSPPMask is the SPP bit; clearing it makes sret drop to U-mode.
// sstatusSPIE requests interrupts be re-enabled once back in U-mode.
const (
	sstatusSPPMask = uint64(1) << 8
	sstatusSPIE    = uint64(1) << 5
)

// AppInitContext builds the first trap frame for a brand-new process:
// SPP=User, sepc=entry, sp=userSP.
func AppInitContext(entry, userSP, kernelSatp, kernelSP, trapHandlerVA uint64) *TrapContext {
	tc := &TrapContext{
		Sepc:          entry,
		KernelSatp:    kernelSatp,
		KernelSP:      kernelSP,
		TrapHandlerVA: trapHandlerVA,
	}
	tc.Regs[RegSP] = userSP
	tc.Sstatus = sstatusSPIE &^ sstatusSPPMask // SPP cleared => U-mode on sret
	return tc
}

// Outcome describes what the scheduler should do after a trap has
// been handled.
type Outcome int

const (
	OutcomeReturnToUser Outcome = iota
	OutcomeReschedule
	OutcomeTerminate
)

// DispatchResult is what Dispatch reports back to the caller (the
// assembly-adjacent trap entry stub, modeled here as a plain function
// call).
type DispatchResult struct {
	Outcome  Outcome
	ExitCode int32 // valid only when Outcome == OutcomeTerminate
}

// FaultExitCode is the sentinel exit code used when the kernel
// terminates a process for a user-mode memory/illegal-instruction
// fault.
const FaultExitCode = int32(-2)

// Dispatch implements the trap_handler decode table. syscall performs
// the actual syscall dispatch (injected so this package has no
// dependency on the syscall package, avoiding an import cycle); it
// receives (id, args) and returns the a0 result to write back into the
// trap context.
func Dispatch(cause SCause, tc *TrapContext, syscall func(id uint64, args [3]uint64) uint64) DispatchResult {
	switch cause {
	case CauseUserEnvCall:
		tc.Sepc += 4 // skip over the ecall instruction on return
		ret := syscall(tc.Regs[RegA7], [3]uint64{tc.Regs[RegA0], tc.Regs[RegA1], tc.Regs[RegA2]})
		tc.Regs[RegA0] = ret
		return DispatchResult{Outcome: OutcomeReturnToUser}
	case CauseTimerInterrupt:
		return DispatchResult{Outcome: OutcomeReschedule}
	case CauseStoreFault, CauseLoadFault, CauseIllegalInstruction:
		klog.Warnf("trap: user fault (cause=%v), killing process", cause)
		return DispatchResult{Outcome: OutcomeTerminate, ExitCode: FaultExitCode}
	case CauseTimerFromSMode:
		klog.Fatalf("trap: timer interrupt from S-mode")
	default:
		klog.Fatalf("trap: unhandled scause %v", cause)
	}
	panic("unreachable")
}

// Return switches satp to the current user token, fences the TLB, and
// jumps through the trampoline's restore path. It does not return on
// success.
func Return(mach Mach, trapContextVA, userSatp uint64) {
	mach.WriteSatp(userSatp)
	mach.FenceVMA()
	mach.RestoreAndReturn(trapContextVA, userSatp)
}
