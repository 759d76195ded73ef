// Package diag turns kernel-internal accounting and symbol data into
// forms a host-side operator can actually use: a pprof profile built
// from per-task tick accounting, and demangled symbol names for the
// trace syscall's call-chain dump. Neither is part of the portable
// kernel's own runtime behavior; both are host-tooling seams kept
// separate from the scheduler and syscall layers they observe.
package diag

import (
	"time"

	"github.com/google/pprof/profile"
	"github.com/ianlancetaylor/demangle"

	"sv39os/internal/accnt"
	"sv39os/pid"
)

// TaskSample is one task's accounting snapshot at the moment a
// profile is requested.
type TaskSample struct {
	Pid    pid.Pid
	Name   string
	Accnt  *accnt.Accnt
}

// BuildProfile converts a set of task accounting snapshots into a
// pprof Profile with two sample types (user-ticks, kernel-ticks), one
// sample per task, so the kernel's own scheduling fairness can be
// inspected with standard pprof tooling (`go tool pprof`) instead of
// an ad hoc dump format.
func BuildProfile(samples []TaskSample, clockHz uint64) *profile.Profile {
	userType := &profile.ValueType{Type: "user", Unit: "ticks"}
	kernelType := &profile.ValueType{Type: "kernel", Unit: "ticks"}

	p := &profile.Profile{
		SampleType: []*profile.ValueType{userType, kernelType},
		PeriodType: &profile.ValueType{Type: "ticks", Unit: "ticks"},
		Period:     int64(clockHz),
		TimeNanos:  0, // caller stamps this post-hoc; Date.now-style clocks are off-limits here
	}

	funcID := uint64(1)
	locID := uint64(1)
	for _, s := range samples {
		fn := &profile.Function{ID: funcID, Name: s.Name}
		loc := &profile.Location{ID: locID, Line: []profile.Line{{Function: fn}}}
		p.Function = append(p.Function, fn)
		p.Location = append(p.Location, loc)

		userTicks, kernelTicks := s.Accnt.Snapshot()
		p.Sample = append(p.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{int64(userTicks), int64(kernelTicks)},
			Label:    map[string][]string{"pid": {pidLabel(s.Pid)}},
		})
		funcID++
		locID++
	}
	return p
}

func pidLabel(p pid.Pid) string {
	return "pid-" + itoa(int(p))
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// DemangleFrame attempts Rust/C++ symbol demangling on one raw symbol
// name pulled from an ELF .symtab entry, for the trace syscall's
// call-chain dump. Symbols that don't demangle (plain C names,
// already-demangled names) are returned unchanged.
func DemangleFrame(raw string) string {
	out, err := demangle.ToString(raw, demangle.NoClones)
	if err != nil {
		return raw
	}
	return out
}

// StampTime fills in a profile's TimeNanos. Kept as an explicit,
// separately-called step so BuildProfile itself stays a pure function
// of its inputs.
func StampTime(p *profile.Profile, at time.Time) {
	p.TimeNanos = at.UnixNano()
}
