package vm

import (
	"strings"
	"time"

	"github.com/matrix-construct/construct-sub013/dbs"
	"github.com/matrix-construct/construct-sub013/event"
)

// Phase is one stage of an evaluation.
type Phase uint32

const (
	PhaseFetch Phase = 1 << iota
	PhaseConform
	PhaseAuth
	PhaseIndex
	PhaseWrite
	PhaseNotify
	PhaseEffect
	phaseEnd

	PhaseAll = phaseEnd - 1
)

var phaseNames = []string{"FETCH", "CONFORM", "AUTH", "INDEX", "WRITE", "NOTIFY", "EFFECT"}

func (p Phase) Has(q Phase) bool {
	return p&q == q
}

func (p Phase) String() string {
	var names []string
	for i, name := range phaseNames {
		if p&(1<<i) != 0 {
			names = append(names, name)
		}
	}
	return strings.Join(names, "|")
}

// Opts tune one evaluation. The zero value runs every phase.
type Opts struct {
	// zero means PhaseAll
	Phases Phase
	// conformity violations tolerated by the CONFORM phase
	NonConform event.Conformity
	// appendices handed to the index writer; zero writes all of them
	Appendix dbs.Appendix
	// room version used to derive a missing event_id; when empty the
	// room's create event decides
	RoomVersion string

	// FETCH phase policy
	FetchAuth      bool
	FetchPrev      bool
	RequireAnyPrev bool
	RequireAllPrev bool
	FetchRetries   int
	FetchTimeout   time.Duration
	// remote server hint passed to the fetcher
	Origin string

	// re-run the index writer for an event that was already admitted,
	// under its existing idx, instead of failing with FaultExists
	Replays bool
	// faults returned as nil instead of an error
	NoThrow Fault
	// log accepted events at info instead of debug
	InfoLog bool
}

func (o *Opts) phases() Phase {
	if o.Phases == 0 {
		return PhaseAll
	}
	return o.Phases
}

func (o *Opts) appendix() dbs.Appendix {
	if o.Appendix == 0 {
		return dbs.AppendixAll
	}
	return o.Appendix
}

func (o *Opts) fetchRetries() int {
	if o.FetchRetries <= 0 {
		return 1
	}
	return o.FetchRetries
}

// Default is what federation and local clients use.
var Default = Opts{
	FetchAuth:    true,
	FetchPrev:    true,
	FetchRetries: 2,
	FetchTimeout: 30 * time.Second,
}

// Bootstrap skips the network and the auth predicate and tolerates the
// usual defects of archived events; duplicates are silently skipped.
var Bootstrap = Opts{
	Phases:     PhaseAll &^ (PhaseFetch | PhaseAuth | PhaseNotify | PhaseEffect),
	NonConform: event.MissingSignatures | event.MissingOriginSignature | event.MismatchOriginSender,
	NoThrow:    FaultExists,
}
