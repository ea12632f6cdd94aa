package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"daqcore/internal/halerr"
)

// Plan is a lazy, single-pass sequence of Messages (spec §3, §9 "Plan as a
// lazy message sequence"). Next returns (message, true, nil) while more
// messages remain, (zero, false, nil) once exhausted, or an error if the
// underlying generator itself fails (as opposed to a dispatched message
// failing, which the Run Engine handles separately).
type Plan interface {
	Next(ctx context.Context) (Message, bool, error)
	// Hash is a stable hash of the serialized message sequence, ignoring
	// timestamps and non-comparable fields (funcs), used for the Start
	// document's provenance (spec §4.3) and the Plan-determinism round-trip
	// law (spec §8).
	Hash() string
}

// sequencePlan is the concrete Plan every orchestration façade constructor
// (count, scan_1d, grid_scan, time_series) returns: a precomputed, fully
// deterministic message slice. It satisfies "single-pass iteration with
// optional checkpointing" (spec §9) via the cursor below; Checkpoint simply
// reports the cursor so a Plan author inspecting it later knows the
// restart point, since daemon-restart resumption is out of scope (spec §9
// Open Questions).
type sequencePlan struct {
	messages []Message
	cursor   int
	hash     string
}

// NewSequencePlan builds a Plan from a precomputed Message slice.
func NewSequencePlan(messages []Message) Plan {
	return &sequencePlan{messages: messages, hash: hashMessages(messages)}
}

func (p *sequencePlan) Next(ctx context.Context) (Message, bool, error) {
	select {
	case <-ctx.Done():
		return Message{}, false, halerr.Wrap(halerr.Cancelled, "plan", ctx.Err())
	default:
	}
	if p.cursor >= len(p.messages) {
		return Message{}, false, nil
	}
	m := p.messages[p.cursor]
	p.cursor++
	return m, true, nil
}

func (p *sequencePlan) Hash() string { return p.hash }

// Checkpoint returns the plan's current cursor, for callers that want to
// record a restart position explicitly. The engine does not call it: on a
// Checkpoint message it only increments RunEngine.lastCheckpoint, a count
// of Checkpoint messages seen, and stores neither this cursor nor a
// snapshot of device parameters.
func (p *sequencePlan) Checkpoint() int { return p.cursor }

// hashMessages renders the parts of each Message that are meaningful to
// plan identity (excluding funcs, which aren't comparable or stable across
// processes) and sha256s the result.
func hashMessages(msgs []Message) string {
	h := sha256.New()
	for _, m := range msgs {
		fmt.Fprintf(h, "%s|%s|%s|%s|%v|%v|%v|%d|%v|%v|", m.Kind, m.StreamName, m.Device, m.Parameter,
			m.Value, m.Stream, m.Duration, m.RetryN, m.RetryBackoff, m.PollInterval)
	}
	return hex.EncodeToString(h.Sum(nil))
}
