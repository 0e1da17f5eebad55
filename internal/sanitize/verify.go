package sanitize

import (
	"context"
	"fmt"
)

// Decision is the operator's answer to a VERIFY-class violation dialog.
type Decision int

const (
	DecisionIgnore Decision = iota
	DecisionTerminate
)

// Prompter shows the Terminate/Ignore choice for a VERIFY violation and
// returns the operator's decision. The real implementation shells out to
// kdialog/zenity (internal/helper); tests substitute a stub.
type Prompter interface {
	Prompt(ctx context.Context, vmName string, violation error) (Decision, error)
}

// Violation bundles the window a VERIFY rule fired on with the offending
// error, for logging and for the prompt text.
type Violation struct {
	Window uint32
	Err    error
}

func (v *Violation) Error() string {
	return fmt.Sprintf("window %d: %v", v.Window, v.Err)
}

// Mutation is a proposed change to apply to a window record. Every
// sanitize rule that would otherwise mutate state directly returns a
// Mutation instead; the caller applies it only once the VERIFY decision
// (if any) comes back Ignore. This is the fix for the mutate-before-
// dialog ordering bug: nothing is written until sanitization as a whole
// succeeds, so an operator's "Terminate" never leaves a half-applied
// record behind.
type Mutation func()

// Apply invokes the mutation. A nil Mutation is a no-op, so callers can
// build one unconditionally and apply it without a nil check.
func (m Mutation) Apply() {
	if m != nil {
		m()
	}
}

// Escalator counts VERIFY violations per window for the session. RunVerify
// records every violation here before prompting; the count is returned
// by Record but is not added to the prompt text and does not affect the
// decision, which always comes from the per-violation Prompter call.
type Escalator struct {
	counts map[uint32]int
}

// NewEscalator returns an Escalator with an empty per-window history.
func NewEscalator() *Escalator {
	return &Escalator{counts: make(map[uint32]int)}
}

// Record notes one more VERIFY violation for window and returns the
// updated count for that window this session.
func (e *Escalator) Record(window uint32) int {
	e.counts[window]++
	return e.counts[window]
}

// Reset clears a window's violation history, called when its WindowRecord
// is destroyed so a reused remote id starts clean.
func (e *Escalator) Reset(window uint32) {
	delete(e.counts, window)
}

// RunVerify is the shared path every VERIFY-class check in this package
// funnels through: record the violation, prompt the operator, and report
// whether the caller should proceed (Ignore) or the session should be
// torn down (Terminate). pending is applied only on Ignore.
func RunVerify(ctx context.Context, p Prompter, esc *Escalator, vmName string, window uint32, violation error, pending Mutation) (Decision, error) {
	esc.Record(window)
	v := &Violation{Window: window, Err: violation}
	decision, err := p.Prompt(ctx, vmName, v)
	if err != nil {
		return DecisionTerminate, err
	}
	if decision == DecisionIgnore {
		pending.Apply()
	}
	return decision, nil
}
