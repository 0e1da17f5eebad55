// Package helper wraps the fixed-argv admin subprocesses the daemon
// shells out to: the VERIFY-violation dialog (kdialog/zenity), qvm-kill,
// desktop notifications, the clipboard policy oracle and the out-of-band
// clipboard RPC. None of these ever interpolate an untrusted string into
// a shell — every argv is built from typed fields, and the sole
// recognized outcome of each is its exit code.
package helper

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"

	"github.com/openqube/guid/internal/sanitize"
)

// Runner abstracts process execution so tests never fork a real dialog
// binary.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (stdout []byte, err error)
}

// ExecRunner is the production Runner, backed by os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return out.Bytes(), err
	}
	return out.Bytes(), nil
}

// DialogKind selects which operator-facing binary backs the VERIFY
// Terminate/Ignore prompt.
type DialogKind int

const (
	DialogKdialog DialogKind = iota
	DialogZenity
)

// Dialog implements sanitize.Prompter by shelling out to kdialog or
// zenity with a fixed argv; the guest-controlled violation text is passed
// as a single argument, never concatenated into a shell string.
type Dialog struct {
	Kind   DialogKind
	Runner Runner
}

// NewDialog returns a Dialog for the given backend using the production
// ExecRunner.
func NewDialog(kind DialogKind) *Dialog {
	return &Dialog{Kind: kind, Runner: ExecRunner{}}
}

// Prompt shows a Terminate/Ignore choice. Both backends are invoked as a
// yes/no question; exit code 0 means the affirmative ("Terminate") button,
// any other exit code (including the helper binary missing) is treated
// as Ignore — a helper failure must be recognized, never silently
// treated as success, so a Runner error here always yields Ignore rather
// than Terminate.
func (d *Dialog) Prompt(ctx context.Context, vmName string, violation error) (sanitize.Decision, error) {
	text := fmt.Sprintf("qube %s sent an invalid GUI message:\n%v\n\nTerminate the VM?", vmName, violation)

	var args []string
	switch d.Kind {
	case DialogKdialog:
		args = []string{"--title", "GUI protection", "--warningyesno", text}
	case DialogZenity:
		args = []string{"--question", "--title=GUI protection", "--text=" + text}
	default:
		return sanitize.DecisionIgnore, fmt.Errorf("helper: unknown dialog kind %d", d.Kind)
	}

	binary := "kdialog"
	if d.Kind == DialogZenity {
		binary = "zenity"
	}

	_, err := d.Runner.Run(ctx, binary, args...)
	if err != nil {
		return sanitize.DecisionIgnore, nil
	}
	return sanitize.DecisionTerminate, nil
}

// Notifier shows a one-shot desktop notification via notify-send. A
// failure to show a notification is never grounds to abort whatever
// triggered it, so Notify discards the Runner error and reports nothing
// to its caller.
type Notifier struct {
	Runner Runner
}

func (n *Notifier) Notify(msg string) {
	n.Runner.Run(context.Background(), "notify-send", "--", msg)
}

// KillVM invokes qvm-kill with a fixed argv ([]string{vmName}). The exit
// code is the sole recognized outcome.
func KillVM(ctx context.Context, r Runner, vmName string) error {
	if _, err := r.Run(ctx, "qvm-kill", vmName); err != nil {
		return fmt.Errorf("helper: qvm-kill %s: %w", vmName, err)
	}
	return nil
}

// PolicyOracle implements clipboard.PolicyOracle by invoking the dom0
// qrexec policy-evaluation helper. The helper's stdout is
// parsed for a single "result=allow"/"result=deny" line; anything else,
// including a non-zero exit, is treated as deny.
type PolicyOracle struct {
	Runner Runner
}

func (o *PolicyOracle) Check(ctx context.Context, sourceVM, destVM string) (bool, error) {
	out, err := o.Runner.Run(ctx, "qrexec-client-vm", destVM, "policy.ClipboardAllow", sourceVM)
	if err != nil {
		return false, nil
	}
	return bytes.Contains(out, []byte("result=allow\n")) || bytes.Equal(bytes.TrimSpace(out), []byte("result=allow")), nil
}

// OutOfBandClipboard implements the helper-process clipboard path: a
// copy/paste RPC helper whose stdio is wired to a file,
// and whose bytes the daemon itself never sees.
type OutOfBandClipboard struct {
	Runner Runner
}

// Copy asks the helper to move the current guest selection into destFile.
func (o *OutOfBandClipboard) Copy(ctx context.Context, vmName, destFile string) error {
	if _, err := o.Runner.Run(ctx, "qvm-copy-to-vm", vmName, destFile); err != nil {
		return fmt.Errorf("helper: out-of-band copy: %w", err)
	}
	return nil
}

// Paste asks the helper to deliver srcFile's contents to the guest.
func (o *OutOfBandClipboard) Paste(ctx context.Context, vmName, srcFile string) error {
	if _, err := o.Runner.Run(ctx, "qvm-paste-to-vm", vmName, srcFile); err != nil {
		return fmt.Errorf("helper: out-of-band paste: %w", err)
	}
	return nil
}
