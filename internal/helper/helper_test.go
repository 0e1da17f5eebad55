package helper

import (
	"context"
	"errors"
	"testing"

	"github.com/openqube/guid/internal/sanitize"
)

type stubRunner struct {
	out []byte
	err error

	gotName string
	gotArgs []string
}

func (s *stubRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	s.gotName = name
	s.gotArgs = args
	return s.out, s.err
}

func TestDialogExitZeroMeansTerminate(t *testing.T) {
	r := &stubRunner{}
	d := &Dialog{Kind: DialogKdialog, Runner: r}

	decision, err := d.Prompt(context.Background(), "work-vm", errors.New("bad cursor"))
	if err != nil {
		t.Fatalf("Prompt: %v", err)
	}
	if decision != sanitize.DecisionTerminate {
		t.Fatalf("decision = %v, want Terminate", decision)
	}
	if r.gotName != "kdialog" {
		t.Fatalf("invoked %q, want kdialog", r.gotName)
	}
}

func TestDialogRunnerErrorMeansIgnoreNotSuccess(t *testing.T) {
	r := &stubRunner{err: errors.New("exit status 1")}
	d := &Dialog{Kind: DialogZenity, Runner: r}

	decision, err := d.Prompt(context.Background(), "work-vm", errors.New("bad cursor"))
	if err != nil {
		t.Fatalf("Prompt: %v", err)
	}
	if decision != sanitize.DecisionIgnore {
		t.Fatalf("decision = %v, want Ignore on runner failure", decision)
	}
}

func TestPolicyOracleParsesAllowLine(t *testing.T) {
	r := &stubRunner{out: []byte("result=allow\n")}
	o := &PolicyOracle{Runner: r}

	allow, err := o.Check(context.Background(), "src-vm", "dst-vm")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !allow {
		t.Fatal("expected allow=true")
	}
}

func TestPolicyOracleDefaultsToDenyOnHelperFailure(t *testing.T) {
	r := &stubRunner{err: errors.New("no such helper")}
	o := &PolicyOracle{Runner: r}

	allow, err := o.Check(context.Background(), "src-vm", "dst-vm")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if allow {
		t.Fatal("a failed policy helper must never resolve to allow")
	}
}

func TestPolicyOracleDeniesUnrecognizedOutput(t *testing.T) {
	r := &stubRunner{out: []byte("garbage\n")}
	o := &PolicyOracle{Runner: r}

	allow, err := o.Check(context.Background(), "src-vm", "dst-vm")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if allow {
		t.Fatal("unrecognized helper output must not be treated as allow")
	}
}
