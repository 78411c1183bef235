package resource

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	apperrors "github.com/alexisbeaulieu97/infinibay-installer/pkg/errors"
)

// memResource models a credential that can be created or reset in place.
type memResource struct {
	exists   bool
	password string
	want     string
	creates  int
	updates  int
	probes   int
	brokenUp bool
}

func (m *memResource) Name() string { return "db-role" }

func (m *memResource) Probe(context.Context) (Evaluation, error) {
	m.probes++
	switch {
	case !m.exists:
		return Evaluation{State: Missing, Message: "role absent"}, nil
	case m.password != m.want:
		return Evaluation{State: PresentDivergent, Message: "password differs"}, nil
	default:
		return Evaluation{State: PresentCorrect, Message: "role ok"}, nil
	}
}

func (m *memResource) Create(context.Context) error {
	m.creates++
	m.exists = true
	m.password = m.want
	return nil
}

func (m *memResource) Update(context.Context) error {
	m.updates++
	if !m.brokenUp {
		m.password = m.want
	}
	return nil
}

func (m *memResource) Hints() []string { return []string{"sudo -u postgres psql"} }

type recordingObserver struct {
	outcomes []Outcome
	errs     []error
}

func (r *recordingObserver) ObserveReconcile(o Outcome, err error) {
	r.outcomes = append(r.outcomes, o)
	r.errs = append(r.errs, err)
}

func TestReconcileCreatesMissing(t *testing.T) {
	t.Parallel()

	r := &memResource{want: "pw"}
	obs := &recordingObserver{}
	out, err := Reconcile(context.Background(), r, obs)
	require.NoError(t, err)
	require.Equal(t, ActionCreated, out.Action)
	require.Equal(t, Missing, out.Before)
	require.True(t, out.Mutated())
	require.Equal(t, 1, r.creates)
	require.Equal(t, 2, r.probes, "reconcile must re-probe to verify")

	eval, err := r.Probe(context.Background())
	require.NoError(t, err)
	require.Equal(t, PresentCorrect, eval.State)
	require.Len(t, obs.outcomes, 1)
	require.NoError(t, obs.errs[0])
}

func TestReconcileUpdatesDivergentInPlace(t *testing.T) {
	t.Parallel()

	r := &memResource{exists: true, password: "old", want: "new"}
	out, err := Reconcile(context.Background(), r)
	require.NoError(t, err)
	require.Equal(t, ActionUpdated, out.Action)
	require.Equal(t, 0, r.creates)
	require.Equal(t, 1, r.updates)
	require.True(t, r.exists)
}

func TestReconcileNoopWhenCorrect(t *testing.T) {
	t.Parallel()

	r := &memResource{exists: true, password: "pw", want: "pw"}
	out, err := Reconcile(context.Background(), r)
	require.NoError(t, err)
	require.Equal(t, ActionNone, out.Action)
	require.False(t, out.Mutated())
	require.Equal(t, 1, r.probes)
	require.Zero(t, r.creates+r.updates)
}

func TestReconcileFailsVerification(t *testing.T) {
	t.Parallel()

	r := &memResource{exists: true, password: "old", want: "new", brokenUp: true}
	_, err := Reconcile(context.Background(), r)
	require.Error(t, err)

	var verr *VerifyError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, PresentDivergent, verr.State)
	require.Equal(t, []string{"sudo -u postgres psql"}, verr.Hints)
	require.True(t, apperrors.IsFatal(err))
	require.Equal(t, []string{"sudo -u postgres psql"}, apperrors.Remediation(err))
}

func TestReconcilePropagatesProbeError(t *testing.T) {
	t.Parallel()

	boom := errors.New("psql not reachable")
	r := &Funcs{
		ID: "database",
		ProbeFunc: func(context.Context) (Evaluation, error) {
			return Evaluation{}, apperrors.NewTransientError("probe", boom)
		},
	}
	_, err := Reconcile(context.Background(), r)
	require.ErrorIs(t, err, boom)
	require.True(t, apperrors.IsTransient(err))
}

func TestFuncsWithoutUpdateRefusesDivergent(t *testing.T) {
	t.Parallel()

	r := &Funcs{
		ID: "checkout",
		ProbeFunc: func(context.Context) (Evaluation, error) {
			return Evaluation{State: PresentDivergent, Message: "not a checkout"}, nil
		},
	}
	_, err := Reconcile(context.Background(), r)
	require.Error(t, err)
	require.Contains(t, err.Error(), "no in-place update")
}

func TestDescribeNeverProbes(t *testing.T) {
	t.Parallel()

	r := &memResource{}
	require.Equal(t, "ensure db-role", Describe(r))
	require.Zero(t, r.probes)

	f := &Funcs{ID: "x", Description: "create libvirt network infinibay"}
	require.Equal(t, "create libvirt network infinibay", Describe(f))
}

func TestStateString(t *testing.T) {
	t.Parallel()

	require.Equal(t, "missing", Missing.String())
	require.Equal(t, "present", PresentCorrect.String())
	require.Equal(t, "divergent", PresentDivergent.String())
}
