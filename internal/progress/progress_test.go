package progress

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDescribeSortsScoresByName(t *testing.T) {
	t.Parallel()

	got := Describe("val_", map[string]float64{"wer": 0.25, "loss": 1.5})
	require.Equal(t, "val_loss=1.5 val_wer=0.25", got)
	require.Empty(t, Describe("x", nil))
}

func TestReporterDisabledIsNoop(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	r := New(3, 20, Options{Enabled: false, Writer: &out})
	r.Update(1, "", map[string]float64{"step": 1})
	r.Finish()

	require.Equal(t, "step=1", r.Description())
	require.Zero(t, out.Len())
}

func TestReporterEnabledRenders(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	r := New(2, 20, Options{Enabled: true, Writer: &out})
	r.Update(1, "", map[string]float64{"line": 1})
	r.Update(5, "", map[string]float64{"line": 2})
	r.Finish()

	require.Equal(t, "line=2", r.Description())
	require.NotZero(t, out.Len())
}

func TestStartSpinnerEnabled(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	stop := startSpinner(true, "testing", &out)
	require.NotNil(t, stop)
	stop()
	stop()
}

func TestStartSpinnerDisabled(t *testing.T) {
	t.Parallel()

	stop := StartSpinner(false, "testing")
	require.NotNil(t, stop)
	stop()
}
