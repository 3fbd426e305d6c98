package hooks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type vetoHook struct{ err error }

func (h *vetoHook) Name() string { return "veto" }
func (h *vetoHook) Pre(_ context.Context, _ *Context) error { return h.err }

type slowHook struct{ sleep time.Duration }

func (h *slowHook) Name() string { return "slow" }
func (h *slowHook) Pre(_ context.Context, _ *Context) error {
	time.Sleep(h.sleep)
	return nil
}

func TestRunPreInjectsMarkerTokenIntoEnv(t *testing.T) {
	p := NewPipeline(nil, nil, 0, nil)
	hctx, err := p.RunPre(context.Background(), "echo hi", "/tmp", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, hctx.MarkerToken)
	assert.Equal(t, hctx.MarkerToken, hctx.Env[MarkerEnvVar])
}

func TestRunPreVetoStopsChain(t *testing.T) {
	called := false
	p := NewPipeline([]PreHook{
		&vetoHook{err: errors.New("nope")},
		&recordingHook{onCall: func() { called = true }},
	}, nil, 0, nil)

	_, err := p.RunPre(context.Background(), "cmd", "", nil)
	require.Error(t, err)
	var vetoErr *ErrVetoed
	assert.ErrorAs(t, err, &vetoErr)
	assert.Equal(t, "veto", vetoErr.HookName)
	assert.False(t, called, "hooks after a veto must not run")
}

type recordingHook struct{ onCall func() }

func (h *recordingHook) Name() string { return "recording" }
func (h *recordingHook) Pre(_ context.Context, _ *Context) error {
	h.onCall()
	return nil
}

func TestRunPreBudgetExceeded(t *testing.T) {
	p := NewPipeline([]PreHook{&slowHook{sleep: 20 * time.Millisecond}}, nil, 5*time.Millisecond, nil)
	_, err := p.RunPre(context.Background(), "cmd", "", nil)
	require.Error(t, err)
	var budgetErr *ErrBudgetExceeded
	assert.ErrorAs(t, err, &budgetErr)
}

func TestVirtualenvActivateWrapsCommand(t *testing.T) {
	p := NewPipeline([]PreHook{&VirtualenvActivateHook{VenvDir: "/opt/venv"}}, nil, 0, nil)
	hctx, err := p.RunPre(context.Background(), "pytest", "", nil)
	require.NoError(t, err)
	assert.Equal(t, ". /opt/venv/bin/activate && pytest", hctx.WrappedCommand)
}

func TestDenylistVetoHookRejectsMatchingCommand(t *testing.T) {
	p := NewPipeline([]PreHook{&DenylistVetoHook{Denylist: []string{"rm -rf /"}}}, nil, 0, nil)
	_, err := p.RunPre(context.Background(), "rm -rf / --no-preserve-root", "", nil)
	require.Error(t, err)
}

func TestRunPostSwallowsErrors(t *testing.T) {
	p := NewPipeline(nil, []PostHook{&failingPostHook{}}, 0, nil)
	assert.NotPanics(t, func() {
		p.RunPost(context.Background(), &Context{}, Outcome{Reason: "ok"})
	})
}

type failingPostHook struct{}

func (h *failingPostHook) Name() string { return "failing" }
func (h *failingPostHook) Post(_ context.Context, _ *Context, _ Outcome) error {
	return errors.New("boom")
}

func TestMarkerEchoedDetectsToken(t *testing.T) {
	hctx := &Context{MarkerToken: "abc-123"}
	outcome := Outcome{StdoutTail: []byte("...output... abc-123 ...done")}
	assert.True(t, MarkerEchoed(hctx, outcome))

	outcome2 := Outcome{StdoutTail: []byte("no token here")}
	assert.False(t, MarkerEchoed(hctx, outcome2))
}
