package execution

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewExecutionStartsInStarting(t *testing.T) {
	e := New(ID{SessionID: "s1", RequestID: 1}, "echo hi", "/tmp", nil)
	assert.Equal(t, StatusStarting, e.Status())
}

func TestTransitionIsOneShot(t *testing.T) {
	e := New(ID{SessionID: "s1", RequestID: 1}, "echo hi", "/tmp", nil)
	require.True(t, e.SetRunning(123, 123, time.Now().Add(time.Minute), time.Now().Add(time.Minute)))

	ok := e.Transition(StatusCompleted, 0, ReasonOK)
	assert.True(t, ok)

	// A second, racing transition (e.g. fault controller firing just after
	// the natural exit path) must be rejected.
	ok2 := e.Transition(StatusFailed, -9, ReasonCancelled)
	assert.False(t, ok2)

	snap := e.Snapshot()
	assert.Equal(t, StatusCompleted, snap.Status)
	assert.Equal(t, ReasonOK, snap.Reason)
}

func TestSetRunningNoopAfterTerminal(t *testing.T) {
	e := New(ID{SessionID: "s1", RequestID: 1}, "echo hi", "/tmp", nil)
	e.Transition(StatusFailed, -1, ReasonSpawnError)
	assert.False(t, e.SetRunning(1, 1, time.Now(), time.Now()))
}

func TestAddBytesResetsIdleDeadlineAndIgnoredAfterTerminal(t *testing.T) {
	e := New(ID{SessionID: "s1", RequestID: 1}, "echo hi", "/tmp", nil)
	e.SetRunning(1, 1, time.Now().Add(time.Hour), time.Now())
	before := e.IdleDeadline

	e.AddBytes("stdout", 5, time.Minute)
	assert.True(t, e.IdleDeadline.After(before))
	assert.Equal(t, int64(5), e.Snapshot().StdoutBytes)

	e.Transition(StatusCompleted, 0, ReasonOK)
	e.AddBytes("stdout", 5, time.Minute)
	assert.Equal(t, int64(5), e.Snapshot().StdoutBytes, "byte counters frozen once terminal")
}

func TestStatusIsTerminal(t *testing.T) {
	assert.True(t, StatusCompleted.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
	assert.True(t, StatusTimedOut.IsTerminal())
	assert.False(t, StatusRunning.IsTerminal())
	assert.False(t, StatusPaused.IsTerminal())
	assert.False(t, StatusCancelling.IsTerminal())
	assert.False(t, StatusStarting.IsTerminal())
}

func TestSetCancellingThenTransitionToCancelled(t *testing.T) {
	e := New(ID{SessionID: "s1", RequestID: 1}, "sleep 5", "/tmp", nil)
	e.SetRunning(1, 1, time.Now().Add(time.Minute), time.Now().Add(time.Minute))
	require.True(t, e.SetCancelling())
	assert.Equal(t, StatusCancelling, e.Status())

	require.True(t, e.Transition(StatusFailed, -15, ReasonCancelled))
	snap := e.Snapshot()
	assert.Equal(t, ReasonCancelled, snap.Reason)
	assert.Equal(t, -15, snap.ExitCode)
}

func TestTerminalStatusFor(t *testing.T) {
	assert.Equal(t, StatusCompleted, TerminalStatusFor(ReasonOK))
	assert.Equal(t, StatusTimedOut, TerminalStatusFor(ReasonTimeout))
	assert.Equal(t, StatusTimedOut, TerminalStatusFor(ReasonIdleTimeout))
	assert.Equal(t, StatusFailed, TerminalStatusFor(ReasonCancelled))
	assert.Equal(t, StatusFailed, TerminalStatusFor(ReasonSpawnError))
}

func TestRequestReasonFirstCallWins(t *testing.T) {
	e := New(ID{SessionID: "s1", RequestID: 1}, "sleep 5", "/tmp", nil)
	assert.Equal(t, Reason(""), e.RequestedReason())

	e.RequestReason(ReasonCancelled)
	e.RequestReason(ReasonTimeout)
	assert.Equal(t, ReasonCancelled, e.RequestedReason())
}

func TestAppendStdoutTailKeepsBoundedTrailingWindow(t *testing.T) {
	e := New(ID{SessionID: "s1", RequestID: 1}, "yes", "/tmp", nil)

	e.AppendStdoutTail([]byte(string(make([]byte, stdoutTailMax))))
	e.AppendStdoutTail([]byte("MARKER-DONE"))

	tail := e.StdoutTail()
	assert.LessOrEqual(t, len(tail), stdoutTailMax)
	assert.Contains(t, string(tail), "MARKER-DONE")
}
