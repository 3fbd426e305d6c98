package session

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/execd/internal/execution"
)

func timeNowPlusHour() time.Time { return time.Now().Add(time.Hour) }

type fakeNotifier struct {
	mu     sync.Mutex
	sent   []any
	closed bool
}

func (n *fakeNotifier) Send(notification any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, notification)
	return nil
}

func (n *fakeNotifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed = true
	return nil
}

func TestAcceptRejectsOverCapacity(t *testing.T) {
	m := NewManager(2, nil)
	_, err := m.Accept(&fakeNotifier{})
	require.NoError(t, err)
	_, err = m.Accept(&fakeNotifier{})
	require.NoError(t, err)

	_, err = m.Accept(&fakeNotifier{})
	assert.ErrorIs(t, err, ErrOverCapacity)
}

func TestAcceptIsConcurrencySafeUnderCap(t *testing.T) {
	m := NewManager(50, nil)
	var wg sync.WaitGroup
	accepted := make(chan struct{}, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Accept(&fakeNotifier{}); err == nil {
				accepted <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(accepted)

	n := 0
	for range accepted {
		n++
	}
	assert.Equal(t, 50, n)
	assert.Equal(t, int64(50), m.Count())
}

func TestBeginExecutionRejectsSecondWhileRunning(t *testing.T) {
	m := NewManager(10, nil)
	sess, err := m.Accept(&fakeNotifier{})
	require.NoError(t, err)

	e1 := execution.New(execution.ID{SessionID: sess.ID, RequestID: 1}, "sleep 1", "/tmp", nil)
	require.NoError(t, sess.BeginExecution(e1))

	e2 := execution.New(execution.ID{SessionID: sess.ID, RequestID: 2}, "sleep 1", "/tmp", nil)
	err = sess.BeginExecution(e2)
	assert.ErrorIs(t, err, ErrBusy)
}

func TestBeginExecutionAllowedAfterPriorTerminal(t *testing.T) {
	m := NewManager(10, nil)
	sess, err := m.Accept(&fakeNotifier{})
	require.NoError(t, err)

	e1 := execution.New(execution.ID{SessionID: sess.ID, RequestID: 1}, "echo hi", "/tmp", nil)
	require.NoError(t, sess.BeginExecution(e1))
	e1.Transition(execution.StatusCompleted, 0, execution.ReasonOK)

	e2 := execution.New(execution.ID{SessionID: sess.ID, RequestID: 2}, "echo bye", "/tmp", nil)
	assert.NoError(t, sess.BeginExecution(e2))
}

func TestDisconnectReleasesSlotAndClosesNotifier(t *testing.T) {
	m := NewManager(1, nil)
	notifier := &fakeNotifier{}
	sess, err := m.Accept(notifier)
	require.NoError(t, err)

	m.Disconnect(sess.ID, nil)
	assert.True(t, notifier.closed)
	assert.Equal(t, int64(0), m.Count())

	_, err = m.Get(sess.ID)
	assert.ErrorIs(t, err, ErrUnknownSession)
}

func TestDisconnectDrainsNonTerminalExecution(t *testing.T) {
	m := NewManager(1, nil)
	sess, err := m.Accept(&fakeNotifier{})
	require.NoError(t, err)

	e := execution.New(execution.ID{SessionID: sess.ID, RequestID: 1}, "sleep 5", "/tmp", nil)
	e.SetRunning(1, 1, timeNowPlusHour(), timeNowPlusHour())
	require.NoError(t, sess.BeginExecution(e))

	drained := false
	m.Disconnect(sess.ID, func(_ *execution.Execution) { drained = true })
	assert.True(t, drained)
}

func TestRunningCountReflectsOnlyRunningExecutions(t *testing.T) {
	m := NewManager(5, nil)
	sess1, _ := m.Accept(&fakeNotifier{})
	sess2, _ := m.Accept(&fakeNotifier{})

	e1 := execution.New(execution.ID{SessionID: sess1.ID, RequestID: 1}, "sleep 5", "/tmp", nil)
	e1.SetRunning(1, 1, timeNowPlusHour(), timeNowPlusHour())
	require.NoError(t, sess1.BeginExecution(e1))

	e2 := execution.New(execution.ID{SessionID: sess2.ID, RequestID: 1}, "echo hi", "/tmp", nil)
	require.NoError(t, sess2.BeginExecution(e2))
	e2.Transition(execution.StatusCompleted, 0, execution.ReasonOK)

	assert.Equal(t, 1, m.RunningCount())
}
