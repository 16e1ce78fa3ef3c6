package channel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pavelanni/examhall/internal/model"
)

func drain(p *Peer) []Message {
	var out []Message
	for {
		select {
		case m := <-p.Outbound():
			out = append(out, m)
		default:
			return out
		}
	}
}

func isClosed(p *Peer) bool {
	select {
	case <-p.Done():
		return true
	default:
		return false
	}
}

func TestRegisterStudentReplacesPrevious(t *testing.T) {
	reg := NewRegistry()
	first := NewPeer(1, 10, 4)
	second := NewPeer(1, 10, 4)
	require.NoError(t, reg.RegisterStudent(first))
	require.NoError(t, reg.RegisterStudent(second))

	assert.True(t, isClosed(first))
	assert.False(t, isClosed(second))
	assert.NotEqual(t, first.ID, second.ID)

	assert.False(t, reg.UnregisterStudent(first), "stale peer does not remove its replacement")
	assert.True(t, reg.SendStudent(10, timeUpdateMsg(5)))
	require.Len(t, drain(second), 1)

	assert.True(t, reg.UnregisterStudent(second))
	assert.False(t, reg.SendStudent(10, timeUpdateMsg(5)))
}

func TestStalledPeerIsDropped(t *testing.T) {
	reg := NewRegistry()
	slow := NewPeer(1, 0, 2)
	fast := NewPeer(1, 0, 8)
	require.NoError(t, reg.RegisterMonitor(slow))
	require.NoError(t, reg.RegisterMonitor(fast))

	assert.Equal(t, 2, reg.SendMonitors(1, presenceMsg(TypeStudentConnected, 10)))
	assert.Equal(t, 2, reg.SendMonitors(1, presenceMsg(TypeStudentConnected, 11)))
	assert.Equal(t, 1, reg.SendMonitors(1, presenceMsg(TypeStudentConnected, 12)))

	assert.True(t, isClosed(slow))
	assert.False(t, isClosed(fast))
	assert.Len(t, drain(fast), 3)
}

func TestMonitorsAreScopedByExam(t *testing.T) {
	reg := NewRegistry()
	m1 := NewPeer(1, 0, 4)
	m2 := NewPeer(2, 0, 4)
	require.NoError(t, reg.RegisterMonitor(m1))
	require.NoError(t, reg.RegisterMonitor(m2))

	assert.Equal(t, 1, reg.SendMonitors(1, presenceMsg(TypeStudentConnected, 10)))
	assert.Len(t, drain(m1), 1)
	assert.Empty(t, drain(m2))

	reg.UnregisterMonitor(m1)
	assert.Equal(t, 0, reg.SendMonitors(1, presenceMsg(TypeStudentConnected, 10)))
	_, monitors := reg.Counts(1)
	assert.Zero(t, monitors)
}

func TestAnnounce(t *testing.T) {
	reg := NewRegistry()
	s1 := NewPeer(1, 10, 4)
	s2 := NewPeer(1, 11, 4)
	require.NoError(t, reg.RegisterStudent(s1))
	require.NoError(t, reg.RegisterStudent(s2))

	n := reg.Announce([]int64{10, 12}, "Ten minutes left")
	assert.Equal(t, 1, n, "attempt 12 has no connection")
	msgs := drain(s1)
	require.Len(t, msgs, 1)
	assert.Equal(t, TypeAnnouncement, msgs[0].Type)
	assert.Equal(t, "Ten minutes left", msgs[0].Message)
	assert.Empty(t, drain(s2))
}

func TestAttemptFinishedNotifies(t *testing.T) {
	reg := NewRegistry()
	st := NewPeer(1, 10, 4)
	mon := NewPeer(1, 0, 4)
	require.NoError(t, reg.RegisterStudent(st))
	require.NoError(t, reg.RegisterMonitor(mon))

	reg.AttemptFinished(model.Attempt{ID: 10, ExamID: 1, Status: model.AttemptAutoSubmitted}, true)

	msgs := drain(st)
	require.Len(t, msgs, 2)
	assert.Equal(t, TypeTimeUpdate, msgs[0].Type)
	require.NotNil(t, msgs[0].TimeRemaining)
	assert.Equal(t, int64(0), *msgs[0].TimeRemaining)
	assert.Equal(t, TypeAttemptSubmitted, msgs[1].Type)
	assert.Equal(t, model.AttemptAutoSubmitted, msgs[1].Status)
	assert.Equal(t, "TimeIsUp", msgs[1].Message, "untranslated id without a loaded bundle")

	mm := drain(mon)
	require.Len(t, mm, 1)
	assert.Equal(t, int64(10), mm[0].AttemptID)
}

func TestRegistryClose(t *testing.T) {
	reg := NewRegistry()
	st := NewPeer(1, 10, 4)
	mon := NewPeer(1, 0, 4)
	require.NoError(t, reg.RegisterStudent(st))
	require.NoError(t, reg.RegisterMonitor(mon))

	reg.Close()
	assert.True(t, isClosed(st))
	assert.True(t, isClosed(mon))
	assert.ErrorIs(t, reg.RegisterStudent(NewPeer(1, 11, 4)), ErrClosed)
	assert.ErrorIs(t, reg.RegisterMonitor(NewPeer(1, 0, 4)), ErrClosed)
	reg.Close()
}
