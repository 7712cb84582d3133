package reconcile

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sudooom.im.inbox/internal/model"
)

var t0 = time.UnixMilli(1_760_000_000_000).UTC()

func created(seq uint64, m model.Message) model.Event {
	ev := model.NewMessageCreated(m)
	ev.Sequence = seq
	ev.ID = model.EventID("admin", seq)
	return ev
}

func TestTimeline_ConfirmThenEchoIsNoop(t *testing.T) {
	tl := NewTimeline("admin")
	token := tl.AddPending("", "vendor", "Hi", t0)
	require.NotEmpty(t, token)
	assert.Equal(t, 1, tl.Pending())

	m := model.Message{ID: 100, SenderID: "admin", RecipientID: "vendor", Body: "Hi", CreatedAt: t0, ClientToken: token}
	assert.True(t, tl.Confirm(token, m))
	assert.False(t, tl.Apply(created(1, m)))

	entries := tl.Messages()
	require.Len(t, entries, 1)
	assert.Equal(t, StatusConfirmed, entries[0].Status)
	assert.Equal(t, int64(100), entries[0].Message.ID)
	assert.Equal(t, 0, tl.Pending())
}

func TestTimeline_EchoBeforeResponse(t *testing.T) {
	tl := NewTimeline("admin")
	token := tl.AddPending("t1", "vendor", "Hi", t0)
	assert.Equal(t, "t1", token)

	m := model.Message{ID: 100, SenderID: "admin", RecipientID: "vendor", Body: "Hi", CreatedAt: t0, ClientToken: "t1"}
	assert.True(t, tl.Apply(created(1, m)))
	assert.False(t, tl.Confirm("t1", m))

	assert.Len(t, tl.Messages(), 1)
	assert.Equal(t, 0, tl.Pending())
}

func TestTimeline_DuplicateEventsAndRetries(t *testing.T) {
	tl := NewTimeline("vendor")
	m := model.Message{ID: 7, SenderID: "admin", RecipientID: "vendor", Body: "x", CreatedAt: t0}

	assert.True(t, tl.Apply(created(1, m)))
	assert.False(t, tl.Apply(created(1, m)))
	// 重放的旧序号与重复ID都不改变视图
	assert.False(t, tl.Apply(created(2, m)))
	assert.Len(t, tl.Messages(), 1)
	assert.Equal(t, uint64(2), tl.LastSequence())

	tl.AddPending("again", "admin", "reply", t0)
	tl.AddPending("again", "admin", "reply", t0)
	assert.Equal(t, 1, tl.Pending())
}

func TestTimeline_OrderingAndFailure(t *testing.T) {
	tl := NewTimeline("vendor")
	late := model.Message{ID: 20, SenderID: "admin", RecipientID: "vendor", Body: "late", CreatedAt: t0}
	early := model.Message{ID: 10, SenderID: "admin", RecipientID: "vendor", Body: "early", CreatedAt: t0}
	tl.Apply(created(1, late))
	tl.Apply(created(2, early))

	token := tl.AddPending("", "admin", "mine", t0.Add(time.Second))
	tl.Fail(token, errors.New("busy"))

	entries := tl.Messages()
	require.Len(t, entries, 3)
	assert.Equal(t, int64(10), entries[0].Message.ID)
	assert.Equal(t, int64(20), entries[1].Message.ID)
	assert.Equal(t, StatusFailed, entries[2].Status)
	assert.EqualError(t, entries[2].Err, "busy")
	assert.Equal(t, 0, tl.Pending())
}

func TestTimeline_ReadReceipt(t *testing.T) {
	tl := NewTimeline("admin")
	first := model.Message{ID: 10, SenderID: "admin", RecipientID: "vendor", Body: "1", CreatedAt: t0}
	second := model.Message{ID: 20, SenderID: "admin", RecipientID: "vendor", Body: "2", CreatedAt: t0.Add(time.Millisecond)}
	third := model.Message{ID: 30, SenderID: "admin", RecipientID: "vendor", Body: "3", CreatedAt: t0.Add(2 * time.Millisecond)}
	tl.Reset([]model.Message{first, second}, 5)

	readAt := t0.Add(time.Second)
	ev := model.NewConversationRead(model.ConversationRead{
		ReaderID: "vendor", CounterpartID: "admin", Count: 2, ReadAt: readAt, UpToMessageID: 20,
	})
	ev.Sequence = 6
	assert.True(t, tl.Apply(ev))
	assert.True(t, tl.Apply(created(7, third)))

	entries := tl.Messages()
	require.Len(t, entries, 3)
	require.NotNil(t, entries[0].Message.ReadAt)
	require.NotNil(t, entries[1].Message.ReadAt)
	assert.True(t, readAt.Equal(*entries[1].Message.ReadAt))
	assert.Nil(t, entries[2].Message.ReadAt)

	ev.Sequence = 8
	assert.False(t, tl.Apply(ev))
}

func TestTimeline_SpansAllCounterparts(t *testing.T) {
	tl := NewTimeline("admin")
	assert.True(t, tl.Apply(created(1, model.Message{ID: 1, SenderID: "vendor", RecipientID: "admin", Body: "a", CreatedAt: t0})))
	assert.True(t, tl.Apply(created(2, model.Message{ID: 2, SenderID: "admin", RecipientID: "carrier", Body: "b", CreatedAt: t0.Add(time.Second)})))
	tl.AddPending("", "vendor", "c", t0.Add(2*time.Second))

	assert.Len(t, tl.Messages(), 3)

	vendor := tl.With("vendor")
	require.Len(t, vendor, 2)
	assert.Equal(t, "a", vendor[0].Message.Body)
	assert.Equal(t, StatusPending, vendor[1].Status)

	carrier := tl.With("carrier")
	require.Len(t, carrier, 1)
	assert.Equal(t, int64(2), carrier[0].Message.ID)
	assert.Empty(t, tl.With("nobody"))
}

func TestStatus_String(t *testing.T) {
	assert.Equal(t, "pending", StatusPending.String())
	assert.Equal(t, "failed", StatusFailed.String())
	assert.NotEqual(t, NewToken(), NewToken())
}
