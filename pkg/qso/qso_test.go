package qso

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryandielhenn/cwlink/pkg/sched"
)

const ms = time.Millisecond

func newTracker() (*Tracker, *sched.Manual, *[]Record) {
	s := sched.NewManual()
	var saved []Record
	tr := NewTracker(s, 0, func(r Record) { saved = append(saved, r) })
	tr.wall = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
	return tr, s, &saved
}

func TestTrackerClosesAfterIdle(t *testing.T) {
	tr, s, saved := newTracker()

	tr.Symbol(Send, "", ".", 80*ms, 0)
	s.Advance(380 * ms)
	tr.Letter(Send, "", 'E')
	s.Advance(400 * ms)
	tr.Word(Send, "")
	tr.Word(Send, "")

	rec, ok := tr.Open()
	require.True(t, ok)
	assert.Equal(t, "E ", rec.Text)

	s.Advance(DefaultIdle - ms)
	assert.Empty(t, *saved)
	s.Advance(ms)

	require.Len(t, *saved, 1)
	got := (*saved)[0]
	assert.Equal(t, Send, got.Direction)
	assert.Equal(t, ".//", got.Morse)
	assert.Equal(t, "E", got.Text)
	assert.Equal(t, []int64{80}, got.PlayTimes)
	assert.Equal(t, []int64{0}, got.Gaps)
	assert.Equal(t, (780*ms + DefaultIdle).Milliseconds(), got.DurationMS)
	assert.Equal(t, 2026, got.CreatedAt.Year())

	_, ok = tr.Open()
	assert.False(t, ok)
}

func TestTrackerSplitsOnDirectionAndSender(t *testing.T) {
	tr, s, saved := newTracker()

	tr.Symbol(Send, "", "-", 300*ms, 0)
	tr.Letter(Send, "", 'T')
	tr.Symbol(Receive, "K2XYZ", ".", 90*ms, 0)
	tr.Symbol(Receive, "W3ABC", ".", 90*ms, 0)
	// boundary from a station that no longer owns the open record
	tr.Letter(Receive, "K2XYZ", 'E')
	s.Advance(DefaultIdle)

	require.Len(t, *saved, 3)
	assert.Equal(t, Send, (*saved)[0].Direction)
	assert.Equal(t, "-/", (*saved)[0].Morse)
	assert.Equal(t, "K2XYZ", (*saved)[1].Sender)
	assert.Equal(t, "", (*saved)[1].Text)
	assert.Equal(t, "W3ABC", (*saved)[2].Sender)
}

func TestTrackerFlushEmptyIsNoOp(t *testing.T) {
	tr, s, saved := newTracker()
	tr.Flush()
	tr.Letter(Send, "", 'E')
	assert.Empty(t, *saved)
	assert.Zero(t, s.Pending())
}

func TestParseDirection(t *testing.T) {
	assert.Equal(t, Send, ParseDirection(" SEND "))
	assert.Equal(t, Receive, ParseDirection("receive"))
	assert.Equal(t, Direction(""), ParseDirection("both"))
}

func TestSQLiteStore(t *testing.T) {
	ctx := context.Background()
	st, err := OpenSQLite(filepath.Join(t.TempDir(), "nested", "qso.db"))
	require.NoError(t, err)
	defer st.Close()

	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	recs := []Record{
		{CreatedAt: base, Direction: Send, Morse: "-.-./--.-/", Text: "CQ", DurationMS: 1500, PlayTimes: []int64{300, 100}, Gaps: []int64{0, 100}},
		{CreatedAt: base.Add(time.Minute), Direction: Receive, Sender: "K2XYZ", Morse: "-.-/", Text: "K", DurationMS: 900},
		{CreatedAt: base.Add(2 * time.Minute), Direction: Receive, Sender: "W3ABC", Morse: "./", Text: "E", DurationMS: 200},
	}
	var ids []int64
	for _, r := range recs {
		id, err := st.Insert(ctx, r)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	all, total, err := st.List(ctx, Query{})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, all, 3)
	assert.Equal(t, "W3ABC", all[0].Sender, "newest first")
	assert.Equal(t, []int64{300, 100}, all[2].PlayTimes)
	assert.True(t, all[2].CreatedAt.Equal(base))

	rx, total, err := st.List(ctx, Query{Direction: Receive, Ascending: true})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Equal(t, "K2XYZ", rx[0].Sender)
	assert.Empty(t, rx[0].PlayTimes)

	kw, _, err := st.List(ctx, Query{Keyword: "cq"})
	require.NoError(t, err)
	require.Len(t, kw, 1)
	assert.Equal(t, ids[0], kw[0].ID)

	window, total, err := st.List(ctx, Query{Since: base.Add(30 * time.Second), Until: base.Add(90 * time.Second)})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, "K", window[0].Text)

	page2, total, err := st.List(ctx, Query{Page: 2, PageSize: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, page2, 1)
	assert.Equal(t, ids[0], page2[0].ID)

	n, err := st.Delete(ctx, ids[0], ids[2], 999)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	_, total, err = st.List(ctx, Query{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}
