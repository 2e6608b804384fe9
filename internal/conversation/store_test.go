package conversation

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/threadline/pkg/models"
)

var epoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// newTestStore returns a store whose clock advances a second per call and
// whose ids count up from 1.
func newTestStore() *Store {
	s := NewStore()
	tick, seq := 0, 0
	s.now = func() time.Time {
		tick++
		return epoch.Add(time.Duration(tick) * time.Second)
	}
	s.newID = func() string {
		seq++
		return fmt.Sprintf("local-%d", seq)
	}
	return s
}

func visibleIDs(s *Store) []string {
	var ids []string
	for _, t := range s.SortedVisibleThreads() {
		ids = append(ids, t.LocalID)
	}
	return ids
}

func TestHiddenThreadUntilPromoted(t *testing.T) {
	s := newTestStore()
	local := s.NewLocalThread()
	assert.False(t, local.Visible)
	assert.Empty(t, s.SortedVisibleThreads())

	require.True(t, s.PromoteThread(local.LocalID, "abc123"))
	got := s.SortedVisibleThreads()
	require.Len(t, got, 1)
	assert.Equal(t, "abc123", got[0].ServerID)
	assert.True(t, got[0].Visible)
	assert.True(t, got[0].UpdatedAt.After(local.UpdatedAt))
}

func TestPromoteThreadIsIdempotent(t *testing.T) {
	s := newTestStore()
	local := s.NewLocalThread()
	require.True(t, s.PromoteThread(local.LocalID, "abc123"))
	first, _ := s.Thread(local.LocalID)

	assert.True(t, s.PromoteThread(local.LocalID, "abc123"))
	assert.False(t, s.PromoteThread(local.LocalID, "other"))
	assert.False(t, s.PromoteThread("missing", "abc123"))
	assert.False(t, s.PromoteThread(local.LocalID, ""))

	second, _ := s.Thread(local.LocalID)
	assert.Equal(t, first, second)
}

func TestThreadsSortedNewestFirst(t *testing.T) {
	s := newTestStore()
	s.AddOrUpdateThread(Thread{LocalID: "old", UpdatedAt: epoch, Visible: true})
	s.AddOrUpdateThread(Thread{LocalID: "new", UpdatedAt: epoch.Add(time.Hour), Visible: true})
	s.AddOrUpdateThread(Thread{LocalID: "hidden", UpdatedAt: epoch.Add(2 * time.Hour)})
	assert.Equal(t, []string{"new", "old"}, visibleIDs(s))

	s.AddOrUpdateThread(Thread{LocalID: "old", UpdatedAt: epoch.Add(3 * time.Hour), Visible: true})
	assert.Equal(t, []string{"old", "new"}, visibleIDs(s))

	s.RemoveThread("old")
	assert.Equal(t, []string{"new"}, visibleIDs(s))
}

func TestSyncThreadDetailsTimestampsOnlyMoveForward(t *testing.T) {
	s := newTestStore()
	created := epoch
	updated := epoch.Add(time.Hour)
	s.AddOrUpdateThread(Thread{LocalID: "t", ServerID: "srv", CreatedAt: created, UpdatedAt: updated, Visible: true})

	cases := []struct {
		name        string
		in          ThreadDetails
		wantCreated time.Time
		wantUpdated time.Time
	}{
		{"stale fetch", ThreadDetails{CreatedAt: created.Add(time.Minute), UpdatedAt: updated.Add(-time.Minute)}, created, updated},
		{"newer update", ThreadDetails{UpdatedAt: updated.Add(time.Minute)}, created, updated.Add(time.Minute)},
		{"older creation", ThreadDetails{CreatedAt: created.Add(-time.Minute)}, created.Add(-time.Minute), updated.Add(time.Minute)},
		{"zero values", ThreadDetails{}, created.Add(-time.Minute), updated.Add(time.Minute)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			before, _ := s.Thread("t")
			require.True(t, s.SyncThreadDetails("t", tc.in))
			after, _ := s.Thread("t")
			assert.Equal(t, tc.wantCreated, after.CreatedAt)
			assert.Equal(t, tc.wantUpdated, after.UpdatedAt)
			assert.False(t, after.UpdatedAt.Before(before.UpdatedAt))
			assert.False(t, after.CreatedAt.After(before.CreatedAt))
		})
	}
}

func TestSyncThreadDetailsAppliesServerFields(t *testing.T) {
	s := newTestStore()
	local := s.NewLocalThread()
	require.True(t, s.SyncThreadDetails(local.LocalID, ThreadDetails{
		ServerID:      "srv",
		Title:         "Trip planning",
		ResourceOwner: "user-1",
		Metadata:      []byte(`{"pinned":true}`),
	}))

	got, ok := s.ThreadByServerID("srv")
	require.True(t, ok)
	assert.Equal(t, local.LocalID, got.LocalID)
	assert.Equal(t, "Trip planning", got.Title)
	assert.Equal(t, "user-1", got.ResourceOwner)
	assert.JSONEq(t, `{"pinned":true}`, string(got.Metadata))
	assert.True(t, got.Visible)

	assert.False(t, s.SyncThreadDetails("missing", ThreadDetails{}))
}

func TestReconcileFetchedThreads(t *testing.T) {
	s := newTestStore()
	s.AddOrUpdateThread(Thread{LocalID: "kept", ServerID: "a", Title: "local title", UpdatedAt: epoch, Visible: true})
	s.AddOrUpdateThread(Thread{LocalID: "gone", ServerID: "b", UpdatedAt: epoch, Visible: true})
	pending := s.NewLocalThread()
	s.BeginExchange("gone", "hello")

	fetched := []models.Thread{
		{ID: "a", ResourceID: "user-1", Title: "server title", CreatedAt: epoch, UpdatedAt: epoch.Add(time.Hour)},
		{ID: "c", ResourceID: "user-1", Title: "new", CreatedAt: epoch, UpdatedAt: epoch.Add(2 * time.Hour)},
	}
	s.ReconcileFetchedThreads(fetched)

	_, ok := s.Thread("gone")
	assert.False(t, ok)
	assert.Empty(t, s.Messages("gone"))

	_, ok = s.Thread(pending.LocalID)
	assert.True(t, ok, "unconfirmed thread must survive a refresh")

	kept, _ := s.Thread("kept")
	assert.Equal(t, "server title", kept.Title)
	assert.Equal(t, epoch.Add(time.Hour), kept.UpdatedAt)

	added, ok := s.ThreadByServerID("c")
	require.True(t, ok)
	assert.Equal(t, "c", added.LocalID)
	assert.Equal(t, []string{"c", "kept"}, visibleIDs(s))
}

func TestReconcileFetchedThreadsIsIdempotent(t *testing.T) {
	fetched := []models.Thread{
		{ID: "a", Title: "one", CreatedAt: epoch, UpdatedAt: epoch.Add(time.Minute)},
		{ID: "b", Title: "two", CreatedAt: epoch, UpdatedAt: epoch.Add(2 * time.Minute)},
	}

	once := newTestStore()
	once.AddOrUpdateThread(Thread{LocalID: "x", ServerID: "a", UpdatedAt: epoch.Add(time.Hour), Visible: true})
	once.AddOrUpdateThread(Thread{LocalID: "y", ServerID: "z", Visible: true})
	once.ReconcileFetchedThreads(fetched)
	snapshot := once.SortedVisibleThreads()

	once.ReconcileFetchedThreads(fetched)
	if diff := cmp.Diff(snapshot, once.SortedVisibleThreads()); diff != "" {
		t.Fatalf("second reconcile changed state (-once +twice):\n%s", diff)
	}
}

func TestRenameThreadIsLocal(t *testing.T) {
	s := newTestStore()
	s.AddOrUpdateThread(Thread{LocalID: "t", Visible: true})
	assert.True(t, s.RenameThread("t", "Renamed"))
	assert.False(t, s.RenameThread("missing", "x"))
	got, _ := s.Thread("t")
	assert.Equal(t, "Renamed", got.Title)
}

func TestMessageLifecycle(t *testing.T) {
	s := newTestStore()
	thread := s.NewLocalThread().LocalID

	user, reply := s.BeginExchange(thread, "Hello")
	assert.Equal(t, StatusCompleted, user.Status)
	assert.Equal(t, StatusPending, reply.Status)
	assert.True(t, s.HasActiveStream(thread))

	assert.True(t, s.AppendChunk(thread, reply.LocalID, "Hi"))
	assert.True(t, s.AppendChunk(thread, reply.LocalID, " there"))
	msgs := s.Messages(thread)
	require.Len(t, msgs, 2)
	assert.Equal(t, "Hi there", msgs[1].Content)
	assert.Equal(t, StatusStreaming, msgs[1].Status)
	assert.Equal(t, models.TextParts("Hi there"), msgs[1].Parts)

	assert.True(t, s.CompleteLast(thread, reply.LocalID))
	assert.False(t, s.HasActiveStream(thread))
	assert.False(t, s.AppendChunk(thread, reply.LocalID, "late"))
	assert.False(t, s.CompleteLast(thread, reply.LocalID))
	assert.Equal(t, "Hi there", s.Messages(thread)[1].Content)
}

func TestOnlyLastReplyCanBeActive(t *testing.T) {
	s := newTestStore()
	thread := s.NewLocalThread().LocalID
	_, first := s.BeginExchange(thread, "first")
	s.AppendChunk(thread, first.LocalID, "partial")
	s.BeginExchange(thread, "second")

	msgs := s.Messages(thread)
	require.Len(t, msgs, 4)
	assert.Equal(t, StatusCancelled, msgs[1].Status)
	assert.Equal(t, "partial", msgs[1].Content)
	assert.Equal(t, StatusPending, msgs[3].Status)
}

func TestSupersededReplyCannotTouchNewerReply(t *testing.T) {
	s := newTestStore()
	thread := s.NewLocalThread().LocalID
	_, first := s.BeginExchange(thread, "one")
	s.AppendChunk(thread, first.LocalID, "fir")
	_, second := s.BeginExchange(thread, "two")

	assert.False(t, s.AppendChunk(thread, first.LocalID, "st"))
	assert.False(t, s.CancelLast(thread, first.LocalID))
	assert.False(t, s.FailLast(thread, first.LocalID, "network error"))
	assert.False(t, s.CompleteLast(thread, first.LocalID))

	assert.True(t, s.AppendChunk(thread, second.LocalID, "second"))
	assert.True(t, s.CompleteLast(thread, second.LocalID))

	msgs := s.Messages(thread)
	require.Len(t, msgs, 4)
	assert.Equal(t, "fir", msgs[1].Content)
	assert.Equal(t, StatusCancelled, msgs[1].Status)
	assert.Equal(t, "second", msgs[3].Content)
	assert.Equal(t, StatusCompleted, msgs[3].Status)
}

func TestFailedExchangeIsReplacedBySend(t *testing.T) {
	s := newTestStore()
	thread := s.NewLocalThread().LocalID
	_, ok := s.BeginExchange(thread, "ok")
	s.CompleteLast(thread, ok.LocalID)
	_, broken := s.BeginExchange(thread, "broken")
	require.True(t, s.FailLast(thread, broken.LocalID, "network error: connection refused"))

	failed := s.Messages(thread)[3]
	assert.Equal(t, StatusError, failed.Status)
	assert.Equal(t, ErrorNetwork, failed.ErrorType)

	s.BeginExchange(thread, "again")
	msgs := s.Messages(thread)
	require.Len(t, msgs, 4)
	assert.Equal(t, "ok", msgs[0].Content)
	assert.Equal(t, "again", msgs[2].Content)
}

func TestRetryLastMutatesInPlace(t *testing.T) {
	s := newTestStore()
	thread := s.NewLocalThread().LocalID
	_, reply := s.BeginExchange(thread, "question")
	s.AppendChunk(thread, reply.LocalID, "half")
	s.FailLast(thread, reply.LocalID, "server error 502: Agent failed to respond")

	reset, content, ok := s.RetryLast(thread)
	require.True(t, ok)
	assert.Equal(t, "question", content)
	assert.Equal(t, reply.LocalID, reset.LocalID)

	msgs := s.Messages(thread)
	require.Len(t, msgs, 2)
	assert.Equal(t, reply.LocalID, msgs[1].LocalID)
	assert.Equal(t, StatusStreaming, msgs[1].Status)
	assert.Empty(t, msgs[1].Content)
	assert.Empty(t, msgs[1].ErrorMessage)
	assert.Empty(t, msgs[1].ErrorType)

	_, _, ok = s.RetryLast(thread)
	assert.False(t, ok)
}

func TestCancelLastKeepsPartialContent(t *testing.T) {
	s := newTestStore()
	thread := s.NewLocalThread().LocalID
	_, reply := s.BeginExchange(thread, "q")
	s.AppendChunk(thread, reply.LocalID, "partial")
	require.True(t, s.CancelLast(thread, reply.LocalID))

	msgs := s.Messages(thread)
	assert.Equal(t, StatusCancelled, msgs[1].Status)
	assert.Equal(t, "partial", msgs[1].Content)
	assert.False(t, s.CancelLast(thread, reply.LocalID))
}

func TestSetPrependAndClearMessages(t *testing.T) {
	s := newTestStore()
	s.SetMessages("t", []Message{{LocalID: "m3"}, {LocalID: "m4"}})
	s.PrependMessages("t", []Message{{LocalID: "m1"}, {LocalID: "m2"}})

	var ids []string
	for _, m := range s.Messages("t") {
		ids = append(ids, m.LocalID)
	}
	assert.Equal(t, []string{"m1", "m2", "m3", "m4"}, ids)

	s.ClearMessages("t")
	assert.Empty(t, s.Messages("t"))

	s.AddOrUpdateThread(Thread{LocalID: "t", Visible: true})
	s.Clear()
	assert.Empty(t, s.SortedVisibleThreads())
}

func TestClassifyError(t *testing.T) {
	cases := map[string]ErrorType{
		"network error: dial tcp: connection refused": ErrorNetwork,
		"You appear to be offline":                    ErrorNetwork,
		"request timed out":                           ErrorTimeout,
		"Timeout while waiting":                       ErrorTimeout,
		"server error 502: Agent failed to respond":   ErrorServer,
		"HTTP 500":                                    ErrorServer,
		"Internal Server Error":                       ErrorServer,
		"model crashed":                               ErrorUnknown,
	}
	for msg, want := range cases {
		assert.Equal(t, want, ClassifyError(msg), msg)
	}
}

func TestCleanText(t *testing.T) {
	assert.Equal(t, "a\n\nb", CleanText("  a\n\n\n\nb  "))
	assert.Equal(t, "a\n\nb", CleanText("a\r\n \r\n\t\r\nb"))
	assert.Equal(t, "a\nb", CleanText("a\nb"))
	assert.Empty(t, CleanText(" \n\t "))
}
