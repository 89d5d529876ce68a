package roster_test

import (
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/Stage/internal/app/notify"
	"github.com/dkeye/Stage/internal/app/roster"
	"github.com/dkeye/Stage/internal/core"
	"github.com/dkeye/Stage/internal/core/coretest"
	"github.com/dkeye/Stage/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sid domain.SessionID = "sess-1"

type harness struct {
	r       *roster.Reconciler
	clock   *clock.Mock
	notices *coretest.Notices
	store   *coretest.Store
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		clock:   clock.NewMock(),
		notices: &coretest.Notices{},
		store:   coretest.NewStore(),
	}
	h.r = roster.New(roster.Options{
		SessionID: sid,
		Self:      "me",
		Clock:     h.clock,
		Throttle:  notify.New(h.clock, 10*time.Second, h.notices),
		Store:     h.store,
	})
	t.Cleanup(h.r.Dispose)
	return h
}

func row(id string, role domain.Role) core.ParticipantRow {
	return core.ParticipantRow{
		SessionID:     sid,
		ParticipantID: domain.ParticipantID(id),
		DisplayName:   id,
		Role:          role,
	}
}

func sharing(ps map[domain.ParticipantID]domain.Participant) []domain.ParticipantID {
	var out []domain.ParticipantID
	for id, p := range ps {
		if p.ScreenSharing {
			out = append(out, id)
		}
	}
	return out
}

func TestReconciler_SnapshotThenInserts(t *testing.T) {
	h := newHarness(t)

	h.r.ApplySnapshot([]core.ParticipantRow{row("c1", domain.RoleCoach), row("s1", domain.RoleStudent)})
	before := h.r.Roster()
	require.Len(t, before, 2)

	h.r.HandleRosterEvent(core.Inserted{Row: row("s1", domain.RoleStudent)})
	assert.Equal(t, before, h.r.Roster())
	assert.Zero(t, h.notices.Count(core.NoticeJoined))

	listener := row("l1", domain.RoleListener)
	listener.AudioMuted = false
	h.r.HandleRosterEvent(core.Inserted{Row: listener})

	got := h.r.Roster()
	assert.Len(t, got, 3)
	assert.Equal(t, 1, h.notices.Count(core.NoticeJoined))
	assert.False(t, got["l1"].AudioEnabled)
}

func TestReconciler_LoadSnapshot(t *testing.T) {
	h := newHarness(t)
	h.store.Put(row("c1", domain.RoleCoach))

	require.NoError(t, h.r.LoadSnapshot(t.Context()))
	_, ok := h.r.Get("c1")
	assert.True(t, ok)

	h.store.FetchErr = assert.AnError
	assert.ErrorIs(t, h.r.LoadSnapshot(t.Context()), core.ErrSnapshot)
}

func TestReconciler_DuplicateInsertsNotifyOnce(t *testing.T) {
	h := newHarness(t)
	for range 5 {
		h.r.HandleRosterEvent(core.Inserted{Row: row("s2", domain.RoleStudent)})
		h.clock.Add(time.Minute)
	}
	assert.Equal(t, 1, h.notices.Count(core.NoticeJoined))
}

func TestReconciler_TransportAndFeedJoinDeduplicated(t *testing.T) {
	h := newHarness(t)

	h.r.HandleTransportEvent(core.TransportEvent{Type: core.UserJoined, UserID: "s2"})
	_, ok := h.r.Get("s2")
	assert.False(t, ok, "transport join alone does not add an entry")

	h.r.HandleRosterEvent(core.Inserted{Row: row("s2", domain.RoleStudent)})
	_, ok = h.r.Get("s2")
	assert.True(t, ok)
	assert.Equal(t, 1, h.notices.Count(core.NoticeJoined))
}

func TestReconciler_NeverNotifiesSelf(t *testing.T) {
	h := newHarness(t)

	h.r.AddLocal(domain.Participant{ID: "me", DisplayName: "Me", Role: domain.RoleStudent})
	h.r.HandleRosterEvent(core.Inserted{Row: row("me", domain.RoleStudent)})
	h.r.HandleTransportEvent(core.TransportEvent{Type: core.UserJoined, UserID: "me"})
	h.clock.Add(time.Minute)
	h.r.HandleRosterEvent(core.Deleted{Row: core.ParticipantRow{ParticipantID: "me"}})

	assert.Empty(t, h.notices.All())
}

func TestReconciler_LocalEntryMarkedCurrent(t *testing.T) {
	h := newHarness(t)
	h.r.AddLocal(domain.Participant{ID: "me", DisplayName: "Me", Role: domain.RoleCoach})

	p, ok := h.r.Get("me")
	require.True(t, ok)
	assert.True(t, p.IsCurrentUser)
	assert.True(t, p.AudioEnabled)

	h.r.ApplySnapshot([]core.ParticipantRow{row("s1", domain.RoleStudent)})
	_, ok = h.r.Get("me")
	assert.True(t, ok, "snapshot without our row keeps the local entry")
}

func TestReconciler_SingleActiveSharer(t *testing.T) {
	h := newHarness(t)
	h.r.ApplySnapshot([]core.ParticipantRow{
		row("a", domain.RoleCoach),
		row("b", domain.RoleStudent),
		row("c", domain.RoleStudent),
	})

	for _, id := range []domain.ParticipantID{"a", "b", "c", "b"} {
		h.r.HandleTransportEvent(core.TransportEvent{Type: core.MediaPublished, UserID: id, Kind: core.MediaVideo})
	}

	owner, ok := h.r.ScreenShareOwner()
	require.True(t, ok)
	assert.Equal(t, domain.ParticipantID("b"), owner)
	assert.Equal(t, []domain.ParticipantID{"b"}, sharing(h.r.Roster()))

	h.r.HandleTransportEvent(core.TransportEvent{Type: core.MediaUnpublished, UserID: "b", Kind: core.MediaVideo})
	_, ok = h.r.ScreenShareOwner()
	assert.False(t, ok)
	assert.Empty(t, sharing(h.r.Roster()))
}

func TestReconciler_RowShareFlagIsExclusive(t *testing.T) {
	h := newHarness(t)
	h.r.ApplySnapshot([]core.ParticipantRow{row("a", domain.RoleCoach), row("b", domain.RoleStudent)})

	a := row("a", domain.RoleCoach)
	a.ScreenSharing = true
	h.r.HandleRosterEvent(core.Updated{New: a})
	b := row("b", domain.RoleStudent)
	b.ScreenSharing = true
	h.r.HandleRosterEvent(core.Updated{New: b})

	assert.Equal(t, []domain.ParticipantID{"b"}, sharing(h.r.Roster()))
}

func TestReconciler_DepartureCleanup(t *testing.T) {
	h := newHarness(t)

	h.r.HandleRosterEvent(core.Inserted{Row: row("x", domain.RoleStudent)})
	h.clock.Add(11 * time.Second)
	h.r.HandleRosterEvent(core.Deleted{Row: core.ParticipantRow{ParticipantID: "x"}})

	_, ok := h.r.Get("x")
	assert.False(t, ok)
	assert.Equal(t, 1, h.notices.Count(core.NoticeLeft))

	h.r.HandleRosterEvent(core.Inserted{Row: row("x", domain.RoleStudent)})
	assert.Equal(t, 2, h.notices.Count(core.NoticeJoined), "rejoin is a fresh join")
}

func TestReconciler_TransportUserLeft(t *testing.T) {
	h := newHarness(t)
	h.store.Put(row("x", domain.RoleStudent))

	h.r.HandleRosterEvent(core.Inserted{Row: row("x", domain.RoleStudent)})
	h.r.HandleTransportEvent(core.TransportEvent{Type: core.MediaPublished, UserID: "x", Kind: core.MediaVideo})
	h.clock.Add(11 * time.Second)
	h.r.HandleTransportEvent(core.TransportEvent{Type: core.UserLeft, UserID: "x"})
	h.r.Drain()

	_, ok := h.r.Get("x")
	assert.False(t, ok)
	_, ok = h.r.ScreenShareOwner()
	assert.False(t, ok, "leaver no longer owns the share")
	assert.Equal(t, 1, h.notices.Count(core.NoticeLeft))

	h.r.HandleRosterEvent(core.Inserted{Row: row("x", domain.RoleStudent)})
	assert.Equal(t, 2, h.notices.Count(core.NoticeJoined))
}

func TestReconciler_DeleteRightAfterUpdateIsChurn(t *testing.T) {
	h := newHarness(t)

	h.r.HandleRosterEvent(core.Inserted{Row: row("x", domain.RoleStudent)})
	h.clock.Add(11 * time.Second)
	muted := row("x", domain.RoleStudent)
	muted.AudioMuted = true
	h.r.HandleRosterEvent(core.Updated{New: muted})
	h.clock.Add(time.Second)
	h.r.HandleRosterEvent(core.Deleted{Row: core.ParticipantRow{ParticipantID: "x"}})

	_, ok := h.r.Get("x")
	assert.False(t, ok)
	assert.Zero(t, h.notices.Count(core.NoticeLeft))

	h.r.HandleRosterEvent(core.Inserted{Row: row("x", domain.RoleStudent)})
	assert.Equal(t, 1, h.notices.Count(core.NoticeJoined), "churn keeps the id known")
}

func TestReconciler_DeleteAfterGraceIsDeparture(t *testing.T) {
	h := newHarness(t)

	h.r.HandleRosterEvent(core.Inserted{Row: row("x", domain.RoleStudent)})
	h.clock.Add(11 * time.Second)
	h.r.HandleRosterEvent(core.Updated{New: row("x", domain.RoleStudent)})
	h.clock.Add(5 * time.Second)
	h.r.HandleRosterEvent(core.Deleted{Row: core.ParticipantRow{ParticipantID: "x"}})

	assert.Equal(t, 1, h.notices.Count(core.NoticeLeft))
}

func TestReconciler_ListenerNeverAudible(t *testing.T) {
	h := newHarness(t)

	l := row("l1", domain.RoleListener)
	h.r.HandleRosterEvent(core.Inserted{Row: l})
	h.r.HandleTransportEvent(core.TransportEvent{Type: core.MediaPublished, UserID: "l1", Kind: core.MediaAudio})
	h.r.HandleRosterEvent(core.Updated{New: l})

	p, ok := h.r.Get("l1")
	require.True(t, ok)
	assert.False(t, p.AudioEnabled)
	assert.False(t, h.r.IsAudioLive("l1"))
}

func TestReconciler_AudioDebounce(t *testing.T) {
	h := newHarness(t)
	base := row("s1", domain.RoleStudent)
	base.AudioMuted = true
	h.r.ApplySnapshot([]core.ParticipantRow{base})

	h.r.HandleTransportEvent(core.TransportEvent{Type: core.MediaPublished, UserID: "s1", Kind: core.MediaAudio})
	p, _ := h.r.Get("s1")
	assert.True(t, p.AudioEnabled)
	assert.True(t, h.r.IsAudioLive("s1"))

	// a stale row written before the unmute lands inside the window
	h.clock.Add(100 * time.Millisecond)
	stale := row("s1", domain.RoleStudent)
	stale.AudioMuted = false
	h.r.HandleRosterEvent(core.Updated{New: stale})
	h.clock.Add(100 * time.Millisecond)
	stale.AudioMuted = true
	h.r.HandleRosterEvent(core.Updated{New: stale})
	p, _ = h.r.Get("s1")
	assert.True(t, p.AudioEnabled, "row inside the debounce window is coalesced")

	h.clock.Add(time.Second)
	stale.AudioMuted = false
	h.r.HandleRosterEvent(core.Updated{New: stale})
	stale.AudioMuted = true
	h.r.HandleRosterEvent(core.Updated{New: stale})
	p, _ = h.r.Get("s1")
	assert.False(t, p.AudioEnabled, "later row wins")
}

func TestReconciler_AudioWriteThrough(t *testing.T) {
	h := newHarness(t)
	h.store.Put(row("s1", domain.RoleStudent))
	h.r.ApplySnapshot([]core.ParticipantRow{row("s1", domain.RoleStudent)})

	h.r.HandleTransportEvent(core.TransportEvent{Type: core.MediaUnpublished, UserID: "s1", Kind: core.MediaAudio})
	h.r.Drain()

	require.Equal(t, 1, h.store.UpdateCount())
	assert.Zero(t, h.store.UpsertCount())
	got, ok := h.store.Row(sid, "s1")
	require.True(t, ok)
	assert.True(t, got.AudioMuted)
}

func TestReconciler_AudioWriteThroughNeverCreatesRow(t *testing.T) {
	h := newHarness(t)
	h.r.HandleRosterEvent(core.Inserted{Row: row("x", domain.RoleStudent)})

	h.r.HandleTransportEvent(core.TransportEvent{Type: core.MediaUnpublished, UserID: "x", Kind: core.MediaAudio})
	h.r.Drain()

	assert.Equal(t, 1, h.store.UpdateCount())
	_, ok := h.store.Row(sid, "x")
	assert.False(t, ok, "a row deleted elsewhere stays deleted")
}

func TestReconciler_UserLeftWaitsForPendingWrite(t *testing.T) {
	h := newHarness(t)
	h.store.Put(row("x", domain.RoleStudent))
	h.store.OnUpdate = func(core.ParticipantRow) error {
		time.Sleep(50 * time.Millisecond)
		return nil
	}
	h.r.HandleRosterEvent(core.Inserted{Row: row("x", domain.RoleStudent)})

	h.r.HandleTransportEvent(core.TransportEvent{Type: core.MediaUnpublished, UserID: "x", Kind: core.MediaAudio})
	h.r.HandleTransportEvent(core.TransportEvent{Type: core.UserLeft, UserID: "x"})
	h.r.Drain()

	_, ok := h.store.Row(sid, "x")
	assert.False(t, ok, "the delete lands after the audio write")
	assert.Equal(t, 1, h.store.DeleteCount())
	_, ok = h.r.Get("x")
	assert.False(t, ok)
}

func TestReconciler_DeleteSupersedesQueuedWrites(t *testing.T) {
	h := newHarness(t)
	h.store.Put(row("x", domain.RoleStudent))
	release := make(chan struct{})
	h.store.OnUpdate = func(core.ParticipantRow) error {
		<-release
		return nil
	}
	h.r.HandleRosterEvent(core.Inserted{Row: row("x", domain.RoleStudent)})

	// the first write blocks, the next two queue behind it
	h.r.HandleTransportEvent(core.TransportEvent{Type: core.MediaUnpublished, UserID: "x", Kind: core.MediaAudio})
	h.r.HandleTransportEvent(core.TransportEvent{Type: core.MediaPublished, UserID: "x", Kind: core.MediaAudio})
	h.r.HandleTransportEvent(core.TransportEvent{Type: core.MediaUnpublished, UserID: "x", Kind: core.MediaAudio})
	h.r.HandleTransportEvent(core.TransportEvent{Type: core.UserLeft, UserID: "x"})
	close(release)
	h.r.Drain()

	assert.LessOrEqual(t, h.store.UpdateCount(), 1, "queued writes are dropped by the delete")
	_, ok := h.store.Row(sid, "x")
	assert.False(t, ok)
}

func TestReconciler_WriteThroughFailureIsSilent(t *testing.T) {
	h := newHarness(t)
	h.store.OnUpdate = func(core.ParticipantRow) error { return core.ErrPersistenceAuth }
	h.r.ApplySnapshot([]core.ParticipantRow{row("s1", domain.RoleStudent)})

	h.r.HandleTransportEvent(core.TransportEvent{Type: core.MediaPublished, UserID: "s1", Kind: core.MediaAudio})
	h.r.Drain()

	assert.Empty(t, h.notices.All())
	assert.True(t, h.r.IsAudioLive("s1"))
}

func TestReconciler_ShareInterrupted(t *testing.T) {
	h := newHarness(t)
	h.r.AddLocal(domain.Participant{ID: "me", DisplayName: "Me", Role: domain.RoleStudent})
	h.r.ApplySnapshot([]core.ParticipantRow{row("c1", domain.RoleCoach)})

	var by domain.ParticipantID
	h.r.OnShareInterrupted(func(id domain.ParticipantID) { by = id })

	require.NoError(t, h.r.CanStartShare())
	h.r.SetLocalShare(true)
	owner, _ := h.r.ScreenShareOwner()
	assert.Equal(t, domain.ParticipantID("me"), owner)

	h.r.HandleTransportEvent(core.TransportEvent{Type: core.MediaPublished, UserID: "c1", Kind: core.MediaVideo})
	assert.Equal(t, domain.ParticipantID("c1"), by)
	assert.ErrorIs(t, h.r.CanStartShare(), core.ErrShareActive)
	assert.Equal(t, []domain.ParticipantID{"c1"}, sharing(h.r.Roster()))
}

func TestReconciler_SetMuted(t *testing.T) {
	h := newHarness(t)
	h.r.AddLocal(domain.Participant{ID: "me", DisplayName: "Me", Role: domain.RoleStudent})

	h.r.SetMuted("me", true)
	p, _ := h.r.Get("me")
	assert.True(t, p.AudioMuted)
	assert.False(t, p.AudioEnabled)
}

func TestReconciler_Reconcile(t *testing.T) {
	h := newHarness(t)
	h.r.AddLocal(domain.Participant{ID: "me", DisplayName: "Me", Role: domain.RoleStudent})
	h.r.ApplySnapshot([]core.ParticipantRow{row("c1", domain.RoleCoach), row("s1", domain.RoleStudent)})

	renamed := row("c1", domain.RoleCoach)
	renamed.DisplayName = "Coach"
	h.r.Reconcile(h.r.Version(), []core.ParticipantRow{renamed, row("l1", domain.RoleListener)})

	got := h.r.Roster()
	assert.Len(t, got, 3)
	assert.Contains(t, got, domain.ParticipantID("me"), "reconcile never removes the local user")
	assert.NotContains(t, got, domain.ParticipantID("s1"))
	assert.Equal(t, "Coach", got["c1"].DisplayName)
	assert.Equal(t, 1, h.notices.Count(core.NoticeJoined))
	assert.Equal(t, 1, h.notices.Count(core.NoticeLeft))
}

func TestReconciler_StaleReconcileKeepsFeedInsert(t *testing.T) {
	h := newHarness(t)
	h.r.ApplySnapshot([]core.ParticipantRow{row("c1", domain.RoleCoach)})

	since := h.r.Version()
	fetched := []core.ParticipantRow{row("c1", domain.RoleCoach)}
	h.r.HandleRosterEvent(core.Inserted{Row: row("x", domain.RoleStudent)})
	h.r.Reconcile(since, fetched)

	_, ok := h.r.Get("x")
	assert.True(t, ok, "a fetch that started before the insert cannot remove it")
	assert.Zero(t, h.notices.Count(core.NoticeLeft))

	h.clock.Add(11 * time.Second)
	h.r.Reconcile(h.r.Version(), []core.ParticipantRow{row("c1", domain.RoleCoach), row("x", domain.RoleStudent)})
	assert.Equal(t, 1, h.notices.Count(core.NoticeJoined), "no second join notice")
}

func TestReconciler_StaleReconcileKeepsFeedUpdate(t *testing.T) {
	h := newHarness(t)
	h.r.ApplySnapshot([]core.ParticipantRow{row("s1", domain.RoleStudent)})

	since := h.r.Version()
	fetched := []core.ParticipantRow{row("s1", domain.RoleStudent)}
	muted := row("s1", domain.RoleStudent)
	muted.AudioMuted = true
	h.r.HandleRosterEvent(core.Updated{Old: row("s1", domain.RoleStudent), New: muted})
	h.clock.Add(time.Second)
	h.r.Reconcile(since, fetched)

	p, _ := h.r.Get("s1")
	assert.True(t, p.AudioMuted, "the older unmuted row does not revert the update")

	h.r.Reconcile(h.r.Version(), fetched)
	p, _ = h.r.Get("s1")
	assert.False(t, p.AudioMuted, "a fetch taken afterwards still repairs the roster")
}

func TestReconciler_StaleReconcileKeepsFeedDelete(t *testing.T) {
	h := newHarness(t)
	h.r.ApplySnapshot([]core.ParticipantRow{row("c1", domain.RoleCoach), row("x", domain.RoleStudent)})

	since := h.r.Version()
	h.clock.Add(11 * time.Second)
	h.r.HandleRosterEvent(core.Deleted{Row: core.ParticipantRow{ParticipantID: "x"}})
	h.r.Reconcile(since, []core.ParticipantRow{row("c1", domain.RoleCoach), row("x", domain.RoleStudent)})

	_, ok := h.r.Get("x")
	assert.False(t, ok)
	assert.Equal(t, 1, h.notices.Count(core.NoticeLeft))
	assert.Zero(t, h.notices.Count(core.NoticeJoined))
}

func TestReconciler_LoadSnapshotKeepsNewerEvents(t *testing.T) {
	h := newHarness(t)
	h.store.Put(row("c1", domain.RoleCoach))
	h.store.OnFetch = func() {
		h.r.HandleRosterEvent(core.Inserted{Row: row("x", domain.RoleStudent)})
	}

	require.NoError(t, h.r.LoadSnapshot(t.Context()))

	got := h.r.Roster()
	assert.Contains(t, got, domain.ParticipantID("c1"))
	assert.Contains(t, got, domain.ParticipantID("x"), "event merged during the fetch survives")
}

func TestReconciler_PanickingStepIsSkipped(t *testing.T) {
	h := newHarness(t)
	h.r.HandleRosterEvent(core.Inserted{Row: row("s1", domain.RoleStudent)})
	before := h.r.Roster()
	notices := len(h.notices.All())

	var snaps int
	stop := h.r.OnChange(func(roster.Snapshot) { snaps++ })
	defer stop()

	assert.NotPanics(t, func() {
		h.r.UpdateLocal("s1", func(*domain.Participant) { panic("boom") })
	})
	assert.Equal(t, before, h.r.Roster())
	assert.Len(t, h.notices.All(), notices)
	assert.Zero(t, snaps)

	h.r.HandleRosterEvent(core.Inserted{Row: row("s2", domain.RoleStudent)})
	_, ok := h.r.Get("s2")
	assert.True(t, ok, "the next event still merges")
	assert.Equal(t, 1, snaps)
}

type panicNotifier struct{}

func (panicNotifier) Notify(core.Notice) { panic("notifier down") }

func TestReconciler_PanickingEffectIsSkipped(t *testing.T) {
	c := clock.NewMock()
	r := roster.New(roster.Options{
		SessionID: sid,
		Self:      "me",
		Clock:     c,
		Throttle:  notify.New(c, 10*time.Second, panicNotifier{}),
	})
	t.Cleanup(r.Dispose)

	assert.NotPanics(t, func() {
		r.HandleRosterEvent(core.Inserted{Row: row("s1", domain.RoleStudent)})
	})
	_, ok := r.Get("s1")
	assert.True(t, ok)

	assert.NotPanics(t, func() {
		r.HandleRosterEvent(core.Inserted{Row: row("s2", domain.RoleStudent)})
	})
	assert.Len(t, r.Roster(), 2)
}

func TestReconciler_SortedRoster(t *testing.T) {
	h := newHarness(t)
	t0 := time.Unix(1000, 0)
	rows := []core.ParticipantRow{
		row("l1", domain.RoleListener),
		row("s2", domain.RoleStudent),
		row("c1", domain.RoleCoach),
		row("s1", domain.RoleStudent),
	}
	rows[0].JoinedAt = t0
	rows[1].JoinedAt = t0.Add(2 * time.Second)
	rows[2].JoinedAt = t0.Add(3 * time.Second)
	rows[3].JoinedAt = t0.Add(time.Second)
	h.r.ApplySnapshot(rows)

	var ids []domain.ParticipantID
	for _, p := range h.r.Sorted() {
		ids = append(ids, p.ID)
	}
	assert.Equal(t, []domain.ParticipantID{"c1", "s1", "s2", "l1"}, ids)
}

func TestReconciler_DropsForeignAndMalformed(t *testing.T) {
	h := newHarness(t)

	foreign := row("x", domain.RoleStudent)
	foreign.SessionID = "other"
	h.r.HandleRosterEvent(core.Inserted{Row: foreign})
	h.r.HandleRosterEvent(nil)
	h.r.HandleRosterEvent(core.Inserted{})
	h.r.HandleTransportEvent(core.TransportEvent{Type: core.UserJoined})

	assert.Empty(t, h.r.Roster())
	assert.Empty(t, h.notices.All())
}

func TestReconciler_OnChange(t *testing.T) {
	h := newHarness(t)

	var mu sync.Mutex
	var snaps []roster.Snapshot
	stop := h.r.OnChange(func(s roster.Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		snaps = append(snaps, s)
	})

	h.r.HandleRosterEvent(core.Inserted{Row: row("s1", domain.RoleStudent)})
	stop()
	h.r.HandleRosterEvent(core.Inserted{Row: row("s2", domain.RoleStudent)})

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, snaps, 1)
	assert.Len(t, snaps[0].Participants, 1)
}

func TestReconciler_DisposeStopsMerging(t *testing.T) {
	h := newHarness(t)
	h.r.Dispose()

	h.r.HandleRosterEvent(core.Inserted{Row: row("s1", domain.RoleStudent)})
	assert.Empty(t, h.r.Roster())
}
