// Package roster owns the canonical participant map of a session and merges every
// source of roster truth into it: the initial snapshot, the change-feed, transport
// callbacks and local optimistic updates.
package roster

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/Stage/internal/app/notify"
	"github.com/dkeye/Stage/internal/core"
	"github.com/dkeye/Stage/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
)

const (
	DefaultFieldDebounce  = 300 * time.Millisecond
	DefaultDepartureGrace = 3 * time.Second
	DefaultWriteTimeout   = 5 * time.Second
)

type Options struct {
	SessionID domain.SessionID
	Self      domain.ParticipantID
	Clock     clock.Clock
	Throttle  *notify.Throttle
	// Store receives best-effort write-through. May be nil.
	Store core.ParticipantStore

	FieldDebounce  time.Duration
	DepartureGrace time.Duration
	WriteTimeout   time.Duration
}

// Snapshot is what listeners receive after every change.
type Snapshot struct {
	Participants []domain.Participant `json:"participants"`
	ShareOwner   domain.ParticipantID `json:"share_owner,omitempty"`
}

type Reconciler struct {
	opts   Options
	logger zerolog.Logger

	mu           sync.Mutex
	participants map[domain.ParticipantID]domain.Participant
	// rows holds the last persisted row seen per id, the baseline for change detection.
	rows       map[domain.ParticipantID]core.ParticipantRow
	shareOwner domain.ParticipantID
	liveAudio  map[domain.ParticipantID]bool
	// audioSeen and shareSeen are the arrival times of live (transport or local) observations.
	audioSeen  map[domain.ParticipantID]time.Time
	shareSeen  time.Time
	lastUpdate map[domain.ParticipantID]time.Time
	// version counts merge steps; touched is the step that last changed each id,
	// kept after removal so a stale fetch cannot bring the id back.
	version  uint64
	touched  map[domain.ParticipantID]uint64
	disposed bool

	wmu    sync.Mutex
	writes map[domain.ParticipantID]*writeQueue

	lmu           sync.Mutex
	listeners     map[int]func(Snapshot)
	nextListener  int
	onInterrupted func(by domain.ParticipantID)

	bg conc.WaitGroup
}

func New(opts Options) *Reconciler {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Throttle == nil {
		opts.Throttle = notify.New(opts.Clock, 0, nil)
	}
	if opts.FieldDebounce <= 0 {
		opts.FieldDebounce = DefaultFieldDebounce
	}
	if opts.DepartureGrace <= 0 {
		opts.DepartureGrace = DefaultDepartureGrace
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	opts.Throttle.SetSelf(opts.Self)
	return &Reconciler{
		opts: opts,
		logger: log.With().
			Str("module", "roster").
			Str("session", string(opts.SessionID)).
			Logger(),
		participants: make(map[domain.ParticipantID]domain.Participant),
		rows:         make(map[domain.ParticipantID]core.ParticipantRow),
		liveAudio:    make(map[domain.ParticipantID]bool),
		audioSeen:    make(map[domain.ParticipantID]time.Time),
		lastUpdate:   make(map[domain.ParticipantID]time.Time),
		touched:      make(map[domain.ParticipantID]uint64),
		writes:       make(map[domain.ParticipantID]*writeQueue),
		listeners:    make(map[int]func(Snapshot)),
	}
}

// effects run after the lock is released.
type effects []func()

func (e *effects) add(fn func()) { *e = append(*e, fn) }

// latest marks merges that are newer than any fetch, such as change-feed events.
const latest = ^uint64(0)

// apply runs one merge step under the lock. A panicking step is logged and skipped.
func (r *Reconciler) apply(op string, step func(now time.Time, eff *effects) bool) {
	var eff effects
	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		return
	}
	r.version++
	changed := r.guard(op, step, &eff)
	var snap Snapshot
	if changed {
		r.syncShareLocked()
		snap = r.snapshotLocked()
	}
	r.mu.Unlock()

	for _, fn := range eff {
		r.run(op, fn)
	}
	if changed {
		r.emit(snap)
	}
}

func (r *Reconciler) guard(op string, step func(time.Time, *effects) bool, eff *effects) (changed bool) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error().Str("op", op).Interface("panic", rec).Msg("merge step skipped")
			*eff = nil
			changed = false
		}
	}()
	return step(r.opts.Clock.Now(), eff)
}

// run fires one effect; a panicking notifier or hook does not escape the handler.
func (r *Reconciler) run(op string, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error().Str("op", op).Interface("panic", rec).Msg("merge effect skipped")
		}
	}()
	fn()
}

func (r *Reconciler) touchLocked(id domain.ParticipantID) {
	r.touched[id] = r.version
}

// staleLocked reports whether id changed after the fetch that started at version since.
func (r *Reconciler) staleLocked(id domain.ParticipantID, since uint64) bool {
	return since != latest && r.touched[id] > since
}

// Version returns the current merge step. Take it before a fetch and hand it to
// Reconcile so rows older than a later merge are ignored.
func (r *Reconciler) Version() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.version
}

func (r *Reconciler) syncShareLocked() {
	for id, p := range r.participants {
		sharing := id == r.shareOwner
		if p.ScreenSharing != sharing {
			p.ScreenSharing = sharing
			r.participants[id] = p
		}
	}
}

func (r *Reconciler) snapshotLocked() Snapshot {
	ps := make([]domain.Participant, 0, len(r.participants))
	for _, p := range r.participants {
		ps = append(ps, p)
	}
	domain.SortParticipants(ps)
	return Snapshot{Participants: ps, ShareOwner: r.shareOwner}
}

func (r *Reconciler) emit(s Snapshot) {
	r.lmu.Lock()
	fns := make([]func(Snapshot), 0, len(r.listeners))
	for _, fn := range r.listeners {
		fns = append(fns, fn)
	}
	r.lmu.Unlock()
	for _, fn := range fns {
		fn(s)
	}
}

// OnChange registers fn for every roster change and returns a func that removes it.
func (r *Reconciler) OnChange(fn func(Snapshot)) func() {
	r.lmu.Lock()
	defer r.lmu.Unlock()
	id := r.nextListener
	r.nextListener++
	r.listeners[id] = fn
	return func() {
		r.lmu.Lock()
		defer r.lmu.Unlock()
		delete(r.listeners, id)
	}
}

// OnShareInterrupted sets the callback fired when a remote publisher takes over the local share.
func (r *Reconciler) OnShareInterrupted(fn func(by domain.ParticipantID)) {
	r.lmu.Lock()
	defer r.lmu.Unlock()
	r.onInterrupted = fn
}

func (r *Reconciler) Roster() map[domain.ParticipantID]domain.Participant {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[domain.ParticipantID]domain.Participant, len(r.participants))
	for id, p := range r.participants {
		out[id] = p
	}
	return out
}

func (r *Reconciler) Sorted() []domain.Participant {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked().Participants
}

func (r *Reconciler) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *Reconciler) Get(id domain.ParticipantID) (domain.Participant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.participants[id]
	return p, ok
}

func (r *Reconciler) ScreenShareOwner() (domain.ParticipantID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.shareOwner, r.shareOwner != ""
}

func (r *Reconciler) IsAudioLive(id domain.ParticipantID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.liveAudio[id]
}

// CanStartShare rejects a local share while someone else holds it.
func (r *Reconciler) CanStartShare() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.shareOwner != "" && r.shareOwner != r.opts.Self {
		return fmt.Errorf("%w: %s", core.ErrShareActive, r.shareOwner)
	}
	return nil
}

// LoadSnapshot fetches the roster once and replaces the map with it.
func (r *Reconciler) LoadSnapshot(ctx context.Context) error {
	if r.opts.Store == nil {
		return nil
	}
	since := r.Version()
	rows, err := r.opts.Store.Fetch(ctx, r.opts.SessionID)
	if err != nil {
		r.logger.Warn().Err(err).Msg("snapshot fetch failed")
		return fmt.Errorf("%w: %w", core.ErrSnapshot, err)
	}
	r.applySnapshot(rows, since)
	return nil
}

// ApplySnapshot replaces the roster wholesale and marks everyone in it as known.
// The local entry survives when the snapshot does not have it yet.
func (r *Reconciler) ApplySnapshot(rows []core.ParticipantRow) {
	r.applySnapshot(rows, latest)
}

// applySnapshot keeps the current state of every id merged after the fetch at since.
func (r *Reconciler) applySnapshot(rows []core.ParticipantRow, since uint64) {
	rows = slices.Clone(rows)
	slices.SortStableFunc(rows, func(a, b core.ParticipantRow) int { return a.UpdatedAt.Compare(b.UpdatedAt) })

	r.apply("snapshot", func(now time.Time, _ *effects) bool {
		prev, prevRows := r.participants, r.rows
		r.participants = make(map[domain.ParticipantID]domain.Participant, len(rows)+1)
		r.rows = make(map[domain.ParticipantID]core.ParticipantRow, len(rows))
		if self, ok := prev[r.opts.Self]; ok {
			r.participants[r.opts.Self] = self
		}
		newer := make(map[domain.ParticipantID]bool)
		for id := range r.touched {
			if !r.staleLocked(id, since) {
				continue
			}
			newer[id] = true
			if p, ok := prev[id]; ok {
				r.participants[id] = p
			}
			if row, ok := prevRows[id]; ok {
				r.rows[id] = row
			}
		}
		for _, row := range rows {
			if !r.ownRow(row) || newer[row.ParticipantID] {
				continue
			}
			r.mergeRowLocked(row, now)
			r.opts.Throttle.MarkKnown(row.ParticipantID)
		}
		r.logger.Info().Int("participants", len(r.participants)).Msg("snapshot applied")
		return true
	})
}

func (r *Reconciler) ownRow(row core.ParticipantRow) bool {
	if row.ParticipantID == "" {
		r.logger.Warn().Msg("row without participant id dropped")
		return false
	}
	if row.SessionID != "" && row.SessionID != r.opts.SessionID {
		r.logger.Warn().Str("row_session", string(row.SessionID)).Msg("row for another session dropped")
		return false
	}
	return true
}

// mergeRowLocked folds a persisted row into the map. Identity fields always come from the row;
// audio and share only when they changed against the last row and no live observation is fresher
// than the debounce window.
func (r *Reconciler) mergeRowLocked(row core.ParticipantRow, now time.Time) (domain.Participant, bool) {
	id := row.ParticipantID
	baseline, hasBaseline := r.rows[id]
	p, existed := r.participants[id]
	if !existed {
		p = domain.Participant{ID: id, JoinedAt: row.JoinedAt}
		if p.JoinedAt.IsZero() {
			p.JoinedAt = now
		}
	}

	p.DisplayName = row.DisplayName
	if p.DisplayName == "" {
		p.DisplayName = string(id)
	}
	p.AvatarURL = row.AvatarURL
	if row.Role != "" {
		p.Role = row.Role
	}
	if !row.JoinedAt.IsZero() {
		p.JoinedAt = row.JoinedAt
	}
	p.IsCurrentUser = id == r.opts.Self

	if !hasBaseline || baseline.AudioMuted != row.AudioMuted {
		if r.fresh(r.audioSeen[id], now) {
			if !existed {
				p.AudioMuted = !r.liveAudio[id]
			}
			r.logger.Debug().Str("participant", string(id)).Msg("row audio coalesced with live observation")
		} else {
			p.AudioMuted = row.AudioMuted
		}
	} else if !existed {
		p.AudioMuted = row.AudioMuted
	}

	shareChanged := hasBaseline && baseline.ScreenSharing != row.ScreenSharing
	if (shareChanged || (!hasBaseline && row.ScreenSharing)) && !r.fresh(r.shareSeen, now) {
		switch {
		case row.ScreenSharing:
			r.shareOwner = id
		case r.shareOwner == id:
			r.shareOwner = ""
		}
	}

	p.Normalize()
	r.participants[id] = p
	r.rows[id] = row
	r.touchLocked(id)
	return p, existed
}

func (r *Reconciler) fresh(seen, now time.Time) bool {
	return !seen.IsZero() && now.Sub(seen) < r.opts.FieldDebounce
}

// HandleRosterEvent merges one change-feed event. It never panics past this call.
func (r *Reconciler) HandleRosterEvent(ev core.RosterEvent) {
	if ev == nil || ev.ParticipantID() == "" {
		r.logger.Warn().Err(core.ErrMalformedEvent).Msg("roster event dropped")
		return
	}
	switch e := ev.(type) {
	case core.Inserted:
		r.applyInserted(e.Row, latest)
	case core.Updated:
		r.applyUpdated(e.New, latest)
	case core.Deleted:
		r.applyDeleted(e.Row.ParticipantID, latest)
	default:
		r.logger.Warn().Str("type", fmt.Sprintf("%T", ev)).Msg("unknown roster event dropped")
	}
}

func (r *Reconciler) applyInserted(row core.ParticipantRow, since uint64) {
	r.apply("insert", func(now time.Time, eff *effects) bool {
		if !r.ownRow(row) {
			return false
		}
		id := row.ParticipantID
		if r.staleLocked(id, since) {
			return false
		}
		if r.opts.Throttle.IsKnown(id) {
			r.mergeRowLocked(row, now)
			return true
		}
		p, _ := r.mergeRowLocked(row, now)
		r.opts.Throttle.MarkKnown(id)
		eff.add(func() {
			r.opts.Throttle.Request(notify.Join, core.Notice{
				Kind:          core.NoticeJoined,
				ParticipantID: id,
				DisplayName:   p.DisplayName,
				Message:       p.DisplayName + " joined",
			})
		})
		r.logger.Info().Str("participant", string(id)).Str("role", string(p.Role)).Msg("participant joined")
		return true
	})
}

func (r *Reconciler) applyUpdated(row core.ParticipantRow, since uint64) {
	r.apply("update", func(now time.Time, eff *effects) bool {
		if !r.ownRow(row) {
			return false
		}
		id := row.ParticipantID
		if r.staleLocked(id, since) {
			return false
		}
		prevOwner := r.shareOwner
		p, _ := r.mergeRowLocked(row, now)
		r.lastUpdate[id] = now
		r.opts.Throttle.MarkKnown(id)
		if r.shareOwner == id && prevOwner != id {
			r.statusNotice(eff, p, p.DisplayName+" started sharing")
		}
		return true
	})
}

func (r *Reconciler) statusNotice(eff *effects, p domain.Participant, msg string) {
	eff.add(func() {
		r.opts.Throttle.Request(notify.Status, core.Notice{
			Kind:          core.NoticeStatus,
			ParticipantID: p.ID,
			DisplayName:   p.DisplayName,
			Message:       msg,
		})
	})
}

// applyDeleted removes id. Feed deletes (since == latest) get the departure grace heuristic.
func (r *Reconciler) applyDeleted(id domain.ParticipantID, since uint64) {
	fromFeed := since == latest
	r.apply("delete", func(now time.Time, eff *effects) bool {
		if r.staleLocked(id, since) {
			return false
		}
		p, present := r.participants[id]
		r.dropLocked(id)
		if !present {
			return false
		}
		if id == r.opts.Self {
			return true
		}
		if last, ok := r.lastUpdate[id]; fromFeed && ok && now.Sub(last) < r.opts.DepartureGrace {
			r.logger.Debug().Str("participant", string(id)).Msg("delete right after update, treating as status churn")
			return true
		}
		r.departLocked(eff, p)
		return true
	})
}

func (r *Reconciler) dropLocked(id domain.ParticipantID) {
	r.touchLocked(id)
	delete(r.participants, id)
	delete(r.rows, id)
	delete(r.liveAudio, id)
	delete(r.audioSeen, id)
	if r.shareOwner == id {
		r.shareOwner = ""
	}
}

func (r *Reconciler) departLocked(eff *effects, p domain.Participant) {
	delete(r.lastUpdate, p.ID)
	eff.add(func() {
		r.opts.Throttle.Request(notify.Leave, core.Notice{
			Kind:          core.NoticeLeft,
			ParticipantID: p.ID,
			DisplayName:   p.DisplayName,
			Message:       p.DisplayName + " left",
		})
		r.opts.Throttle.Forget(p.ID)
	})
	r.logger.Info().Str("participant", string(p.ID)).Msg("participant left")
}

// HandleTransportEvent merges one transport callback.
func (r *Reconciler) HandleTransportEvent(ev core.TransportEvent) {
	if ev.UserID == "" {
		r.logger.Warn().Str("type", ev.Type.String()).Msg("transport event without user dropped")
		return
	}
	switch ev.Type {
	case core.UserJoined:
		r.transportJoined(ev.UserID)
	case core.UserLeft:
		r.transportLeft(ev.UserID)
	case core.MediaPublished, core.MediaUnpublished:
		published := ev.Type == core.MediaPublished
		switch ev.Kind {
		case core.MediaAudio:
			r.transportAudio(ev.UserID, published)
		case core.MediaVideo:
			r.transportVideo(ev.UserID, published)
		default:
			r.logger.Warn().Str("kind", string(ev.Kind)).Msg("unknown media kind dropped")
		}
	}
}

func (r *Reconciler) transportJoined(id domain.ParticipantID) {
	r.apply("user-joined", func(_ time.Time, eff *effects) bool {
		if id == r.opts.Self || r.opts.Throttle.IsKnown(id) {
			return false
		}
		r.opts.Throttle.MarkKnown(id)
		name := string(id)
		if p, ok := r.participants[id]; ok {
			name = p.DisplayName
		}
		eff.add(func() {
			r.opts.Throttle.Request(notify.Join, core.Notice{
				Kind:          core.NoticeJoined,
				ParticipantID: id,
				DisplayName:   name,
				Message:       name + " joined",
			})
		})
		return false
	})
}

func (r *Reconciler) transportLeft(id domain.ParticipantID) {
	r.apply("user-left", func(_ time.Time, eff *effects) bool {
		if id == r.opts.Self {
			return false
		}
		p, present := r.participants[id]
		r.dropLocked(id)
		if !present {
			p = domain.Participant{ID: id, DisplayName: string(id)}
		}
		if present || r.opts.Throttle.IsKnown(id) {
			r.departLocked(eff, p)
		}
		eff.add(func() { r.writeThrough("delete", id, nil) })
		return present
	})
}

func (r *Reconciler) transportAudio(id domain.ParticipantID, live bool) {
	r.apply("audio", func(now time.Time, eff *effects) bool {
		p, ok := r.participants[id]
		if ok && !p.Role.CanSpeak() {
			r.logger.Warn().Str("participant", string(id)).Msg("audio from listener ignored")
			return false
		}
		r.liveAudio[id] = live
		r.audioSeen[id] = now
		if !ok {
			return false
		}
		r.touchLocked(id)
		p.AudioMuted = !live
		p.Normalize()
		r.participants[id] = p
		if id != r.opts.Self {
			row := core.RowFromParticipant(r.opts.SessionID, p)
			eff.add(func() { r.writeThrough("audio", id, &row) })
		}
		return true
	})
}

func (r *Reconciler) transportVideo(id domain.ParticipantID, published bool) {
	r.apply("video", func(now time.Time, eff *effects) bool {
		r.shareSeen = now
		if !published {
			if r.shareOwner != id {
				return false
			}
			r.shareOwner = ""
			r.touchLocked(id)
			return true
		}
		prev := r.shareOwner
		r.shareOwner = id
		r.touchLocked(id)
		if prev != "" {
			r.touchLocked(prev)
		}
		if prev == r.opts.Self && id != r.opts.Self {
			r.lmu.Lock()
			fn := r.onInterrupted
			r.lmu.Unlock()
			if fn != nil {
				eff.add(func() { fn(id) })
			}
			r.logger.Info().Str("by", string(id)).Msg("local share pre-empted by remote publisher")
		}
		if p, ok := r.participants[id]; ok && prev != id && id != r.opts.Self {
			r.statusNotice(eff, p, p.DisplayName+" started sharing")
		}
		return prev != id
	})
}

type pendingWrite struct {
	op  string
	row *core.ParticipantRow
}

// writeQueue orders the write-through of one id. At most one drainer runs per queue.
type writeQueue struct {
	pending []pendingWrite
}

// writeThrough is advisory; the change-feed row stays the cross-client source of truth.
// Writes for one id run in order. A delete supersedes the writes still queued for the
// id, and row writes only ever update, so a late one cannot recreate a deleted row.
func (r *Reconciler) writeThrough(op string, id domain.ParticipantID, row *core.ParticipantRow) {
	if r.opts.Store == nil {
		return
	}
	r.wmu.Lock()
	defer r.wmu.Unlock()
	q, running := r.writes[id]
	if !running {
		q = &writeQueue{}
		r.writes[id] = q
	}
	if row == nil {
		if n := len(q.pending); n > 0 {
			r.logger.Debug().Str("participant", string(id)).Int("dropped", n).Msg("queued writes superseded by delete")
		}
		q.pending = q.pending[:0]
	}
	q.pending = append(q.pending, pendingWrite{op: op, row: row})
	if !running {
		r.bg.Go(func() { r.drainWrites(id, q) })
	}
}

func (r *Reconciler) drainWrites(id domain.ParticipantID, q *writeQueue) {
	for {
		r.wmu.Lock()
		if len(q.pending) == 0 {
			delete(r.writes, id)
			r.wmu.Unlock()
			return
		}
		w := q.pending[0]
		q.pending = q.pending[1:]
		r.wmu.Unlock()
		r.write(id, w)
	}
}

func (r *Reconciler) write(id domain.ParticipantID, w pendingWrite) {
	ctx, cancel := context.WithTimeout(context.Background(), r.opts.WriteTimeout)
	defer cancel()
	var err error
	if w.row != nil {
		_, err = r.opts.Store.Update(ctx, *w.row)
	} else {
		_, err = r.opts.Store.Delete(ctx, r.opts.SessionID, id)
	}
	if err != nil {
		r.logger.Debug().Err(err).Str("op", w.op).Str("participant", string(id)).Msg("write-through failed")
	}
}

// AddLocal inserts the optimistic entry for a participant without notifying.
func (r *Reconciler) AddLocal(p domain.Participant) {
	r.apply("add-local", func(now time.Time, _ *effects) bool {
		if cur, ok := r.participants[p.ID]; ok {
			cur.DisplayName = p.DisplayName
			cur.AvatarURL = p.AvatarURL
			cur.Role = p.Role
			cur.Normalize()
			r.participants[p.ID] = cur
		} else {
			if p.JoinedAt.IsZero() {
				p.JoinedAt = now
			}
			p.IsCurrentUser = p.ID == r.opts.Self
			p.Normalize()
			r.participants[p.ID] = p
		}
		r.touchLocked(p.ID)
		r.opts.Throttle.MarkKnown(p.ID)
		return true
	})
}

// UpdateLocal applies a local optimistic change to id. The id and the current-user flag
// cannot be changed; mute and share changes count as live observations.
func (r *Reconciler) UpdateLocal(id domain.ParticipantID, mutate func(*domain.Participant)) {
	r.apply("update-local", func(now time.Time, _ *effects) bool {
		p, ok := r.participants[id]
		if !ok {
			return false
		}
		next := p
		mutate(&next)
		next.ID = p.ID
		next.IsCurrentUser = p.IsCurrentUser
		next.Normalize()
		if next == p {
			return false
		}
		r.touchLocked(id)
		if next.AudioMuted != p.AudioMuted {
			r.audioSeen[id] = now
		}
		if next.ScreenSharing != p.ScreenSharing {
			r.shareSeen = now
			switch {
			case next.ScreenSharing:
				r.shareOwner = id
			case r.shareOwner == id:
				r.shareOwner = ""
			}
		}
		r.participants[id] = next
		return true
	})
}

// SetMuted records a local mute change for id.
func (r *Reconciler) SetMuted(id domain.ParticipantID, muted bool) {
	r.UpdateLocal(id, func(p *domain.Participant) { p.AudioMuted = muted })
}

// SetLocalShare moves the share owner for a local start or stop.
func (r *Reconciler) SetLocalShare(active bool) {
	r.apply("set-share", func(now time.Time, _ *effects) bool {
		self := r.opts.Self
		switch {
		case active && r.shareOwner != self:
			r.shareOwner = self
		case !active && r.shareOwner == self:
			r.shareOwner = ""
		default:
			return false
		}
		r.shareSeen = now
		r.touchLocked(self)
		return true
	})
}

// RemoveLocal drops id without a leave notice. Used for the local user's own exit.
func (r *Reconciler) RemoveLocal(id domain.ParticipantID) {
	r.apply("remove-local", func(time.Time, *effects) bool {
		_, ok := r.participants[id]
		r.dropLocked(id)
		return ok
	})
}

// Reconcile diffs a fetch against the map and applies only the delta through the same
// merge steps as the change-feed. since is the Version taken before the fetch began;
// ids merged after it keep their newer state. The local user is never removed here.
func (r *Reconciler) Reconcile(since uint64, rows []core.ParticipantRow) {
	seen := make(map[domain.ParticipantID]struct{}, len(rows))
	var inserts, updates []core.ParticipantRow

	r.mu.Lock()
	for _, row := range rows {
		if row.ParticipantID == "" || (row.SessionID != "" && row.SessionID != r.opts.SessionID) {
			continue
		}
		seen[row.ParticipantID] = struct{}{}
		if r.staleLocked(row.ParticipantID, since) {
			continue
		}
		_, present := r.participants[row.ParticipantID]
		last, hasRow := r.rows[row.ParticipantID]
		switch {
		case !present:
			inserts = append(inserts, row)
		case !hasRow || rowDiffers(last, row):
			updates = append(updates, row)
		}
	}
	var gone []domain.ParticipantID
	for id := range r.participants {
		if _, ok := seen[id]; !ok && id != r.opts.Self && !r.staleLocked(id, since) {
			gone = append(gone, id)
		}
	}
	r.mu.Unlock()

	for _, row := range inserts {
		r.applyInserted(row, since)
	}
	for _, row := range updates {
		r.applyUpdated(row, since)
	}
	for _, id := range gone {
		r.applyDeleted(id, since)
	}
	if n := len(inserts) + len(updates) + len(gone); n > 0 {
		r.logger.Info().Int("inserted", len(inserts)).Int("updated", len(updates)).Int("deleted", len(gone)).Msg("reconcile pass repaired roster")
	}
}

func rowDiffers(a, b core.ParticipantRow) bool {
	return a.DisplayName != b.DisplayName ||
		a.AvatarURL != b.AvatarURL ||
		a.Role != b.Role ||
		a.AudioMuted != b.AudioMuted ||
		a.ScreenSharing != b.ScreenSharing
}

// Drain waits for background write-through to finish.
func (r *Reconciler) Drain() {
	r.bg.Wait()
}

// Dispose stops all merging and drops listeners.
func (r *Reconciler) Dispose() {
	r.mu.Lock()
	r.disposed = true
	r.mu.Unlock()

	r.lmu.Lock()
	clear(r.listeners)
	r.onInterrupted = nil
	r.lmu.Unlock()

	r.bg.Wait()
}
