// Package coretest provides in-memory fakes of the core ports for tests.
package coretest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/Stage/internal/core"
	"github.com/dkeye/Stage/internal/domain"
)

type rowKey struct {
	sid domain.SessionID
	pid domain.ParticipantID
}

// Store is an in-memory core.ParticipantStore.
type Store struct {
	mu   sync.Mutex
	rows map[rowKey]core.ParticipantRow

	FetchErr  error
	DeleteErr error
	// OnFetch runs at the start of every fetch, outside the store lock.
	OnFetch func()
	// OnUpsert runs before every upsert; a non-nil error fails the write.
	OnUpsert func(core.ParticipantRow) error
	// OnUpdate runs before every update; a non-nil error fails the write.
	OnUpdate func(core.ParticipantRow) error

	Upserts []core.ParticipantRow
	Updates []core.ParticipantRow
	Deletes []domain.ParticipantID
	Fetches int
}

func NewStore(rows ...core.ParticipantRow) *Store {
	s := &Store{rows: make(map[rowKey]core.ParticipantRow)}
	for _, r := range rows {
		s.rows[rowKey{r.SessionID, r.ParticipantID}] = r
	}
	return s
}

func (s *Store) Fetch(_ context.Context, sid domain.SessionID) ([]core.ParticipantRow, error) {
	s.mu.Lock()
	hook := s.OnFetch
	s.mu.Unlock()
	if hook != nil {
		hook()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.Fetches++
	if s.FetchErr != nil {
		return nil, s.FetchErr
	}
	out := make([]core.ParticipantRow, 0, len(s.rows))
	for k, r := range s.rows {
		if k.sid == sid {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *Store) Upsert(_ context.Context, row core.ParticipantRow) (*core.ParticipantRow, error) {
	s.mu.Lock()
	hook := s.OnUpsert
	s.mu.Unlock()
	if hook != nil {
		if err := hook(row); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.Upserts = append(s.Upserts, row)
	k := rowKey{row.SessionID, row.ParticipantID}
	prev, ok := s.rows[k]
	s.rows[k] = row
	if !ok {
		return nil, nil
	}
	return &prev, nil
}

func (s *Store) Update(_ context.Context, row core.ParticipantRow) (*core.ParticipantRow, error) {
	s.mu.Lock()
	hook := s.OnUpdate
	s.mu.Unlock()
	if hook != nil {
		if err := hook(row); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.Updates = append(s.Updates, row)
	k := rowKey{row.SessionID, row.ParticipantID}
	prev, ok := s.rows[k]
	if !ok {
		return nil, fmt.Errorf("update %s: %w", row.ParticipantID, core.ErrNotFound)
	}
	row.JoinedAt = prev.JoinedAt
	s.rows[k] = row
	return &prev, nil
}

func (s *Store) Delete(_ context.Context, sid domain.SessionID, pid domain.ParticipantID) (*core.ParticipantRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Deletes = append(s.Deletes, pid)
	if s.DeleteErr != nil {
		return nil, s.DeleteErr
	}
	k := rowKey{sid, pid}
	prev, ok := s.rows[k]
	if !ok {
		return nil, nil
	}
	delete(s.rows, k)
	return &prev, nil
}

func (s *Store) Put(row core.ParticipantRow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[rowKey{row.SessionID, row.ParticipantID}] = row
}

func (s *Store) Remove(sid domain.SessionID, pid domain.ParticipantID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, rowKey{sid, pid})
}

func (s *Store) Row(sid domain.SessionID, pid domain.ParticipantID) (core.ParticipantRow, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[rowKey{sid, pid}]
	return r, ok
}

func (s *Store) UpsertCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Upserts)
}

func (s *Store) UpdateCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Updates)
}

func (s *Store) DeleteCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Deletes)
}

// Feed is a core.ChangeFeed driven by Emit.
type Feed struct {
	mu           sync.Mutex
	handler      core.RosterHandler
	SubscribeErr error
	Subscribed   int
	Unsubscribed int
}

func (f *Feed) Subscribe(_ context.Context, _ domain.SessionID, h core.RosterHandler) (core.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SubscribeErr != nil {
		return nil, f.SubscribeErr
	}
	f.Subscribed++
	f.handler = h
	return subscription{f}, nil
}

type subscription struct{ f *Feed }

func (s subscription) Unsubscribe() {
	s.f.mu.Lock()
	defer s.f.mu.Unlock()
	s.f.Unsubscribed++
	s.f.handler = nil
}

// Emit delivers ev to the current subscriber, if any.
func (f *Feed) Emit(ev core.RosterEvent) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

// Track is a core.LocalTrack.
type Track struct {
	mu      sync.Mutex
	kind    core.MediaKind
	enabled bool
	closed  bool
	Res     core.Resolution
	// EnableErr fails SetEnabled.
	EnableErr error
}

func NewTrack(kind core.MediaKind) *Track { return &Track{kind: kind, enabled: true} }

func (t *Track) Kind() core.MediaKind { return t.kind }

func (t *Track) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *Track) SetEnabled(v bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.EnableErr != nil {
		return t.EnableErr
	}
	t.enabled = v
	return nil
}

func (t *Track) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *Track) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Transport is a core.MediaTransport handing out one Client.
type Transport struct {
	mu sync.Mutex

	Client *Client
	// ConnectFailures fails that many Connect calls before succeeding.
	ConnectFailures int
	Connects        int
	AudioErr        error
	// OnConnect runs inside every Connect before it returns.
	OnConnect func()
	// ScreenOK lists cascade names that open; empty means all do.
	ScreenOK     map[string]bool
	ScreenTried  []string
	AudioTracks  []*Track
	ScreenTracks []*Track
}

func NewTransport() *Transport {
	return &Transport{Client: &Client{}}
}

var ErrConnect = errors.New("connect refused")

func (t *Transport) Connect(context.Context, core.Credentials) (core.MediaClient, error) {
	t.mu.Lock()
	hook := t.OnConnect
	t.mu.Unlock()
	if hook != nil {
		hook()
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.Connects++
	if t.ConnectFailures > 0 {
		t.ConnectFailures--
		return nil, ErrConnect
	}
	return t.Client, nil
}

func (t *Transport) CreateAudioTrack(context.Context, core.AudioConstraints) (core.LocalTrack, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.AudioErr != nil {
		return nil, t.AudioErr
	}
	tr := NewTrack(core.MediaAudio)
	t.AudioTracks = append(t.AudioTracks, tr)
	return tr, nil
}

func (t *Transport) CreateScreenVideoTrack(_ context.Context, res core.Resolution) (core.LocalTrack, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ScreenTried = append(t.ScreenTried, res.Name)
	if len(t.ScreenOK) > 0 && !t.ScreenOK[res.Name] {
		return nil, errors.New("resolution unavailable")
	}
	tr := NewTrack(core.MediaVideo)
	tr.Res = res
	t.ScreenTracks = append(t.ScreenTracks, tr)
	return tr, nil
}

// Client is a core.MediaClient recording every call.
type Client struct {
	mu      sync.Mutex
	handler func(core.TransportEvent)

	JoinErr    error
	PublishErr error
	// LeaveGate, when set, blocks Leave until closed.
	LeaveGate chan struct{}

	Joins       []domain.ChannelID
	Published   []core.LocalTrack
	Unpublished []core.LocalTrack
	Leaves      int
}

func (c *Client) Join(_ context.Context, ch domain.ChannelID, _ domain.Identity) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Joins = append(c.Joins, ch)
	return c.JoinErr
}

func (c *Client) Publish(_ context.Context, t core.LocalTrack) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.PublishErr != nil {
		return c.PublishErr
	}
	c.Published = append(c.Published, t)
	return nil
}

func (c *Client) Unpublish(_ context.Context, t core.LocalTrack) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Unpublished = append(c.Unpublished, t)
	return nil
}

func (c *Client) Leave(ctx context.Context) error {
	c.mu.Lock()
	c.Leaves++
	gate := c.LeaveGate
	c.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (c *Client) OnEvent(fn func(core.TransportEvent)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = fn
}

// Emit delivers ev to the registered callback.
func (c *Client) Emit(ev core.TransportEvent) {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

func (c *Client) LeaveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Leaves
}

func (c *Client) PublishCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.Published)
}

// Notices collects notices.
type Notices struct {
	mu   sync.Mutex
	list []core.Notice
}

func (n *Notices) Notify(x core.Notice) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.list = append(n.list, x)
}

func (n *Notices) All() []core.Notice {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]core.Notice(nil), n.list...)
}

// Count returns how many notices of kind were seen.
func (n *Notices) Count(kind core.NoticeKind) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, x := range n.list {
		if x.Kind == kind {
			c++
		}
	}
	return c
}

// Tokens is a core.TokenSource returning a fixed token.
type Tokens struct {
	mu    sync.Mutex
	Err   error
	Calls int
}

func (t *Tokens) Token(_ context.Context, ch domain.ChannelID, _ domain.Identity) (core.Credentials, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Calls++
	if t.Err != nil {
		return core.Credentials{}, t.Err
	}
	return core.Credentials{Token: "tok-" + string(ch), ChannelID: ch}, nil
}

// Recorder is a core.Recorder handing out sequential ids.
type Recorder struct {
	mu       sync.Mutex
	StartErr error
	Started  []domain.ChannelID
	Stopped  []domain.RecordingID
}

func (r *Recorder) Start(_ context.Context, ch domain.ChannelID) (domain.RecordingID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.StartErr != nil {
		return "", r.StartErr
	}
	r.Started = append(r.Started, ch)
	return domain.RecordingID(fmt.Sprintf("rec-%d", len(r.Started))), nil
}

func (r *Recorder) Stop(_ context.Context, id domain.RecordingID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Stopped = append(r.Stopped, id)
	return nil
}
