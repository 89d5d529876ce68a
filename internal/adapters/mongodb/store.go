// Package mongodb persists the participant roster in MongoDB, one document per
// (session_id, participant_id).
package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/Stage/internal/core"
	"github.com/dkeye/Stage/internal/domain"
	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// Server codes for Unauthorized and AuthenticationFailed.
const (
	codeUnauthorized         = 13
	codeAuthenticationFailed = 18
)

type participantDocument struct {
	SessionID     string    `bson:"session_id"`
	ParticipantID string    `bson:"participant_id"`
	DisplayName   string    `bson:"display_name"`
	AvatarURL     string    `bson:"avatar_url,omitempty"`
	Role          string    `bson:"role"`
	AudioMuted    bool      `bson:"audio_muted"`
	ScreenSharing bool      `bson:"screen_sharing"`
	JoinedAt      time.Time `bson:"joined_at"`
	UpdatedAt     time.Time `bson:"updated_at"`
}

func documentToRow(d participantDocument) (core.ParticipantRow, error) {
	role, err := domain.ParseRole(d.Role)
	if err != nil {
		return core.ParticipantRow{}, fmt.Errorf("participant %s: %w", d.ParticipantID, err)
	}
	return core.ParticipantRow{
		SessionID:     domain.SessionID(d.SessionID),
		ParticipantID: domain.ParticipantID(d.ParticipantID),
		DisplayName:   d.DisplayName,
		AvatarURL:     d.AvatarURL,
		Role:          role,
		AudioMuted:    d.AudioMuted,
		ScreenSharing: d.ScreenSharing,
		JoinedAt:      d.JoinedAt,
		UpdatedAt:     d.UpdatedAt,
	}, nil
}

func key(sid domain.SessionID, pid domain.ParticipantID) bson.M {
	return bson.M{"session_id": string(sid), "participant_id": string(pid)}
}

func mutableFields(row core.ParticipantRow, now time.Time) bson.M {
	return bson.M{
		"display_name":   row.DisplayName,
		"avatar_url":     row.AvatarURL,
		"role":           string(row.Role),
		"audio_muted":    row.AudioMuted,
		"screen_sharing": row.ScreenSharing,
		"updated_at":     now,
	}
}

// upsertUpdate overwrites the mutable fields and keeps the first joined_at.
func upsertUpdate(row core.ParticipantRow, now time.Time) bson.M {
	joined := row.JoinedAt
	if joined.IsZero() {
		joined = now
	}
	return bson.M{
		"$set":         mutableFields(row, now),
		"$setOnInsert": bson.M{"joined_at": joined.UTC()},
	}
}

// updateOnly touches the mutable fields of an existing document and never inserts.
func updateOnly(row core.ParticipantRow, now time.Time) bson.M {
	return bson.M{"$set": mutableFields(row, now)}
}

// mapError turns driver errors into core sentinels.
func mapError(err error, op string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, mongo.ErrNoDocuments) {
		return fmt.Errorf("%s: %w", op, core.ErrNotFound)
	}
	var se mongo.ServerError
	if errors.As(err, &se) && (se.HasErrorCode(codeUnauthorized) || se.HasErrorCode(codeAuthenticationFailed)) {
		return fmt.Errorf("%s: %w: %w", op, core.ErrPersistenceAuth, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

type Store struct {
	collection *mongo.Collection
	clock      clock.Clock
}

func NewStore(collection *mongo.Collection, c clock.Clock) *Store {
	if c == nil {
		c = clock.New()
	}
	return &Store{collection: collection, clock: c}
}

// Connect opens a client and verifies it with a ping.
func Connect(ctx context.Context, uri string, timeout time.Duration) (*mongo.Client, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping: %w", err)
	}
	log.Info().Str("module", "adapters.mongo").Msg("connected")
	return client, nil
}

// EnsureIndexes creates the unique conflict key. Idempotent.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	model := mongo.IndexModel{
		Keys:    bson.D{{Key: "session_id", Value: 1}, {Key: "participant_id", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("idx_participants_session_participant_unique"),
	}
	if _, err := s.collection.Indexes().CreateOne(ctx, model); err != nil {
		return fmt.Errorf("failed to create participant index: %w", err)
	}
	return nil
}

func (s *Store) Fetch(ctx context.Context, sid domain.SessionID) ([]core.ParticipantRow, error) {
	cursor, err := s.collection.Find(ctx, bson.M{"session_id": string(sid)})
	if err != nil {
		return nil, mapError(err, "fetch participants")
	}
	defer cursor.Close(ctx)

	var docs []participantDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, mapError(err, "decode participants")
	}
	rows := make([]core.ParticipantRow, 0, len(docs))
	for _, d := range docs {
		row, err := documentToRow(d)
		if err != nil {
			log.Warn().Str("module", "adapters.mongo").Err(err).Msg("skipping bad participant document")
			continue
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func (s *Store) Upsert(ctx context.Context, row core.ParticipantRow) (*core.ParticipantRow, error) {
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.Before)
	update := upsertUpdate(row, s.clock.Now().UTC())

	var prev participantDocument
	err := s.collection.FindOneAndUpdate(ctx, key(row.SessionID, row.ParticipantID), update, opts).Decode(&prev)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, mapError(err, "upsert participant")
	}
	out, err := documentToRow(prev)
	if err != nil {
		return nil, nil
	}
	return &out, nil
}

// Update rewrites an existing row and returns core.ErrNotFound when there is none.
func (s *Store) Update(ctx context.Context, row core.ParticipantRow) (*core.ParticipantRow, error) {
	opts := options.FindOneAndUpdate().SetReturnDocument(options.Before)
	update := updateOnly(row, s.clock.Now().UTC())

	var prev participantDocument
	err := s.collection.FindOneAndUpdate(ctx, key(row.SessionID, row.ParticipantID), update, opts).Decode(&prev)
	if err != nil {
		return nil, mapError(err, "update participant")
	}
	out, err := documentToRow(prev)
	if err != nil {
		return nil, nil
	}
	return &out, nil
}

func (s *Store) Delete(ctx context.Context, sid domain.SessionID, pid domain.ParticipantID) (*core.ParticipantRow, error) {
	var prev participantDocument
	err := s.collection.FindOneAndDelete(ctx, key(sid, pid)).Decode(&prev)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, mapError(err, "delete participant")
	}
	out, err := documentToRow(prev)
	if err != nil {
		return nil, nil
	}
	return &out, nil
}
