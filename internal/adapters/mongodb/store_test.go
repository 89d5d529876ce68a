package mongodb

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/dkeye/Stage/internal/core"
	"github.com/dkeye/Stage/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
)

func TestDocumentToRow(t *testing.T) {
	joined := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	row, err := documentToRow(participantDocument{
		SessionID:     "s",
		ParticipantID: "p",
		DisplayName:   "Ada",
		Role:          "Coach",
		AudioMuted:    true,
		JoinedAt:      joined,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.RoleCoach, row.Role)
	assert.Equal(t, domain.ParticipantID("p"), row.ParticipantID)
	assert.True(t, row.AudioMuted)
	assert.Equal(t, joined, row.JoinedAt)

	_, err = documentToRow(participantDocument{ParticipantID: "p", Role: "janitor"})
	assert.ErrorIs(t, err, domain.ErrUnknownRole)
}

func TestUpsertUpdate(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	row := core.ParticipantRow{
		SessionID:     "s",
		ParticipantID: "p",
		DisplayName:   "Ada",
		Role:          domain.RoleStudent,
		ScreenSharing: true,
	}

	update := upsertUpdate(row, now)
	set := update["$set"].(bson.M)
	assert.Equal(t, "student", set["role"])
	assert.Equal(t, true, set["screen_sharing"])
	assert.Equal(t, now, set["updated_at"])
	assert.NotContains(t, set, "joined_at", "joined_at is only written on insert")
	assert.Equal(t, now, update["$setOnInsert"].(bson.M)["joined_at"])

	assert.Equal(t, bson.M{"session_id": "s", "participant_id": "p"}, key("s", "p"))
}

func TestUpdateOnlyNeverInserts(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	update := updateOnly(core.ParticipantRow{SessionID: "s", ParticipantID: "p", Role: domain.RoleStudent, AudioMuted: true}, now)

	assert.NotContains(t, update, "$setOnInsert")
	set := update["$set"].(bson.M)
	assert.Equal(t, true, set["audio_muted"])
	assert.Equal(t, now, set["updated_at"])
}

func TestMapError(t *testing.T) {
	assert.NoError(t, mapError(nil, "op"))
	assert.ErrorIs(t, mapError(mongo.ErrNoDocuments, "op"), core.ErrNotFound)

	unauthorized := mongo.CommandError{Code: codeUnauthorized, Message: "not authorized"}
	assert.ErrorIs(t, mapError(unauthorized, "op"), core.ErrPersistenceAuth)
	assert.ErrorIs(t, mapError(fmt.Errorf("wrapped: %w", unauthorized), "op"), core.ErrPersistenceAuth)

	other := errors.New("socket closed")
	err := mapError(other, "op")
	assert.ErrorIs(t, err, other)
	assert.NotErrorIs(t, err, core.ErrPersistenceAuth)
}
