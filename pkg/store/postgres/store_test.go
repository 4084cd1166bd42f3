package postgres

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vango-go/vai-assistant/pkg/core"
	"github.com/vango-go/vai-assistant/pkg/core/types"
)

func sampleRecord(id string) types.SessionRecord {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return types.SessionRecord{
		SessionID: id,
		AgentID:   "front-desk",
		Reason:    "client_terminated",
		StartedAt: start,
		EndedAt:   start.Add(90 * time.Second),
		Vars:      map[string]string{"caller": "Ada"},
		NodePath:  []string{"greet", "book"},
		Transcript: []types.Turn{
			{ID: "t1", Speaker: types.SpeakerUser, Stage: types.StageTranscription, NodeID: "greet", Text: "hi", At: start.Add(time.Second),
				Observations: []types.Observation{{Category: types.CategoryTranscription, Unit: types.UnitAudioSecond, Quantity: 2, UnitPrice: 0.01}}},
			{ID: "t2", Speaker: types.SpeakerAgent, Stage: types.StageGeneration, NodeID: "greet", Text: "hello Ada", Truncated: true, At: start.Add(2 * time.Second)},
		},
		Costs:      map[types.Category]float64{types.CategoryTranscription: 0.02},
		Quantities: map[string]float64{"stt_seconds": 2},
		Breakdown:  types.CostBreakdown{Base: 0.02, PlatformFeePercent: 7, PlatformFee: 0.0014, Total: 0.0214},
	}
}

func TestRecordArgs(t *testing.T) {
	rec := sampleRecord("sess_1")
	args, err := recordArgs(rec)
	require.NoError(t, err)
	require.Len(t, args, 15)

	assert.Equal(t, "sess_1", args[0])
	assert.Equal(t, int64(90000), args[6])
	assert.JSONEq(t, `{"caller":"Ada"}`, string(args[7].([]byte)))
	assert.Equal(t, []string{"greet", "book"}, args[8])
	assert.JSONEq(t, `{"transcription":0.02}`, string(args[9].([]byte)))
	assert.Equal(t, 0.0214, args[14])
}

func TestRecordArgs_NilCollections(t *testing.T) {
	args, err := recordArgs(types.SessionRecord{SessionID: "sess_2"})
	require.NoError(t, err)

	assert.Equal(t, []byte("{}"), args[7])
	assert.Equal(t, []string{}, args[8])
	assert.Equal(t, []byte("{}"), args[10])
}

func TestTurnRows(t *testing.T) {
	rec := sampleRecord("sess_1")
	rows, err := turnRows(rec)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	for _, row := range rows {
		require.Len(t, row, len(turnColumns))
	}

	assert.Equal(t, int32(0), rows[0][1])
	assert.Equal(t, "user", rows[0][3])
	assert.InDelta(t, 0.02, rows[0][8], 1e-9)
	assert.Equal(t, true, rows[1][7])

	turns, err := decodeTurns([][]byte{rows[0][10].([]byte), rows[1][10].([]byte)})
	require.NoError(t, err)
	assert.Equal(t, rec.Transcript, turns)
}

func TestDecodeTurns_BadPayload(t *testing.T) {
	_, err := decodeTurns([][]byte{[]byte(`{"id":`)})
	require.Error(t, err)
}

func TestDecodeJSONColumns(t *testing.T) {
	var rec types.SessionRecord
	err := decodeJSONColumns(&rec, []byte(`{"a":"b"}`), []byte(`{"generation":1.5}`), []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "b"}, rec.Vars)
	assert.Equal(t, 1.5, rec.Costs[types.CategoryGeneration])
	assert.Empty(t, rec.Quantities)
}

// TestStore_RoundTrip runs against a real database when
// VAI_ASSISTANT_TEST_DATABASE_URL is set.
func TestStore_RoundTrip(t *testing.T) {
	dsn := os.Getenv("VAI_ASSISTANT_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("VAI_ASSISTANT_TEST_DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, err := Open(ctx, dsn, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.Ping(ctx))

	rec := sampleRecord("sess_" + uuid.NewString())
	require.NoError(t, store.Record(ctx, rec))
	// A duplicate delivery is a no-op.
	require.NoError(t, store.Record(ctx, rec))

	got, err := store.Get(ctx, rec.SessionID)
	require.NoError(t, err)
	assert.Equal(t, rec.AgentID, got.AgentID)
	assert.Equal(t, rec.NodePath, got.NodePath)
	assert.Equal(t, rec.Breakdown, got.Breakdown)
	assert.True(t, rec.StartedAt.Equal(got.StartedAt))
	require.Len(t, got.Transcript, len(rec.Transcript))
	assert.Equal(t, rec.Transcript[1].Text, got.Transcript[1].Text)

	want, _ := json.Marshal(rec.Transcript[0].Observations)
	have, _ := json.Marshal(got.Transcript[0].Observations)
	assert.JSONEq(t, string(want), string(have))

	_, err = store.Get(ctx, "sess_missing_"+uuid.NewString())
	assert.True(t, core.IsType(err, core.ErrNotFound), "err=%v", err)
}
