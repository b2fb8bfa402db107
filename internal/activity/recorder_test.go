package activity

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guest-lock-manager/access-engine/internal/logging"
	"github.com/guest-lock-manager/access-engine/internal/storage"
	"github.com/guest-lock-manager/access-engine/internal/storage/models"
	"github.com/guest-lock-manager/access-engine/internal/storage/storagetest"
	"github.com/guest-lock-manager/access-engine/internal/websocket"
)

func TestRecorder_RecordPersistsAndBroadcasts(t *testing.T) {
	db := storagetest.New(t)
	repo := storage.NewActivityRepository(db)

	hub := websocket.NewHub(logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)
	client := websocket.NewClient(hub)
	hub.Register(client)

	rec := NewRecorder(repo, hub, logging.Discard())

	// A cancelled caller context still records.
	callCtx, callCancel := context.WithCancel(context.Background())
	callCancel()
	rec.Record(callCtx, Entry{
		EventType: models.EventCodeFailed,
		BookingID: "b1",
		LockID:    "front",
		Actor:     models.ActorSystem,
		Detail:    "Code creation failed",
		Metadata:  map[string]any{"attempts": 4},
	})

	entries, err := repo.List(context.Background(), storage.ActivityFilter{BookingID: "b1"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, models.EventCodeFailed, entries[0].EventType)
	assert.Equal(t, "front", *entries[0].LockID)
	assert.Nil(t, entries[0].CodeID)
	assert.JSONEq(t, `{"attempts":4}`, string(entries[0].Metadata))

	select {
	case raw := <-client.Send():
		var msg websocket.Message
		require.NoError(t, json.Unmarshal(raw, &msg))
		assert.Equal(t, websocket.TypeActivityAppended, msg.Type)
	case <-time.After(time.Second):
		t.Fatal("activity not broadcast")
	}
}
