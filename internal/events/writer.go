package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"obrasurbanas/internal/domain"
)

// Type prefixes every lifecycle event type.
const Type = "obra."

type Payload map[string]any

// New builds an event for obraID stamped with now.
func New(op string, obraID int64, actorID string, payload Payload, now time.Time) (domain.Event, error) {
	if payload == nil {
		payload = Payload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return domain.Event{}, fmt.Errorf("marshal event payload: %w", err)
	}
	if actorID == "" {
		actorID = "system"
	}
	return domain.Event{
		TS:      now.UTC().Format(time.RFC3339),
		Type:    Type + op,
		ObraID:  obraID,
		ActorID: actorID,
		Payload: string(data),
	}, nil
}

// Execer is satisfied by *sql.DB and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type Writer struct {
	Now func() time.Time
}

// Append inserts evt, filling TS when it is empty.
func (w Writer) Append(ctx context.Context, db Execer, evt domain.Event) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	if evt.TS == "" {
		evt.TS = w.Now().UTC().Format(time.RFC3339)
	}
	if evt.Payload == "" {
		evt.Payload = "{}"
	}
	_, err := db.ExecContext(ctx, `INSERT INTO events(ts,type,obra_id,actor_id,payload_json) VALUES (?,?,?,?,?)`,
		evt.TS, evt.Type, evt.ObraID, evt.ActorID, evt.Payload)
	return err
}
