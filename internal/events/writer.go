package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"suasflow/internal/db"
)

// Event types written by the core.
const (
	ReferralCreated   = "referral.created"
	ReferralAdvanced  = "referral.advanced"
	ReferralFeedback  = "referral.feedback"
	ReferralReminded  = "referral.reminded"
	ReferralCancelled = "referral.cancelled"
	RuleSeeded        = "automation.rule.seeded"
	RuleUpdated       = "automation.rule.updated"
	RuleExecuted      = "automation.rule.executed"
	TaskCreated       = "automation.task.created"
)

type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes an event row inside tx so it commits atomically with the
// change it describes.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, municipalityID, entityKind, entityID, actorID string, payload EventPayload) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	if actorID == "" {
		actorID = "system"
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,municipality_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		db.FormatTime(now()), evtType, nullable(municipalityID), entityKind, nullable(entityID), actorID, string(data))
	if err != nil {
		return fmt.Errorf("append event %s: %w", evtType, err)
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
