package automation

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"suasflow/internal/config"
	"suasflow/internal/db"
)

// IdempotencyKey identifies one task per rule, entity and period.
func IdempotencyKey(ruleKey, entityType, entityID, period string) string {
	sum := sha256.Sum256([]byte(strings.Join([]string{ruleKey, entityType, entityID, period}, "|")))
	return hex.EncodeToString(sum[:])
}

// Period names the idempotency window of a proposed task. In condition mode
// it is the anchor of the condition, so a new task appears only after the
// condition resolves and reoccurs. In daily mode it is the calendar day of
// now in loc.
func Period(mode string, anchor, now time.Time, loc *time.Location) string {
	if mode == config.PeriodDaily {
		if loc == nil {
			loc = time.UTC
		}
		return now.In(loc).Format("2006-01-02")
	}
	return db.FormatTime(anchor)
}
