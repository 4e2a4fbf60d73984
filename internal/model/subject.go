package model

import "time"

// The accessors below let a persisted event be evaluated by the rule engine
// through its Subject interface.

func (e *CanonicalEvent) EventRef() int64 { return e.ID }

func (e *CanonicalEvent) Site() string { return e.SiteCode }

func (e *CanonicalEvent) OccurredAt() time.Time { return e.Timestamp }

func (e *CanonicalEvent) EventCategory() string { return e.Category }

func (e *CanonicalEvent) Severity() string { return e.Status }

// Messages returns the normalized and raw message texts.
func (e *CanonicalEvent) Messages() (string, string) {
	return e.NormalizedMessage, e.RawMessage
}
