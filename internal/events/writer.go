package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"rtwline/internal/db"
	"rtwline/internal/domain"
)

// Provenance identifies where a state-changing request came from.
type Provenance struct {
	OriginAddress string
	ClientID      string
}

// Record is one audit event to append. The event type is derived from the
// metadata variant.
type Record struct {
	ActorID      string
	OrgID        string
	ResourceType string
	ResourceID   string
	Metadata     domain.AuditMetadata
	Provenance   Provenance
}

type Writer struct {
	Now func() time.Time
}

// Append inserts rec inside tx. It never commits; the caller's transaction
// decides whether the event and the state change persist together.
func (w Writer) Append(ctx context.Context, tx *sqlx.Tx, rec Record) (int64, error) {
	if rec.Metadata == nil {
		return 0, errors.New("audit metadata required")
	}
	if rec.ActorID == "" || rec.OrgID == "" || rec.ResourceID == "" {
		return 0, errors.New("audit actor, organization and resource are required")
	}
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	ts := db.FormatTime(now())
	data, err := json.Marshal(rec.Metadata)
	if err != nil {
		return 0, fmt.Errorf("marshal audit metadata: %w", err)
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO audit_events(ts,type,actor_id,org_id,resource_type,resource_id,metadata_json,origin_address,client_id) VALUES (?,?,?,?,?,?,?,?,?)`,
		ts, rec.Metadata.EventType(), rec.ActorID, rec.OrgID, rec.ResourceType, rec.ResourceID, string(data),
		nullable(rec.Provenance.OriginAddress), nullable(rec.Provenance.ClientID))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// DecodeMetadata restores the metadata variant stored for evtType.
func DecodeMetadata(evtType string, raw []byte) (domain.AuditMetadata, error) {
	var (
		md  domain.AuditMetadata
		err error
	)
	switch evtType {
	case domain.EventPlanTransitioned, domain.EventPlanConfirmed:
		var m domain.TransitionMetadata
		err = json.Unmarshal(raw, &m)
		md = m
	case domain.EventPlanOverridden:
		var m domain.OverrideMetadata
		err = json.Unmarshal(raw, &m)
		md = m
	case domain.EventTreatmentExtended:
		var m domain.ExtensionMetadata
		err = json.Unmarshal(raw, &m)
		md = m
	case domain.EventCaseOpened:
		var m domain.CaseOpenedMetadata
		err = json.Unmarshal(raw, &m)
		md = m
	default:
		return nil, fmt.Errorf("unknown audit event type %q", evtType)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s metadata: %w", evtType, err)
	}
	return md, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
