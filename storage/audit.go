package storage

import (
	"context"
	"encoding/json"

	"boardsync-api/domain"
)

// AuditRecord is handed off to the external audit persister via the queue.
type AuditRecord struct {
	ActorID   string          `json:"actorId"`
	ProjectID string          `json:"projectId"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// EnqueueAudit sends an applied mutation to the audit queue. Delivery is
// best-effort; audit persistence is owned by a downstream consumer.
func (s *Storage) EnqueueAudit(ctx context.Context, rec AuditRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = s.auditQueue.EnqueueMessage(ctx, string(data), nil)
	return err
}

// AuditFromEnvelope builds the audit record for a committed event envelope.
func AuditFromEnvelope(actorID, projectID string, env domain.Envelope, ts int64) AuditRecord {
	return AuditRecord{
		ActorID:   actorID,
		ProjectID: projectID,
		Type:      env.Type,
		Payload:   env.Payload,
		Timestamp: ts,
	}
}
