package domain

import "time"

// AuditAction вид события в журнале аудита.
type AuditAction string

const (
	AuditDecisionRequested  AuditAction = "decision_requested"
	AuditDecisionReturned   AuditAction = "decision_returned"
	AuditModelRegistered    AuditAction = "model_registered"
	AuditModelStatusChanged AuditAction = "model_status_changed"
	AuditModelDeployed      AuditAction = "model_deployed"
	AuditModelRevoked       AuditAction = "model_revoked"
	AuditApprovalSubmitted  AuditAction = "approval_submitted"
	AuditApprovalApproved   AuditAction = "approval_approved"
	AuditApprovalRejected   AuditAction = "approval_rejected"
	AuditAlertAcknowledged  AuditAction = "alert_acknowledged"
)

// AuditRecord неизменяемая запись журнала. Операций update/delete не существует.
type AuditRecord struct {
	AuditID    string                 `json:"auditId"`
	Sequence   int64                  `json:"sequence"`
	Timestamp  time.Time              `json:"timestamp"`
	Action     AuditAction            `json:"action"`
	Actor      string                 `json:"actor"`
	EntityType string                 `json:"entityType"`
	EntityID   string                 `json:"entityId"`
	Details    map[string]interface{} `json:"details,omitempty"`
	PrevHash   string                 `json:"prevHash"`
	Hash       string                 `json:"hash"`
}
