package domain

import (
	"context"
	"time"
)

type AuditStatus string

const (
	AuditSuccess AuditStatus = "SUCCESS"
	AuditFailed  AuditStatus = "FAILED"
)

// StatusOf maps a dispatch outcome to its audit status.
func StatusOf(r DispatchResult) AuditStatus {
	if r.Success {
		return AuditSuccess
	}
	return AuditFailed
}

// AuditRecord is one command attempt. Records are append-only.
type AuditRecord struct {
	ID        int64       `json:"id"`
	Timestamp time.Time   `json:"timestamp"`
	ActorID   string      `json:"userId"`
	ActorName string      `json:"userName"`
	ChatID    string      `json:"chatId"`
	Command   string      `json:"command"`
	Status    AuditStatus `json:"result"`
	Details   string      `json:"details"`
	SessionID string      `json:"sessionId,omitempty"`
}

// AuditRecorder persists audit records.
type AuditRecorder interface {
	Record(ctx context.Context, rec AuditRecord) error
}

// ExecutionRecord is one call to the remote execution API.
type ExecutionRecord struct {
	CommandID  string        `json:"commandId,omitempty"`
	Command    string        `json:"command"`
	ActorID    string        `json:"userId"`
	ActorName  string        `json:"userName"`
	Status     AuditStatus   `json:"status"`
	HTTPStatus int           `json:"httpStatus,omitempty"`
	Response   string        `json:"response,omitempty"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"executionTime"`
	Timestamp  time.Time     `json:"timestamp"`
}

// LookupRecord is one directory lookup made while routing a command.
type LookupRecord struct {
	Kind      TargetKind    `json:"lookupType"`
	Value     string        `json:"lookupValue"`
	ActorID   string        `json:"userId"`
	ActorName string        `json:"userName"`
	Found     bool          `json:"userFound"`
	Error     string        `json:"error,omitempty"`
	Target    *TargetRecord `json:"targetUserInfo,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}
