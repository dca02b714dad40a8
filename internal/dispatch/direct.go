package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"adrelay/internal/directory"
	"adrelay/internal/domain"
)

const (
	payloadSource = "adrelay"
	agentDuration = "3h"
	agentType     = "sentinel_one"
)

// Payload is the body of an execute call.
type Payload struct {
	Command    string     `json:"command"`
	Timestamp  time.Time  `json:"timestamp"`
	Source     string     `json:"source"`
	Parameters Parameters `json:"parameters"`
}

// Parameters describe the action for the execution API.
type Parameters struct {
	Action     string            `json:"action"`
	Target     string            `json:"target"`
	TargetType domain.TargetKind `json:"targetType"`
	Domain     string            `json:"domain,omitempty"`
	Duration   string            `json:"duration,omitempty"`
	Options    map[string]any    `json:"options,omitempty"`
}

// BuildParameters shapes the per-action parameters. Identity commands carry
// a domain; agent commands carry a fixed duration and agent type.
func BuildParameters(cmd domain.Command, defaultDomain string) Parameters {
	p := Parameters{
		Action:     cmd.Action.Keyword(),
		Target:     cmd.Target,
		TargetType: cmd.Action.TargetKind(),
	}
	switch p.TargetType {
	case domain.TargetUsername, domain.TargetEmail:
		p.Domain = directory.DetermineDomain(cmd.Target, defaultDomain)
	case domain.TargetEndpoint:
		p.Duration = agentDuration
		p.Options = map[string]any{"agentType": agentType}
	}
	if cmd.Action == domain.ActionResetPassword {
		p.Options = map[string]any{"forceChangeAtNextLogon": true}
	}
	return p
}

// Executor is the remote execution API as the Direct strategy needs it.
type Executor interface {
	Execute(ctx context.Context, payload Payload) (ExecutorResponse, error)
}

// ExecutionLog persists execute calls.
type ExecutionLog interface {
	RecordExecution(ctx context.Context, rec domain.ExecutionRecord) error
}

// DirectConfig configures the Direct strategy.
type DirectConfig struct {
	Executor      Executor
	DefaultDomain string
	ExecutionLog  ExecutionLog // optional
	Logger        *slog.Logger
}

// Direct calls the execution API synchronously and reports its verdict.
type Direct struct {
	executor      Executor
	defaultDomain string
	execLog       ExecutionLog
	logger        *slog.Logger
	now           func() time.Time
}

func NewDirect(cfg DirectConfig) *Direct {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Direct{
		executor:      cfg.Executor,
		defaultDomain: cfg.DefaultDomain,
		execLog:       cfg.ExecutionLog,
		logger:        logger,
		now:           time.Now,
	}
}

func (d *Direct) Name() string { return StrategyDirect }

// Execute never retries. The department is unused: the API routes by action.
func (d *Direct) Execute(ctx context.Context, cmd domain.Command, _ string) (domain.DispatchResult, error) {
	if d.executor == nil {
		return domain.DispatchResult{}, fmt.Errorf("direct: no executor configured")
	}

	payload := Payload{
		Command:    cmd.Canonical(),
		Timestamp:  d.now().UTC(),
		Source:     payloadSource,
		Parameters: BuildParameters(cmd, d.defaultDomain),
	}

	start := time.Now()
	resp, err := d.executor.Execute(ctx, payload)
	elapsed := time.Since(start)

	rec := domain.ExecutionRecord{
		Command:   payload.Command,
		Duration:  elapsed,
		Timestamp: payload.Timestamp,
	}
	if actor, ok := domain.ActorFrom(ctx); ok {
		rec.ActorID, rec.ActorName = actor.ID, actor.Name
	}

	var result domain.DispatchResult
	switch {
	case err != nil:
		rec.Status = domain.AuditFailed
		rec.Error = err.Error()
		result = domain.DispatchResult{Message: fmt.Sprintf("execution API unreachable: %v", err)}
		d.logger.Error("direct execute failed", "command", payload.Command, "error", err)

	case !resp.OK():
		rec.Status = domain.AuditFailed
		rec.HTTPStatus = resp.StatusCode
		rec.Response = string(resp.Body)
		result = domain.DispatchResult{
			Message: fmt.Sprintf("execution API error: %d - %s", resp.StatusCode, snippet(resp.Body)),
		}
		d.logger.Error("direct execute rejected", "command", payload.Command, "status", resp.StatusCode)

	default:
		rec.Status = domain.AuditSuccess
		rec.HTTPStatus = resp.StatusCode
		rec.Response = string(resp.Body)
		rec.CommandID = resp.CommandID()
		msg := "accepted by the execution API"
		if rec.CommandID != "" {
			msg += fmt.Sprintf(" (id %s)", rec.CommandID)
		}
		result = domain.DispatchResult{Success: true, Message: msg, Reference: rec.CommandID}
		d.logger.Info("direct execute accepted",
			"command", payload.Command,
			"status", resp.StatusCode,
			"command_id", rec.CommandID,
			"duration_ms", elapsed.Milliseconds(),
		)
	}

	if d.execLog != nil {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := d.execLog.RecordExecution(lctx, rec); err != nil {
			d.logger.Error("failed to record execution", "command", payload.Command, "error", err)
		}
	}
	return result, nil
}
