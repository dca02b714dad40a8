package command

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"adrelay/internal/dispatch"
	"adrelay/internal/domain"
)

// defaultDepartment routes targets whose directory entry has no department,
// and every endpoint command.
const defaultDepartment = "IT"

// LookupLog persists directory lookups made while routing.
type LookupLog interface {
	RecordLookup(ctx context.Context, rec domain.LookupRecord) error
}

// RouterConfig configures a Router.
type RouterConfig struct {
	Directory domain.Directory
	Strategy  dispatch.Strategy
	LookupLog LookupLog // optional
	Logger    *slog.Logger
}

// Router maps a parsed command to its handler: directory check for identity
// targets, then one call to the dispatch strategy. It holds no per-request
// state, so concurrent Route calls are independent.
type Router struct {
	directory domain.Directory
	strategy  dispatch.Strategy
	lookupLog LookupLog
	logger    *slog.Logger
}

func NewRouter(cfg RouterConfig) *Router {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		directory: cfg.Directory,
		strategy:  cfg.Strategy,
		lookupLog: cfg.LookupLog,
		logger:    logger,
	}
}

// Route runs a command and always returns a result; collaborator errors and
// panics become failed results.
func (r *Router) Route(ctx context.Context, cmd domain.Command, actor domain.Actor) (result domain.DispatchResult) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("panic while routing command", "command", cmd.Raw, "panic", p)
			result = failed(cmd, fmt.Errorf("internal error"))
		}
	}()

	if !cmd.Action.Known() {
		return domain.DispatchResult{
			Message: fmt.Sprintf("Unknown command: %s%s. Type any message to see available commands.", cmd.Trigger, cmd.Action),
		}
	}

	r.logger.Info("processing command",
		"action", cmd.Action,
		"target", cmd.Target,
		"actor", actor.Name,
		"chat_id", actor.ChatID,
	)
	ctx = domain.WithActor(ctx, actor)

	switch cmd.Action.TargetKind() {
	case domain.TargetEndpoint:
		return r.dispatch(ctx, cmd, nil, defaultDepartment)

	default:
		rec, err := r.resolve(ctx, cmd, actor)
		if err != nil {
			r.logger.Error("directory lookup failed", "action", cmd.Action, "target", cmd.Target, "error", err)
			return failed(cmd, err)
		}
		if rec == nil {
			return domain.DispatchResult{Message: notFoundMessage(cmd)}
		}
		dept := rec.Department
		if dept == "" {
			dept = defaultDepartment
		}
		return r.dispatch(ctx, cmd, rec, dept)
	}
}

func (r *Router) resolve(ctx context.Context, cmd domain.Command, actor domain.Actor) (*domain.TargetRecord, error) {
	if r.directory == nil {
		return nil, fmt.Errorf("no directory configured")
	}

	kind := cmd.Action.TargetKind()
	var (
		rec *domain.TargetRecord
		err error
	)
	if kind == domain.TargetEmail {
		rec, err = r.directory.ByEmail(ctx, cmd.Target)
	} else {
		rec, err = r.directory.ByUsername(ctx, cmd.Target)
	}

	if r.lookupLog != nil {
		lr := domain.LookupRecord{
			Kind:      kind,
			Value:     cmd.Target,
			ActorID:   actor.ID,
			ActorName: actor.Name,
			Found:     rec != nil,
			Target:    rec,
			Timestamp: time.Now().UTC(),
		}
		if err != nil {
			lr.Error = err.Error()
		}
		if lerr := r.lookupLog.RecordLookup(ctx, lr); lerr != nil {
			r.logger.Warn("failed to record lookup", "target", cmd.Target, "error", lerr)
		}
	}
	return rec, err
}

func (r *Router) dispatch(ctx context.Context, cmd domain.Command, rec *domain.TargetRecord, department string) domain.DispatchResult {
	if r.strategy == nil {
		return failed(cmd, fmt.Errorf("no dispatch strategy configured"))
	}

	res, err := r.strategy.Execute(ctx, cmd, department)
	if err != nil {
		r.logger.Error("dispatch failed", "strategy", r.strategy.Name(), "command", cmd.Canonical(), "error", err)
		return failed(cmd, err)
	}
	if !res.Success {
		return domain.DispatchResult{
			Message:   fmt.Sprintf("%s failed: %s", cmd.Action, res.Message),
			Reference: res.Reference,
		}
	}

	return domain.DispatchResult{
		Success:   true,
		Message:   fmt.Sprintf("Command '%s' %s. %s", cmd.Canonical(), res.Message, outcome(cmd, rec)),
		Reference: res.Reference,
	}
}

func failed(cmd domain.Command, err error) domain.DispatchResult {
	return domain.DispatchResult{Message: fmt.Sprintf("%s failed: %v", cmd.Action, err)}
}

func notFoundMessage(cmd domain.Command) string {
	if cmd.Action.TargetKind() == domain.TargetEmail {
		return fmt.Sprintf("User with email '%s' not found in Active Directory.", cmd.Target)
	}
	return fmt.Sprintf("User '%s' not found in Active Directory.", cmd.Target)
}

// outcome describes what will happen once the automation runs.
func outcome(cmd domain.Command, rec *domain.TargetRecord) string {
	var display string
	if rec != nil {
		display = rec.DisplayName
	}
	switch cmd.Action {
	case domain.ActionUnlockUser:
		return fmt.Sprintf("User '%s' (%s) will be unlocked.", cmd.Target, display)
	case domain.ActionEnableUser:
		return fmt.Sprintf("User '%s' (%s) will be enabled.", cmd.Target, display)
	case domain.ActionDisableUser:
		return fmt.Sprintf("User '%s' (%s) will be disabled.", cmd.Target, display)
	case domain.ActionResetPassword:
		return fmt.Sprintf("Password for user '%s' (%s) will be reset for next login.", cmd.Target, display)
	case domain.ActionRevokeSessions:
		upn := cmd.Target
		if rec != nil && rec.UserPrincipalName != "" {
			upn = rec.UserPrincipalName
		}
		return fmt.Sprintf("All sessions for user '%s' (%s) will be revoked.", upn, display)
	case domain.ActionEnableAgent:
		return fmt.Sprintf("Sentinel One agent for '%s' will be enabled for 3 hours.", cmd.Target)
	case domain.ActionDisableAgent:
		return fmt.Sprintf("Sentinel One agent for '%s' will be disabled for 3 hours.", cmd.Target)
	default:
		return ""
	}
}
