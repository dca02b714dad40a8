package domain

import (
	"context"
	"strings"
)

// Action is the verb of a relay command.
type Action string

const (
	ActionUnlockUser     Action = "unlock-user"
	ActionEnableUser     Action = "enable-user"
	ActionDisableUser    Action = "disable-user"
	ActionResetPassword  Action = "reset-password"
	ActionRevokeSessions Action = "revoke-sessions"
	ActionEnableAgent    Action = "enable-agent"
	ActionDisableAgent   Action = "disable-agent"
)

// Actions lists the recognized command vocabulary in help order.
var Actions = []Action{
	ActionUnlockUser,
	ActionEnableUser,
	ActionDisableUser,
	ActionResetPassword,
	ActionRevokeSessions,
	ActionEnableAgent,
	ActionDisableAgent,
}

// Known reports whether a is part of the recognized vocabulary.
func (a Action) Known() bool {
	for _, k := range Actions {
		if a == k {
			return true
		}
	}
	return false
}

// TargetKind describes what a command's target identifies.
type TargetKind string

const (
	TargetUsername TargetKind = "username"
	TargetEmail    TargetKind = "email"
	TargetEndpoint TargetKind = "endpoint"
	TargetUnknown  TargetKind = "unknown"
)

// TargetKind returns the kind of target the action expects.
func (a Action) TargetKind() TargetKind {
	switch a {
	case ActionUnlockUser, ActionEnableUser, ActionDisableUser, ActionResetPassword:
		return TargetUsername
	case ActionRevokeSessions:
		return TargetEmail
	case ActionEnableAgent, ActionDisableAgent:
		return TargetEndpoint
	default:
		return TargetUnknown
	}
}

// Keyword is the underscore form used by the remote execution API (unlock_user).
func (a Action) Keyword() string {
	if !a.Known() {
		return "unknown"
	}
	return strings.ReplaceAll(string(a), "-", "_")
}

// Command is a parsed command line. Target is never empty.
type Command struct {
	Action  Action
	Target  string
	Trigger string // prefix character the command was typed with
	Raw     string
}

// Canonical returns the normalized command text sent downstream ("!unlock-user jdoe").
func (c Command) Canonical() string {
	return c.Trigger + string(c.Action) + " " + c.Target
}

// Actor identifies who issued a command and where.
type Actor struct {
	ID        string
	Name      string
	ChatID    string
	SessionID string
}

// DispatchResult is the single response contract for every command outcome.
type DispatchResult struct {
	Success   bool
	Message   string
	Reference string // downstream tracking id, when the backend returns one
}

// TargetRecord is a directory entry resolved for a command target.
type TargetRecord struct {
	ID                 string `json:"id" yaml:"id"`
	DisplayName        string `json:"displayName" yaml:"displayName"`
	UserPrincipalName  string `json:"userPrincipalName" yaml:"userPrincipalName"`
	Mail               string `json:"mail" yaml:"mail"`
	SAMAccountName     string `json:"onPremisesSamAccountName" yaml:"samAccountName"`
	AccountEnabled     bool   `json:"accountEnabled" yaml:"accountEnabled"`
	Department         string `json:"department" yaml:"department"`
	JobTitle           string `json:"jobTitle" yaml:"jobTitle"`
	LastPasswordChange string `json:"lastPasswordChangeDateTime,omitempty" yaml:"lastPasswordChange,omitempty"`
}

// Directory resolves human-supplied identifiers. A nil record with a nil
// error means the target does not exist.
type Directory interface {
	ByUsername(ctx context.Context, username string) (*TargetRecord, error)
	ByEmail(ctx context.Context, email string) (*TargetRecord, error)
}

type actorKey struct{}

// WithActor attaches the issuing actor to ctx for downstream loggers.
func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

// ActorFrom returns the actor attached by WithActor.
func ActorFrom(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(actorKey{}).(Actor)
	return a, ok
}
