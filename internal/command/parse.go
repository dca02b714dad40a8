// Package command parses command lines and routes them to the active
// dispatch strategy.
package command

import (
	"fmt"
	"strings"

	"adrelay/internal/domain"
)

// DefaultTrigger marks a message as a command line.
const DefaultTrigger = "!"

// ParseError is a malformed command line. Message is shown to the user as is.
type ParseError struct {
	Message string
}

func (e *ParseError) Error() string { return e.Message }

var (
	ErrNotCommand    = &ParseError{Message: "Not a command."}
	ErrMissingTarget = &ParseError{Message: "Please provide a target (username, email, or IP/hostname) for the command."}
)

// IsCommand reports whether text starts with the trigger.
func IsCommand(text, trigger string) bool {
	return strings.HasPrefix(strings.TrimSpace(text), triggerOrDefault(trigger))
}

// Parse splits a command line into action and target. The action is
// lower-cased and stripped of the trigger; unknown actions parse fine and
// are rejected by the router.
func Parse(raw, trigger string) (domain.Command, error) {
	trigger = triggerOrDefault(trigger)
	text := strings.TrimSpace(raw)

	parts := strings.Fields(text)
	if len(parts) == 0 || !strings.HasPrefix(parts[0], trigger) {
		return domain.Command{}, ErrNotCommand
	}
	if len(parts) < 2 {
		return domain.Command{}, ErrMissingTarget
	}

	action := strings.ToLower(strings.TrimPrefix(parts[0], trigger))
	if action == "" {
		return domain.Command{}, ErrNotCommand
	}

	return domain.Command{
		Action:  domain.Action(action),
		Target:  parts[1],
		Trigger: trigger,
		Raw:     text,
	}, nil
}

func triggerOrDefault(trigger string) string {
	if trigger == "" {
		return DefaultTrigger
	}
	return trigger
}

// HelpText lists the command vocabulary.
func HelpText(trigger string) string {
	t := triggerOrDefault(trigger)
	var b strings.Builder
	b.WriteString("AD Commands Bot Help\n\n")
	b.WriteString("User Management:\n")
	fmt.Fprintf(&b, "  %sunlock-user <username> - Unlock a user account\n", t)
	fmt.Fprintf(&b, "  %senable-user <username> - Enable a user account\n", t)
	fmt.Fprintf(&b, "  %sdisable-user <username> - Disable a user account\n", t)
	fmt.Fprintf(&b, "  %sreset-password <username> - Reset password for next login\n", t)
	fmt.Fprintf(&b, "  %srevoke-sessions <email> - Revoke all user sessions\n", t)
	b.WriteString("\nEndpoint Control:\n")
	fmt.Fprintf(&b, "  %senable-agent <ip/hostname> - Enable Sentinel One agent for 3 hours\n", t)
	fmt.Fprintf(&b, "  %sdisable-agent <ip/hostname> - Disable Sentinel One agent for 3 hours\n", t)
	fmt.Fprintf(&b, "\nNote: HR chat members can only use %sdisable-user and %srevoke-sessions.\n", t, t)
	b.WriteString("All commands require a signed-in session with MFA.")
	return b.String()
}
