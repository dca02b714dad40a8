// Package auth decides who may run which command where, and runs the
// sign-in handshake that produces sessions.
package auth

import (
	"strings"

	"adrelay/internal/domain"
)

// hrAllowed is the fixed set of actions HR users may run.
var hrAllowed = map[domain.Action]bool{
	domain.ActionDisableUser:    true,
	domain.ActionRevokeSessions: true,
}

// Authorizer applies the per-command role check.
type Authorizer struct {
	itChatID string
	hrChatID string
}

// NewAuthorizer creates an Authorizer for the given department chats.
func NewAuthorizer(itChatID, hrChatID string) *Authorizer {
	return &Authorizer{itChatID: itChatID, hrChatID: hrChatID}
}

// RoleOf classifies a session by its department attribute.
//
// Matching is a fuzzy heuristic: case-insensitive, with the short codes
// "IT" and "HR" matched as whole words and the long forms matched as
// substrings. "IT Operations" is IT, "Digital" is not.
func RoleOf(sess *domain.Session) domain.Role {
	if sess == nil {
		return domain.RoleUnauthenticated
	}
	dept := strings.ToLower(sess.Identity.Department)
	switch {
	case hasWord(dept, "it") || strings.Contains(dept, "information technology"):
		return domain.RoleITAdmin
	case hasWord(dept, "hr") || strings.Contains(dept, "human resources"):
		return domain.RoleHRUser
	default:
		return domain.RoleStandardUser
	}
}

// hasWord reports whether s contains w as a standalone alphanumeric token.
func hasWord(s, w string) bool {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
	for _, f := range fields {
		if f == w {
			return true
		}
	}
	return false
}

// CanExecute reports whether role may run action in chatID. IT admins may
// run anything, but only in the IT chat. HR users may run the HR allow-list,
// only in the HR chat. Everything else is denied.
func (a *Authorizer) CanExecute(role domain.Role, action domain.Action, chatID string) bool {
	if chatID == "" {
		return false
	}
	switch role {
	case domain.RoleITAdmin:
		return chatID == a.itChatID
	case domain.RoleHRUser:
		return chatID == a.hrChatID && hrAllowed[action]
	default:
		return false
	}
}

// IsHRDepartment reports whether a directory department routes to HR.
func IsHRDepartment(department string) bool {
	d := strings.ToLower(department)
	return hasWord(d, "hr") || strings.Contains(d, "human resources")
}
