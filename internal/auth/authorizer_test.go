package auth

import (
	"testing"

	"adrelay/internal/domain"
)

const (
	itChat = "-100111"
	hrChat = "-100222"
)

func sessionIn(dept string) *domain.Session {
	return &domain.Session{UserID: "u1", Identity: domain.Identity{Department: dept}}
}

func TestRoleOf(t *testing.T) {
	cases := map[string]domain.Role{
		"IT":                     domain.RoleITAdmin,
		"it":                     domain.RoleITAdmin,
		"Information Technology": domain.RoleITAdmin,
		"IT Operations":          domain.RoleITAdmin,
		"Corporate IT":           domain.RoleITAdmin,
		"HR":                     domain.RoleHRUser,
		"Human Resources":        domain.RoleHRUser,
		"HR-Payroll":             domain.RoleHRUser,
		"Engineering":            domain.RoleStandardUser,
		"Digital":                domain.RoleStandardUser,
		"Chrome":                 domain.RoleStandardUser,
		"":                       domain.RoleStandardUser,
	}
	for dept, want := range cases {
		if got := RoleOf(sessionIn(dept)); got != want {
			t.Errorf("RoleOf(%q) = %s, want %s", dept, got, want)
		}
	}

	if got := RoleOf(nil); got != domain.RoleUnauthenticated {
		t.Fatalf("RoleOf(nil) = %s, want UNAUTHENTICATED", got)
	}
}

func TestCanExecute_HR(t *testing.T) {
	a := NewAuthorizer(itChat, hrChat)

	if a.CanExecute(domain.RoleHRUser, domain.ActionEnableAgent, hrChat) {
		t.Error("HR must not run enable-agent")
	}
	if !a.CanExecute(domain.RoleHRUser, domain.ActionDisableUser, hrChat) {
		t.Error("HR should run disable-user in the HR chat")
	}
	if !a.CanExecute(domain.RoleHRUser, domain.ActionRevokeSessions, hrChat) {
		t.Error("HR should run revoke-sessions in the HR chat")
	}
	if a.CanExecute(domain.RoleHRUser, domain.ActionDisableUser, itChat) {
		t.Error("HR must not run commands in the IT chat")
	}
	for _, action := range []domain.Action{
		domain.ActionUnlockUser, domain.ActionEnableUser, domain.ActionResetPassword, domain.ActionDisableAgent,
	} {
		if a.CanExecute(domain.RoleHRUser, action, hrChat) {
			t.Errorf("HR must not run %s", action)
		}
	}
}

func TestCanExecute_ITAdmin(t *testing.T) {
	a := NewAuthorizer(itChat, hrChat)

	for _, action := range domain.Actions {
		if !a.CanExecute(domain.RoleITAdmin, action, itChat) {
			t.Errorf("IT admin should run %s in the IT chat", action)
		}
	}
	if a.CanExecute(domain.RoleITAdmin, domain.ActionDisableUser, hrChat) {
		t.Error("IT admin must not run commands in the HR chat")
	}
	if a.CanExecute(domain.RoleITAdmin, domain.ActionDisableUser, "-100999") {
		t.Error("IT admin must not run commands in an unknown chat")
	}
}

func TestCanExecute_OtherRolesDenied(t *testing.T) {
	a := NewAuthorizer(itChat, hrChat)
	for _, role := range []domain.Role{domain.RoleStandardUser, domain.RoleUnauthenticated} {
		for _, chat := range []string{itChat, hrChat} {
			if a.CanExecute(role, domain.ActionDisableUser, chat) {
				t.Errorf("%s must be denied in %s", role, chat)
			}
		}
	}
}

func TestCanExecute_UnconfiguredChats(t *testing.T) {
	a := NewAuthorizer("", "")
	if a.CanExecute(domain.RoleITAdmin, domain.ActionUnlockUser, "") {
		t.Fatal("empty chat id must never match an unconfigured chat")
	}
}

func TestIsHRDepartment(t *testing.T) {
	if !IsHRDepartment("HR") || !IsHRDepartment("Human Resources") {
		t.Fatal("expected HR departments to match")
	}
	if IsHRDepartment("Engineering") || IsHRDepartment("Three") {
		t.Fatal("unexpected HR match")
	}
}
