package domain

import "time"

// Identity holds the profile attributes captured at sign-in.
type Identity struct {
	DisplayName       string `json:"displayName"`
	UserPrincipalName string `json:"userPrincipalName"`
	Mail              string `json:"mail"`
	JobTitle          string `json:"jobTitle"`
	Department        string `json:"department"`
}

// Session is time-bounded proof that a user completed the sign-in handshake.
type Session struct {
	ID          string
	UserID      string
	Identity    Identity
	IssuedAt    time.Time
	Timeout     time.Duration
	MFAVerified bool
}

// Role is the authorization class derived from a session.
type Role string

const (
	RoleITAdmin         Role = "IT_ADMIN"
	RoleHRUser          Role = "HR_USER"
	RoleStandardUser    Role = "STANDARD_USER"
	RoleUnauthenticated Role = "UNAUTHENTICATED"
)
