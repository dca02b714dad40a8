package directory

import (
	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"adrelay/internal/domain"
)

// fileDoc is the on-disk layout of a directory file:
//
//	users:
//	  - displayName: Jane Doe
//	    userPrincipalName: jdoe@corp.example.com
//	    samAccountName: jdoe
//	    department: IT
type fileDoc struct {
	Users []domain.TargetRecord `yaml:"users"`
}

// File is a static directory loaded from YAML, for lab deployments and tests.
type File struct {
	users   []domain.TargetRecord
	domains []string
}

// LoadFile reads a YAML directory file.
func LoadFile(path string, domains []string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read directory file: %w", err)
	}
	var doc fileDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse directory file %s: %w", path, err)
	}
	return NewFile(doc.Users, domains), nil
}

// NewFile builds a File directory from in-memory records.
func NewFile(users []domain.TargetRecord, domains []string) *File {
	return &File{users: users, domains: domains}
}

// Len returns the number of entries.
func (f *File) Len() int { return len(f.users) }

func (f *File) ByUsername(_ context.Context, username string) (*domain.TargetRecord, error) {
	for i := range f.users {
		u := &f.users[i]
		if u.SAMAccountName != "" && strings.EqualFold(u.SAMAccountName, username) {
			return clone(u), nil
		}
		if f.upnMatches(u.UserPrincipalName, username) {
			return clone(u), nil
		}
	}
	return nil, nil
}

func (f *File) ByEmail(_ context.Context, email string) (*domain.TargetRecord, error) {
	for i := range f.users {
		u := &f.users[i]
		if strings.EqualFold(u.Mail, email) || strings.EqualFold(u.UserPrincipalName, email) {
			return clone(u), nil
		}
	}
	return nil, nil
}

func (f *File) upnMatches(upn, username string) bool {
	if upn == "" {
		return false
	}
	if len(f.domains) == 0 {
		local, _, _ := strings.Cut(upn, "@")
		return strings.EqualFold(local, username)
	}
	for _, d := range f.domains {
		if strings.EqualFold(upn, username+"@"+d) {
			return true
		}
	}
	return false
}

func clone(r *domain.TargetRecord) *domain.TargetRecord {
	c := *r
	return &c
}
