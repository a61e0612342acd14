package org

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// RoleFile is the YAML document format for seeding roles.
//
//	roles:
//	  - id: researcher
//	    name: Researcher
//	    role_prompt: |
//	      You research topics and report findings to your parent.
type RoleFile struct {
	Roles []Role `yaml:"roles"`
}

// LoadRoleFile parses a YAML role seed file.
func LoadRoleFile(path string) ([]Role, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var file RoleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	for i, r := range file.Roles {
		if r.ID == "" {
			return nil, fmt.Errorf("%s: role %d missing id", path, i)
		}
		if r.Name == "" {
			return nil, fmt.Errorf("%s: role %q missing name", path, r.ID)
		}
	}
	return file.Roles, nil
}

// SeedRoles writes roles into the store, replacing existing ids.
func SeedRoles(ctx context.Context, s *SQLiteStore, roles []Role) error {
	for _, r := range roles {
		if err := s.PutRole(ctx, r); err != nil {
			return fmt.Errorf("seed role %q: %w", r.ID, err)
		}
	}
	return nil
}
