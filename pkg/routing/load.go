package routing

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

type registryFile struct {
	Domains []DomainConfig `yaml:"domains"`
}

// LoadFile reads a YAML registry of the form
//
//	domains:
//	  - name: hr
//	    endpoint: http://mcp-hr:3101
//	    requiredRoles: [hr-read, hr-write]
func LoadFile(path string) ([]DomainConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read domain registry: %w", err)
	}
	var reg registryFile
	if err := yaml.Unmarshal(data, &reg); err != nil {
		return nil, fmt.Errorf("parse domain registry %s: %w", path, err)
	}
	if err := Validate(reg.Domains); err != nil {
		return nil, fmt.Errorf("domain registry %s: %w", path, err)
	}
	return reg.Domains, nil
}

// ParseSpec parses the compact env form "name=url|role,role;name=url|role".
func ParseSpec(spec string) ([]DomainConfig, error) {
	var out []DomainConfig
	for _, entry := range strings.Split(spec, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, rest, ok := strings.Cut(entry, "=")
		if !ok {
			return nil, fmt.Errorf("domain entry %q: expected name=url|roles", entry)
		}
		endpoint, roles, ok := strings.Cut(rest, "|")
		if !ok {
			return nil, fmt.Errorf("domain entry %q: missing required roles", entry)
		}
		d := DomainConfig{
			Name:     strings.TrimSpace(name),
			Endpoint: strings.TrimRight(strings.TrimSpace(endpoint), "/"),
		}
		for _, role := range strings.Split(roles, ",") {
			if role = strings.TrimSpace(role); role != "" {
				d.RequiredRoles = append(d.RequiredRoles, role)
			}
		}
		out = append(out, d)
	}
	if err := Validate(out); err != nil {
		return nil, err
	}
	return out, nil
}

func Validate(domains []DomainConfig) error {
	if len(domains) == 0 {
		return errors.New("no domains configured")
	}
	seen := map[string]struct{}{}
	for i, d := range domains {
		if err := validate.Struct(d); err != nil {
			return fmt.Errorf("domain %d (%q): %w", i, d.Name, err)
		}
		if _, dup := seen[d.Name]; dup {
			return fmt.Errorf("duplicate domain %q", d.Name)
		}
		seen[d.Name] = struct{}{}
	}
	return nil
}
