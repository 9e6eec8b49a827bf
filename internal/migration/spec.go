package migration

import (
	"fmt"
	"os"

	"kumo/internal/driver"
	"kumo/internal/staging"

	"gopkg.in/yaml.v3"
)

// Spec is a migration request: one virtual machine moved from the source
// account to the destination account
type Spec struct {
	VirtualMachine     string             `json:"virtual_machine" yaml:"virtual_machine"`
	SourceAccount      driver.AccountSpec `json:"source_account" yaml:"source_account"`
	DestinationAccount driver.AccountSpec `json:"destination_account" yaml:"destination_account"`
}

// specWrapper accepts documents with a "migration:" root key
type specWrapper struct {
	Migration *Spec `yaml:"migration"`
}

// ParseSpec decodes a YAML or JSON migration document and validates it
func ParseSpec(data []byte) (*Spec, error) {
	var wrapper specWrapper
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, fmt.Errorf("failed to parse migration document: %w", err)
	}

	spec := wrapper.Migration
	if spec == nil {
		spec = &Spec{}
		if err := yaml.Unmarshal(data, spec); err != nil {
			return nil, fmt.Errorf("failed to parse migration document: %w", err)
		}
	}

	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return spec, nil
}

// LoadSpec reads a migration document from path
func LoadSpec(path string) (*Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read migration document: %w", err)
	}
	return ParseSpec(data)
}

// Validate checks the VM name and both accounts
func (s *Spec) Validate() error {
	if err := staging.ValidName(s.VirtualMachine); err != nil {
		return fmt.Errorf("virtual_machine: %w", err)
	}
	if err := s.SourceAccount.Validate(); err != nil {
		return fmt.Errorf("source_account: %w", err)
	}
	if err := s.DestinationAccount.Validate(); err != nil {
		return fmt.Errorf("destination_account: %w", err)
	}
	return nil
}

// Account returns the account for one side
func (s *Spec) Account(side Side) driver.AccountSpec {
	if side == Destination {
		return s.DestinationAccount
	}
	return s.SourceAccount
}
