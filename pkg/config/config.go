// Package config loads the canon parameters: the versioned governance
// thresholds every proposal must satisfy before it can be queued.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// EnvCanonFile names the environment variable pointing at a canon profile.
const EnvCanonFile = "KEEL_CANON_FILE"

// CanonParams are the governance thresholds used by phase-2 proposal
// validation and the Human-Gate decision.
type CanonParams struct {
	// RequiredConstitutionSections must all appear among a proposal's
	// constitution_refs.
	RequiredConstitutionSections []string `yaml:"required_constitution_sections" json:"required_constitution_sections"`

	// MinConfirmations is the floor for stability.k_confirmations.
	MinConfirmations int64 `yaml:"min_confirmations" json:"min_confirmations"`

	// MaxEpsilonBps is the ceiling for stability.epsilon_bps (basis points;
	// the data model forbids floats).
	MaxEpsilonBps int64 `yaml:"max_epsilon_bps" json:"max_epsilon_bps"`

	// MaxAppliesPerDay bounds rate_limit.max_applies_per_day.
	MaxAppliesPerDay int64 `yaml:"max_applies_per_day" json:"max_applies_per_day"`

	// RollbackRiskKeywords force the Human-Gate when found in the
	// rollback-scope text.
	RollbackRiskKeywords []string `yaml:"rollback_risk_keywords" json:"rollback_risk_keywords"`

	// RiskKeywords force the Human-Gate when found in the risk text.
	RiskKeywords []string `yaml:"risk_keywords" json:"risk_keywords"`

	// ProtectedDomains force the Human-Gate for proposals scoped to them.
	ProtectedDomains []string `yaml:"protected_domains" json:"protected_domains"`
}

// Defaults returns the compiled-in canon parameters.
func Defaults() CanonParams {
	return CanonParams{
		RequiredConstitutionSections: []string{"change-control", "rollback"},
		MinConfirmations:             3,
		MaxEpsilonBps:                500,
		MaxAppliesPerDay:             24,
		RollbackRiskKeywords: []string{
			"migration", "downtime", "irreversible", "multi-service", "coordination",
		},
		RiskKeywords: []string{
			"safety", "legal", "compliance", "reputation", "privacy",
		},
		ProtectedDomains: []string{"governance", "constitution", "approval"},
	}
}

// Load reads a canon profile from path and merges it over the defaults.
// Empty fields in the profile keep their default values.
func Load(path string) (CanonParams, error) {
	params := Defaults()

	raw, err := os.ReadFile(path)
	if err != nil {
		return CanonParams{}, fmt.Errorf("config: read canon profile: %w", err)
	}
	var overlay CanonParams
	if err := yaml.Unmarshal(raw, &overlay); err != nil {
		return CanonParams{}, fmt.Errorf("config: parse canon profile: %w", err)
	}

	if len(overlay.RequiredConstitutionSections) > 0 {
		params.RequiredConstitutionSections = overlay.RequiredConstitutionSections
	}
	if overlay.MinConfirmations > 0 {
		params.MinConfirmations = overlay.MinConfirmations
	}
	if overlay.MaxEpsilonBps > 0 {
		params.MaxEpsilonBps = overlay.MaxEpsilonBps
	}
	if overlay.MaxAppliesPerDay > 0 {
		params.MaxAppliesPerDay = overlay.MaxAppliesPerDay
	}
	if len(overlay.RollbackRiskKeywords) > 0 {
		params.RollbackRiskKeywords = overlay.RollbackRiskKeywords
	}
	if len(overlay.RiskKeywords) > 0 {
		params.RiskKeywords = overlay.RiskKeywords
	}
	if len(overlay.ProtectedDomains) > 0 {
		params.ProtectedDomains = overlay.ProtectedDomains
	}
	return params, nil
}

// FromEnv loads the profile named by KEEL_CANON_FILE, or the defaults when
// the variable is unset.
func FromEnv() (CanonParams, error) {
	path := os.Getenv(EnvCanonFile)
	if path == "" {
		return Defaults(), nil
	}
	return Load(path)
}
