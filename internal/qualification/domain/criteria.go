package domain

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// BusinessTypeDefault is used when no business type is configured.
const BusinessTypeDefault = "default"

// Weights are the sub-score multipliers. They should sum to 1.
type Weights struct {
	Completeness float64 `json:"completeness" yaml:"completeness"`
	Engagement   float64 `json:"engagement" yaml:"engagement"`
	Interest     float64 `json:"interest" yaml:"interest"`
	Urgency      float64 `json:"urgency" yaml:"urgency"`
}

// DefaultWeights returns 0.4 / 0.3 / 0.2 / 0.1.
func DefaultWeights() Weights {
	return Weights{Completeness: 0.4, Engagement: 0.3, Interest: 0.2, Urgency: 0.1}
}

// Criteria decide when a conversation qualifies or escalates.
// Built once at startup and never mutated afterwards.
type Criteria struct {
	RequiredFields  []string `json:"requiredFields"`
	Weights         Weights  `json:"weights"`
	MinScore        int      `json:"minScore"`
	MaxAttempts     int      `json:"maxAttempts"`
	BusinessType    string   `json:"businessType"`
	TimeoutMinutes  int      `json:"timeoutMinutes"`
	HighValueAmount float64  `json:"highValueAmount"`

	knownFields []string
}

// Profiles map a business type to its required fields.
type Profiles map[string][]string

// DefaultProfiles returns the built-in business profiles.
func DefaultProfiles() Profiles {
	return Profiles{
		BusinessTypeDefault: {"name", "phone"},
		"ecommerce":         {"name", "phone", "product_interest"},
		"services":          {"name", "phone", "service_type", "location"},
		"b2b":               {"name", "phone", "company", "role"},
		"real_estate":       {"name", "phone", "property_type", "budget"},
	}
}

// fields asked about regardless of business type
var commonFields = []string{"name", "phone", "email", "interest", "budget", "urgency", "location"}

type profilesFile struct {
	Profiles map[string][]string `yaml:"profiles"`
}

// LoadProfiles reads business profiles from a YAML file and merges them over
// the defaults:
//
//	profiles:
//	  clinic: [name, phone, procedure]
func LoadProfiles(path string) (Profiles, error) {
	profiles := DefaultProfiles()
	if strings.TrimSpace(path) == "" {
		return profiles, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profiles file: %w", err)
	}

	var file profilesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse profiles file: %w", err)
	}
	for name, fields := range file.Profiles {
		cleaned := normalizeFields(fields)
		if len(cleaned) == 0 {
			return nil, fmt.Errorf("profile %q has no fields", name)
		}
		profiles[strings.ToLower(name)] = cleaned
	}
	return profiles, nil
}

// CriteriaOptions carries the raw configured values.
type CriteriaOptions struct {
	RequiredFields  []string
	MinScore        int
	MaxAttempts     int
	BusinessType    string
	TimeoutMinutes  int
	HighValueAmount float64
	Weights         *Weights
	Profiles        Profiles
}

// NewCriteria resolves required fields from the business profile when none
// are given explicitly and fills defaults.
func NewCriteria(opts CriteriaOptions) (Criteria, error) {
	profiles := opts.Profiles
	if profiles == nil {
		profiles = DefaultProfiles()
	}

	businessType := strings.ToLower(strings.TrimSpace(opts.BusinessType))
	if businessType == "" {
		businessType = BusinessTypeDefault
	}

	required := normalizeFields(opts.RequiredFields)
	if len(required) == 0 {
		fields, ok := profiles[businessType]
		if !ok {
			return Criteria{}, fmt.Errorf("unknown business type %q", businessType)
		}
		required = append([]string(nil), fields...)
	}

	c := Criteria{
		RequiredFields:  required,
		Weights:         DefaultWeights(),
		MinScore:        opts.MinScore,
		MaxAttempts:     opts.MaxAttempts,
		BusinessType:    businessType,
		TimeoutMinutes:  opts.TimeoutMinutes,
		HighValueAmount: opts.HighValueAmount,
	}
	if opts.Weights != nil {
		c.Weights = *opts.Weights
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.TimeoutMinutes <= 0 {
		c.TimeoutMinutes = 30
	}
	if c.MinScore < 0 || c.MinScore > 100 {
		return Criteria{}, fmt.Errorf("min score %d out of range", c.MinScore)
	}

	known := map[string]struct{}{}
	for _, f := range commonFields {
		known[f] = struct{}{}
	}
	for _, fields := range profiles {
		for _, f := range fields {
			known[f] = struct{}{}
		}
	}
	for _, f := range required {
		known[f] = struct{}{}
	}
	for f := range known {
		c.knownFields = append(c.knownFields, f)
	}
	sort.Strings(c.knownFields)

	return c, nil
}

// KnownFields is the union of every field any profile may require.
func (c Criteria) KnownFields() []string {
	if len(c.knownFields) == 0 {
		out := append([]string(nil), commonFields...)
		out = append(out, c.RequiredFields...)
		return out
	}
	return append([]string(nil), c.knownFields...)
}

// MissingFields lists required fields absent from data, in criteria order.
func (c Criteria) MissingFields(data map[string]string) []string {
	missing := make([]string, 0)
	for _, f := range c.RequiredFields {
		if strings.TrimSpace(data[f]) == "" {
			missing = append(missing, f)
		}
	}
	return missing
}

// RequiredPresent reports whether every required field has a value.
func (c Criteria) RequiredPresent(data map[string]string) bool {
	return len(c.MissingFields(data)) == 0
}

// IdleTimeout is how long an in_progress conversation may go without a turn.
func (c Criteria) IdleTimeout() time.Duration {
	return time.Duration(c.TimeoutMinutes) * time.Minute
}

func normalizeFields(fields []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.ToLower(strings.TrimSpace(f))
		if f == "" {
			continue
		}
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}
