// Package pii masks personally identifiable information in message text
// before it is forwarded upstream or persisted.
//
// Detection is regex-based and best-effort: formats outside the detector set
// pass through unmasked. This is a known limitation, not an error condition.
// Masking is one-way; the gateway keeps no mapping back to the original value.
package pii

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Detector matches one category of sensitive data and redacts each match.
type Detector struct {
	Name    string
	pattern *regexp.Regexp
	redact  func(match string) string
}

// Redact applies the detector to text, replacing every match.
func (d Detector) Redact(text string) string {
	return d.pattern.ReplaceAllStringFunc(text, d.redact)
}

// Matches reports whether the detector finds anything in text.
func (d Detector) Matches(text string) bool {
	return d.pattern.MatchString(text)
}

var digits = regexp.MustCompile(`\d`)

// maskDigits keeps punctuation so the redacted value stays recognizable
// in shape while carrying no reversible information.
func maskDigits(s string) string {
	return digits.ReplaceAllString(s, "*")
}

// phoneParts splits a phone match into country code, area code and number.
// Country code and area code are retained; the number is masked.
var phoneParts = regexp.MustCompile(`(\+55\s?)?(\(?\d{2}\)?\s?)(\d{4,5}-?\d{4})`)

// DefaultDetectors returns the built-in detector set: Brazilian CPF and CNPJ,
// email addresses and phone numbers. Order matters: CPF and CNPJ run before
// phone so a bare 11-digit document is not half-eaten as a phone number.
func DefaultDetectors() []Detector {
	return []Detector{
		{
			Name:    "cpf",
			pattern: regexp.MustCompile(`\b\d{3}\.?\d{3}\.?\d{3}-?\d{2}\b`),
			redact:  maskDigits,
		},
		{
			Name:    "cnpj",
			pattern: regexp.MustCompile(`\b\d{2}\.?\d{3}\.?\d{3}/?\.?\d{4}-?\d{2}\b`),
			redact:  maskDigits,
		},
		{
			Name:    "email",
			pattern: regexp.MustCompile(`(?i)\b[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}\b`),
			redact:  redactEmail,
		},
		{
			Name:    "phone",
			pattern: regexp.MustCompile(`(\+55\s?)?\(?\d{2}\)?\s?\d{4,5}-?\d{4}\b`),
			redact:  redactPhone,
		},
	}
}

// redactEmail keeps the @ and dot structure so logs stay readable.
func redactEmail(match string) string {
	user, domain, ok := strings.Cut(match, "@")
	if !ok {
		return "***"
	}
	n := len(user)
	if n > 3 {
		n = 3
	}
	maskedUser := strings.Repeat("*", n)

	parts := strings.Split(domain, ".")
	for i := range parts {
		parts[i] = "***"
	}
	return maskedUser + "@" + strings.Join(parts, ".")
}

// redactPhone preserves the country code and area code, masks the number.
func redactPhone(match string) string {
	groups := phoneParts.FindStringSubmatch(match)
	if groups == nil {
		return maskDigits(match)
	}
	return groups[1] + groups[2] + maskDigits(groups[3])
}

// Masker composes an ordered detector list into a single mask operation.
type Masker struct {
	detectors []Detector
}

// New creates a Masker with the given detectors.
func New(detectors ...Detector) *Masker {
	return &Masker{detectors: detectors}
}

// NewDefault creates a Masker with the built-in detector set.
func NewDefault() *Masker {
	return New(DefaultDetectors()...)
}

// Mask redacts every detector match in text. Pure function; masking an
// already-masked string is a no-op.
func (m *Masker) Mask(text string) string {
	if text == "" {
		return text
	}
	for _, d := range m.detectors {
		text = d.Redact(text)
	}
	return text
}

// HasPII reports whether any detector matches text.
func (m *Masker) HasPII(text string) bool {
	if text == "" {
		return false
	}
	for _, d := range m.detectors {
		if d.Matches(text) {
			return true
		}
	}
	return false
}

// DetectTypes returns the names of detectors that match text. Used for
// audit logging; never log the matched values themselves.
func (m *Masker) DetectTypes(text string) []string {
	if text == "" {
		return nil
	}
	var found []string
	for _, d := range m.detectors {
		if d.Matches(text) {
			found = append(found, d.Name)
		}
	}
	return found
}

// customPattern is one entry in an extra-patterns YAML file.
type customPattern struct {
	Name        string `yaml:"name"`
	Pattern     string `yaml:"pattern"`
	Placeholder string `yaml:"placeholder,omitempty"`
}

// LoadDetectors reads additional detectors from a YAML file. Each entry has a
// name, a regex pattern and an optional fixed placeholder; without a
// placeholder, matched digits and letters are replaced with asterisks.
func LoadDetectors(path string) ([]Detector, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pii patterns: %w", err)
	}

	var entries []customPattern
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse pii patterns: %w", err)
	}

	alnum := regexp.MustCompile(`[0-9A-Za-z]`)

	detectors := make([]Detector, 0, len(entries))
	for _, e := range entries {
		re, err := regexp.Compile(e.Pattern)
		if err != nil {
			return nil, fmt.Errorf("pattern %q: %w", e.Name, err)
		}
		placeholder := e.Placeholder
		redact := func(string) string { return placeholder }
		if placeholder == "" {
			redact = func(match string) string {
				return alnum.ReplaceAllString(match, "*")
			}
		}
		detectors = append(detectors, Detector{Name: e.Name, pattern: re, redact: redact})
	}
	return detectors, nil
}
