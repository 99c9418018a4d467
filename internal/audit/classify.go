package audit

import (
	"bytes"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Event types written to the remote audit object.
const (
	EventAccess  = "Access"
	EventAttempt = "Attempt"
)

// Outcome statuses.
const (
	StatusSuccess = "SUCCESS"
	StatusFailure = "FAILURE"
)

// Rule maps a request path prefix to a canonical action noun.
type Rule struct {
	Prefix string `yaml:"prefix"`
	Noun   string `yaml:"noun"`
}

// Rules is the on-disk form of a classification table.
type Rules struct {
	Rules   []Rule   `yaml:"rules"`
	Exclude []string `yaml:"exclude"`
}

// DefaultRules returns the built-in protected-data table.
func DefaultRules() Rules {
	return Rules{
		Rules: []Rule{
			{Prefix: "/api/quick-person-account", Noun: "CREATE_PERSON"},
			{Prefix: "/api/person", Noun: "ACCESS_PERSON"},
			{Prefix: "/api/sync", Noun: "SYNC_DATA"},
			{Prefix: "/api/interaction-summary", Noun: "ACCESS_INTERACTION"},
			{Prefix: "/api/cases", Noun: "ACCESS_CASE"},
			{Prefix: "/api/ssrs", Noun: "ACCESS_ASSESSMENT"},
			{Prefix: "/api/benefits", Noun: "ACCESS_BENEFITS"},
			{Prefix: "/api/disburse", Noun: "DISBURSE_BENEFIT"},
		},
		Exclude: []string{
			"/health",
			"/api/health",
			"/docs",
			"/openapi.json",
			"/redoc",
			"/metrics",
		},
	}
}

// LoadRules reads a classification table from a YAML file.
// Unknown fields are rejected.
func LoadRules(path string) (Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Rules{}, fmt.Errorf("failed to read audit rules: %w", err)
	}

	var rules Rules
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&rules); err != nil {
		return Rules{}, fmt.Errorf("failed to parse audit rules: %w", err)
	}

	for i, r := range rules.Rules {
		if r.Prefix == "" || r.Noun == "" {
			return Rules{}, fmt.Errorf("audit rule %d: prefix and noun are required", i)
		}
	}
	return rules, nil
}

// Classifier decides whether a request touches protected data and what
// action it represents.
// It is safe for concurrent use; SetRules swaps the table atomically.
type Classifier struct {
	mu      sync.RWMutex
	rules   []Rule
	exclude []string
}

// NewClassifier builds a classifier. Longer prefixes win over shorter ones.
func NewClassifier(r Rules) *Classifier {
	c := &Classifier{}
	c.SetRules(r)
	return c
}

// SetRules replaces the classification table.
func (c *Classifier) SetRules(r Rules) {
	rules := append([]Rule(nil), r.Rules...)
	sort.SliceStable(rules, func(i, j int) bool {
		return len(rules[i].Prefix) > len(rules[j].Prefix)
	})
	exclude := append([]string(nil), r.Exclude...)

	c.mu.Lock()
	c.rules, c.exclude = rules, exclude
	c.mu.Unlock()
}

// Classify returns the action type for a request, or false if the request
// is not audited.
func (c *Classifier) Classify(method, path string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, ex := range c.exclude {
		if strings.HasPrefix(path, ex) {
			return "", false
		}
	}
	for _, r := range c.rules {
		if strings.HasPrefix(path, r.Prefix) {
			return actionFor(r.Noun, method), true
		}
	}
	return "", false
}

func actionFor(noun, method string) string {
	switch strings.ToUpper(method) {
	case http.MethodPost:
		return noun + "_CREATE"
	case http.MethodPut, http.MethodPatch:
		return noun + "_MODIFY"
	case http.MethodDelete:
		return noun + "_DELETE"
	default:
		return noun
	}
}

// EventType maps a response status code to an audit event type.
func EventType(status int) string {
	if status < 400 {
		return EventAccess
	}
	return EventAttempt
}

// StatusText maps a response status code to SUCCESS or FAILURE.
func StatusText(status int) string {
	if status < 400 {
		return StatusSuccess
	}
	return StatusFailure
}
