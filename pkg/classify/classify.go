// Package classify implements the anomaly classifier for decision logs.
//
// The classifier is a pure labelling function: it never rejects a log, it
// only decides whether the log's status should be promoted to anomaly. It
// runs twice on every create — once at API ingress so outcome events carry
// the final status, and again at worker validation so producers publishing
// directly to the bus cannot bypass it.
package classify

import (
	"strings"

	"github.com/fraware/accountabilitylayer/pkg/models"
)

// MinReasoningLength is the minimum trimmed reasoning length below which a
// log is flagged as anomalous.
const MinReasoningLength = 10

// Rule is an extension hook for additional anomaly detection, evaluated
// after the built-in rules. Frequency and historical-deviation rules plug
// in here; none are registered by default.
type Rule func(*models.DecisionLog) bool

// Classifier applies the built-in rules plus any registered extensions.
// The zero value is usable and matches the built-in behavior.
type Classifier struct {
	rules []Rule
}

// New returns a classifier with the given extension rules.
func New(rules ...Rule) *Classifier {
	return &Classifier{rules: rules}
}

// Classify reports whether the log should be labelled an anomaly.
// Deterministic: identical input always yields identical output.
func (c *Classifier) Classify(l *models.DecisionLog) bool {
	if IsAnomalous(l) {
		return true
	}
	for _, rule := range c.rules {
		if rule(l) {
			return true
		}
	}
	return false
}

// Apply promotes the log's status to anomaly when classification hits.
// A log already labelled anomaly stays anomalous; a non-anomalous
// classification never demotes an existing status.
func (c *Classifier) Apply(l *models.DecisionLog) {
	if l.Status == "" {
		l.Status = models.StatusSuccess
	}
	if c.Classify(l) {
		l.Status = models.StatusAnomaly
	}
}

// IsAnomalous evaluates the built-in rules in order:
//  1. negative step_id,
//  2. reasoning missing or shorter than MinReasoningLength after trimming,
//  3. lowercased reasoning contains the substring "error".
func IsAnomalous(l *models.DecisionLog) bool {
	if l.StepID < 0 {
		return true
	}
	reasoning := strings.TrimSpace(l.Reasoning)
	if len(reasoning) < MinReasoningLength {
		return true
	}
	if strings.Contains(strings.ToLower(reasoning), "error") {
		return true
	}
	return false
}
