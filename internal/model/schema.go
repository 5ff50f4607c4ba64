package model

import (
	"fmt"
	"regexp"
)

// DecisionSchema is the project's fixed decision vocabulary. Schema changes
// never rewrite historical events; old decision IDs may fall outside the
// current schema and still appear in reads and exports.
type DecisionSchema struct {
	Version    int              `json:"version"`
	Choices    []DecisionChoice `json:"choices"`
	AllowNotes bool             `json:"allow_notes"`
}

// DecisionChoice is one selectable decision.
type DecisionChoice struct {
	ID     string `json:"id"`
	Label  string `json:"label"`
	Hotkey string `json:"hotkey,omitempty"`
}

const (
	maxDecisionIDLen = 64
	maxLabelLen      = 64

	// MaxNoteLen bounds free-text notes on decision events.
	MaxNoteLen = 2000
)

var decisionIDRe = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)

// ValidDecisionID reports whether id is a well-formed decision identifier.
func ValidDecisionID(id string) bool {
	return decisionIDRe.MatchString(id)
}

// Validate checks structural schema invariants: at least one choice, unique
// well-formed IDs, bounded labels.
func (s DecisionSchema) Validate() error {
	if s.Version < 1 {
		return fmt.Errorf("schema version must be >= 1, got %d", s.Version)
	}
	if len(s.Choices) == 0 {
		return fmt.Errorf("schema must define at least one choice")
	}
	seen := make(map[string]struct{}, len(s.Choices))
	for i, c := range s.Choices {
		if !ValidDecisionID(c.ID) {
			return fmt.Errorf("choice %d: invalid decision id %q", i, c.ID)
		}
		if _, dup := seen[c.ID]; dup {
			return fmt.Errorf("choice %d: duplicate decision id %q", i, c.ID)
		}
		seen[c.ID] = struct{}{}
		if c.Label == "" || len(c.Label) > maxLabelLen {
			return fmt.Errorf("choice %q: label must be 1..%d characters", c.ID, maxLabelLen)
		}
	}
	return nil
}

// HasChoice reports whether id is a member of the current schema.
func (s DecisionSchema) HasChoice(id string) bool {
	for _, c := range s.Choices {
		if c.ID == id {
			return true
		}
	}
	return false
}
