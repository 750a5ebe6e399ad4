package rules

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// Scope restricts which accounts a trigger evaluates.
type Scope string

const (
	ScopeGlobal  Scope = "global"
	ScopeSegment Scope = "segment"
	ScopeAccount Scope = "account"
)

// ConfigError reports a trigger that cannot be evaluated as configured.
type ConfigError struct {
	TriggerID string
	Err       error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("trigger %s: %v", e.TriggerID, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Trigger is one compiled, immutable version of a trigger definition.
type Trigger struct {
	ID         string
	Version    int
	Name       string
	Scope      Scope
	ScopeValue string
	Condition  Node
	Severity   SeverityFunc
	Cooldown   time.Duration
	// DedupField names the matched-event payload field that splits alerts per sub-entity.
	DedupField string
}

// Validate checks the trigger is complete.
func (t Trigger) Validate() error {
	var err error
	switch {
	case t.ID == "":
		err = errors.New("id is required")
	case t.Condition == nil:
		err = errors.New("condition is required")
	case t.Cooldown < 0:
		err = errors.New("cooldown must not be negative")
	}
	if err == nil {
		switch t.Scope {
		case ScopeGlobal:
		case ScopeSegment, ScopeAccount:
			if t.ScopeValue == "" {
				err = fmt.Errorf("scope %s requires scope_value", t.Scope)
			}
		default:
			err = fmt.Errorf("unknown scope %q", t.Scope)
		}
	}
	if err == nil {
		err = t.Severity.validate()
	}
	if err != nil {
		return &ConfigError{TriggerID: t.ID, Err: err}
	}
	return nil
}

// AppliesTo reports whether the trigger's scope covers the account.
func (t Trigger) AppliesTo(accountID, segment string) bool {
	switch t.Scope {
	case ScopeAccount:
		return accountID == t.ScopeValue
	case ScopeSegment:
		return segment != "" && segment == t.ScopeValue
	default:
		return true
	}
}

// Dependencies lists the signals the condition and severity read.
func (t Trigger) Dependencies() Deps {
	d := DependenciesOf(t.Condition)
	if op := t.Severity.Operand; op != nil {
		compareNode{operand: *op}.deps(&d)
	}
	return d
}

// DedupKey hashes (trigger, account, sub-entity).
func DedupKey(triggerID, accountID, subEntity string) string {
	h := sha256.New()
	h.Write([]byte(triggerID))
	h.Write([]byte{0})
	h.Write([]byte(accountID))
	h.Write([]byte{0})
	h.Write([]byte(subEntity))
	return hex.EncodeToString(h.Sum(nil))
}
