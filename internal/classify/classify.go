// Package classify holds the pure decision logic of the delay catcher: what
// counts as a delay, and which of a task's custom fields play the counter
// and reason roles.
package classify

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kazz187/delaycatcher/internal/asana"
)

const dueDateLayout = "2006-01-02"

// IsDelay reports whether a due-date transition counts as a delay. Clearing
// a set date parks the task, which counts. Moving a set date later counts.
// Setting a date on a previously dateless task, pulling a date earlier, or
// an unparsable date never count.
func IsDelay(oldDue, newDue string) bool {
	if oldDue == "" {
		return false
	}
	if newDue == "" {
		return true
	}
	oldT, err := time.Parse(dueDateLayout, oldDue)
	if err != nil {
		return false
	}
	newT, err := time.Parse(dueDateLayout, newDue)
	if err != nil {
		return false
	}
	return newT.After(oldT)
}

// Role names the part a custom field plays for the catcher.
type Role string

const (
	RoleCounter Role = "counter"
	RoleReason  Role = "reason"
)

var (
	// ErrFieldNotFound means no custom field on the task matched the role.
	ErrFieldNotFound = errors.New("classify: field not found")
	// ErrAmbiguousField means more than one field matched the role; the
	// caller must not guess which one the operator meant.
	ErrAmbiguousField = errors.New("classify: field match ambiguous")
)

// Resolver picks the custom field playing a role on a task.
type Resolver interface {
	Resolve(fields []asana.CustomField, role Role) (*asana.CustomField, error)
}

// NameResolver matches fields by a case-insensitive substring of their
// display name, with an optional exact-gid override per role.
type NameResolver struct {
	// CounterGID and ReasonGID short-circuit name matching when set.
	CounterGID string
	ReasonGID  string
}

func (r *NameResolver) Resolve(fields []asana.CustomField, role Role) (*asana.CustomField, error) {
	if gid := r.pinnedGID(role); gid != "" {
		for i := range fields {
			if fields[i].GID == gid {
				return &fields[i], nil
			}
		}
		return nil, fmt.Errorf("%s field gid %s: %w", role, gid, ErrFieldNotFound)
	}

	needle := r.needle(role)
	var matches []*asana.CustomField
	for i := range fields {
		if strings.Contains(strings.ToLower(fields[i].Name), needle) {
			matches = append(matches, &fields[i])
		}
	}
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("%s field %q: %w", role, needle, ErrFieldNotFound)
	case 1:
		return matches[0], nil
	default:
		names := make([]string, len(matches))
		for i, f := range matches {
			names[i] = f.Name
		}
		return nil, fmt.Errorf("%s field %q matches %s: %w", role, needle, strings.Join(names, ", "), ErrAmbiguousField)
	}
}

func (r *NameResolver) pinnedGID(role Role) string {
	switch role {
	case RoleCounter:
		return r.CounterGID
	case RoleReason:
		return r.ReasonGID
	}
	return ""
}

func (r *NameResolver) needle(role Role) string {
	switch role {
	case RoleCounter:
		return "delay count"
	case RoleReason:
		return "delay reason"
	}
	return string(role)
}

// Classifier answers field-role questions about a task's custom fields.
type Classifier struct {
	resolver Resolver
}

func NewClassifier(resolver Resolver) *Classifier {
	return &Classifier{resolver: resolver}
}

// CounterField returns the delay-count field of the task.
func (c *Classifier) CounterField(fields []asana.CustomField) (*asana.CustomField, error) {
	return c.resolver.Resolve(fields, RoleCounter)
}

// CounterValue returns the current count, treating an unset number as zero.
func (c *Classifier) CounterValue(fields []asana.CustomField) (int, error) {
	f, err := c.CounterField(fields)
	if err != nil {
		return 0, err
	}
	if f.NumberValue == nil {
		return 0, nil
	}
	return int(*f.NumberValue), nil
}

// ReasonField returns the delay-reason enum field of the task.
func (c *Classifier) ReasonField(fields []asana.CustomField) (*asana.CustomField, error) {
	return c.resolver.Resolve(fields, RoleReason)
}

// ReasonLabel returns the currently selected reason option name, empty when
// the field is unset or absent.
func (c *Classifier) ReasonLabel(fields []asana.CustomField) string {
	f, err := c.ReasonField(fields)
	if err != nil || f.EnumValue == nil {
		return ""
	}
	return f.EnumValue.Name
}

// HasReason reports whether the reason field carries a selected option.
func (c *Classifier) HasReason(fields []asana.CustomField) bool {
	return c.ReasonLabel(fields) != ""
}
