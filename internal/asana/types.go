package asana

// Asana returns compact objects whose shape depends on the opt_fields the
// caller asked for; every field here is optional on the wire.

type EnumOption struct {
	GID  string `json:"gid"`
	Name string `json:"name"`
}

type EnumValue struct {
	GID  string `json:"gid"`
	Name string `json:"name"`
}

// CustomField is an operator-defined attribute on a task. Number fields
// carry number_value, enum fields carry enum_value and (sometimes inline)
// enum_options.
type CustomField struct {
	GID         string       `json:"gid"`
	Name        string       `json:"name"`
	Type        string       `json:"resource_subtype,omitempty"`
	NumberValue *float64     `json:"number_value,omitempty"`
	TextValue   *string      `json:"text_value,omitempty"`
	EnumValue   *EnumValue   `json:"enum_value,omitempty"`
	EnumOptions []EnumOption `json:"enum_options,omitempty"`
}

type User struct {
	GID   string `json:"gid"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}

type Workspace struct {
	GID  string `json:"gid"`
	Name string `json:"name"`
}

type Project struct {
	GID       string     `json:"gid"`
	Name      string     `json:"name"`
	Workspace *Workspace `json:"workspace,omitempty"`
}

type Task struct {
	GID          string        `json:"gid"`
	Name         string        `json:"name"`
	Assignee     *User         `json:"assignee,omitempty"`
	Completed    bool          `json:"completed"`
	CompletedAt  string        `json:"completed_at,omitempty"`
	CreatedAt    string        `json:"created_at,omitempty"`
	ModifiedAt   string        `json:"modified_at,omitempty"`
	DueOn        string        `json:"due_on,omitempty"`
	Notes        string        `json:"notes,omitempty"`
	PermalinkURL string        `json:"permalink_url,omitempty"`
	CustomFields []CustomField `json:"custom_fields,omitempty"`
}

// AssigneeName returns the assignee display name or the "Unassigned"
// sentinel.
func (t *Task) AssigneeName() string {
	if t.Assignee != nil && t.Assignee.Name != "" {
		return t.Assignee.Name
	}
	return "Unassigned"
}

// Story is one activity entry on a task. The resource_subtype discriminates
// the kind-specific payload: due_date_changed carries nothing extra we use,
// enum_custom_field_changed carries the field plus old/new enum values.
type Story struct {
	GID             string       `json:"gid"`
	ResourceSubtype string       `json:"resource_subtype"`
	CreatedAt       string       `json:"created_at"`
	CreatedBy       *User        `json:"created_by,omitempty"`
	CustomField     *CustomField `json:"custom_field,omitempty"`
	OldEnumValue    *EnumValue   `json:"old_enum_value,omitempty"`
	NewEnumValue    *EnumValue   `json:"new_enum_value,omitempty"`
}

const (
	StoryDueDateChanged  = "due_date_changed"
	StoryEnumFieldChange = "enum_custom_field_changed"
)

type Webhook struct {
	GID      string `json:"gid"`
	Target   string `json:"target"`
	Resource struct {
		GID  string `json:"gid"`
		Name string `json:"name,omitempty"`
	} `json:"resource"`
}

// Event is one entry from the events long-poll stream.
type Event struct {
	Resource struct {
		GID string `json:"gid"`
	} `json:"resource"`
	Change *EventChange `json:"change,omitempty"`
}

type EventChange struct {
	Field    string `json:"field"`
	Action   string `json:"action,omitempty"`
	NewValue *struct {
		GID string `json:"gid"`
	} `json:"new_value,omitempty"`
}
