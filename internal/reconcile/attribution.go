package reconcile

import (
	"strings"

	"github.com/kazz187/delaycatcher/internal/asana"
)

// Attribution fallbacks. "System" means no story explained the change,
// "Unknown" means a story matched but carried no author.
const (
	authorSystem  = "System"
	authorUnknown = "Unknown"
)

// attribution is the who/when pair attached to a transition. Best effort
// only, it never blocks or fails a pass.
type attribution struct {
	Actor string
	When  string
}

// dueChangeAttribution finds who moved the due date. Stories arrive oldest
// first; the newest matching entry wins because a pass can cover several
// stacked edits. Falls back to the task's own modified timestamp.
func dueChangeAttribution(stories []asana.Story, task *asana.Task) attribution {
	for i := len(stories) - 1; i >= 0; i-- {
		if stories[i].ResourceSubtype != asana.StoryDueDateChanged {
			continue
		}
		return storyAttribution(&stories[i])
	}
	return attribution{Actor: authorSystem, When: task.ModifiedAt}
}

// reasonChangeAttribution finds who set the delay reason to newLabel.
// Matching on the field name and the resulting label keeps unrelated enum
// edits (priority, status) and older reason edits out.
func reasonChangeAttribution(stories []asana.Story, task *asana.Task, newLabel string) attribution {
	for i := len(stories) - 1; i >= 0; i-- {
		s := &stories[i]
		if s.ResourceSubtype != asana.StoryEnumFieldChange {
			continue
		}
		if s.CustomField == nil || !strings.Contains(strings.ToLower(s.CustomField.Name), "delay reason") {
			continue
		}
		if s.NewEnumValue == nil || s.NewEnumValue.Name != newLabel {
			continue
		}
		return storyAttribution(s)
	}
	return attribution{Actor: authorSystem, When: task.ModifiedAt}
}

func storyAttribution(s *asana.Story) attribution {
	a := attribution{Actor: authorUnknown, When: s.CreatedAt}
	if s.CreatedBy != nil && s.CreatedBy.Name != "" {
		a.Actor = s.CreatedBy.Name
	}
	return a
}
