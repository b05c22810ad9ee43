package policy

import "fmt"

// RuleNotFoundError is raised when the approval list or a group
// references a name absent from approval_rules. An unresolvable
// reference is a configuration defect and aborts the evaluation.
type RuleNotFoundError struct {
	Name string
}

func (e *RuleNotFoundError) Error() string {
	return fmt.Sprintf("policy: approval rule %q not found", e.Name)
}
