package types

// Action is the kind of a request action.
type Action string

const (
	ActionSubmit Action = "submit"
	ActionDelete Action = "delete"
)

// IsValid reports whether a is one of the actions autosubmit understands.
func (a Action) IsValid() bool {
	switch a {
	case ActionSubmit, ActionDelete:
		return true
	}
	return false
}

// RequestRecord is one action of a request filed against a target package.
// Source is only set for submit actions.
type RequestRecord struct {
	ID     string
	Action Action
	Source *PackageState
	Target PackageIdentity
	State  string
}

// SubmitRef is an entry of the submit index: the request id and the source
// package (identity and revision) it submits from.
type SubmitRef struct {
	ID     string
	Source PackageState
}
