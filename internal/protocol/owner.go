package protocol

import "fmt"

// IsolationMode controls how much requestor identity reaches extensions.
type IsolationMode string

// Isolation modes.
const (
	IsolationNone  IsolationMode = "none"
	IsolationGroup IsolationMode = "group"
	IsolationUser  IsolationMode = "user"
)

// ParseIsolationMode validates a configured mode name.
func ParseIsolationMode(s string) (IsolationMode, error) {
	switch m := IsolationMode(s); m {
	case IsolationNone, IsolationGroup, IsolationUser:
		return m, nil
	case "":
		return IsolationNone, nil
	default:
		return "", fmt.Errorf("unknown isolation mode %q", s)
	}
}

// Identity is the requestor identity attached to a session.
type Identity struct {
	GroupID string
	UserID  string
}

// Owner is the identity block sent on the wire.
type Owner struct {
	GroupID string `json:"groupId"`
	UserID  string `json:"userId,omitempty"`
}

// Owner returns the wire owner for id under mode, or nil when the mode
// sends no identity.
func (m IsolationMode) Owner(id Identity) *Owner {
	switch m {
	case IsolationGroup:
		return &Owner{GroupID: id.GroupID}
	case IsolationUser:
		return &Owner{GroupID: id.GroupID, UserID: id.UserID}
	default:
		return nil
	}
}
