package changeset

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrParse  = errors.New("changeset: parse error")
	ErrSchema = errors.New("changeset: schema error")
)

// FailureClass categorises why a change could not be applied.
type FailureClass string

const (
	ClassReferential     FailureClass = "referential"
	ClassVersionConflict FailureClass = "version-conflict"
	ClassElementGone     FailureClass = "element-gone"
	ClassPrecondition    FailureClass = "precondition-failed"
	ClassMethodRejected  FailureClass = "method-rejected"
	ClassTransport       FailureClass = "transport"
	ClassProtocol        FailureClass = "protocol"
)

var failureClasses = []FailureClass{
	ClassReferential,
	ClassVersionConflict,
	ClassElementGone,
	ClassPrecondition,
	ClassMethodRejected,
	ClassTransport,
	ClassProtocol,
}

// ParseFailureClass accepts the names used in failure documents.
func ParseFailureClass(s string) (FailureClass, error) {
	name := FailureClass(strings.ToLower(strings.TrimSpace(s)))
	for _, c := range failureClasses {
		if c == name {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown failure class %q", s)
}

// FailureRecord describes a change that was dropped or rejected.
type FailureRecord struct {
	// Sequence is the batch sequence number, zero for repair-time records.
	Sequence int64
	IDs      []ElementID
	Action   Action
	Class    FailureClass
	Message  string
	// Element is a snapshot of the payload as it was when the failure happened.
	Element *Element
}
