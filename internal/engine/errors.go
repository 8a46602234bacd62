package engine

import (
	"errors"
	"fmt"

	"porthub/internal/engine/auth"
	"porthub/internal/repo"
)

// Kind classifies a rejected command.
type Kind string

const (
	KindValidation    Kind = "validation"
	KindAuthorization Kind = "authorization"
	KindConflict      Kind = "conflict"
	KindNotFound      Kind = "not_found"
)

// Rejection is returned when a command is refused. Nothing was written.
// Rejections are final; retrying the same command gives the same answer
// unless the job changed in between.
type Rejection struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (r *Rejection) Error() string {
	if r.Op == "" {
		return r.Message
	}
	return r.Op + ": " + r.Message
}

func (r *Rejection) Unwrap() error { return r.Err }

// Is matches another rejection by kind, so errors.Is(err, ErrConflict) works.
func (r *Rejection) Is(target error) bool {
	if t, ok := target.(*Rejection); ok {
		return t.Kind == r.Kind
	}
	return false
}

var (
	ErrValidation    = &Rejection{Kind: KindValidation, Message: "invalid input"}
	ErrAuthorization = &Rejection{Kind: KindAuthorization, Message: "not allowed"}
	ErrConflict      = &Rejection{Kind: KindConflict, Message: "state conflict"}
	ErrNotFound      = &Rejection{Kind: KindNotFound, Message: "not found"}
)

func reject(kind Kind, op, format string, args ...any) *Rejection {
	return &Rejection{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// AsRejection returns the rejection in err's chain, if any.
func AsRejection(err error) (*Rejection, bool) {
	var r *Rejection
	if errors.As(err, &r) {
		return r, true
	}
	return nil, false
}

// storeError translates store sentinels into rejections. Anything else is a
// persistence failure and is wrapped as is.
func storeError(op, subject string, err error) error {
	if err == nil {
		return nil
	}
	var forbidden auth.ForbiddenError
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return &Rejection{Kind: KindNotFound, Op: op, Message: subject + " not found", Err: err}
	case errors.Is(err, repo.ErrPrecondition):
		return &Rejection{Kind: KindConflict, Op: op, Message: subject + " changed state", Err: err}
	case errors.As(err, &forbidden):
		return &Rejection{Kind: KindAuthorization, Op: op, Message: forbidden.Error(), Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}
