// Package auth holds the authorization rules for marketplace actions.
package auth

import (
	"fmt"
	"strings"

	"porthub/internal/domain"
)

// Permissions named in ForbiddenError.
const (
	PermPostJob       = "job.post"
	PermClaimJob      = "job.claim"
	PermResolveClaim  = "job.resolve_claim"
	PermConfirm       = "job.confirm"
	PermFeedback      = "job.feedback"
	PermDeleteAccount = "account.delete"
)

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
	Reason     string
}

func (e ForbiddenError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("permission %s required: %s", e.Permission, e.Reason)
	}
	return fmt.Sprintf("permission %s required", e.Permission)
}

// RequireRole checks the account acts on the given marketplace side.
func RequireRole(a domain.Account, role domain.Role, perm string) error {
	if a.Role != role {
		return ForbiddenError{Permission: perm, Reason: fmt.Sprintf("account must be a %s", strings.ToLower(string(role)))}
	}
	return nil
}

// RequireNotOwner stops a customer from claiming their own job.
func RequireNotOwner(a domain.Account, j domain.Job) error {
	if a.ID == j.CustomerID {
		return ForbiddenError{Permission: PermClaimJob, Reason: "cannot claim your own job"}
	}
	return nil
}

// RequireCustomerOf checks the account posted the job.
func RequireCustomerOf(a domain.Account, j domain.Job, perm string) error {
	if a.ID != j.CustomerID {
		return ForbiddenError{Permission: perm, Reason: "only the job's customer may do this"}
	}
	return nil
}

// RequireParticipant checks the account is the job's customer or porter.
func RequireParticipant(a domain.Account, j domain.Job, perm string) error {
	if a.ID == j.CustomerID || (j.PorterID != nil && a.ID == *j.PorterID) {
		return nil
	}
	return ForbiddenError{Permission: perm, Reason: "only the job's customer or porter may do this"}
}

// RequireAdmin checks identity against the configured master admin. An empty
// admin identity disables privileged actions.
func RequireAdmin(identity, adminIdentity, perm string) error {
	if adminIdentity == "" || identity != adminIdentity {
		return ForbiddenError{Permission: perm, Reason: "admin only"}
	}
	return nil
}
