package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"

	"github.com/google/uuid"

	"porthub/internal/domain"
	"porthub/internal/engine/auth"
	"porthub/internal/events"
	"porthub/internal/repo"
)

const tokenAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// RegisterInput registers or refreshes an account. Empty optional fields keep
// their stored values.
type RegisterInput struct {
	Identity    string
	DisplayName string
	Role        string
	Bio         string
	Language    string
	Specialty   string
	Handle      string
}

func (e Engine) Register(ctx context.Context, in RegisterInput) (domain.Account, error) {
	const op = "register"
	identity := strings.TrimSpace(in.Identity)
	if identity == "" {
		return domain.Account{}, reject(KindValidation, op, "identity is required")
	}
	role, ok := domain.ParseRole(in.Role)
	if !ok {
		return domain.Account{}, reject(KindValidation, op, "role must be PORTER or CUSTOMER")
	}
	specialty := strings.TrimSpace(in.Specialty)
	if specialty != "" {
		if specialty, ok = domain.ParseCategory(specialty); !ok {
			return domain.Account{}, reject(KindValidation, op, "unknown specialty %q", in.Specialty)
		}
	}
	a := domain.Account{
		ID:          uuid.NewString(),
		Identity:    identity,
		DisplayName: strings.TrimSpace(in.DisplayName),
		Role:        role,
		Bio:         strings.TrimSpace(in.Bio),
		Language:    strings.TrimSpace(in.Language),
		Specialty:   specialty,
		Handle:      strings.TrimSpace(in.Handle),
		CreatedAt:   e.timestamp(),
	}
	out, err := e.Store.UpsertAccount(ctx, a, events.Event{
		Type:       "account.registered",
		EntityKind: events.KindAccount,
		ActorID:    identity,
		Payload:    events.EventPayload{"role": string(role)},
	})
	if err != nil {
		return domain.Account{}, storeError(op, "account", err)
	}
	return out, nil
}

func (e Engine) SwitchRole(ctx context.Context, identity, role string) (domain.Account, error) {
	const op = "switch role"
	r, ok := domain.ParseRole(role)
	if !ok {
		return domain.Account{}, reject(KindValidation, op, "role must be PORTER or CUSTOMER")
	}
	a, err := e.account(ctx, op, identity)
	if err != nil {
		return domain.Account{}, err
	}
	out, err := e.Store.UpdateAccountRole(ctx, a.Identity, r, events.Event{
		Type:       "account.role_changed",
		EntityKind: events.KindAccount,
		EntityID:   a.ID,
		ActorID:    a.ID,
		Payload:    events.EventPayload{"from": string(a.Role), "to": string(r)},
	})
	if err != nil {
		return domain.Account{}, storeError(op, "account", err)
	}
	return out, nil
}

func (e Engine) UpdateProfile(ctx context.Context, identity string, u repo.ProfileUpdate) (domain.Account, error) {
	const op = "update profile"
	if u.Empty() {
		return domain.Account{}, reject(KindValidation, op, "nothing to update")
	}
	if u.DisplayName != nil && strings.TrimSpace(*u.DisplayName) == "" {
		return domain.Account{}, reject(KindValidation, op, "display name must not be empty")
	}
	if u.Specialty != nil && *u.Specialty != "" {
		spec, ok := domain.ParseCategory(*u.Specialty)
		if !ok {
			return domain.Account{}, reject(KindValidation, op, "unknown specialty %q", *u.Specialty)
		}
		u.Specialty = &spec
	}
	a, err := e.account(ctx, op, identity)
	if err != nil {
		return domain.Account{}, err
	}
	out, err := e.Store.UpdateAccountProfile(ctx, a.Identity, u, events.Event{
		Type:       "account.profile_updated",
		EntityKind: events.KindAccount,
		EntityID:   a.ID,
		ActorID:    a.ID,
	})
	if err != nil {
		return domain.Account{}, storeError(op, "account", err)
	}
	return out, nil
}

// StartVerification issues a fresh token that the account holder must place
// on their public profile. It resets any earlier verification.
func (e Engine) StartVerification(ctx context.Context, identity string) (string, error) {
	const op = "start verification"
	a, err := e.account(ctx, op, identity)
	if err != nil {
		return "", err
	}
	if a.Handle == "" {
		return "", reject(KindValidation, op, "set a profile handle first")
	}
	token := newVerificationToken()
	if err := e.Store.SetVerification(ctx, a.Identity, token, false, events.Event{
		Type:       "account.verification_started",
		EntityKind: events.KindAccount,
		EntityID:   a.ID,
		ActorID:    a.ID,
	}); err != nil {
		return "", storeError(op, "account", err)
	}
	return token, nil
}

func newVerificationToken() string {
	var b strings.Builder
	b.WriteString("PORT-")
	for i := 0; i < 8; i++ {
		b.WriteByte(tokenAlphabet[rand.IntN(len(tokenAlphabet))])
	}
	return b.String()
}

// CheckVerification looks for the issued token on the account's profile and
// stores the result.
func (e Engine) CheckVerification(ctx context.Context, identity string) (bool, error) {
	const op = "check verification"
	a, err := e.account(ctx, op, identity)
	if err != nil {
		return false, err
	}
	if a.Handle == "" {
		return false, reject(KindValidation, op, "set a profile handle first")
	}
	if a.VerificationToken == "" {
		return false, reject(KindValidation, op, "start verification first")
	}
	verified := false
	if e.Probe != nil {
		verified = e.Probe.CheckToken(ctx, a.Handle, a.VerificationToken)
	} else {
		e.logger().Warn("verification probe not configured", slog.String("account", a.ID))
	}
	if err := e.Store.SetVerification(ctx, a.Identity, a.VerificationToken, verified, events.Event{
		Type:       "account.verification_checked",
		EntityKind: events.KindAccount,
		EntityID:   a.ID,
		ActorID:    a.ID,
		Payload:    events.EventPayload{"verified": verified},
	}); err != nil {
		return false, storeError(op, "account", err)
	}
	return verified, nil
}

// DeleteAccount removes targetIdentity. Only the configured admin may do it.
// Jobs and feedback of the account stay and keep its id.
func (e Engine) DeleteAccount(ctx context.Context, actorIdentity, targetIdentity string) error {
	const op = "delete account"
	if err := forbidden(op, auth.RequireAdmin(strings.TrimSpace(actorIdentity), e.config().Marketplace.AdminIdentity, auth.PermDeleteAccount)); err != nil {
		return err
	}
	target, err := e.Store.GetAccountByIdentity(ctx, strings.TrimSpace(targetIdentity))
	if err != nil {
		return storeError(op, "account "+targetIdentity, err)
	}
	err = e.Store.DeleteAccountByIdentity(ctx, target.Identity, events.Event{
		Type:       "account.deleted",
		EntityKind: events.KindAccount,
		EntityID:   target.ID,
		ActorID:    actorIdentity,
	})
	if err != nil {
		return storeError(op, "account "+targetIdentity, err)
	}
	e.logger().Info("account deleted", slog.String("account", target.ID), slog.String("by", actorIdentity))
	return nil
}

func (e Engine) GetAccount(ctx context.Context, identity string) (domain.Account, error) {
	a, err := e.Store.GetAccountByIdentity(ctx, strings.TrimSpace(identity))
	if err != nil {
		return domain.Account{}, storeError("get account", "account "+identity, err)
	}
	return a, nil
}

func (e Engine) GetJob(ctx context.Context, number string) (domain.Job, error) {
	return e.job(ctx, "get job", number)
}

// JobPage is one page of the open job board.
type JobPage struct {
	Jobs     []domain.JobSummary `json:"jobs"`
	Page     int                 `json:"page"`
	PageSize int                 `json:"page_size"`
	Total    int                 `json:"total"`
}

// ListOpenJobs returns a 1-based page of OPEN jobs, newest first.
func (e Engine) ListOpenJobs(ctx context.Context, page int) (JobPage, error) {
	if page < 1 {
		page = 1
	}
	size := e.config().Marketplace.JobsPageSize
	if size <= 0 {
		size = 10
	}
	total, err := e.CountOpenJobs(ctx)
	if err != nil {
		return JobPage{}, err
	}
	jobs, err := e.Store.ListOpenJobs(ctx, page, size)
	if err != nil {
		return JobPage{}, fmt.Errorf("list open jobs: %w", err)
	}
	if jobs == nil {
		jobs = []domain.JobSummary{}
	}
	return JobPage{Jobs: jobs, Page: page, PageSize: size, Total: total}, nil
}

func (e Engine) CountOpenJobs(ctx context.Context) (int, error) {
	n, err := e.Store.CountOpenJobs(ctx)
	if err != nil {
		return 0, fmt.Errorf("count open jobs: %w", err)
	}
	return n, nil
}

func (e Engine) TopPorters(ctx context.Context, limit int) ([]domain.Account, error) {
	if limit <= 0 {
		limit = 10
	}
	res, err := e.Store.TopPorters(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("top porters: %w", err)
	}
	return res, nil
}
