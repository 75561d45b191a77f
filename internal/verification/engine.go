package verification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ghidar/ghidar-backend/internal/auth"
	"github.com/ghidar/ghidar-backend/internal/idgen"
	"github.com/ghidar/ghidar-backend/internal/logging"
	"github.com/ghidar/ghidar-backend/internal/money"
	"github.com/ghidar/ghidar-backend/internal/proof"
	"github.com/ghidar/ghidar-backend/internal/risk"
)

// Policy holds the tunable verification rules. Values come from
// configuration, never from request input.
type Policy struct {
	MaxRetries       int           // Failed proof attempts before rejection
	RetryBackoffBase time.Duration // First retry cooldown; doubles per failure
	SignatureTTL     time.Duration // Lifetime of signature-method requests
	AssistedTTL      time.Duration // Lifetime of assisted requests (review window)
	TimeDelayedHold  time.Duration // Mandatory wait before time_delayed proofs count
	MultiSigRequired int           // Distinct signers needed for multi_signature
	AssistedNetwork  proof.Network // Only network the assisted path accepts
}

// DefaultPolicy returns production defaults.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:       3,
		RetryBackoffBase: 30 * time.Second,
		SignatureTTL:     10 * time.Minute,
		AssistedTTL:      48 * time.Hour,
		TimeDelayedHold:  time.Hour,
		MultiSigRequired: 2,
		AssistedNetwork:  proof.NetworkPolygon,
	}
}

// Funds is the ledger collaborator the engine signals. Implemented by
// *ledger.Ledger.
type Funds interface {
	HoldPending(ctx context.Context, userID int64, amount, reference string) error
	// ReleasePending must be at-most-once per idempotency key; the engine
	// always passes the request ID.
	ReleasePending(ctx context.Context, userID int64, amount, idempotencyKey string) error
	RefundPending(ctx context.Context, userID int64, amount, reference string) error
}

// Notifier pushes user-facing status updates. Optional; best-effort.
type Notifier interface {
	Notify(ctx context.Context, userID int64, kind, title, body string)
}

// Engine owns every verification request transition. All mutations go
// through the store's compare-and-set, so concurrent submissions, the
// expiry sweep and admin overrides serialize per request.
type Engine struct {
	store      Store
	classifier *risk.Classifier
	funds      Funds
	notifier   Notifier
	policy     Policy
	strategies map[Method]strategy
	now        func() time.Time
}

// NewEngine wires the verification engine.
func NewEngine(store Store, classifier *risk.Classifier, funds Funds, policy Policy) *Engine {
	return &Engine{
		store:      store,
		classifier: classifier,
		funds:      funds,
		policy:     policy,
		strategies: buildStrategies(),
		now:        time.Now,
	}
}

// WithNotifier attaches an optional status notifier.
func (e *Engine) WithNotifier(n Notifier) *Engine {
	e.notifier = n
	return e
}

// CreateInput is the caller's request to open verification.
type CreateInput struct {
	Purpose           Purpose       `json:"purpose"`
	Amount            string        `json:"amount,omitempty"`
	WalletAddress     string        `json:"walletAddress"`
	WalletNetwork     proof.Network `json:"walletNetwork"`
	RequestedMethod   Method        `json:"requestedMethod,omitempty"`
	PreviousRequestID string        `json:"previousRequestId,omitempty"`
}

// Create opens a verification request for the principal. The amount, when
// present, is moved into the ledger's pending bucket until the request
// reaches a terminal state.
func (e *Engine) Create(ctx context.Context, p auth.Principal, in CreateInput) (*Request, error) {
	if err := e.validateCreate(in); err != nil {
		return nil, err
	}
	now := e.now()

	if existing, err := e.store.FindActive(ctx, p.UserID, in.Purpose, in.WalletAddress); err == nil && existing != nil {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateActive, existing.ID)
	} else if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	assessment := e.classifier.Classify(ctx, risk.Input{
		UserID:        p.UserID,
		Amount:        in.Amount,
		WalletAddress: in.WalletAddress,
		WalletNetwork: string(in.WalletNetwork),
	})

	allowed := e.allowedMethods(assessment.Level, in.WalletNetwork)
	method := in.RequestedMethod
	if method == "" {
		method = allowed[0]
	} else if !containsMethod(allowed, method) {
		return nil, fmt.Errorf("%w: %s at %s risk", ErrMethodNotAllowed, method, assessment.Level)
	}

	req := &Request{
		ID:                idgen.WithPrefix("vr_"),
		UserID:            p.UserID,
		Purpose:           in.Purpose,
		Method:            method,
		Status:            StatusPending,
		Amount:            in.Amount,
		WalletAddress:     in.WalletAddress,
		WalletNetwork:     in.WalletNetwork,
		RiskLevel:         assessment.Level,
		RiskFactors:       assessment.Factors,
		PreviousRequestID: in.PreviousRequestID,
		CreatedAt:         now,
		UpdatedAt:         now,
		Version:           1,
	}
	if method == MethodAssisted {
		req.Status = StatusProcessing
	}
	expires := now.Add(e.strategies[method].ttl(e.policy))
	req.ExpiresAt = &expires
	if method.signatureBased() {
		req.ChallengeMessage, req.ChallengeNonce = newChallenge(req, now)
	}

	if req.Amount != "" {
		if err := e.funds.HoldPending(ctx, req.UserID, req.Amount, req.ID); err != nil {
			return nil, fmt.Errorf("hold amount: %w", err)
		}
	}

	entry := e.audit(req.ID, fmt.Sprintf("%d", p.UserID), ActorUser, AuditCreated,
		fmt.Sprintf("method=%s risk=%s", method, assessment.Level))
	if err := e.store.Create(ctx, req, entry); err != nil {
		if req.Amount != "" {
			if rerr := e.funds.RefundPending(ctx, req.UserID, req.Amount, req.ID); rerr != nil {
				logging.L(ctx).Error("refund after failed create", "request_id", req.ID, "error", rerr)
			}
		}
		return nil, err
	}

	observeCreated(req)
	logging.L(ctx).Info("verification request created",
		"request_id", req.ID, "method", method, "risk", assessment.Level, "purpose", in.Purpose)
	return req, nil
}

func (e *Engine) validateCreate(in CreateInput) error {
	if !in.Purpose.Valid() {
		return fmt.Errorf("%w: unknown purpose %q", ErrValidation, in.Purpose)
	}
	if !in.WalletNetwork.Valid() {
		return fmt.Errorf("%w: unsupported network %q", ErrValidation, in.WalletNetwork)
	}
	if !proof.IsValidAddress(in.WalletNetwork, in.WalletAddress) {
		return fmt.Errorf("%w: malformed %s address", ErrValidation, in.WalletNetwork)
	}
	if in.RequestedMethod != "" && !in.RequestedMethod.Valid() {
		return fmt.Errorf("%w: unknown method %q", ErrValidation, in.RequestedMethod)
	}
	if in.Amount != "" && !money.IsPositive(in.Amount) {
		return ErrInvalidAmount
	}
	return nil
}

// allowedMethods maps a risk level to the methods the engine will bind.
// The first entry is the default when the caller expresses no preference.
// Assisted only appears for its supported network.
func (e *Engine) allowedMethods(level risk.Level, network proof.Network) []Method {
	var methods []Method
	switch level {
	case risk.LevelLow:
		methods = []Method{MethodStandardSignature, MethodMultiSignature, MethodTimeDelayed, MethodAssisted}
	case risk.LevelMedium:
		methods = []Method{MethodMultiSignature, MethodTimeDelayed, MethodAssisted}
	default:
		methods = []Method{MethodMultiSignature, MethodTimeDelayed}
	}
	if e.policy.AssistedNetwork != "" && network != e.policy.AssistedNetwork {
		methods = removeMethod(methods, MethodAssisted)
	}
	return methods
}

// SubmitProof validates the material against the request's bound method
// and commits the resulting transition. The material is never stored and
// never logged; it dies with this call frame.
func (e *Engine) SubmitProof(ctx context.Context, p auth.Principal, requestID string, method Method, material string) (*Outcome, error) {
	req, err := e.getOwned(ctx, p, requestID)
	if err != nil {
		return nil, err
	}
	if req.IsTerminal() {
		return nil, fmt.Errorf("%w: %s", ErrTerminal, req.Status)
	}
	if method != req.Method {
		return nil, fmt.Errorf("%w: request is bound to %s", ErrMethodMismatch, req.Method)
	}
	now := e.now()

	if req.Expired(now) {
		if err := e.markExpired(ctx, req); err != nil {
			return nil, err
		}
		return e.outcome(req, now, CodeExpired, "request expired before proof arrived"), nil
	}
	if req.RetryAfter != nil && req.RetryAfter.After(now) {
		return e.outcome(req, now, CodeRateLimited, "retry cooldown in effect"), nil
	}

	// Claim the request for this validation. A concurrent submission, a
	// racing sweep or cancel loses here with a conflict.
	prior := req.Status
	req.Status = StatusVerifying
	req.UpdatedAt = now
	if err := e.store.UpdateCAS(ctx, req); err != nil {
		return nil, err
	}

	v := e.strategies[req.Method].validate(req, material, e.policy, now)
	switch {
	case !v.notBefore.IsZero():
		return e.deferProof(ctx, req, prior, v)
	case v.valid:
		return e.approve(ctx, req, p)
	default:
		return e.fail(ctx, req, prior, v.reason)
	}
}

// deferProof handles a submission that arrived before the method allows
// judgement (time_delayed holding period). The retry budget is untouched.
func (e *Engine) deferProof(ctx context.Context, req *Request, prior Status, v verdict) (*Outcome, error) {
	now := e.now()
	nb := v.notBefore
	req.Status = prior
	req.RetryAfter = &nb
	req.LastErrorCode = CodeRateLimited
	req.UpdatedAt = now
	entry := e.audit(req.ID, fmt.Sprintf("%d", req.UserID), ActorUser, AuditProofSubmitted, v.reason)
	if err := e.store.UpdateCAS(ctx, req, entry); err != nil {
		return nil, err
	}
	return e.outcome(req, now, CodeRateLimited, v.reason), nil
}

// approve commits the terminal approved state, then releases the held
// amount. The release is keyed on the request ID so a repeated approval
// signal can never double-credit.
func (e *Engine) approve(ctx context.Context, req *Request, p auth.Principal) (*Outcome, error) {
	now := e.now()
	req.Status = StatusApproved
	req.CompletedAt = &now
	req.UpdatedAt = now
	req.LastErrorCode = ""
	req.RetryAfter = nil
	req.ChallengeMessage = ""
	req.ChallengeNonce = ""
	entry := e.audit(req.ID, fmt.Sprintf("%d", p.UserID), ActorUser, AuditApproved, "proof validated")
	if err := e.store.UpdateCAS(ctx, req, entry); err != nil {
		return nil, err
	}

	e.release(ctx, req)
	observeTerminal(req)
	e.notify(ctx, req.UserID, "verification_approved", "Wallet verified",
		fmt.Sprintf("Your %s withdrawal has been released.", req.Purpose))
	logging.L(ctx).Info("verification approved", "request_id", req.ID, "method", req.Method)
	return &Outcome{Request: Project(req, now), Approved: true}, nil
}

// fail burns one retry. Below the policy max the request returns to its
// prior waiting state with an exponential cooldown; at the max it becomes
// rejected and the held amount is refunded.
func (e *Engine) fail(ctx context.Context, req *Request, prior Status, reason string) (*Outcome, error) {
	now := e.now()
	req.RetryCount++
	req.LastErrorCode = CodeProofInvalid
	ProofFailures.WithLabelValues(string(req.Method)).Inc()

	if req.RetryCount < e.policy.MaxRetries {
		cooldown := e.policy.RetryBackoffBase << (req.RetryCount - 1)
		after := now.Add(cooldown)
		req.Status = prior
		req.RetryAfter = &after
		req.UpdatedAt = now
		entries := []*AuditEntry{
			e.audit(req.ID, fmt.Sprintf("%d", req.UserID), ActorUser, AuditProofSubmitted, reason),
			e.audit(req.ID, "engine", ActorSystem, AuditRetryScheduled,
				fmt.Sprintf("attempt %d/%d, cooldown %s", req.RetryCount, e.policy.MaxRetries, cooldown)),
		}
		if err := e.store.UpdateCAS(ctx, req, entries...); err != nil {
			return nil, err
		}
		out := e.outcome(req, now, CodeProofInvalid, reason)
		return out, nil
	}

	req.Status = StatusRejected
	req.CompletedAt = &now
	req.UpdatedAt = now
	req.RetryAfter = nil
	req.ChallengeMessage = ""
	req.ChallengeNonce = ""
	entry := e.audit(req.ID, fmt.Sprintf("%d", req.UserID), ActorUser, AuditRejected,
		fmt.Sprintf("retries exhausted: %s", reason))
	if err := e.store.UpdateCAS(ctx, req, entry); err != nil {
		return nil, err
	}
	e.refund(ctx, req)
	observeTerminal(req)
	e.notify(ctx, req.UserID, "verification_rejected", "Verification failed",
		"Automated verification failed. You can start over with another method or contact support.")
	logging.L(ctx).Info("verification rejected", "request_id", req.ID, "retries", req.RetryCount)
	return e.outcome(req, now, CodeProofInvalid, reason), nil
}

// Cancel withdraws an active request and refunds its hold. A request that
// a racing submission just approved cannot be cancelled; the caller gets
// a conflict and should re-fetch.
func (e *Engine) Cancel(ctx context.Context, p auth.Principal, requestID string) (*Request, error) {
	req, err := e.getOwned(ctx, p, requestID)
	if err != nil {
		return nil, err
	}
	if req.IsTerminal() {
		return nil, fmt.Errorf("%w: %s", ErrTerminal, req.Status)
	}
	now := e.now()
	req.Status = StatusCancelled
	req.CompletedAt = &now
	req.UpdatedAt = now
	req.ChallengeMessage = ""
	req.ChallengeNonce = ""
	entry := e.audit(req.ID, fmt.Sprintf("%d", p.UserID), ActorUser, AuditCancelled, "cancelled by user")
	if err := e.store.UpdateCAS(ctx, req, entry); err != nil {
		return nil, err
	}
	e.refund(ctx, req)
	observeTerminal(req)
	logging.L(ctx).Info("verification cancelled", "request_id", req.ID)
	return req, nil
}

// SweepExpired transitions overdue requests to expired and refunds their
// holds. Idempotent and safe to run concurrently with submissions: each
// transition is the same compare-and-set every other writer uses, so a
// request approved mid-sweep stays approved.
func (e *Engine) SweepExpired(ctx context.Context) (int, error) {
	now := e.now()
	overdue, err := e.store.ListExpiredBefore(ctx, now, 100)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, req := range overdue {
		if req.IsTerminal() || !req.Expired(now) {
			continue
		}
		if err := e.markExpired(ctx, req); err != nil {
			if errors.Is(err, ErrConflict) {
				continue // a racing writer got there first
			}
			return count, err
		}
		count++
	}
	return count, nil
}

func (e *Engine) markExpired(ctx context.Context, req *Request) error {
	now := e.now()
	req.Status = StatusExpired
	req.CompletedAt = &now
	req.UpdatedAt = now
	req.LastErrorCode = CodeExpired
	req.ChallengeMessage = ""
	req.ChallengeNonce = ""
	entry := e.audit(req.ID, "sweep", ActorSystem, AuditExpired, "ttl passed")
	if err := e.store.UpdateCAS(ctx, req, entry); err != nil {
		return err
	}
	e.refund(ctx, req)
	observeTerminal(req)
	e.notify(ctx, req.UserID, "verification_expired", "Verification expired",
		"Your verification request expired. Held funds are back in your balance.")
	logging.L(ctx).Info("verification expired", "request_id", req.ID)
	return nil
}

// AdminApprove overrides automated checks from any non-approved state,
// including rejected and expired. The audit record commits in the same
// atomic step as the state change. Calling it on an already approved
// request is a no-op success.
func (e *Engine) AdminApprove(ctx context.Context, p auth.Principal, requestID, reason string) (*Request, error) {
	if !p.IsAdmin {
		return nil, ErrForbidden
	}
	req, err := e.store.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status == StatusApproved {
		return req, nil
	}
	if reason == "" {
		reason = "manual review passed"
	}

	// Rejected, expired and cancelled requests already refunded their
	// hold, so approval has to re-establish it before releasing.
	rehold := req.IsTerminal()

	now := e.now()
	req.Status = StatusApproved
	req.CompletedAt = &now
	req.UpdatedAt = now
	req.LastErrorCode = ""
	req.RetryAfter = nil
	req.ChallengeMessage = ""
	req.ChallengeNonce = ""
	entries := []*AuditEntry{
		e.audit(req.ID, p.AdminID, ActorAdmin, AuditAdminOverride, reason),
		e.audit(req.ID, p.AdminID, ActorAdmin, AuditApproved, "admin override"),
	}
	if err := e.store.UpdateCAS(ctx, req, entries...); err != nil {
		return nil, err
	}

	if req.Amount != "" && rehold {
		if err := e.funds.HoldPending(ctx, req.UserID, req.Amount, req.ID); err != nil {
			logging.L(ctx).Error("CRITICAL: admin approval committed but funds could not be re-held",
				"request_id", req.ID, "user_id", req.UserID, "amount", req.Amount, "error", err)
			return req, nil
		}
	}
	e.release(ctx, req)
	observeTerminal(req)
	e.notify(ctx, req.UserID, "verification_approved", "Wallet verified",
		"Your verification was approved after manual review.")
	logging.L(ctx).Info("verification admin override", "request_id", req.ID, "admin_id", p.AdminID)
	return req, nil
}

// Get returns a request visible to the principal.
func (e *Engine) Get(ctx context.Context, p auth.Principal, requestID string) (*Request, error) {
	if p.IsAdmin {
		return e.store.Get(ctx, requestID)
	}
	return e.getOwned(ctx, p, requestID)
}

// List returns the principal's recent requests, newest first.
func (e *Engine) List(ctx context.Context, p auth.Principal, limit int) ([]*Request, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return e.store.ListByUser(ctx, p.UserID, limit)
}

// AuditTrail returns the append-only history of a request. Admin only;
// the trail names admin identities and internal reasons.
func (e *Engine) AuditTrail(ctx context.Context, p auth.Principal, requestID string, limit int) ([]*AuditEntry, error) {
	if !p.IsAdmin {
		return nil, ErrForbidden
	}
	if _, err := e.store.Get(ctx, requestID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return e.store.AuditTrail(ctx, requestID, limit)
}

// AlternativeMethods lists the methods still open to a request's user at
// its recorded risk level, excluding the bound method.
func (e *Engine) AlternativeMethods(req *Request) []Method {
	return removeMethod(e.allowedMethods(req.RiskLevel, req.WalletNetwork), req.Method)
}

func (e *Engine) getOwned(ctx context.Context, p auth.Principal, requestID string) (*Request, error) {
	req, err := e.store.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	// Foreign requests are indistinguishable from absent ones.
	if req.UserID != p.UserID {
		return nil, ErrNotFound
	}
	return req, nil
}

func (e *Engine) outcome(req *Request, now time.Time, code, msg string) *Outcome {
	out := &Outcome{
		Request:      Project(req, now),
		ErrorCode:    code,
		ErrorMessage: msg,
	}
	if req.RetryAfter != nil && req.RetryAfter.After(now) {
		out.RetryAfterSeconds = int64(req.RetryAfter.Sub(now).Seconds() + 0.5)
	}
	if code == CodeProofInvalid || code == CodeExpired {
		out.AlternativeMethods = e.AlternativeMethods(req)
	}
	return out
}

func (e *Engine) release(ctx context.Context, req *Request) {
	if req.Amount == "" {
		return
	}
	if err := e.funds.ReleasePending(ctx, req.UserID, req.Amount, req.ID); err != nil {
		logging.L(ctx).Error("CRITICAL: approval committed but ledger release failed",
			"request_id", req.ID, "user_id", req.UserID, "amount", req.Amount, "error", err)
	}
}

func (e *Engine) refund(ctx context.Context, req *Request) {
	if req.Amount == "" {
		return
	}
	if err := e.funds.RefundPending(ctx, req.UserID, req.Amount, req.ID); err != nil {
		logging.L(ctx).Error("CRITICAL: terminal state committed but ledger refund failed",
			"request_id", req.ID, "user_id", req.UserID, "amount", req.Amount, "error", err)
	}
}

func (e *Engine) notify(ctx context.Context, userID int64, kind, title, body string) {
	if e.notifier == nil {
		return
	}
	e.notifier.Notify(ctx, userID, kind, title, body)
}

func (e *Engine) audit(requestID, actor, actorType, action, reason string) *AuditEntry {
	return &AuditEntry{
		ID:        idgen.WithPrefix("adt_"),
		RequestID: requestID,
		Actor:     actor,
		ActorType: actorType,
		Action:    action,
		Reason:    reason,
		CreatedAt: e.now(),
	}
}

func containsMethod(methods []Method, m Method) bool {
	for _, x := range methods {
		if x == m {
			return true
		}
	}
	return false
}

func removeMethod(methods []Method, m Method) []Method {
	out := methods[:0:0]
	for _, x := range methods {
		if x != m {
			out = append(out, x)
		}
	}
	return out
}
