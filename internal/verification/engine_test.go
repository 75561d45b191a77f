package verification

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/ghidar/ghidar-backend/internal/auth"
	"github.com/ghidar/ghidar-backend/internal/idgen"
	"github.com/ghidar/ghidar-backend/internal/proof"
	"github.com/ghidar/ghidar-backend/internal/risk"
)

const (
	walletKeyHex = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	otherKeyHex  = "8a1f9a8f95be41cd7ccb6168179afb4504aefe388d1e14474d32c45c72ce7b7a"
)

var (
	userPrincipal  = auth.Principal{UserID: 7}
	adminPrincipal = auth.Principal{IsAdmin: true, AdminID: "ops-1"}
)

// fakeFunds records ledger calls and enforces at-most-once releases per
// idempotency key, like the real ledger store does.
type fakeFunds struct {
	mu           sync.Mutex
	holds        map[string]string
	releaseCalls int
	released     map[string]bool
	refunded     map[string]bool
	holdErr      error
}

func newFakeFunds() *fakeFunds {
	return &fakeFunds{
		holds:    make(map[string]string),
		released: make(map[string]bool),
		refunded: make(map[string]bool),
	}
}

func (f *fakeFunds) HoldPending(_ context.Context, _ int64, amount, reference string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.holdErr != nil {
		return f.holdErr
	}
	f.holds[reference] = amount
	return nil
}

func (f *fakeFunds) ReleasePending(_ context.Context, _ int64, _, idempotencyKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releaseCalls++
	f.released[idempotencyKey] = true
	return nil
}

func (f *fakeFunds) RefundPending(_ context.Context, _ int64, _, reference string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refunded[reference] = true
	return nil
}

func (f *fakeFunds) releasedOnce(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.released[key]
}

type testEnv struct {
	engine *Engine
	store  *MemoryStore
	funds  *fakeFunds
	now    time.Time
}

func newTestEnv(policy Policy) *testEnv {
	store := NewMemoryStore()
	funds := newFakeFunds()
	classifier := risk.NewClassifier(store, risk.DefaultThresholds())
	env := &testEnv{
		store: store,
		funds: funds,
		now:   time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC),
	}
	env.engine = NewEngine(store, classifier, funds, policy)
	env.engine.now = func() time.Time { return env.now }
	return env
}

func (env *testEnv) advance(d time.Duration) { env.now = env.now.Add(d) }

// seedApprovedWallet gives a wallet verification history so the novelty
// factor stops raising risk.
func (env *testEnv) seedApprovedWallet(t *testing.T, wallet string, network proof.Network) {
	t.Helper()
	done := env.now.Add(-48 * time.Hour)
	req := &Request{
		ID:            idgen.WithPrefix("vr_"),
		UserID:        999,
		Purpose:       PurposeGeneral,
		Method:        MethodStandardSignature,
		Status:        StatusApproved,
		WalletAddress: wallet,
		WalletNetwork: network,
		RiskLevel:     risk.LevelLow,
		CreatedAt:     done,
		UpdatedAt:     done,
		CompletedAt:   &done,
		Version:       1,
	}
	if err := env.store.Create(context.Background(), req, nil); err != nil {
		t.Fatalf("seed wallet: %v", err)
	}
}

func walletAddr(t *testing.T, keyHex string, network proof.Network) string {
	t.Helper()
	key, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		t.Fatalf("bad test key: %v", err)
	}
	return proof.AddressFromPubkey(network, &key.PublicKey)
}

func signChallenge(t *testing.T, keyHex, message string, network proof.Network) string {
	t.Helper()
	key, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		t.Fatalf("bad test key: %v", err)
	}
	sig, err := crypto.Sign(proof.HashChallenge(network, message), key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	sig[64] += 27
	return hex.EncodeToString(sig)
}

func TestCreate_LowRiskDefaultsToStandardSignature(t *testing.T) {
	env := newTestEnv(DefaultPolicy())
	ctx := context.Background()
	wallet := walletAddr(t, walletKeyHex, proof.NetworkERC20)
	env.seedApprovedWallet(t, wallet, proof.NetworkERC20)

	req, err := env.engine.Create(ctx, userPrincipal, CreateInput{
		Purpose:       PurposeWithdrawal,
		Amount:        "12.50",
		WalletAddress: wallet,
		WalletNetwork: proof.NetworkERC20,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if req.Method != MethodStandardSignature {
		t.Errorf("method = %s, want standard_signature", req.Method)
	}
	if req.Status != StatusPending {
		t.Errorf("status = %s, want pending", req.Status)
	}
	if req.RiskLevel != risk.LevelLow {
		t.Errorf("risk = %s, want low (factors: %v)", req.RiskLevel, req.RiskFactors)
	}
	if req.ChallengeMessage == "" || req.ChallengeNonce == "" {
		t.Error("signature method must carry a challenge")
	}
	if req.ExpiresAt == nil || !req.ExpiresAt.Equal(env.now.Add(DefaultPolicy().SignatureTTL)) {
		t.Errorf("expiresAt = %v, want now+%s", req.ExpiresAt, DefaultPolicy().SignatureTTL)
	}
	if env.funds.holds[req.ID] != "12.50" {
		t.Errorf("hold = %q, want 12.50", env.funds.holds[req.ID])
	}
}

func TestCreate_DuplicateActiveRejected(t *testing.T) {
	env := newTestEnv(DefaultPolicy())
	ctx := context.Background()
	wallet := walletAddr(t, walletKeyHex, proof.NetworkERC20)

	in := CreateInput{
		Purpose:       PurposeWithdrawal,
		Amount:        "10",
		WalletAddress: wallet,
		WalletNetwork: proof.NetworkERC20,
	}
	if _, err := env.engine.Create(ctx, userPrincipal, in); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if _, err := env.engine.Create(ctx, userPrincipal, in); !errors.Is(err, ErrDuplicateActive) {
		t.Errorf("second create err = %v, want ErrDuplicateActive", err)
	}

	// A different purpose is a different gate; allowed.
	in.Purpose = PurposeLottery
	if _, err := env.engine.Create(ctx, userPrincipal, in); err != nil {
		t.Errorf("different purpose: %v", err)
	}
}

func TestCreate_InvalidAmount(t *testing.T) {
	env := newTestEnv(DefaultPolicy())
	wallet := walletAddr(t, walletKeyHex, proof.NetworkERC20)

	for _, amount := range []string{"0", "-5", "0.000000", "abc"} {
		_, err := env.engine.Create(context.Background(), userPrincipal, CreateInput{
			Purpose:       PurposeWithdrawal,
			Amount:        amount,
			WalletAddress: wallet,
			WalletNetwork: proof.NetworkERC20,
		})
		if !errors.Is(err, ErrInvalidAmount) {
			t.Errorf("amount %q: err = %v, want ErrInvalidAmount", amount, err)
		}
	}
}

func TestCreate_HighRiskExcludesStandardSignature(t *testing.T) {
	env := newTestEnv(DefaultPolicy())
	wallet := walletAddr(t, walletKeyHex, proof.NetworkERC20)

	_, err := env.engine.Create(context.Background(), userPrincipal, CreateInput{
		Purpose:         PurposeWithdrawal,
		Amount:          "5000", // at the high threshold
		WalletAddress:   wallet,
		WalletNetwork:   proof.NetworkERC20,
		RequestedMethod: MethodStandardSignature,
	})
	if !errors.Is(err, ErrMethodNotAllowed) {
		t.Fatalf("err = %v, want ErrMethodNotAllowed", err)
	}
}

func TestSubmitProof_StandardSignatureRoundTrip(t *testing.T) {
	env := newTestEnv(DefaultPolicy())
	ctx := context.Background()
	wallet := walletAddr(t, walletKeyHex, proof.NetworkERC20)
	env.seedApprovedWallet(t, wallet, proof.NetworkERC20)

	req, err := env.engine.Create(ctx, userPrincipal, CreateInput{
		Purpose:       PurposeWithdrawal,
		Amount:        "12.50",
		WalletAddress: wallet,
		WalletNetwork: proof.NetworkERC20,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	sig := signChallenge(t, walletKeyHex, req.ChallengeMessage, proof.NetworkERC20)
	out, err := env.engine.SubmitProof(ctx, userPrincipal, req.ID, MethodStandardSignature, sig)
	if err != nil {
		t.Fatalf("SubmitProof: %v", err)
	}

	if !out.Approved {
		t.Fatalf("not approved: %s (%s)", out.ErrorCode, out.ErrorMessage)
	}
	if out.Request.Status != StatusApproved {
		t.Errorf("status = %s, want approved", out.Request.Status)
	}
	if out.Request.CompletedAt == nil {
		t.Error("approved request must record completion time")
	}
	if out.Request.ChallengeMessage != "" {
		t.Error("terminal projection must not expose the challenge")
	}
	if !env.funds.releasedOnce(req.ID) {
		t.Error("approval must release the held amount")
	}

	// Replaying the same valid signature cannot resurrect the request.
	if _, err := env.engine.SubmitProof(ctx, userPrincipal, req.ID, MethodStandardSignature, sig); !errors.Is(err, ErrTerminal) {
		t.Errorf("replay err = %v, want ErrTerminal", err)
	}
}

func TestSubmitProof_MultiSignatureQuorum(t *testing.T) {
	env := newTestEnv(DefaultPolicy())
	ctx := context.Background()
	wallet := walletAddr(t, walletKeyHex, proof.NetworkERC20)

	// Fresh wallet at 125.50 USDT lands at medium risk; the default
	// method is multi_signature.
	req, err := env.engine.Create(ctx, userPrincipal, CreateInput{
		Purpose:       PurposeWithdrawal,
		Amount:        "125.50",
		WalletAddress: wallet,
		WalletNetwork: proof.NetworkERC20,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if req.Method != MethodMultiSignature {
		t.Fatalf("method = %s, want multi_signature", req.Method)
	}
	if req.RiskLevel != risk.LevelMedium {
		t.Errorf("risk = %s, want medium", req.RiskLevel)
	}

	// One signature is short of the quorum.
	one, _ := json.Marshal([]string{
		signChallenge(t, walletKeyHex, req.ChallengeMessage, proof.NetworkERC20),
	})
	out, err := env.engine.SubmitProof(ctx, userPrincipal, req.ID, MethodMultiSignature, string(one))
	if err != nil {
		t.Fatalf("SubmitProof: %v", err)
	}
	if out.Approved || out.ErrorCode != CodeProofInvalid {
		t.Fatalf("single signature: approved=%v code=%s", out.Approved, out.ErrorCode)
	}

	env.advance(time.Minute) // past the retry cooldown

	both, _ := json.Marshal([]string{
		signChallenge(t, walletKeyHex, req.ChallengeMessage, proof.NetworkERC20),
		signChallenge(t, otherKeyHex, req.ChallengeMessage, proof.NetworkERC20),
	})
	out, err = env.engine.SubmitProof(ctx, userPrincipal, req.ID, MethodMultiSignature, string(both))
	if err != nil {
		t.Fatalf("SubmitProof: %v", err)
	}
	if !out.Approved {
		t.Fatalf("quorum not approved: %s (%s)", out.ErrorCode, out.ErrorMessage)
	}
}

func TestSubmitProof_InvalidBurnsRetryWithBackoff(t *testing.T) {
	policy := DefaultPolicy()
	env := newTestEnv(policy)
	ctx := context.Background()
	wallet := walletAddr(t, walletKeyHex, proof.NetworkERC20)
	env.seedApprovedWallet(t, wallet, proof.NetworkERC20)

	req, _ := env.engine.Create(ctx, userPrincipal, CreateInput{
		Purpose:       PurposeWithdrawal,
		Amount:        "10",
		WalletAddress: wallet,
		WalletNetwork: proof.NetworkERC20,
	})

	// Signed by the wrong key: structurally valid, wrong signer.
	badSig := signChallenge(t, otherKeyHex, req.ChallengeMessage, proof.NetworkERC20)
	out, err := env.engine.SubmitProof(ctx, userPrincipal, req.ID, MethodStandardSignature, badSig)
	if err != nil {
		t.Fatalf("SubmitProof: %v", err)
	}
	if out.Approved || out.ErrorCode != CodeProofInvalid {
		t.Fatalf("approved=%v code=%s, want proof invalid", out.Approved, out.ErrorCode)
	}
	if out.Request.Status != StatusPending {
		t.Errorf("status = %s, want pending (retries remain)", out.Request.Status)
	}
	if out.Request.RetryCount != 1 {
		t.Errorf("retryCount = %d, want 1", out.Request.RetryCount)
	}
	if out.RetryAfterSeconds <= 0 {
		t.Error("retry must carry a cooldown")
	}
	if len(out.AlternativeMethods) == 0 {
		t.Error("failure must offer alternative methods")
	}

	// Immediate resubmission is inside the cooldown.
	out, err = env.engine.SubmitProof(ctx, userPrincipal, req.ID, MethodStandardSignature, badSig)
	if err != nil {
		t.Fatalf("SubmitProof: %v", err)
	}
	if out.ErrorCode != CodeRateLimited {
		t.Errorf("code = %s, want RATE_LIMITED", out.ErrorCode)
	}
	if out.Request.RetryCount != 1 {
		t.Errorf("rate-limited call burned a retry: count = %d", out.Request.RetryCount)
	}
}

func TestSubmitProof_RetriesExhaustedRejects(t *testing.T) {
	env := newTestEnv(DefaultPolicy())
	ctx := context.Background()
	wallet := walletAddr(t, walletKeyHex, proof.NetworkERC20)
	env.seedApprovedWallet(t, wallet, proof.NetworkERC20)

	req, _ := env.engine.Create(ctx, userPrincipal, CreateInput{
		Purpose:       PurposeWithdrawal,
		Amount:        "10",
		WalletAddress: wallet,
		WalletNetwork: proof.NetworkERC20,
	})
	badSig := signChallenge(t, otherKeyHex, req.ChallengeMessage, proof.NetworkERC20)

	var out *Outcome
	var err error
	for i := 0; i < DefaultPolicy().MaxRetries; i++ {
		out, err = env.engine.SubmitProof(ctx, userPrincipal, req.ID, MethodStandardSignature, badSig)
		if err != nil {
			t.Fatalf("attempt %d: %v", i+1, err)
		}
		env.advance(2 * time.Minute) // clear the cooldown, stay inside the TTL
	}

	if out.Request.Status != StatusRejected {
		t.Fatalf("status = %s, want rejected after %d failures", out.Request.Status, DefaultPolicy().MaxRetries)
	}
	if !env.funds.refunded[req.ID] {
		t.Error("rejection must refund the hold")
	}
	if _, err := env.engine.SubmitProof(ctx, userPrincipal, req.ID, MethodStandardSignature, badSig); !errors.Is(err, ErrTerminal) {
		t.Errorf("post-rejection err = %v, want ErrTerminal", err)
	}
}

func TestSubmitProof_MethodMismatch(t *testing.T) {
	env := newTestEnv(DefaultPolicy())
	ctx := context.Background()
	wallet := walletAddr(t, walletKeyHex, proof.NetworkERC20)
	env.seedApprovedWallet(t, wallet, proof.NetworkERC20)

	req, _ := env.engine.Create(ctx, userPrincipal, CreateInput{
		Purpose:       PurposeWithdrawal,
		Amount:        "10",
		WalletAddress: wallet,
		WalletNetwork: proof.NetworkERC20,
	})

	_, err := env.engine.SubmitProof(ctx, userPrincipal, req.ID, MethodMultiSignature, "[]")
	if !errors.Is(err, ErrMethodMismatch) {
		t.Errorf("err = %v, want ErrMethodMismatch", err)
	}
}

func TestSubmitProof_ExpiredEvenWithValidSignature(t *testing.T) {
	env := newTestEnv(DefaultPolicy())
	ctx := context.Background()
	wallet := walletAddr(t, walletKeyHex, proof.NetworkERC20)
	env.seedApprovedWallet(t, wallet, proof.NetworkERC20)

	req, _ := env.engine.Create(ctx, userPrincipal, CreateInput{
		Purpose:       PurposeWithdrawal,
		Amount:        "10",
		WalletAddress: wallet,
		WalletNetwork: proof.NetworkERC20,
	})
	sig := signChallenge(t, walletKeyHex, req.ChallengeMessage, proof.NetworkERC20)

	env.advance(DefaultPolicy().SignatureTTL + time.Minute)

	out, err := env.engine.SubmitProof(ctx, userPrincipal, req.ID, MethodStandardSignature, sig)
	if err != nil {
		t.Fatalf("SubmitProof: %v", err)
	}
	if out.Approved || out.ErrorCode != CodeExpired {
		t.Fatalf("approved=%v code=%s, want EXPIRED", out.Approved, out.ErrorCode)
	}
	if out.Request.Status != StatusExpired {
		t.Errorf("status = %s, want expired as a side effect", out.Request.Status)
	}
	if !env.funds.refunded[req.ID] {
		t.Error("expiry must refund the hold")
	}
}

func TestSubmitProof_ForeignRequestLooksAbsent(t *testing.T) {
	env := newTestEnv(DefaultPolicy())
	ctx := context.Background()
	wallet := walletAddr(t, walletKeyHex, proof.NetworkERC20)

	req, _ := env.engine.Create(ctx, userPrincipal, CreateInput{
		Purpose:       PurposeWithdrawal,
		Amount:        "10",
		WalletAddress: wallet,
		WalletNetwork: proof.NetworkERC20,
	})

	stranger := auth.Principal{UserID: 1234}
	if _, err := env.engine.SubmitProof(ctx, stranger, req.ID, req.Method, "xx"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestAssistedVerification(t *testing.T) {
	env := newTestEnv(DefaultPolicy())
	ctx := context.Background()
	wallet := walletAddr(t, walletKeyHex, proof.NetworkPolygon)

	req, err := env.engine.Create(ctx, userPrincipal, CreateInput{
		Purpose:         PurposeWithdrawal,
		Amount:          "150",
		WalletAddress:   wallet,
		WalletNetwork:   proof.NetworkPolygon,
		RequestedMethod: MethodAssisted,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if req.Status != StatusProcessing {
		t.Errorf("status = %s, want processing (assisted intake)", req.Status)
	}
	if req.ChallengeMessage != "" {
		t.Error("assisted requests carry no challenge")
	}
	if req.ExpiresAt == nil || !req.ExpiresAt.Equal(env.now.Add(DefaultPolicy().AssistedTTL)) {
		t.Errorf("assisted expiry = %v, want the long review window", req.ExpiresAt)
	}

	// Garbage key material: invalid, no partial credit.
	out, err := env.engine.SubmitProof(ctx, userPrincipal, req.ID, MethodAssisted, "not-a-key")
	if err != nil {
		t.Fatalf("SubmitProof: %v", err)
	}
	if out.Approved || out.ErrorCode != CodeProofInvalid {
		t.Fatalf("garbage key: approved=%v code=%s", out.Approved, out.ErrorCode)
	}

	env.advance(time.Minute)

	out, err = env.engine.SubmitProof(ctx, userPrincipal, req.ID, MethodAssisted, walletKeyHex)
	if err != nil {
		t.Fatalf("SubmitProof: %v", err)
	}
	if !out.Approved {
		t.Fatalf("valid key not approved: %s (%s)", out.ErrorCode, out.ErrorMessage)
	}
}

func TestAssisted_UnavailableOffPolicyNetwork(t *testing.T) {
	env := newTestEnv(DefaultPolicy())
	wallet := walletAddr(t, walletKeyHex, proof.NetworkERC20)

	_, err := env.engine.Create(context.Background(), userPrincipal, CreateInput{
		Purpose:         PurposeWithdrawal,
		Amount:          "150",
		WalletAddress:   wallet,
		WalletNetwork:   proof.NetworkERC20,
		RequestedMethod: MethodAssisted,
	})
	if !errors.Is(err, ErrMethodNotAllowed) {
		t.Errorf("err = %v, want ErrMethodNotAllowed", err)
	}
}

func TestTimeDelayed_EarlySubmissionDeferred(t *testing.T) {
	policy := DefaultPolicy()
	env := newTestEnv(policy)
	ctx := context.Background()
	wallet := walletAddr(t, walletKeyHex, proof.NetworkERC20)

	req, err := env.engine.Create(ctx, userPrincipal, CreateInput{
		Purpose:         PurposeWithdrawal,
		Amount:          "500",
		WalletAddress:   wallet,
		WalletNetwork:   proof.NetworkERC20,
		RequestedMethod: MethodTimeDelayed,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	sig := signChallenge(t, walletKeyHex, req.ChallengeMessage, proof.NetworkERC20)

	out, err := env.engine.SubmitProof(ctx, userPrincipal, req.ID, MethodTimeDelayed, sig)
	if err != nil {
		t.Fatalf("SubmitProof: %v", err)
	}
	if out.Approved || out.ErrorCode != CodeRateLimited {
		t.Fatalf("early submission: approved=%v code=%s, want RATE_LIMITED", out.Approved, out.ErrorCode)
	}
	if out.Request.RetryCount != 0 {
		t.Errorf("early submission burned a retry: count = %d", out.Request.RetryCount)
	}
	want := int64(policy.TimeDelayedHold.Seconds())
	if out.RetryAfterSeconds <= 0 || out.RetryAfterSeconds > want {
		t.Errorf("retryAfterSeconds = %d, want (0, %d]", out.RetryAfterSeconds, want)
	}

	env.advance(policy.TimeDelayedHold)

	out, err = env.engine.SubmitProof(ctx, userPrincipal, req.ID, MethodTimeDelayed, sig)
	if err != nil {
		t.Fatalf("SubmitProof: %v", err)
	}
	if !out.Approved {
		t.Fatalf("mature submission not approved: %s (%s)", out.ErrorCode, out.ErrorMessage)
	}
}

func TestCancel(t *testing.T) {
	env := newTestEnv(DefaultPolicy())
	ctx := context.Background()
	wallet := walletAddr(t, walletKeyHex, proof.NetworkERC20)
	env.seedApprovedWallet(t, wallet, proof.NetworkERC20)

	req, _ := env.engine.Create(ctx, userPrincipal, CreateInput{
		Purpose:       PurposeWithdrawal,
		Amount:        "10",
		WalletAddress: wallet,
		WalletNetwork: proof.NetworkERC20,
	})

	cancelled, err := env.engine.Cancel(ctx, userPrincipal, req.ID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if cancelled.Status != StatusCancelled {
		t.Errorf("status = %s, want cancelled", cancelled.Status)
	}
	if !env.funds.refunded[req.ID] {
		t.Error("cancellation must refund the hold")
	}
	if _, err := env.engine.Cancel(ctx, userPrincipal, req.ID); !errors.Is(err, ErrTerminal) {
		t.Errorf("second cancel err = %v, want ErrTerminal", err)
	}
}

func TestCancel_LosesRaceToApproval(t *testing.T) {
	env := newTestEnv(DefaultPolicy())
	ctx := context.Background()
	wallet := walletAddr(t, walletKeyHex, proof.NetworkERC20)
	env.seedApprovedWallet(t, wallet, proof.NetworkERC20)

	req, _ := env.engine.Create(ctx, userPrincipal, CreateInput{
		Purpose:       PurposeWithdrawal,
		Amount:        "10",
		WalletAddress: wallet,
		WalletNetwork: proof.NetworkERC20,
	})

	// Simulate a cancel built on a stale read: approval lands in between.
	stale, err := env.store.Get(ctx, req.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	sig := signChallenge(t, walletKeyHex, req.ChallengeMessage, proof.NetworkERC20)
	if _, err := env.engine.SubmitProof(ctx, userPrincipal, req.ID, MethodStandardSignature, sig); err != nil {
		t.Fatalf("SubmitProof: %v", err)
	}

	stale.Status = StatusCancelled
	if err := env.store.UpdateCAS(ctx, stale); !errors.Is(err, ErrConflict) {
		t.Errorf("stale cancel err = %v, want ErrConflict", err)
	}

	got, _ := env.store.Get(ctx, req.ID)
	if got.Status != StatusApproved {
		t.Errorf("status = %s, approval must win the race", got.Status)
	}
}

func TestSweepExpired(t *testing.T) {
	env := newTestEnv(DefaultPolicy())
	ctx := context.Background()
	wallet := walletAddr(t, walletKeyHex, proof.NetworkERC20)

	var ids []string
	for i, purpose := range []Purpose{PurposeWithdrawal, PurposeLottery} {
		req, err := env.engine.Create(ctx, auth.Principal{UserID: int64(100 + i)}, CreateInput{
			Purpose:       purpose,
			Amount:        "10",
			WalletAddress: wallet,
			WalletNetwork: proof.NetworkERC20,
		})
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		ids = append(ids, req.ID)
	}

	env.advance(DefaultPolicy().SignatureTTL + time.Minute)

	count, err := env.engine.SweepExpired(ctx)
	if err != nil {
		t.Fatalf("SweepExpired: %v", err)
	}
	if count != 2 {
		t.Errorf("swept %d, want 2", count)
	}
	for _, id := range ids {
		req, _ := env.store.Get(ctx, id)
		if req.Status != StatusExpired {
			t.Errorf("%s status = %s, want expired", id, req.Status)
		}
		if !env.funds.refunded[id] {
			t.Errorf("%s hold not refunded", id)
		}
	}

	// Idempotent: nothing left to sweep.
	count, err = env.engine.SweepExpired(ctx)
	if err != nil || count != 0 {
		t.Errorf("second sweep = (%d, %v), want (0, nil)", count, err)
	}
}

func TestAdminApprove(t *testing.T) {
	env := newTestEnv(DefaultPolicy())
	ctx := context.Background()
	wallet := walletAddr(t, walletKeyHex, proof.NetworkERC20)
	env.seedApprovedWallet(t, wallet, proof.NetworkERC20)

	req, _ := env.engine.Create(ctx, userPrincipal, CreateInput{
		Purpose:       PurposeWithdrawal,
		Amount:        "10",
		WalletAddress: wallet,
		WalletNetwork: proof.NetworkERC20,
	})

	if _, err := env.engine.AdminApprove(ctx, userPrincipal, req.ID, "nope"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("non-admin err = %v, want ErrForbidden", err)
	}

	approved, err := env.engine.AdminApprove(ctx, adminPrincipal, req.ID, "identity confirmed via support ticket")
	if err != nil {
		t.Fatalf("AdminApprove: %v", err)
	}
	if approved.Status != StatusApproved {
		t.Errorf("status = %s, want approved", approved.Status)
	}
	if !env.funds.releasedOnce(req.ID) {
		t.Error("admin approval must release the hold")
	}

	trail, err := env.engine.AuditTrail(ctx, adminPrincipal, req.ID, 50)
	if err != nil {
		t.Fatalf("AuditTrail: %v", err)
	}
	var override *AuditEntry
	for _, e := range trail {
		if e.Action == AuditAdminOverride {
			override = e
		}
	}
	if override == nil {
		t.Fatal("no admin_override audit entry")
	}
	if override.Actor != "ops-1" || override.Reason != "identity confirmed via support ticket" {
		t.Errorf("audit entry = %+v", override)
	}

	// Idempotent: a second click is a no-op success, not a double release.
	before := env.funds.releaseCalls
	again, err := env.engine.AdminApprove(ctx, adminPrincipal, req.ID, "duplicate click")
	if err != nil {
		t.Fatalf("second AdminApprove: %v", err)
	}
	if again.Status != StatusApproved {
		t.Errorf("status = %s", again.Status)
	}
	if env.funds.releaseCalls != before {
		t.Error("idempotent approval must not call release again")
	}
}

func TestAdminApprove_RecoversRejectedRequest(t *testing.T) {
	env := newTestEnv(DefaultPolicy())
	ctx := context.Background()
	wallet := walletAddr(t, walletKeyHex, proof.NetworkERC20)
	env.seedApprovedWallet(t, wallet, proof.NetworkERC20)

	req, _ := env.engine.Create(ctx, userPrincipal, CreateInput{
		Purpose:       PurposeWithdrawal,
		Amount:        "10",
		WalletAddress: wallet,
		WalletNetwork: proof.NetworkERC20,
	})
	badSig := signChallenge(t, otherKeyHex, req.ChallengeMessage, proof.NetworkERC20)
	for i := 0; i < DefaultPolicy().MaxRetries; i++ {
		if _, err := env.engine.SubmitProof(ctx, userPrincipal, req.ID, MethodStandardSignature, badSig); err != nil {
			t.Fatalf("attempt %d: %v", i+1, err)
		}
		env.advance(time.Minute)
	}
	got, _ := env.store.Get(ctx, req.ID)
	if got.Status != StatusRejected {
		t.Fatalf("setup: status = %s, want rejected", got.Status)
	}

	approved, err := env.engine.AdminApprove(ctx, adminPrincipal, req.ID, "manual review passed")
	if err != nil {
		t.Fatalf("AdminApprove: %v", err)
	}
	if approved.Status != StatusApproved {
		t.Errorf("status = %s, want approved", approved.Status)
	}
	// The rejected request refunded its hold; recovery re-holds then
	// releases under the same key.
	if env.funds.holds[req.ID] == "" {
		t.Error("recovery must re-establish the hold")
	}
	if !env.funds.releasedOnce(req.ID) {
		t.Error("recovery must release the re-established hold")
	}
}

func TestProjectionNeverLeaksSecrets(t *testing.T) {
	env := newTestEnv(DefaultPolicy())
	ctx := context.Background()
	wallet := walletAddr(t, walletKeyHex, proof.NetworkERC20)
	env.seedApprovedWallet(t, wallet, proof.NetworkERC20)

	req, _ := env.engine.Create(ctx, userPrincipal, CreateInput{
		Purpose:       PurposeWithdrawal,
		Amount:        "10",
		WalletAddress: wallet,
		WalletNetwork: proof.NetworkERC20,
	})

	raw, err := json.Marshal(Project(req, env.now))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if req.ChallengeNonce == "" {
		t.Fatal("setup: no nonce")
	}
	// The nonce appears inside the signable message by design; there must
	// be no separate nonce field.
	var m map[string]any
	_ = json.Unmarshal(raw, &m)
	for k := range m {
		if k == "challengeNonce" || k == "proof" || k == "proofSubmitted" {
			t.Errorf("projection exposes %q", k)
		}
	}

	// Request serialization (logs, debug dumps) hides challenge internals.
	rawReq, _ := json.Marshal(req)
	if strings.Contains(string(rawReq), req.ChallengeNonce) {
		t.Errorf("request JSON leaks the challenge: %s", rawReq)
	}
}

func TestAlternativeMethodsExcludeBoundMethod(t *testing.T) {
	env := newTestEnv(DefaultPolicy())
	req := &Request{
		Method:        MethodMultiSignature,
		RiskLevel:     risk.LevelMedium,
		WalletNetwork: proof.NetworkERC20,
	}
	alts := env.engine.AlternativeMethods(req)
	for _, m := range alts {
		if m == MethodMultiSignature {
			t.Error("alternatives include the bound method")
		}
		if m == MethodAssisted {
			t.Error("assisted offered off its supported network")
		}
	}
	if len(alts) == 0 {
		t.Error("no alternatives offered")
	}
}

func TestExpiryMonotonicity(t *testing.T) {
	// Once expired, no submission path can resurrect the request.
	env := newTestEnv(DefaultPolicy())
	ctx := context.Background()
	wallet := walletAddr(t, walletKeyHex, proof.NetworkERC20)
	env.seedApprovedWallet(t, wallet, proof.NetworkERC20)

	req, _ := env.engine.Create(ctx, userPrincipal, CreateInput{
		Purpose:       PurposeWithdrawal,
		Amount:        "10",
		WalletAddress: wallet,
		WalletNetwork: proof.NetworkERC20,
	})
	sig := signChallenge(t, walletKeyHex, req.ChallengeMessage, proof.NetworkERC20)

	env.advance(DefaultPolicy().SignatureTTL + time.Second)
	if _, err := env.engine.SweepExpired(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	if _, err := env.engine.SubmitProof(ctx, userPrincipal, req.ID, MethodStandardSignature, sig); !errors.Is(err, ErrTerminal) {
		t.Errorf("err = %v, want ErrTerminal", err)
	}
	got, _ := env.store.Get(ctx, req.ID)
	if got.Status != StatusExpired {
		t.Errorf("status = %s, want expired to stick", got.Status)
	}
}

func TestConcurrentSubmissions_OneWinner(t *testing.T) {
	env := newTestEnv(DefaultPolicy())
	ctx := context.Background()
	wallet := walletAddr(t, walletKeyHex, proof.NetworkERC20)
	env.seedApprovedWallet(t, wallet, proof.NetworkERC20)

	req, _ := env.engine.Create(ctx, userPrincipal, CreateInput{
		Purpose:       PurposeWithdrawal,
		Amount:        "10",
		WalletAddress: wallet,
		WalletNetwork: proof.NetworkERC20,
	})
	sig := signChallenge(t, walletKeyHex, req.ChallengeMessage, proof.NetworkERC20)

	const n = 8
	var wg sync.WaitGroup
	approvals := make(chan bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := env.engine.SubmitProof(ctx, userPrincipal, req.ID, MethodStandardSignature, sig)
			approvals <- err == nil && out != nil && out.Approved
		}()
	}
	wg.Wait()
	close(approvals)

	wins := 0
	for ok := range approvals {
		if ok {
			wins++
		}
	}
	if wins != 1 {
		t.Errorf("%d submissions approved, want exactly 1", wins)
	}
	if !env.funds.releasedOnce(req.ID) {
		t.Error("no release recorded")
	}
	if env.funds.releaseCalls != 1 {
		t.Errorf("release called %d times, want 1", env.funds.releaseCalls)
	}
}

func TestCreate_HoldFailurePropagates(t *testing.T) {
	env := newTestEnv(DefaultPolicy())
	env.funds.holdErr = fmt.Errorf("wrapped: %w", errInsufficient)
	wallet := walletAddr(t, walletKeyHex, proof.NetworkERC20)

	_, err := env.engine.Create(context.Background(), userPrincipal, CreateInput{
		Purpose:       PurposeWithdrawal,
		Amount:        "10",
		WalletAddress: wallet,
		WalletNetwork: proof.NetworkERC20,
	})
	if !errors.Is(err, errInsufficient) {
		t.Errorf("err = %v, want the ledger failure surfaced", err)
	}
}

var errInsufficient = errors.New("insufficient balance")
