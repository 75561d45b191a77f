package verification

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ghidar/ghidar-backend/internal/proof"
)

// verdict is a strategy's judgement of one proof submission.
type verdict struct {
	valid  bool
	reason string
	// notBefore, when set, means the proof cannot be judged yet and the
	// caller should come back after this time. Does not burn a retry.
	notBefore time.Time
}

// strategy implements one verification method. Strategies are pure:
// they read the request and policy, judge the material, and never touch
// storage or keep the material.
type strategy interface {
	// ttl is the request lifetime for this method.
	ttl(p Policy) time.Duration
	validate(req *Request, material string, p Policy, now time.Time) verdict
}

func buildStrategies() map[Method]strategy {
	return map[Method]strategy{
		MethodStandardSignature: standardSignature{},
		MethodAssisted:          assistedKey{},
		MethodMultiSignature:    multiSignature{},
		MethodTimeDelayed:       timeDelayed{},
	}
}

// standardSignature accepts a single signature over the request challenge.
type standardSignature struct{}

func (standardSignature) ttl(p Policy) time.Duration { return p.SignatureTTL }

func (standardSignature) validate(req *Request, material string, _ Policy, _ time.Time) verdict {
	res := proof.ValidateSignature(req.ChallengeMessage, req.WalletAddress, req.WalletNetwork, material)
	return verdict{valid: res.Valid, reason: res.Reason}
}

// assistedKey accepts raw key material for the human-assisted path.
// Restricted to one network; the long TTL covers the review window.
type assistedKey struct{}

func (assistedKey) ttl(p Policy) time.Duration { return p.AssistedTTL }

func (assistedKey) validate(req *Request, material string, p Policy, _ time.Time) verdict {
	if p.AssistedNetwork != "" && req.WalletNetwork != p.AssistedNetwork {
		return verdict{reason: fmt.Sprintf("assisted verification is only available on %s", p.AssistedNetwork)}
	}
	res := proof.ValidateKeyOwnership(req.WalletAddress, req.WalletNetwork, material)
	return verdict{valid: res.Valid, reason: res.Reason}
}

// multiSignature accepts a JSON array of signatures over the same
// challenge. Approval needs the policy quorum of valid signatures from
// distinct signers, one of which must be the claimed wallet itself.
type multiSignature struct{}

func (multiSignature) ttl(p Policy) time.Duration { return p.SignatureTTL }

func (multiSignature) validate(req *Request, material string, p Policy, _ time.Time) verdict {
	var sigs []string
	if err := json.Unmarshal([]byte(material), &sigs); err != nil {
		return verdict{reason: "proof must be a JSON array of hex signatures"}
	}
	if len(sigs) < p.MultiSigRequired {
		return verdict{reason: fmt.Sprintf("need %d signatures, got %d", p.MultiSigRequired, len(sigs))}
	}

	signers := make(map[string]bool, len(sigs))
	walletSigned := false
	for i, s := range sigs {
		res := proof.ValidateRecovery(req.ChallengeMessage, req.WalletNetwork, s)
		if !res.Valid {
			return verdict{reason: fmt.Sprintf("signature %d: %s", i+1, res.Reason)}
		}
		if signers[res.RecoveredAddress] {
			return verdict{reason: fmt.Sprintf("signature %d: duplicate signer", i+1)}
		}
		signers[res.RecoveredAddress] = true
		if proof.AddressesEqual(req.WalletNetwork, res.RecoveredAddress, req.WalletAddress) {
			walletSigned = true
		}
	}
	if !walletSigned {
		return verdict{reason: "claimed wallet is not among the signers"}
	}
	if len(signers) < p.MultiSigRequired {
		return verdict{reason: fmt.Sprintf("need %d distinct signers, got %d", p.MultiSigRequired, len(signers))}
	}
	return verdict{valid: true}
}

// timeDelayed behaves like standardSignature after a mandatory holding
// period from request creation. Early submissions are deferred, not
// failed.
type timeDelayed struct{}

func (timeDelayed) ttl(p Policy) time.Duration { return p.TimeDelayedHold + p.SignatureTTL }

func (timeDelayed) validate(req *Request, material string, p Policy, now time.Time) verdict {
	mature := req.CreatedAt.Add(p.TimeDelayedHold)
	if now.Before(mature) {
		return verdict{notBefore: mature, reason: "holding period has not elapsed"}
	}
	res := proof.ValidateSignature(req.ChallengeMessage, req.WalletAddress, req.WalletNetwork, material)
	return verdict{valid: res.Valid, reason: res.Reason}
}
