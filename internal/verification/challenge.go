package verification

import (
	"fmt"
	"time"

	"github.com/ghidar/ghidar-backend/internal/idgen"
)

// nonceBytes gives a 32-hex-char nonce, enough to make challenge replay
// across requests infeasible.
const nonceBytes = 16

// newChallenge generates the nonce and the human-readable message the
// user signs. The message binds the request ID, purpose and wallet so a
// signature captured for one request proves nothing for another.
func newChallenge(r *Request, issuedAt time.Time) (message, nonce string) {
	nonce = idgen.Hex(nonceBytes)
	message = fmt.Sprintf(
		"Ghidar wallet verification\n"+
			"Request: %s\n"+
			"Purpose: %s\n"+
			"Wallet: %s (%s)\n"+
			"Issued: %s\n"+
			"Nonce: %s",
		r.ID, r.Purpose, r.WalletAddress, r.WalletNetwork,
		issuedAt.UTC().Format(time.RFC3339), nonce,
	)
	return message, nonce
}
