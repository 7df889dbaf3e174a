package approvals

import (
	"github.com/pkg/errors"

	"github.com/aurigraph/tokenversion/approval/types"
)

// ErrInvalidSignature is returned when the verifier rejects a signed vote.
var ErrInvalidSignature = errors.New("invalid vote signature")

// SignatureVerifier checks the signature carried by a validator vote.
// The core does not prescribe a signature scheme; deployments plug in
// their own implementation.
type SignatureVerifier interface {
	Verify(vote *types.ValidatorVote) error
}

// NoopVerifier accepts every vote, signed or not. It is the default when
// no verifier is configured.
type NoopVerifier struct{}

// Verify always succeeds.
func (*NoopVerifier) Verify(_ *types.ValidatorVote) error {
	return nil
}
