package bls

import (
	"fmt"

	bls12381 "github.com/drand/kyber-bls12381"
	"github.com/drand/kyber/sign"
	"github.com/drand/kyber/sign/bls"
	"github.com/drand/kyber/util/random"
	"github.com/filecoin-project/go-address"
	crypto1 "github.com/filecoin-project/go-state-types/crypto"

	"github.com/filecoin-project/go-mpool/lib/sigs"
)

// Signatures live on G2 so that public keys stay on G1 and marshal to the
// 48 bytes a BLS address payload carries.
var (
	suite  = bls12381.NewBLS12381Suite()
	scheme sign.Scheme = bls.NewSchemeOnG2(suite)
)

type blsSigner struct{}

func (blsSigner) GenPrivate() ([]byte, error) {
	priv := suite.G1().Scalar().Pick(random.New())
	return priv.MarshalBinary()
}

func (blsSigner) ToPublic(priv []byte) ([]byte, error) {
	sk := suite.G1().Scalar()
	if err := sk.UnmarshalBinary(priv); err != nil {
		return nil, fmt.Errorf("unmarshaling bls private key: %w", err)
	}

	pub := suite.G1().Point().Mul(sk, nil)
	return pub.MarshalBinary()
}

func (blsSigner) Sign(p []byte, msg []byte) ([]byte, error) {
	sk := suite.G1().Scalar()
	if err := sk.UnmarshalBinary(p); err != nil {
		return nil, fmt.Errorf("unmarshaling bls private key: %w", err)
	}

	return scheme.Sign(sk, msg)
}

func (blsSigner) Verify(sig []byte, a address.Address, msg []byte) error {
	if a.Protocol() != address.BLS {
		return fmt.Errorf("cannot verify bls signature for non-bls address %s", a)
	}

	pub := suite.G1().Point()
	if err := pub.UnmarshalBinary(a.Payload()); err != nil {
		return fmt.Errorf("unmarshaling bls public key: %w", err)
	}

	return scheme.Verify(pub, msg, sig)
}

func init() {
	sigs.RegisterSignature(crypto1.SigTypeBLS, blsSigner{})
}
