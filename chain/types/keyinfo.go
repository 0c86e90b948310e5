package types

import (
	"github.com/filecoin-project/go-state-types/crypto"
	"golang.org/x/xerrors"
)

const (
	KTBLS       KeyType = "bls"
	KTSecp256k1 KeyType = "secp256k1"
)

type KeyType string

// KeyInfo is used for storing keys in the keystore.
type KeyInfo struct {
	Type       KeyType
	PrivateKey []byte
}

func (kt KeyType) SigType() (crypto.SigType, error) {
	switch kt {
	case KTBLS:
		return crypto.SigTypeBLS, nil
	case KTSecp256k1:
		return crypto.SigTypeSecp256k1, nil
	default:
		return crypto.SigTypeUnknown, xerrors.Errorf("unknown key type: %s", kt)
	}
}

func KeyTypeFromSigType(st crypto.SigType) (KeyType, error) {
	switch st {
	case crypto.SigTypeBLS:
		return KTBLS, nil
	case crypto.SigTypeSecp256k1:
		return KTSecp256k1, nil
	default:
		return "", xerrors.Errorf("unknown signature type: %d", st)
	}
}
