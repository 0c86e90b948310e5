package wallet

import (
	"context"
	"sort"
	"sync"

	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/crypto"
	"golang.org/x/xerrors"

	_ "github.com/filecoin-project/go-mpool/lib/sigs/bls"
	_ "github.com/filecoin-project/go-mpool/lib/sigs/secp"

	"github.com/filecoin-project/go-mpool/chain/types"
	"github.com/filecoin-project/go-mpool/lib/sigs"
)

var ErrKeyInfoNotFound = xerrors.New("key info not found")

// LocalWallet holds keys in memory and signs with them. It is what the pool's
// tests and the message signer use; production deployments would back it with
// an encrypted keystore.
type LocalWallet struct {
	keys map[address.Address]*Key

	lk sync.Mutex
}

func NewWallet() *LocalWallet {
	return &LocalWallet{
		keys: make(map[address.Address]*Key),
	}
}

func KeyWallet(keys ...*Key) *LocalWallet {
	m := make(map[address.Address]*Key)
	for _, key := range keys {
		m[key.Address] = key
	}

	return &LocalWallet{
		keys: m,
	}
}

func (w *LocalWallet) WalletSign(ctx context.Context, addr address.Address, msg []byte) (*crypto.Signature, error) {
	ki, err := w.findKey(addr)
	if err != nil {
		return nil, err
	}
	if ki == nil {
		return nil, xerrors.Errorf("signing using key '%s': %w", addr.String(), ErrKeyInfoNotFound)
	}

	st, err := ki.Type.SigType()
	if err != nil {
		return nil, err
	}

	return sigs.Sign(st, ki.PrivateKey, msg)
}

func (w *LocalWallet) findKey(addr address.Address) (*Key, error) {
	w.lk.Lock()
	defer w.lk.Unlock()

	k, ok := w.keys[addr]
	if !ok {
		return nil, nil
	}
	return k, nil
}

func (w *LocalWallet) WalletNew(ctx context.Context, typ types.KeyType) (address.Address, error) {
	k, err := GenerateKey(typ)
	if err != nil {
		return address.Undef, err
	}

	w.lk.Lock()
	defer w.lk.Unlock()

	w.keys[k.Address] = k
	return k.Address, nil
}

func (w *LocalWallet) WalletHas(ctx context.Context, addr address.Address) (bool, error) {
	k, err := w.findKey(addr)
	if err != nil {
		return false, err
	}
	return k != nil, nil
}

func (w *LocalWallet) WalletList(ctx context.Context) ([]address.Address, error) {
	w.lk.Lock()
	defer w.lk.Unlock()

	out := make([]address.Address, 0, len(w.keys))
	for a := range w.keys {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].String() < out[j].String()
	})

	return out, nil
}

func (w *LocalWallet) WalletExport(ctx context.Context, addr address.Address) (*types.KeyInfo, error) {
	k, err := w.findKey(addr)
	if err != nil {
		return nil, xerrors.Errorf("failed to find key to export: %w", err)
	}
	if k == nil {
		return nil, ErrKeyInfoNotFound
	}

	return &k.KeyInfo, nil
}

func (w *LocalWallet) WalletImport(ctx context.Context, ki *types.KeyInfo) (address.Address, error) {
	k, err := NewKey(*ki)
	if err != nil {
		return address.Undef, xerrors.Errorf("failed to make key: %w", err)
	}

	w.lk.Lock()
	defer w.lk.Unlock()

	w.keys[k.Address] = k
	return k.Address, nil
}
