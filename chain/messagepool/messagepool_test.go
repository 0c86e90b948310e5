package messagepool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/filecoin-project/go-address"
	"github.com/ipfs/go-cid"
	"github.com/ipfs/go-datastore"
	"github.com/stretchr/testify/require"

	"github.com/filecoin-project/go-mpool/build"
	"github.com/filecoin-project/go-mpool/chain/types"
	"github.com/filecoin-project/go-mpool/chain/types/mock"
	"github.com/filecoin-project/go-mpool/chain/wallet"
)

type testMpoolAPI struct {
	lk sync.Mutex

	ch chan []*HeadChange

	bmsgs      map[cid.Cid][]*types.SignedMessage
	statenonce map[address.Address]uint64
	balance    map[address.Address]types.BigInt

	tipsets map[types.TipSetKey]*types.TipSet
	curTs   *types.TipSet

	baseFee types.BigInt
}

func newTestMpoolAPI() *testMpoolAPI {
	tma := &testMpoolAPI{
		ch:         make(chan []*HeadChange, 16),
		bmsgs:      make(map[cid.Cid][]*types.SignedMessage),
		statenonce: make(map[address.Address]uint64),
		balance:    make(map[address.Address]types.BigInt),
		tipsets:    make(map[types.TipSetKey]*types.TipSet),
		baseFee:    types.NewInt(uint64(build.MinimumBaseFee)),
	}

	genesis := mock.MkBlock(nil, 1, 0)
	tma.curTs = mock.TipSet(genesis)
	tma.registerTipSet(tma.curTs)

	return tma
}

func (tma *testMpoolAPI) registerTipSet(ts *types.TipSet) {
	tma.lk.Lock()
	defer tma.lk.Unlock()
	tma.tipsets[ts.Key()] = ts
}

func (tma *testMpoolAPI) applyBlock(t *testing.T, mp *MessagePool, b *types.BlockHeader) {
	t.Helper()

	ts := mock.TipSet(b)
	tma.registerTipSet(ts)

	tma.ch <- []*HeadChange{{Type: HCApply, Val: ts}}
	waitForTipset(t, mp, ts)
}

func (tma *testMpoolAPI) revertBlock(t *testing.T, mp *MessagePool, b *types.BlockHeader) {
	t.Helper()

	ts := mock.TipSet(b)

	tma.lk.Lock()
	parent, ok := tma.tipsets[ts.Parents()]
	tma.lk.Unlock()
	if !ok {
		t.Fatal("reverting a block whose parent was never applied")
	}

	tma.ch <- []*HeadChange{{Type: HCRevert, Val: ts}}
	waitForTipset(t, mp, parent)
}

func waitForTipset(t *testing.T, mp *MessagePool, ts *types.TipSet) {
	t.Helper()

	for i := 0; i < 100; i++ {
		mp.curTsLk.Lock()
		cur := mp.curTs
		mp.curTsLk.Unlock()

		if cur.Equals(ts) {
			return
		}

		time.Sleep(10 * time.Millisecond)
	}

	t.Fatal("timed out waiting for head change to be processed")
}

func (tma *testMpoolAPI) setStateNonce(addr address.Address, v uint64) {
	tma.lk.Lock()
	defer tma.lk.Unlock()
	tma.statenonce[addr] = v
}

func (tma *testMpoolAPI) setBalance(addr address.Address, v uint64) {
	tma.lk.Lock()
	defer tma.lk.Unlock()
	tma.balance[addr] = types.BigMul(types.NewInt(v), types.NewInt(build.FilecoinPrecision))
}

func (tma *testMpoolAPI) setBalanceRaw(addr address.Address, v types.BigInt) {
	tma.lk.Lock()
	defer tma.lk.Unlock()
	tma.balance[addr] = v
}

func (tma *testMpoolAPI) setBlockMessages(h *types.BlockHeader, msgs ...*types.SignedMessage) {
	tma.lk.Lock()
	defer tma.lk.Unlock()
	tma.bmsgs[h.Cid()] = msgs
}

func (tma *testMpoolAPI) GetHeaviestTipSet() *types.TipSet {
	tma.lk.Lock()
	defer tma.lk.Unlock()
	return tma.curTs
}

func (tma *testMpoolAPI) SubscribeHeadChanges(ctx context.Context) <-chan []*HeadChange {
	return tma.ch
}

func (tma *testMpoolAPI) PutMessage(ctx context.Context, m types.ChainMsg) (cid.Cid, error) {
	return cid.Undef, nil
}

func (tma *testMpoolAPI) GetActorAfter(ctx context.Context, addr address.Address, ts *types.TipSet) (*types.Actor, error) {
	tma.lk.Lock()
	defer tma.lk.Unlock()

	balance, ok := tma.balance[addr]
	if !ok {
		balance = types.NewInt(1000e6)
		tma.balance[addr] = balance
	}

	nonce := tma.statenonce[addr]
	for _, b := range ts.Blocks() {
		for _, msg := range tma.bmsgs[b.Cid()] {
			if msg.Message.From == addr && msg.Message.Nonce >= nonce {
				nonce = msg.Message.Nonce + 1
			}
		}
	}

	return &types.Actor{
		Nonce:   nonce,
		Balance: balance,
	}, nil
}

func (tma *testMpoolAPI) StateAccountKey(ctx context.Context, addr address.Address, ts *types.TipSet) (address.Address, error) {
	if addr.Protocol() != address.BLS && addr.Protocol() != address.SECP256K1 {
		return address.Undef, fmt.Errorf("given address was not a key addr")
	}
	return addr, nil
}

func (tma *testMpoolAPI) MessagesForBlock(ctx context.Context, h *types.BlockHeader) ([]*types.Message, []*types.SignedMessage, error) {
	tma.lk.Lock()
	defer tma.lk.Unlock()
	return nil, tma.bmsgs[h.Cid()], nil
}

func (tma *testMpoolAPI) LoadTipSet(ctx context.Context, tsk types.TipSetKey) (*types.TipSet, error) {
	tma.lk.Lock()
	defer tma.lk.Unlock()

	ts, ok := tma.tipsets[tsk]
	if !ok {
		return nil, fmt.Errorf("unknown tipset %s", tsk)
	}
	return ts, nil
}

func (tma *testMpoolAPI) ChainComputeBaseFee(ctx context.Context, ts *types.TipSet) (types.BigInt, error) {
	tma.lk.Lock()
	defer tma.lk.Unlock()
	return tma.baseFee, nil
}

func makeTestMpool(t *testing.T) (*testMpoolAPI, *MessagePool, chan PubsubMessage) {
	t.Helper()

	tma := newTestMpoolAPI()
	netSender := make(chan PubsubMessage, 64)
	ds := datastore.NewMapDatastore()

	mp, err := New(context.Background(), tma, ds, netSender, "mptest")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		_ = mp.Close()
	})

	return tma, mp, netSender
}

func makeTestWallet(t *testing.T, typ types.KeyType) (*wallet.LocalWallet, address.Address) {
	t.Helper()

	w := wallet.NewWallet()
	a, err := w.WalletNew(context.Background(), typ)
	if err != nil {
		t.Fatal(err)
	}
	return w, a
}

func makeTestMessage(w *wallet.LocalWallet, from, to address.Address, nonce uint64, gasLimit int64, gasPremium uint64) *types.SignedMessage {
	msg := &types.Message{
		To:         to,
		From:       from,
		Value:      types.NewInt(1),
		Nonce:      nonce,
		GasLimit:   gasLimit,
		GasFeeCap:  types.NewInt(100 + gasPremium),
		GasPremium: types.NewInt(gasPremium),
	}
	sig, err := w.WalletSign(context.TODO(), from, msg.Cid().Bytes())
	if err != nil {
		panic(err)
	}
	return &types.SignedMessage{
		Message:   *msg,
		Signature: *sig,
	}
}

func assertNonce(t *testing.T, mp *MessagePool, addr address.Address, val uint64) {
	t.Helper()
	n, err := mp.GetNonce(context.TODO(), addr)
	if err != nil {
		t.Fatal(err)
	}

	if n != val {
		t.Fatalf("expected nonce of %d, got %d", val, n)
	}
}

func mustAdd(t *testing.T, mp *MessagePool, msg *types.SignedMessage) {
	t.Helper()
	if err := mp.Add(context.TODO(), msg); err != nil {
		t.Fatal(err)
	}
}

func countPublished(ch chan PubsubMessage) int {
	n := 0
	for {
		select {
		case <-ch:
			n++
		default:
			return n
		}
	}
}

func TestMessagePool(t *testing.T) {
	tma, mp, _ := makeTestMpool(t)

	w, sender := makeTestWallet(t, types.KTSecp256k1)
	target := mock.Address(1001)

	a := mock.MkBlock(nil, 1, 1)

	var msgs []*types.SignedMessage
	for i := 0; i < 5; i++ {
		msgs = append(msgs, mock.MkMessage(sender, target, uint64(i), w))
	}

	tma.setStateNonce(sender, 0)
	assertNonce(t, mp, sender, 0)
	mustAdd(t, mp, msgs[0])
	assertNonce(t, mp, sender, 1)
	mustAdd(t, mp, msgs[1])
	assertNonce(t, mp, sender, 2)

	tma.setBlockMessages(a, msgs[0], msgs[1])
	tma.applyBlock(t, mp, a)

	assertNonce(t, mp, sender, 2)

	p, _ := mp.Pending(context.TODO())
	if len(p) != 0 {
		t.Fatalf("expected no pending messages, got %d", len(p))
	}
}

func TestRevertMessages(t *testing.T) {
	tma, mp, _ := makeTestMpool(t)

	w, sender := makeTestWallet(t, types.KTSecp256k1)
	target := mock.Address(1001)

	a := mock.MkBlock(nil, 1, 1)
	b := mock.MkBlock(mock.TipSet(a), 1, 2)

	var msgs []*types.SignedMessage
	for i := 0; i < 4; i++ {
		msgs = append(msgs, mock.MkMessage(sender, target, uint64(i), w))
	}

	tma.setBlockMessages(a, msgs[0])
	tma.setBlockMessages(b, msgs[1], msgs[2], msgs[3])

	mustAdd(t, mp, msgs[0])

	tma.applyBlock(t, mp, a)
	assertNonce(t, mp, sender, 1)

	tma.applyBlock(t, mp, b)
	assertNonce(t, mp, sender, 4)

	tma.revertBlock(t, mp, b)
	assertNonce(t, mp, sender, 4)

	p, _ := mp.Pending(context.TODO())
	if len(p) != 3 {
		t.Fatalf("expected 3 pending messages, got %d", len(p))
	}

	for i, m := range p {
		if m.Message.Nonce != uint64(i+1) {
			t.Fatalf("expected nonce %d, got %d", i+1, m.Message.Nonce)
		}
	}
}

func TestDuplicateAdd(t *testing.T) {
	_, mp, _ := makeTestMpool(t)

	w, sender := makeTestWallet(t, types.KTSecp256k1)
	target := mock.Address(1001)

	m := makeTestMessage(w, sender, target, 0, 1000000, 100)
	mustAdd(t, mp, m)

	err := mp.Add(context.TODO(), m)
	if !errors.Is(err, ErrDuplicateNonce) {
		t.Fatalf("expected ErrDuplicateNonce, got %v", err)
	}
}

func TestReplaceByFeeBoundary(t *testing.T) {
	_, mp, _ := makeTestMpool(t)

	w, sender := makeTestWallet(t, types.KTSecp256k1)
	target := mock.Address(1001)

	m := makeTestMessage(w, sender, target, 0, 1000000, 100)
	mustAdd(t, mp, m)

	// minimum non-qualifying premium: 100 + floor(100*64/256) + 1 = 126
	atBoundary := makeTestMessage(w, sender, target, 0, 1000000, 126)
	err := mp.Add(context.TODO(), atBoundary)
	if !errors.Is(err, ErrRBFTooLowPremium) {
		t.Fatalf("expected ErrRBFTooLowPremium at the boundary, got %v", err)
	}

	aboveBoundary := makeTestMessage(w, sender, target, 0, 1000000, 127)
	mustAdd(t, mp, aboveBoundary)

	p, _ := mp.Pending(context.TODO())
	if len(p) != 1 {
		t.Fatalf("expected 1 pending message, got %d", len(p))
	}
	if p[0].Cid() != aboveBoundary.Cid() {
		t.Fatal("expected the replacement to win")
	}

	assertNonce(t, mp, sender, 1)
}

func TestNonceTooLow(t *testing.T) {
	tma, mp, _ := makeTestMpool(t)

	w, sender := makeTestWallet(t, types.KTSecp256k1)
	target := mock.Address(1001)

	tma.setStateNonce(sender, 5)

	m := makeTestMessage(w, sender, target, 4, 1000000, 100)
	err := mp.Add(context.TODO(), m)
	if !errors.Is(err, ErrNonceTooLow) {
		t.Fatalf("expected ErrNonceTooLow, got %v", err)
	}
}

func TestNotEnoughFunds(t *testing.T) {
	tma, mp, _ := makeTestMpool(t)

	w, sender := makeTestWallet(t, types.KTSecp256k1)
	target := mock.Address(1001)

	tma.setBalanceRaw(sender, types.NewInt(1000)) // far below the gas cost

	m := makeTestMessage(w, sender, target, 0, 1000000, 100)
	err := mp.Add(context.TODO(), m)
	if !errors.Is(err, ErrNotEnoughFunds) {
		t.Fatalf("expected ErrNotEnoughFunds, got %v", err)
	}
}

func TestPendingFundsAccounting(t *testing.T) {
	tma, mp, _ := makeTestMpool(t)

	w, sender := makeTestWallet(t, types.KTSecp256k1)
	target := mock.Address(1001)

	m0 := makeTestMessage(w, sender, target, 0, 1000000, 100)
	m1 := makeTestMessage(w, sender, target, 1, 1000000, 100)

	// enough for either message alone, not for both
	required := m0.Message.RequiredFunds()
	tma.setBalanceRaw(sender, types.BigAdd(required, types.NewInt(1000)))

	mustAdd(t, mp, m0)

	err := mp.Add(context.TODO(), m1)
	if !errors.Is(err, ErrSoftValidationFailure) {
		t.Fatalf("expected soft validation failure with pending funds included, got %v", err)
	}
}

func TestMsgSetRemoveSemantics(t *testing.T) {
	w, sender := makeTestWallet(t, types.KTSecp256k1)
	target := mock.Address(1001)

	mp := &MessagePool{rbfNum: types.NewInt(uint64((ReplaceByFeeRatioDefault - 1) * RbfDenom))}

	ms := newMsgSet(5)
	var msgs []*types.SignedMessage
	for i := uint64(5); i < 8; i++ {
		m := makeTestMessage(w, sender, target, i, 1000000, 100)
		if _, err := ms.add(m, mp); err != nil {
			t.Fatal(err)
		}
		msgs = append(msgs, m)
	}
	if ms.nextNonce != 8 {
		t.Fatalf("expected nextNonce 8, got %d", ms.nextNonce)
	}

	// pruning a mid-chain message rewinds nextNonce to the gap
	ms.rm(6, false)
	if ms.nextNonce != 6 {
		t.Fatalf("expected nextNonce 6 after prune, got %d", ms.nextNonce)
	}

	// a rejected add at a still-occupied higher nonce leaves nextNonce alone
	if _, err := ms.add(msgs[2], mp); !errors.Is(err, ErrDuplicateNonce) {
		t.Fatalf("expected ErrDuplicateNonce, got %v", err)
	}
	if ms.nextNonce != 6 {
		t.Fatalf("expected nextNonce to stay 6 after rejected add, got %d", ms.nextNonce)
	}

	// applying a later message moves nextNonce past it
	ms.rm(7, true)
	if ms.nextNonce != 8 {
		t.Fatalf("expected nextNonce 8 after apply, got %d", ms.nextNonce)
	}

	// removing a nonexistent nonce without apply is a no-op
	before := ms.nextNonce
	ms.rm(100, false)
	if ms.nextNonce != before {
		t.Fatalf("expected nextNonce unchanged, got %d", ms.nextNonce)
	}
}

func TestMsgSetRequiredFunds(t *testing.T) {
	w, sender := makeTestWallet(t, types.KTSecp256k1)
	target := mock.Address(1001)

	mp := &MessagePool{rbfNum: types.NewInt(uint64((ReplaceByFeeRatioDefault - 1) * RbfDenom))}

	ms := newMsgSet(0)

	total := types.NewInt(0)
	var added []*types.SignedMessage
	for i := uint64(0); i < 3; i++ {
		m := makeTestMessage(w, sender, target, i, 1000000, 100)
		if _, err := ms.add(m, mp); err != nil {
			t.Fatal(err)
		}
		total = types.BigAdd(total, m.Message.RequiredFunds())
		added = append(added, m)
	}

	if types.BigCmp(types.BigInt{Int: ms.requiredFunds}, total) != 0 {
		t.Fatalf("expected requiredFunds %s, got %s", total, types.BigInt{Int: ms.requiredFunds})
	}

	// getRequiredFunds excludes the message being replaced
	expect := types.BigSub(total, added[1].Message.RequiredFunds())
	if types.BigCmp(ms.getRequiredFunds(1), expect) != 0 {
		t.Fatalf("expected %s, got %s", expect, ms.getRequiredFunds(1))
	}

	for i := uint64(0); i < 3; i++ {
		ms.rm(i, true)
	}
	if ms.requiredFunds.Sign() != 0 {
		t.Fatalf("expected requiredFunds 0 after removing everything, got %s", ms.requiredFunds)
	}
}

func TestPushPublishes(t *testing.T) {
	tma, mp, netSender := makeTestMpool(t)

	w, sender := makeTestWallet(t, types.KTSecp256k1)
	target := mock.Address(1001)

	tma.setBalance(sender, 1)

	m := makeTestMessage(w, sender, target, 0, 1000000, 100)
	if _, err := mp.Push(context.TODO(), m); err != nil {
		t.Fatal(err)
	}

	if n := countPublished(netSender); n != 1 {
		t.Fatalf("expected 1 published message, got %d", n)
	}
}

func TestSoftValidationFailure(t *testing.T) {
	tma, mp, netSender := makeTestMpool(t)

	w, sender := makeTestWallet(t, types.KTSecp256k1)
	target := mock.Address(1001)

	tma.setBalance(sender, 1)

	// raise the base fee well above what the messages offer
	b := mock.MkBlock(nil, 1, 7)
	b.ParentBaseFee = types.NewInt(10_000_000)
	tma.applyBlock(t, mp, b)

	remote := makeTestMessage(w, sender, target, 0, 1000000, 100)
	err := mp.Add(context.TODO(), remote)
	if !errors.Is(err, ErrSoftValidationFailure) {
		t.Fatalf("expected ErrSoftValidationFailure for remote message, got %v", err)
	}

	// a local message is admitted but held back from publication
	local := makeTestMessage(w, sender, target, 0, 1000000, 200)
	if _, err := mp.Push(context.TODO(), local); err != nil {
		t.Fatal(err)
	}

	if n := countPublished(netSender); n != 0 {
		t.Fatalf("expected no published messages, got %d", n)
	}

	p, _ := mp.Pending(context.TODO())
	if len(p) != 1 {
		t.Fatalf("expected 1 pending message, got %d", len(p))
	}
}

func TestTryAgainOnHeadChange(t *testing.T) {
	tma, mp, _ := makeTestMpool(t)

	w, sender := makeTestWallet(t, types.KTSecp256k1)
	target := mock.Address(1001)

	tma.setBalance(sender, 1)

	_, err := mp.PushWithNonce(context.TODO(), sender, func(from address.Address, nonce uint64) (*types.SignedMessage, error) {
		// the chain moves while we are signing
		tma.applyBlock(t, mp, mock.MkBlock(nil, 1, 9))
		return makeTestMessage(w, from, target, nonce, 1000000, 100), nil
	})
	if !errors.Is(err, ErrTryAgain) {
		t.Fatalf("expected ErrTryAgain, got %v", err)
	}
}

func TestPushWithNonce(t *testing.T) {
	tma, mp, netSender := makeTestMpool(t)

	w, sender := makeTestWallet(t, types.KTSecp256k1)
	target := mock.Address(1001)

	tma.setBalance(sender, 1)

	for i := 0; i < 3; i++ {
		sm, err := mp.PushWithNonce(context.TODO(), sender, func(from address.Address, nonce uint64) (*types.SignedMessage, error) {
			return makeTestMessage(w, from, target, nonce, 1000000, 100), nil
		})
		if err != nil {
			t.Fatal(err)
		}
		if sm.Message.Nonce != uint64(i) {
			t.Fatalf("expected assigned nonce %d, got %d", i, sm.Message.Nonce)
		}
	}

	assertNonce(t, mp, sender, 3)

	if n := countPublished(netSender); n != 3 {
		t.Fatalf("expected 3 published messages, got %d", n)
	}
}

func TestUpdates(t *testing.T) {
	tma, mp, _ := makeTestMpool(t)

	w, sender := makeTestWallet(t, types.KTSecp256k1)
	target := mock.Address(1001)

	tma.setBalance(sender, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := mp.Updates(ctx)
	if err != nil {
		t.Fatal(err)
	}

	m := makeTestMessage(w, sender, target, 0, 1000000, 100)
	if _, err := mp.Push(context.TODO(), m); err != nil {
		t.Fatal(err)
	}

	select {
	case u := <-ch:
		require.Equal(t, types.MpoolAdd, u.Type)
		require.Equal(t, m.Cid(), u.Message.Cid())
	case <-time.After(time.Second):
		t.Fatal("expected update")
	}

	mp.Remove(context.TODO(), sender, 0, false)

	select {
	case u := <-ch:
		require.Equal(t, types.MpoolRemove, u.Type)
	case <-time.After(time.Second):
		t.Fatal("expected remove update")
	}
}

func TestLoadLocal(t *testing.T) {
	tma := newTestMpoolAPI()
	netSender := make(chan PubsubMessage, 64)
	ds := datastore.NewMapDatastore()

	mp, err := New(context.Background(), tma, ds, netSender, "mptest")
	if err != nil {
		t.Fatal(err)
	}

	w, sender := makeTestWallet(t, types.KTSecp256k1)
	target := mock.Address(1001)

	tma.setBalance(sender, 1)

	msgs := make(map[cid.Cid]struct{})
	for i := 0; i < 3; i++ {
		m := makeTestMessage(w, sender, target, uint64(i), 1000000, 100)
		c, err := mp.Push(context.TODO(), m)
		if err != nil {
			t.Fatal(err)
		}
		msgs[c] = struct{}{}
	}

	if err := mp.Close(); err != nil {
		t.Fatal(err)
	}

	tma2 := newTestMpoolAPI()
	tma2.setBalance(sender, 1)

	mp, err = New(context.Background(), tma2, ds, netSender, "mptest")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		_ = mp.Close()
	})

	p, _ := mp.Pending(context.TODO())
	if len(p) != 3 {
		t.Fatalf("expected 3 restored messages, got %d", len(p))
	}
	for _, m := range p {
		if _, ok := msgs[m.Cid()]; !ok {
			t.Fatal("unknown message in restored pool")
		}
	}
}

func TestClear(t *testing.T) {
	tma, mp, _ := makeTestMpool(t)

	wl, local := makeTestWallet(t, types.KTSecp256k1)
	wr, remote := makeTestWallet(t, types.KTSecp256k1)
	target := mock.Address(1001)

	tma.setBalance(local, 1)
	tma.setBalance(remote, 1)

	if _, err := mp.Push(context.TODO(), makeTestMessage(wl, local, target, 0, 1000000, 100)); err != nil {
		t.Fatal(err)
	}
	mustAdd(t, mp, makeTestMessage(wr, remote, target, 0, 1000000, 100))

	// non-local clear keeps our own messages
	mp.Clear(context.TODO(), false)
	p, _ := mp.Pending(context.TODO())
	if len(p) != 1 || p[0].Message.From != local {
		t.Fatalf("expected only the local message to survive, got %d", len(p))
	}

	mp.Clear(context.TODO(), true)
	p, _ = mp.Pending(context.TODO())
	if len(p) != 0 {
		t.Fatalf("expected empty pool, got %d messages", len(p))
	}
}

func TestConfig(t *testing.T) {
	_, mp, _ := makeTestMpool(t)

	cfg := mp.GetConfig()
	require.Equal(t, ReplaceByFeeRatioDefault, cfg.ReplaceByFeeRatio)

	cfg.ReplaceByFeeRatio = 2.5
	require.Error(t, mp.SetConfig(context.TODO(), cfg))

	cfg.ReplaceByFeeRatio = 1.5
	cfg.SizeLimitHigh = 40000
	require.NoError(t, mp.SetConfig(context.TODO(), cfg))

	got := mp.GetConfig()
	require.Equal(t, 1.5, got.ReplaceByFeeRatio)
	require.Equal(t, 40000, got.SizeLimitHigh)

	// config survives the datastore round trip
	loaded, err := loadConfig(context.TODO(), mp.ds)
	require.NoError(t, err)
	require.Equal(t, got.SizeLimitHigh, loaded.SizeLimitHigh)
}

func TestLoadConfigInvalid(t *testing.T) {
	tma := newTestMpoolAPI()
	netSender := make(chan PubsubMessage, 64)
	ds := datastore.NewMapDatastore()

	// a corrupt persisted config must not poison the pool
	bad, err := json.Marshal(&types.MpoolConfig{
		ReplaceByFeeRatio: 0.5,
		SizeLimitHigh:     10,
		SizeLimitLow:      20,
	})
	require.NoError(t, err)
	require.NoError(t, ds.Put(context.TODO(), ConfigKey, bad))

	mp, err := New(context.Background(), tma, ds, netSender, "mptest")
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = mp.Close()
	})

	cfg := mp.GetConfig()
	require.Equal(t, ReplaceByFeeRatioDefault, cfg.ReplaceByFeeRatio)
	require.Equal(t, MemPoolSizeLimitHiDefault, cfg.SizeLimitHigh)
}

func TestSetConfigDuringAdds(t *testing.T) {
	tma, mp, _ := makeTestMpool(t)

	w, sender := makeTestWallet(t, types.KTSecp256k1)
	target := mock.Address(1001)

	tma.setBalance(sender, 1)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			cfg := mp.GetConfig()
			cfg.ReplaceByFeeRatio = 1.0 + float64(1+i%100)/100
			if err := mp.SetConfig(context.TODO(), cfg); err != nil {
				t.Error(err)
				return
			}
		}
	}()

	// keep replacing the same nonce while the RBF ratio is being reconfigured;
	// rejections with ErrRBFTooLowPremium are expected here, unsynchronized
	// reads of the ratio are not
	for i := 0; i < 100; i++ {
		m := makeTestMessage(w, sender, target, 0, 1000000, uint64(100+10*i))
		if err := mp.Add(context.TODO(), m); err != nil && !errors.Is(err, ErrRBFTooLowPremium) {
			t.Fatal(err)
		}
	}

	<-done
}

func TestEstimateGasPremium(t *testing.T) {
	tma, mp, _ := makeTestMpool(t)

	premium, err := mp.EstimateGasPremium(context.TODO(), 2)
	if err != nil {
		t.Fatal(err)
	}
	require.Equal(t, types.NewInt(MinGasPremium), premium)

	w, sender := makeTestWallet(t, types.KTSecp256k1)
	target := mock.Address(1001)
	tma.setBalance(sender, 1)

	for i := uint64(0); i < 5; i++ {
		mustAdd(t, mp, makeTestMessage(w, sender, target, i, 1000000, MinGasPremium*(i+1)))
	}

	premium, err = mp.EstimateGasPremium(context.TODO(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if premium.LessThan(types.NewInt(MinGasPremium)) {
		t.Fatalf("estimate below floor: %s", premium)
	}
}
