package messagepool

import (
	"context"
	"testing"
	"time"

	"github.com/filecoin-project/go-mpool/chain/types"
	"github.com/filecoin-project/go-mpool/chain/types/mock"
)

func TestRepubMessages(t *testing.T) {
	tma, mp, netSender := makeTestMpool(t)

	w1, a1 := makeTestWallet(t, types.KTSecp256k1)
	_, a2 := makeTestWallet(t, types.KTSecp256k1)

	tma.setBalance(a1, 1) // in FIL

	for i := 0; i < 10; i++ {
		m := makeTestMessage(w1, a1, a2, uint64(i), 1000000, uint64(i+1))
		if _, err := mp.Push(context.TODO(), m); err != nil {
			t.Fatal(err)
		}
	}

	if n := countPublished(netSender); n != 10 {
		t.Fatalf("expected to have published 10 messages, but got %d instead", n)
	}

	mp.repubTrigger <- struct{}{}
	time.Sleep(100 * time.Millisecond)

	if n := countPublished(netSender); n != 10 {
		t.Fatalf("expected to have republished 10 messages, but got %d instead", n)
	}

	// a second round without a head change republishes nothing
	mp.repubTrigger <- struct{}{}
	time.Sleep(100 * time.Millisecond)

	if n := countPublished(netSender); n != 0 {
		t.Fatalf("expected no republished messages, but got %d instead", n)
	}
}

func TestRepubClearsOnApply(t *testing.T) {
	tma, mp, netSender := makeTestMpool(t)

	w1, a1 := makeTestWallet(t, types.KTSecp256k1)
	_, a2 := makeTestWallet(t, types.KTSecp256k1)

	tma.setBalance(a1, 1)

	var msgs []*types.SignedMessage
	for i := 0; i < 3; i++ {
		m := makeTestMessage(w1, a1, a2, uint64(i), 1000000, uint64(i+1))
		msgs = append(msgs, m)
		if _, err := mp.Push(context.TODO(), m); err != nil {
			t.Fatal(err)
		}
	}
	countPublished(netSender)

	mp.repubTrigger <- struct{}{}
	time.Sleep(100 * time.Millisecond)

	if n := countPublished(netSender); n != 3 {
		t.Fatalf("expected 3 republished messages, but got %d instead", n)
	}

	// landing a republished message on chain clears it from the republished
	// set and triggers another round for the remainder
	b := mock.MkBlock(nil, 1, 3)
	tma.setBlockMessages(b, msgs[0])
	tma.applyBlock(t, mp, b)
	time.Sleep(100 * time.Millisecond)

	mp.lk.Lock()
	_, still := mp.republished[msgs[0].Cid()]
	mp.lk.Unlock()
	if still {
		t.Fatal("expected applied message to be cleared from the republished set")
	}
}

func TestRepubLimit(t *testing.T) {
	tma, mp, netSender := makeTestMpool(t)

	w1, a1 := makeTestWallet(t, types.KTSecp256k1)
	_, a2 := makeTestWallet(t, types.KTSecp256k1)

	tma.setBalance(a1, 1)

	for i := 0; i < RepubMsgLimit+10; i++ {
		m := makeTestMessage(w1, a1, a2, uint64(i), 1000000, uint64(i+1))
		if err := mp.Add(context.TODO(), m); err != nil {
			t.Fatal(err)
		}
		// mark the sender as local without publishing on push
		mp.lk.Lock()
		mp.localAddrs[a1] = struct{}{}
		mp.lk.Unlock()
	}
	countPublished(netSender)

	mp.repubTrigger <- struct{}{}
	time.Sleep(100 * time.Millisecond)

	if n := countPublished(netSender); n != RepubMsgLimit {
		t.Fatalf("expected %d republished messages, but got %d instead", RepubMsgLimit, n)
	}
}
