package types

import (
	"bytes"
	"testing"

	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/crypto"
	"github.com/stretchr/testify/require"

	"github.com/filecoin-project/go-mpool/build"
)

func testMessage(t *testing.T) *Message {
	t.Helper()

	to, err := address.NewIDAddress(1001)
	require.NoError(t, err)
	from, err := address.NewIDAddress(1002)
	require.NoError(t, err)

	return &Message{
		To:         to,
		From:       from,
		Nonce:      42,
		Value:      NewInt(100),
		GasLimit:   1000000,
		GasFeeCap:  NewInt(200),
		GasPremium: NewInt(100),
		Method:     0,
		Params:     []byte("some bytes, idk"),
	}
}

func TestMessageCBORRoundTrip(t *testing.T) {
	m := testMessage(t)

	data, err := m.Serialize()
	require.NoError(t, err)

	var out Message
	require.NoError(t, out.UnmarshalCBOR(bytes.NewReader(data)))

	require.Equal(t, *m, out)
	require.Equal(t, m.Cid(), out.Cid())
}

func TestSignedMessageBLSCidAliasing(t *testing.T) {
	m := testMessage(t)

	blsSigned := &SignedMessage{
		Message:   *m,
		Signature: crypto.Signature{Type: crypto.SigTypeBLS, Data: make([]byte, 96)},
	}
	require.Equal(t, m.Cid(), blsSigned.Cid())

	secpSigned := &SignedMessage{
		Message:   *m,
		Signature: crypto.Signature{Type: crypto.SigTypeSecp256k1, Data: make([]byte, 65)},
	}
	require.NotEqual(t, m.Cid(), secpSigned.Cid())

	data, err := secpSigned.Serialize()
	require.NoError(t, err)

	var out SignedMessage
	require.NoError(t, out.UnmarshalCBOR(bytes.NewReader(data)))
	require.Equal(t, secpSigned.Cid(), out.Cid())
}

func TestRequiredFunds(t *testing.T) {
	m := testMessage(t)

	expect := BigAdd(m.Value, BigMul(m.GasFeeCap, NewInt(uint64(m.GasLimit))))
	require.Equal(t, 0, BigCmp(expect, m.RequiredFunds()))
}

func TestValidForBlockInclusion(t *testing.T) {
	m := testMessage(t)
	require.NoError(t, m.ValidForBlockInclusion(0, build.NewestNetworkVersion))

	tooMuch := *m
	tooMuch.Value = BigAdd(BigInt{Int: build.TotalFilecoinInt}, NewInt(1))
	require.Error(t, tooMuch.ValidForBlockInclusion(0, build.NewestNetworkVersion))

	negPremium := *m
	negPremium.GasPremium = BigSub(NewInt(0), NewInt(1))
	require.Error(t, negPremium.ValidForBlockInclusion(0, build.NewestNetworkVersion))

	premiumOverCap := *m
	premiumOverCap.GasPremium = BigAdd(m.GasFeeCap, NewInt(1))
	require.Error(t, premiumOverCap.ValidForBlockInclusion(0, build.NewestNetworkVersion))

	overBlockLimit := *m
	overBlockLimit.GasLimit = build.BlockGasLimit + 1
	require.Error(t, overBlockLimit.ValidForBlockInclusion(0, build.NewestNetworkVersion))

	underMinGas := *m
	underMinGas.GasLimit = 10
	require.Error(t, underMinGas.ValidForBlockInclusion(100, build.NewestNetworkVersion))
}
