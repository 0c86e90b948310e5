package types

import (
	"bytes"

	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/abi"
	block "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/multiformats/go-multihash"
)

var log = logging.Logger("types")

type Ticket struct {
	VRFProof []byte
}

type BlockHeader struct {
	Miner address.Address // 0

	Ticket *Ticket // 1

	Parents []cid.Cid // 2

	ParentWeight BigInt // 3

	Height abi.ChainEpoch // 4

	ParentStateRoot cid.Cid // 5

	ParentMessageReceipts cid.Cid // 6

	Messages cid.Cid // 7

	ParentBaseFee abi.TokenAmount // 8

	Timestamp uint64 // 9
}

func (b *BlockHeader) ToStorageBlock() (block.Block, error) {
	data, err := b.Serialize()
	if err != nil {
		return nil, err
	}

	pref := cid.NewPrefixV1(cid.DagCBOR, multihash.BLAKE2B_MIN+31)
	c, err := pref.Sum(data)
	if err != nil {
		return nil, err
	}

	return block.NewBlockWithCid(data, c)
}

func (b *BlockHeader) Cid() cid.Cid {
	sb, err := b.ToStorageBlock()
	if err != nil {
		panic(err)
	}

	return sb.Cid()
}

func DecodeBlock(b []byte) (*BlockHeader, error) {
	var blk BlockHeader
	if err := blk.UnmarshalCBOR(bytes.NewReader(b)); err != nil {
		return nil, err
	}

	return &blk, nil
}

func (b *BlockHeader) Serialize() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := b.MarshalCBOR(buf); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func (b *BlockHeader) LastTicket() *Ticket {
	return b.Ticket
}
