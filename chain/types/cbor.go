package types

import (
	"fmt"
	"io"

	"github.com/filecoin-project/go-state-types/abi"
	"github.com/ipfs/go-cid"
	cbg "github.com/whyrusleeping/cbor-gen"
	"golang.org/x/xerrors"
)

// Hand-rolled CBOR serde for the chain types. Field order matters: it defines
// the canonical encoding and therefore the CIDs of messages and blocks.

func writeInt64(cw *cbg.CborWriter, v int64) error {
	if v >= 0 {
		return cw.WriteMajorTypeHeader(cbg.MajUnsignedInt, uint64(v))
	}
	return cw.WriteMajorTypeHeader(cbg.MajNegativeInt, uint64(-v-1))
}

func readInt64(cr *cbg.CborReader) (int64, error) {
	maj, extra, err := cr.ReadHeader()
	if err != nil {
		return 0, err
	}
	var extraI int64
	switch maj {
	case cbg.MajUnsignedInt:
		extraI = int64(extra)
		if extraI < 0 {
			return 0, fmt.Errorf("int64 positive overflow")
		}
	case cbg.MajNegativeInt:
		extraI = int64(extra)
		if extraI < 0 {
			return 0, fmt.Errorf("int64 negative overflow")
		}
		extraI = -1 - extraI
	default:
		return 0, fmt.Errorf("wrong type for int64 field: %d", maj)
	}
	return extraI, nil
}

func readUint64(cr *cbg.CborReader) (uint64, error) {
	maj, extra, err := cr.ReadHeader()
	if err != nil {
		return 0, err
	}
	if maj != cbg.MajUnsignedInt {
		return 0, fmt.Errorf("wrong type for uint64 field")
	}
	return extra, nil
}

func readByteString(cr *cbg.CborReader) ([]byte, error) {
	maj, extra, err := cr.ReadHeader()
	if err != nil {
		return nil, err
	}
	if extra > cbg.ByteArrayMaxLen {
		return nil, fmt.Errorf("byte array too large (%d)", extra)
	}
	if maj != cbg.MajByteString {
		return nil, fmt.Errorf("expected byte array")
	}
	if extra == 0 {
		return nil, nil
	}
	buf := make([]byte, extra)
	if _, err := io.ReadFull(cr, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

var lengthBufMessage = []byte{138}

func (t *Message) MarshalCBOR(w io.Writer) error {
	if t == nil {
		_, err := w.Write(cbg.CborNull)
		return err
	}

	cw := cbg.NewCborWriter(w)

	if _, err := cw.Write(lengthBufMessage); err != nil {
		return err
	}

	// t.Version (uint64)
	if err := cw.WriteMajorTypeHeader(cbg.MajUnsignedInt, t.Version); err != nil {
		return err
	}

	// t.To (address.Address)
	if err := t.To.MarshalCBOR(cw); err != nil {
		return xerrors.Errorf("failed to marshal t.To: %w", err)
	}

	// t.From (address.Address)
	if err := t.From.MarshalCBOR(cw); err != nil {
		return xerrors.Errorf("failed to marshal t.From: %w", err)
	}

	// t.Nonce (uint64)
	if err := cw.WriteMajorTypeHeader(cbg.MajUnsignedInt, t.Nonce); err != nil {
		return err
	}

	// t.Value (big.Int)
	if err := t.Value.MarshalCBOR(cw); err != nil {
		return err
	}

	// t.GasLimit (int64)
	if err := writeInt64(cw, t.GasLimit); err != nil {
		return err
	}

	// t.GasFeeCap (big.Int)
	if err := t.GasFeeCap.MarshalCBOR(cw); err != nil {
		return err
	}

	// t.GasPremium (big.Int)
	if err := t.GasPremium.MarshalCBOR(cw); err != nil {
		return err
	}

	// t.Method (abi.MethodNum)
	if err := cw.WriteMajorTypeHeader(cbg.MajUnsignedInt, uint64(t.Method)); err != nil {
		return err
	}

	// t.Params ([]uint8)
	if len(t.Params) > cbg.ByteArrayMaxLen {
		return xerrors.Errorf("byte array in field t.Params was too long")
	}
	if err := cw.WriteMajorTypeHeader(cbg.MajByteString, uint64(len(t.Params))); err != nil {
		return err
	}
	if _, err := cw.Write(t.Params); err != nil {
		return err
	}

	return nil
}

func (t *Message) UnmarshalCBOR(r io.Reader) (err error) {
	*t = Message{}

	cr := cbg.NewCborReader(r)

	maj, extra, err := cr.ReadHeader()
	if err != nil {
		return err
	}
	defer func() {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
	}()

	if maj != cbg.MajArray {
		return fmt.Errorf("cbor input should be of type array")
	}

	if extra != 10 {
		return fmt.Errorf("cbor input had wrong number of fields")
	}

	// t.Version (uint64)
	if t.Version, err = readUint64(cr); err != nil {
		return err
	}

	// t.To (address.Address)
	if err := t.To.UnmarshalCBOR(cr); err != nil {
		return xerrors.Errorf("unmarshaling t.To: %w", err)
	}

	// t.From (address.Address)
	if err := t.From.UnmarshalCBOR(cr); err != nil {
		return xerrors.Errorf("unmarshaling t.From: %w", err)
	}

	// t.Nonce (uint64)
	if t.Nonce, err = readUint64(cr); err != nil {
		return err
	}

	// t.Value (big.Int)
	if err := t.Value.UnmarshalCBOR(cr); err != nil {
		return err
	}

	// t.GasLimit (int64)
	if t.GasLimit, err = readInt64(cr); err != nil {
		return err
	}

	// t.GasFeeCap (big.Int)
	if err := t.GasFeeCap.UnmarshalCBOR(cr); err != nil {
		return err
	}

	// t.GasPremium (big.Int)
	if err := t.GasPremium.UnmarshalCBOR(cr); err != nil {
		return err
	}

	// t.Method (abi.MethodNum)
	{
		m, err := readUint64(cr)
		if err != nil {
			return err
		}
		t.Method = abi.MethodNum(m)
	}

	// t.Params ([]uint8)
	if t.Params, err = readByteString(cr); err != nil {
		return err
	}

	return nil
}

var lengthBufSignedMessage = []byte{130}

func (t *SignedMessage) MarshalCBOR(w io.Writer) error {
	if t == nil {
		_, err := w.Write(cbg.CborNull)
		return err
	}

	cw := cbg.NewCborWriter(w)

	if _, err := cw.Write(lengthBufSignedMessage); err != nil {
		return err
	}

	// t.Message (types.Message)
	if err := t.Message.MarshalCBOR(cw); err != nil {
		return err
	}

	// t.Signature (crypto.Signature)
	if err := t.Signature.MarshalCBOR(cw); err != nil {
		return err
	}

	return nil
}

func (t *SignedMessage) UnmarshalCBOR(r io.Reader) (err error) {
	*t = SignedMessage{}

	cr := cbg.NewCborReader(r)

	maj, extra, err := cr.ReadHeader()
	if err != nil {
		return err
	}
	defer func() {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
	}()

	if maj != cbg.MajArray {
		return fmt.Errorf("cbor input should be of type array")
	}

	if extra != 2 {
		return fmt.Errorf("cbor input had wrong number of fields")
	}

	// t.Message (types.Message)
	if err := t.Message.UnmarshalCBOR(cr); err != nil {
		return xerrors.Errorf("unmarshaling t.Message: %w", err)
	}

	// t.Signature (crypto.Signature)
	if err := t.Signature.UnmarshalCBOR(cr); err != nil {
		return xerrors.Errorf("unmarshaling t.Signature: %w", err)
	}

	return nil
}

var lengthBufTicket = []byte{129}

func (t *Ticket) MarshalCBOR(w io.Writer) error {
	if t == nil {
		_, err := w.Write(cbg.CborNull)
		return err
	}

	cw := cbg.NewCborWriter(w)

	if _, err := cw.Write(lengthBufTicket); err != nil {
		return err
	}

	// t.VRFProof ([]uint8)
	if len(t.VRFProof) > cbg.ByteArrayMaxLen {
		return xerrors.Errorf("byte array in field t.VRFProof was too long")
	}
	if err := cw.WriteMajorTypeHeader(cbg.MajByteString, uint64(len(t.VRFProof))); err != nil {
		return err
	}
	if _, err := cw.Write(t.VRFProof); err != nil {
		return err
	}

	return nil
}

func (t *Ticket) UnmarshalCBOR(r io.Reader) (err error) {
	*t = Ticket{}

	cr := cbg.NewCborReader(r)

	maj, extra, err := cr.ReadHeader()
	if err != nil {
		return err
	}
	defer func() {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
	}()

	if maj != cbg.MajArray {
		return fmt.Errorf("cbor input should be of type array")
	}

	if extra != 1 {
		return fmt.Errorf("cbor input had wrong number of fields")
	}

	// t.VRFProof ([]uint8)
	if t.VRFProof, err = readByteString(cr); err != nil {
		return err
	}

	return nil
}

var lengthBufBlockHeader = []byte{138}

func (t *BlockHeader) MarshalCBOR(w io.Writer) error {
	if t == nil {
		_, err := w.Write(cbg.CborNull)
		return err
	}

	cw := cbg.NewCborWriter(w)

	if _, err := cw.Write(lengthBufBlockHeader); err != nil {
		return err
	}

	// t.Miner (address.Address)
	if err := t.Miner.MarshalCBOR(cw); err != nil {
		return xerrors.Errorf("failed to marshal t.Miner: %w", err)
	}

	// t.Ticket (types.Ticket)
	if err := t.Ticket.MarshalCBOR(cw); err != nil {
		return err
	}

	// t.Parents ([]cid.Cid)
	if len(t.Parents) > cbg.MaxLength {
		return xerrors.Errorf("slice in field t.Parents was too long")
	}
	if err := cw.WriteMajorTypeHeader(cbg.MajArray, uint64(len(t.Parents))); err != nil {
		return err
	}
	for _, p := range t.Parents {
		if err := cbg.WriteCid(cw, p); err != nil {
			return xerrors.Errorf("failed to write cid in field t.Parents: %w", err)
		}
	}

	// t.ParentWeight (big.Int)
	if err := t.ParentWeight.MarshalCBOR(cw); err != nil {
		return err
	}

	// t.Height (abi.ChainEpoch)
	if err := writeInt64(cw, int64(t.Height)); err != nil {
		return err
	}

	// t.ParentStateRoot (cid.Cid)
	if err := cbg.WriteCid(cw, t.ParentStateRoot); err != nil {
		return xerrors.Errorf("failed to write cid field t.ParentStateRoot: %w", err)
	}

	// t.ParentMessageReceipts (cid.Cid)
	if err := cbg.WriteCid(cw, t.ParentMessageReceipts); err != nil {
		return xerrors.Errorf("failed to write cid field t.ParentMessageReceipts: %w", err)
	}

	// t.Messages (cid.Cid)
	if err := cbg.WriteCid(cw, t.Messages); err != nil {
		return xerrors.Errorf("failed to write cid field t.Messages: %w", err)
	}

	// t.ParentBaseFee (big.Int)
	if err := t.ParentBaseFee.MarshalCBOR(cw); err != nil {
		return err
	}

	// t.Timestamp (uint64)
	if err := cw.WriteMajorTypeHeader(cbg.MajUnsignedInt, t.Timestamp); err != nil {
		return err
	}

	return nil
}

func (t *BlockHeader) UnmarshalCBOR(r io.Reader) (err error) {
	*t = BlockHeader{}

	cr := cbg.NewCborReader(r)

	maj, extra, err := cr.ReadHeader()
	if err != nil {
		return err
	}
	defer func() {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
	}()

	if maj != cbg.MajArray {
		return fmt.Errorf("cbor input should be of type array")
	}

	if extra != 10 {
		return fmt.Errorf("cbor input had wrong number of fields")
	}

	// t.Miner (address.Address)
	if err := t.Miner.UnmarshalCBOR(cr); err != nil {
		return xerrors.Errorf("unmarshaling t.Miner: %w", err)
	}

	// t.Ticket (types.Ticket)
	{
		b, err := cr.ReadByte()
		if err != nil {
			return err
		}
		if b != cbg.CborNull[0] {
			if err := cr.UnreadByte(); err != nil {
				return err
			}
			t.Ticket = new(Ticket)
			if err := t.Ticket.UnmarshalCBOR(cr); err != nil {
				return xerrors.Errorf("unmarshaling t.Ticket pointer: %w", err)
			}
		}
	}

	// t.Parents ([]cid.Cid)
	{
		maj, extra, err := cr.ReadHeader()
		if err != nil {
			return err
		}
		if extra > cbg.MaxLength {
			return fmt.Errorf("t.Parents: array too large (%d)", extra)
		}
		if maj != cbg.MajArray {
			return fmt.Errorf("expected cbor array")
		}
		if extra > 0 {
			t.Parents = make([]cid.Cid, extra)
		}
		for i := 0; i < int(extra); i++ {
			c, err := cbg.ReadCid(cr)
			if err != nil {
				return xerrors.Errorf("reading cid field t.Parents failed: %w", err)
			}
			t.Parents[i] = c
		}
	}

	// t.ParentWeight (big.Int)
	if err := t.ParentWeight.UnmarshalCBOR(cr); err != nil {
		return err
	}

	// t.Height (abi.ChainEpoch)
	{
		h, err := readInt64(cr)
		if err != nil {
			return err
		}
		t.Height = abi.ChainEpoch(h)
	}

	// t.ParentStateRoot (cid.Cid)
	if t.ParentStateRoot, err = cbg.ReadCid(cr); err != nil {
		return xerrors.Errorf("failed to read cid field t.ParentStateRoot: %w", err)
	}

	// t.ParentMessageReceipts (cid.Cid)
	if t.ParentMessageReceipts, err = cbg.ReadCid(cr); err != nil {
		return xerrors.Errorf("failed to read cid field t.ParentMessageReceipts: %w", err)
	}

	// t.Messages (cid.Cid)
	if t.Messages, err = cbg.ReadCid(cr); err != nil {
		return xerrors.Errorf("failed to read cid field t.Messages: %w", err)
	}

	// t.ParentBaseFee (big.Int)
	if err := t.ParentBaseFee.UnmarshalCBOR(cr); err != nil {
		return err
	}

	// t.Timestamp (uint64)
	if t.Timestamp, err = readUint64(cr); err != nil {
		return err
	}

	return nil
}
