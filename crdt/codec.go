package crdt

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Wire layout (protobuf encoding, no generated code):
//
//	Update { 1: origin string, 2: seq varint, 3: deps repeated Dep, 4: ops repeated Op }
//	Dep    { 1: replica string, 2: seq varint }
//	Op     { 1: kind varint, 2: collection string, 3: id ID, 4: after ID,
//	         5: target ID, 6: targets repeated ID, 7: record kind string, 8: record json bytes }
//	ID     { 1: counter varint, 2: replica string }

var errTruncated = errors.New("crdt: truncated update")

// EncodeUpdate serializes u into an opaque binary blob.
func EncodeUpdate(u Update) ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, u.Origin)
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, u.Seq)
	for _, r := range u.Deps.Replicas() {
		var dep []byte
		dep = protowire.AppendTag(dep, 1, protowire.BytesType)
		dep = protowire.AppendString(dep, r)
		dep = protowire.AppendTag(dep, 2, protowire.VarintType)
		dep = protowire.AppendVarint(dep, u.Deps[r])
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, dep)
	}
	for i, op := range u.Ops {
		ob, err := encodeOp(op)
		if err != nil {
			return nil, fmt.Errorf("encode op %d of %s: %w", i, u, err)
		}
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, ob)
	}
	return b, nil
}

func encodeOp(op Op) ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(op.Kind))
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendString(b, string(op.Collection))
	b = appendID(b, 3, op.ID)
	if !op.After.IsZero() {
		b = appendID(b, 4, op.After)
	}
	if !op.Target.IsZero() {
		b = appendID(b, 5, op.Target)
	}
	for _, t := range op.Targets {
		b = appendID(b, 6, t)
	}
	if op.Record != nil {
		data, err := marshalRecord(op.Record)
		if err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, 7, protowire.BytesType)
		b = protowire.AppendString(b, string(op.Record.Kind()))
		b = protowire.AppendTag(b, 8, protowire.BytesType)
		b = protowire.AppendBytes(b, data)
	}
	return b, nil
}

func appendID(b []byte, num protowire.Number, id ID) []byte {
	var ib []byte
	ib = protowire.AppendTag(ib, 1, protowire.VarintType)
	ib = protowire.AppendVarint(ib, id.Counter)
	ib = protowire.AppendTag(ib, 2, protowire.BytesType)
	ib = protowire.AppendString(ib, id.Replica)
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, ib)
}

// DecodeUpdate parses a blob produced by EncodeUpdate. Unknown fields are
// skipped.
func DecodeUpdate(b []byte) (Update, error) {
	u := Update{Deps: make(StateVector)}
	err := eachField(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			u.Origin = v
			return n, nil
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			u.Seq = v
			return n, nil
		case num == 3 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			r, s, err := decodeDep(v)
			if err != nil {
				return 0, err
			}
			u.Deps[r] = s
			return n, nil
		case num == 4 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			op, err := decodeOp(v)
			if err != nil {
				return 0, fmt.Errorf("op %d: %w", len(u.Ops), err)
			}
			u.Ops = append(u.Ops, op)
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return Update{}, fmt.Errorf("decode update: %w", err)
	}
	if u.Origin == "" || u.Seq == 0 {
		return Update{}, fmt.Errorf("decode update: %w: missing origin or seq", errTruncated)
	}
	return u, nil
}

func decodeDep(b []byte) (string, uint64, error) {
	var (
		replica string
		seq     uint64
	)
	err := eachField(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			replica = v
			return n, nil
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			seq = v
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	return replica, seq, err
}

func decodeOp(b []byte) (Op, error) {
	var (
		op         Op
		recordKind Kind
		recordData []byte
	)
	err := eachField(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			op.Kind = OpKind(v)
			return n, nil
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			op.Collection = Collection(v)
			return n, nil
		case num >= 3 && num <= 6 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			id, err := decodeID(v)
			if err != nil {
				return 0, err
			}
			switch num {
			case 3:
				op.ID = id
			case 4:
				op.After = id
			case 5:
				op.Target = id
			case 6:
				op.Targets = append(op.Targets, id)
			}
			return n, nil
		case num == 7 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			recordKind = Kind(v)
			return n, nil
		case num == 8 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			recordData = v
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return Op{}, err
	}
	if recordKind != "" {
		r, err := unmarshalRecord(recordKind, recordData)
		if err != nil {
			return Op{}, err
		}
		op.Record = r
	}
	return op, nil
}

func decodeID(b []byte) (ID, error) {
	var id ID
	err := eachField(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			id.Counter = v
			return n, nil
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			id.Replica = v
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	return id, err
}

// eachField walks the fields of one message. fn consumes the value and
// returns its length, or a negative protowire error code.
func eachField(b []byte, fn func(protowire.Number, protowire.Type, []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if m < 0 {
			return protowire.ParseError(m)
		}
		b = b[m:]
	}
	return nil
}
