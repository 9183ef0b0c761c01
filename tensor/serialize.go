package tensor

import (
	"bytes"
	"encoding/binary"
	"math"

	pkgerrors "github.com/pkg/errors"

	"github.com/symtensor/symtensor/charge"
	"github.com/symtensor/symtensor/space"
)

// Binary layout, little-endian:
//
//	[version(1)]
//	[numComponents(2)][order(4) x numComponents]
//	[totalCharge(4) x numComponents]
//	[numLegs(2)]
//	per leg: [dual(1)][numSectors(4)] per sector: [charge(4) x comps][mult(4)]
//	[numBlocks(4)]
//	per block, ascending key order: [sectorIdx(2) x numLegs][elems(4)][float64 bits(8) x elems]
//
// This is the flat description the persistence layer round-trips: legs,
// charges, and block key/data pairs. Combined legs are flattened; their
// fusion maps are reconstruction state, not data, and are not serialized.
const serializeVersion = 1

// Encode writes the tensor to its flat binary description.
func (t *Tensor) Encode() ([]byte, error) {
	buf := &bytes.Buffer{}
	le := binary.LittleEndian

	if err := buf.WriteByte(serializeVersion); err != nil {
		return nil, err
	}

	nc := t.sym.NumComponents()
	if err := binary.Write(buf, le, uint16(nc)); err != nil {
		return nil, err
	}
	for i := 0; i < nc; i++ {
		if err := binary.Write(buf, le, int32(t.sym.Order(i))); err != nil {
			return nil, err
		}
	}
	for _, v := range t.total {
		if err := binary.Write(buf, le, int32(v)); err != nil {
			return nil, err
		}
	}

	if err := binary.Write(buf, le, uint16(len(t.legs))); err != nil {
		return nil, err
	}
	for _, l := range t.legs {
		dual := byte(0)
		if l.IsDual() {
			dual = 1
		}
		if err := buf.WriteByte(dual); err != nil {
			return nil, err
		}
		if err := binary.Write(buf, le, uint32(l.NumSectors())); err != nil {
			return nil, err
		}
		for s := 0; s < l.NumSectors(); s++ {
			sec := l.Sector(s)
			for _, v := range sec.Charge {
				if err := binary.Write(buf, le, int32(v)); err != nil {
					return nil, err
				}
			}
			if err := binary.Write(buf, le, uint32(sec.Mult)); err != nil {
				return nil, err
			}
		}
	}

	if err := binary.Write(buf, le, uint32(len(t.keys))); err != nil {
		return nil, err
	}
	idx := make([]int, len(t.legs))
	for _, key := range t.keys {
		unpackKey(key, idx)
		for _, v := range idx {
			if err := binary.Write(buf, le, uint16(v)); err != nil {
				return nil, err
			}
		}
		data := t.arena.data(t.blocks[key])
		if err := binary.Write(buf, le, uint32(len(data))); err != nil {
			return nil, err
		}
		for _, v := range data {
			if err := binary.Write(buf, le, math.Float64bits(v)); err != nil {
				return nil, err
			}
		}
	}
	return buf.Bytes(), nil
}

// Decode reconstructs a tensor from its flat binary description. The decoded
// tensor owns fresh storage and a fresh symmetry descriptor.
func Decode(b []byte) (*Tensor, error) {
	buf := bytes.NewReader(b)
	le := binary.LittleEndian

	version, err := buf.ReadByte()
	if err != nil {
		return nil, pkgerrors.Wrap(err, "decode tensor header")
	}
	if version != serializeVersion {
		return nil, pkgerrors.Errorf("unsupported tensor format version %d", version)
	}

	var nc uint16
	if err := binary.Read(buf, le, &nc); err != nil {
		return nil, pkgerrors.Wrap(err, "decode symmetry arity")
	}
	orders := make([]int, nc)
	for i := range orders {
		var v int32
		if err := binary.Read(buf, le, &v); err != nil {
			return nil, pkgerrors.Wrap(err, "decode symmetry orders")
		}
		orders[i] = int(v)
	}
	sym, err := charge.New(orders...)
	if err != nil {
		return nil, err
	}

	total := sym.Trivial()
	for i := range total {
		var v int32
		if err := binary.Read(buf, le, &v); err != nil {
			return nil, pkgerrors.Wrap(err, "decode total charge")
		}
		total[i] = int(v)
	}

	var numLegs uint16
	if err := binary.Read(buf, le, &numLegs); err != nil {
		return nil, pkgerrors.Wrap(err, "decode leg count")
	}
	legs := make([]*space.Leg, numLegs)
	for li := range legs {
		dual, err := buf.ReadByte()
		if err != nil {
			return nil, pkgerrors.Wrapf(err, "decode leg %d", li)
		}
		var numSectors uint32
		if err := binary.Read(buf, le, &numSectors); err != nil {
			return nil, pkgerrors.Wrapf(err, "decode leg %d", li)
		}
		charges := make([]charge.Charge, numSectors)
		mults := make([]int, numSectors)
		for s := range charges {
			c := sym.Trivial()
			for i := range c {
				var v int32
				if err := binary.Read(buf, le, &v); err != nil {
					return nil, pkgerrors.Wrapf(err, "decode leg %d sector %d", li, s)
				}
				c[i] = int(v)
			}
			var mult uint32
			if err := binary.Read(buf, le, &mult); err != nil {
				return nil, pkgerrors.Wrapf(err, "decode leg %d sector %d", li, s)
			}
			charges[s] = c
			mults[s] = int(mult)
		}
		leg, err := space.NewLeg(sym, charges, mults)
		if err != nil {
			return nil, err
		}
		if dual == 1 {
			leg = leg.Dual()
		}
		legs[li] = leg
	}

	t, err := New(legs, total)
	if err != nil {
		return nil, err
	}

	var numBlocks uint32
	if err := binary.Read(buf, le, &numBlocks); err != nil {
		return nil, pkgerrors.Wrap(err, "decode block count")
	}
	idx := make([]int, numLegs)
	for b := uint32(0); b < numBlocks; b++ {
		for i := range idx {
			var v uint16
			if err := binary.Read(buf, le, &v); err != nil {
				return nil, pkgerrors.Wrapf(err, "decode block %d key", b)
			}
			idx[i] = int(v)
		}
		var elems uint32
		if err := binary.Read(buf, le, &elems); err != nil {
			return nil, pkgerrors.Wrapf(err, "decode block %d size", b)
		}
		data := make([]float64, elems)
		for i := range data {
			var bits uint64
			if err := binary.Read(buf, le, &bits); err != nil {
				return nil, pkgerrors.Wrapf(err, "decode block %d data", b)
			}
			data[i] = math.Float64frombits(bits)
		}
		if err := t.SetBlock(append([]int(nil), idx...), data); err != nil {
			return nil, err
		}
	}
	return t, nil
}
