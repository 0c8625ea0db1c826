// Package ot implements the text operational-transformation primitive used
// by the collaborative editing core: a sequence of retain/insert/delete
// steps supporting Apply, Transform, Compose, and cursor TransformIndex.
//
// Lengths are counted in Unicode codepoints (runes), matching the
// operational-transform crate this package's call sites were originally
// written against (it operates on chars, not UTF-16 code units or bytes).
package ot

import (
	"encoding/json"
	"fmt"
)

// Op is one step of an OperationSeq: Retain, Insert, or Delete.
type Op interface {
	isOp()
}

// Retain advances both the base and target cursor by N codepoints, copying
// the retained text through unchanged.
type Retain struct {
	N uint64
}

// Insert adds Text to the target, consuming no base codepoints.
type Insert struct {
	Text string
}

// Delete consumes N codepoints from the base, producing no target text.
type Delete struct {
	N uint64
}

func (Retain) isOp() {}
func (Insert) isOp() {}
func (Delete) isOp() {}

// OperationSeq is an ordered list of Ops plus the base/target lengths they
// imply. Build one with NewOperationSeq and the Retain/Insert/Delete
// builders, which canonicalize consecutive same-kind ops.
type OperationSeq struct {
	ops       []Op
	baseLen   uint64
	targetLen uint64
}

// NewOperationSeq returns an empty operation (a no-op on a zero-length base).
func NewOperationSeq() *OperationSeq {
	return &OperationSeq{}
}

// WithCapacity returns an empty operation whose backing slice is
// pre-sized for n ops, avoiding reallocation while building up an edit.
func WithCapacity(n int) *OperationSeq {
	return &OperationSeq{ops: make([]Op, 0, n)}
}

// BaseLen is the length, in codepoints, this operation must be applied to.
func (o *OperationSeq) BaseLen() uint64 { return o.baseLen }

// TargetLen is the length, in codepoints, of the string Apply produces.
func (o *OperationSeq) TargetLen() uint64 { return o.targetLen }

// Ops returns a copy of the operation's steps, in order.
func (o *OperationSeq) Ops() []Op {
	out := make([]Op, len(o.ops))
	copy(out, o.ops)
	return out
}

// IsNoop reports whether applying this operation changes nothing: either it
// has no steps, or it is a single retain spanning the whole base.
func (o *OperationSeq) IsNoop() bool {
	switch len(o.ops) {
	case 0:
		return true
	case 1:
		_, ok := o.ops[0].(Retain)
		return ok
	default:
		return false
	}
}

// Retain appends a retain of n codepoints, merging into a trailing retain.
func (o *OperationSeq) Retain(n uint64) {
	if n == 0 {
		return
	}
	o.baseLen += n
	o.targetLen += n
	if last := len(o.ops) - 1; last >= 0 {
		if r, ok := o.ops[last].(Retain); ok {
			o.ops[last] = Retain{N: r.N + n}
			return
		}
	}
	o.ops = append(o.ops, Retain{N: n})
}

// Insert appends an insertion of s, merging into a trailing insert and
// keeping the canonical ordering of "insert before delete" when an insert
// immediately follows a delete.
func (o *OperationSeq) Insert(s string) {
	if s == "" {
		return
	}
	o.targetLen += uint64(runeCount(s))
	n := len(o.ops)
	if n == 0 {
		o.ops = append(o.ops, Insert{Text: s})
		return
	}
	if ins, ok := o.ops[n-1].(Insert); ok {
		o.ops[n-1] = Insert{Text: ins.Text + s}
		return
	}
	if _, ok := o.ops[n-1].(Delete); ok {
		if n >= 2 {
			if prevIns, ok2 := o.ops[n-2].(Insert); ok2 {
				o.ops[n-2] = Insert{Text: prevIns.Text + s}
				return
			}
		}
		// Insert the new Insert step just before the trailing Delete.
		o.ops = append(o.ops, nil)
		copy(o.ops[n-1+1:], o.ops[n-1:n])
		o.ops[n-1] = Insert{Text: s}
		return
	}
	o.ops = append(o.ops, Insert{Text: s})
}

// Delete appends a deletion of n codepoints, merging into a trailing delete.
func (o *OperationSeq) Delete(n uint64) {
	if n == 0 {
		return
	}
	o.baseLen += n
	if last := len(o.ops) - 1; last >= 0 {
		if d, ok := o.ops[last].(Delete); ok {
			o.ops[last] = Delete{N: d.N + n}
			return
		}
	}
	o.ops = append(o.ops, Delete{N: n})
}

// Apply runs the operation against s, which must be exactly BaseLen()
// codepoints long.
func (o *OperationSeq) Apply(s string) (string, error) {
	runes := []rune(s)
	if uint64(len(runes)) != o.baseLen {
		return "", fmt.Errorf("ot: base length mismatch, expected %d, got %d", o.baseLen, len(runes))
	}
	var out []rune
	pos := uint64(0)
	for _, op := range o.ops {
		switch v := op.(type) {
		case Retain:
			if pos+v.N > uint64(len(runes)) {
				return "", fmt.Errorf("ot: retain %d overruns input at position %d", v.N, pos)
			}
			out = append(out, runes[pos:pos+v.N]...)
			pos += v.N
		case Insert:
			out = append(out, []rune(v.Text)...)
		case Delete:
			if pos+v.N > uint64(len(runes)) {
				return "", fmt.Errorf("ot: delete %d overruns input at position %d", v.N, pos)
			}
			pos += v.N
		}
	}
	return string(out), nil
}

// Invert returns the operation that undoes o when applied to the string o
// was itself applied against (s must be o's pre-image, i.e. have length
// BaseLen()).
func (o *OperationSeq) Invert(s string) *OperationSeq {
	runes := []rune(s)
	inverted := WithCapacity(len(o.ops))
	pos := uint64(0)
	for _, op := range o.ops {
		switch v := op.(type) {
		case Retain:
			inverted.Retain(v.N)
			pos += v.N
		case Insert:
			inverted.Delete(uint64(runeCount(v.Text)))
		case Delete:
			inverted.Insert(string(runes[pos : pos+v.N]))
			pos += v.N
		}
	}
	return inverted
}

// Compose returns c such that Apply(c, s) == Apply(b, Apply(a, s)) for any
// s of length a.BaseLen(). Requires a.TargetLen() == b.BaseLen().
func (a *OperationSeq) Compose(b *OperationSeq) (*OperationSeq, error) {
	if a.TargetLen() != b.BaseLen() {
		return nil, fmt.Errorf("ot: cannot compose, target length %d != base length %d", a.TargetLen(), b.BaseLen())
	}

	result := WithCapacity(len(a.ops) + len(b.ops))
	ops1, ops2 := a.ops, b.ops
	i1, i2 := 0, 0
	var op1, op2 Op
	var op1ok, op2ok bool
	next1 := func() {
		if i1 < len(ops1) {
			op1, op1ok = ops1[i1], true
			i1++
		} else {
			op1, op1ok = nil, false
		}
	}
	next2 := func() {
		if i2 < len(ops2) {
			op2, op2ok = ops2[i2], true
			i2++
		} else {
			op2, op2ok = nil, false
		}
	}
	next1()
	next2()

	for {
		if !op1ok && !op2ok {
			break
		}
		if d, ok := op1.(Delete); ok {
			result.Delete(d.N)
			next1()
			continue
		}
		if ins, ok := op2.(Insert); ok {
			result.Insert(ins.Text)
			next2()
			continue
		}
		if !op1ok {
			return nil, fmt.Errorf("ot: compose failed, first operation is too short")
		}
		if !op2ok {
			return nil, fmt.Errorf("ot: compose failed, first operation is too long")
		}

		switch v1 := op1.(type) {
		case Retain:
			switch v2 := op2.(type) {
			case Retain:
				switch {
				case v1.N > v2.N:
					result.Retain(v2.N)
					op1, op1ok = Retain{N: v1.N - v2.N}, true
					next2()
				case v1.N == v2.N:
					result.Retain(v1.N)
					next1()
					next2()
				default:
					result.Retain(v1.N)
					op2, op2ok = Retain{N: v2.N - v1.N}, true
					next1()
				}
			case Delete:
				switch {
				case v1.N > v2.N:
					result.Delete(v2.N)
					op1, op1ok = Retain{N: v1.N - v2.N}, true
					next2()
				case v1.N == v2.N:
					result.Delete(v2.N)
					next1()
					next2()
				default:
					result.Delete(v1.N)
					op2, op2ok = Delete{N: v2.N - v1.N}, true
					next1()
				}
			default:
				return nil, fmt.Errorf("ot: compose failed, incompatible ops")
			}
		case Insert:
			rl := uint64(runeCount(v1.Text))
			switch v2 := op2.(type) {
			case Retain:
				switch {
				case rl > v2.N:
					r := []rune(v1.Text)
					result.Insert(string(r[:v2.N]))
					op1, op1ok = Insert{Text: string(r[v2.N:])}, true
					next2()
				case rl == v2.N:
					result.Insert(v1.Text)
					next1()
					next2()
				default:
					result.Insert(v1.Text)
					op2, op2ok = Retain{N: v2.N - rl}, true
					next1()
				}
			case Delete:
				switch {
				case rl > v2.N:
					r := []rune(v1.Text)
					op1, op1ok = Insert{Text: string(r[v2.N:])}, true
					next2()
				case rl == v2.N:
					next1()
					next2()
				default:
					op2, op2ok = Delete{N: v2.N - rl}, true
					next1()
				}
			default:
				return nil, fmt.Errorf("ot: compose failed, incompatible ops")
			}
		default:
			return nil, fmt.Errorf("ot: compose failed, incompatible ops")
		}
	}
	return result, nil
}

// Transform returns (aPrime, bPrime) such that Compose(a, bPrime) and
// Compose(b, aPrime) yield the same result when applied to a's BaseLen()
// pre-image. Both operands must share BaseLen(). When both a and b insert
// at the same position, a's insert is ordered first (a is the left
// operand).
func (a *OperationSeq) Transform(b *OperationSeq) (*OperationSeq, *OperationSeq, error) {
	if a.BaseLen() != b.BaseLen() {
		return nil, nil, fmt.Errorf("ot: cannot transform, base lengths %d != %d", a.BaseLen(), b.BaseLen())
	}

	aPrime := WithCapacity(len(a.ops))
	bPrime := WithCapacity(len(b.ops))
	ops1, ops2 := a.ops, b.ops
	i1, i2 := 0, 0
	var op1, op2 Op
	var op1ok, op2ok bool
	next1 := func() {
		if i1 < len(ops1) {
			op1, op1ok = ops1[i1], true
			i1++
		} else {
			op1, op1ok = nil, false
		}
	}
	next2 := func() {
		if i2 < len(ops2) {
			op2, op2ok = ops2[i2], true
			i2++
		} else {
			op2, op2ok = nil, false
		}
	}
	next1()
	next2()

	for {
		if !op1ok && !op2ok {
			break
		}
		if ins, ok := op1.(Insert); ok {
			aPrime.Insert(ins.Text)
			bPrime.Retain(uint64(runeCount(ins.Text)))
			next1()
			continue
		}
		if ins, ok := op2.(Insert); ok {
			aPrime.Retain(uint64(runeCount(ins.Text)))
			bPrime.Insert(ins.Text)
			next2()
			continue
		}
		if !op1ok {
			return nil, nil, fmt.Errorf("ot: transform failed, first operation is too short")
		}
		if !op2ok {
			return nil, nil, fmt.Errorf("ot: transform failed, first operation is too long")
		}

		switch v1 := op1.(type) {
		case Retain:
			switch v2 := op2.(type) {
			case Retain:
				var minl uint64
				switch {
				case v1.N > v2.N:
					minl = v2.N
					op1, op1ok = Retain{N: v1.N - v2.N}, true
					next2()
				case v1.N == v2.N:
					minl = v2.N
					next1()
					next2()
				default:
					minl = v1.N
					op2, op2ok = Retain{N: v2.N - v1.N}, true
					next1()
				}
				aPrime.Retain(minl)
				bPrime.Retain(minl)
			case Delete:
				var minl uint64
				switch {
				case v1.N > v2.N:
					minl = v2.N
					op1, op1ok = Retain{N: v1.N - v2.N}, true
					next2()
				case v1.N == v2.N:
					minl = v1.N
					next1()
					next2()
				default:
					minl = v1.N
					op2, op2ok = Delete{N: v2.N - v1.N}, true
					next1()
				}
				bPrime.Delete(minl)
			default:
				return nil, nil, fmt.Errorf("ot: transform failed, incompatible ops")
			}
		case Delete:
			switch v2 := op2.(type) {
			case Delete:
				switch {
				case v1.N > v2.N:
					op1, op1ok = Delete{N: v1.N - v2.N}, true
					next2()
				case v1.N == v2.N:
					next1()
					next2()
				default:
					op2, op2ok = Delete{N: v2.N - v1.N}, true
					next1()
				}
			case Retain:
				var minl uint64
				switch {
				case v1.N > v2.N:
					minl = v2.N
					op1, op1ok = Delete{N: v1.N - v2.N}, true
					next2()
				case v1.N == v2.N:
					minl = v1.N
					next1()
					next2()
				default:
					minl = v1.N
					op2, op2ok = Retain{N: v2.N - v1.N}, true
					next1()
				}
				aPrime.Delete(minl)
			default:
				return nil, nil, fmt.Errorf("ot: transform failed, incompatible ops")
			}
		default:
			return nil, nil, fmt.Errorf("ot: transform failed, incompatible ops")
		}
	}
	return aPrime, bPrime, nil
}

// TransformIndex maps a codepoint offset in op's pre-image text to the
// corresponding offset in its post-image text: retains pass the offset
// through, inserts at or before the offset push it right, and deletes
// clamp an offset inside the deleted range to the range's start.
func TransformIndex(op *OperationSeq, position uint32) uint32 {
	index := int64(position)
	newIndex := index

	for _, o := range op.ops {
		switch v := o.(type) {
		case Retain:
			index -= int64(v.N)
		case Insert:
			newIndex += int64(runeCount(v.Text))
		case Delete:
			if index >= int64(v.N) {
				newIndex -= int64(v.N)
			} else if index > 0 {
				newIndex -= index
			}
			index -= int64(v.N)
		}
		if index < 0 {
			break
		}
	}

	if newIndex < 0 {
		return 0
	}
	return uint32(newIndex)
}

func runeCount(s string) int {
	return len([]rune(s))
}

// MarshalJSON writes the canonical wire encoding: positive integers are retains,
// negative integers are deletes, and strings are inserts.
func (o *OperationSeq) MarshalJSON() ([]byte, error) {
	raw := make([]json.RawMessage, 0, len(o.ops))
	for _, op := range o.ops {
		var (
			b   []byte
			err error
		)
		switch v := op.(type) {
		case Retain:
			b, err = json.Marshal(v.N)
		case Insert:
			b, err = json.Marshal(v.Text)
		case Delete:
			b, err = json.Marshal(-int64(v.N))
		default:
			err = fmt.Errorf("ot: unknown op type %T", op)
		}
		if err != nil {
			return nil, err
		}
		raw = append(raw, b)
	}
	return json.Marshal(raw)
}

// FromJSON parses an operation from its canonical wire encoding.
func FromJSON(s string) (*OperationSeq, error) {
	op := &OperationSeq{}
	if err := json.Unmarshal([]byte(s), op); err != nil {
		return nil, err
	}
	return op, nil
}

func (o *OperationSeq) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*o = OperationSeq{ops: make([]Op, 0, len(raw))}
	for _, item := range raw {
		var asString string
		if err := json.Unmarshal(item, &asString); err == nil {
			o.Insert(asString)
			continue
		}
		var asNumber int64
		if err := json.Unmarshal(item, &asNumber); err != nil {
			return fmt.Errorf("ot: invalid op %s: %w", string(item), err)
		}
		if asNumber >= 0 {
			o.Retain(uint64(asNumber))
		} else {
			o.Delete(uint64(-asNumber))
		}
	}
	return nil
}
