package hcldesc

import (
	"encoding/binary"
	"fmt"
	"maps"
	"math/big"
	"unicode/utf8"

	"github.com/hashicorp/hcl/v2"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/gocty"

	"github.com/meigma/blobtree/builder"
)

type kind int

const (
	kindStruct kind = iota
	kindUint
	kindInt
	kindBytes
	kindCString
	kindBits
)

type scalarType struct {
	kind  kind
	width int
}

var scalarTypes = map[string]scalarType{
	"u8":      {kindUint, 1},
	"u16":     {kindUint, 2},
	"u32":     {kindUint, 4},
	"u64":     {kindUint, 8},
	"s8":      {kindInt, 1},
	"s16":     {kindInt, 2},
	"s32":     {kindInt, 4},
	"s64":     {kindInt, 8},
	"bytes":   {kind: kindBytes},
	"cstring": {kind: kindCString},
	"bits":    {kind: kindBits},
}

type structDef struct {
	name   string
	fields []*field
}

type field struct {
	name     string
	typ      string
	scalar   scalarType
	strct    *structDef
	order    binary.ByteOrder
	size     hcl.Expression
	repeat   hcl.Expression
	cond     hcl.Expression
	untilEOS bool
	magic    []byte
}

// Decoder decodes one described format.
type Decoder struct {
	name        string
	description string
	order       binary.ByteOrder
	root        *structDef
	structs     map[string]*structDef
}

// Name returns the format name from the format block label.
func (d *Decoder) Name() string { return d.name }

// Description returns the optional description attribute.
func (d *Decoder) Description() string { return d.description }

// Decode decodes the root struct's fields directly into the format chunk.
func (d *Decoder) Decode(b *builder.Builder) error {
	b.SetOrder(d.order)
	_, err := d.decodeStruct(b, d.root, nil)
	return err
}

// scope holds the values decoded so far in one struct instance.
type scope struct {
	vars   map[string]cty.Value
	parent *scope
}

func (sc *scope) object() cty.Value {
	if len(sc.vars) == 0 {
		return cty.EmptyObjectVal
	}
	return cty.ObjectVal(sc.vars)
}

func (sc *scope) evalContext(b *builder.Builder) *hcl.EvalContext {
	vars := maps.Clone(sc.vars)
	if vars == nil {
		vars = make(map[string]cty.Value, 2)
	}
	if sc.parent != nil {
		vars["parent"] = sc.parent.object()
	}
	vars["io"] = cty.ObjectVal(map[string]cty.Value{
		"pos":       cty.NumberUIntVal(b.Pos()),
		"offset":    cty.NumberUIntVal(b.Offset()),
		"remaining": cty.NumberUIntVal(b.Remaining()),
	})
	return &hcl.EvalContext{Variables: vars}
}

func (d *Decoder) decodeStruct(b *builder.Builder, st *structDef, parent *scope) (*scope, error) {
	sc := &scope{vars: make(map[string]cty.Value, len(st.fields)), parent: parent}
	for _, f := range st.fields {
		if err := d.decodeField(b, f, sc); err != nil {
			return sc, err
		}
	}
	return sc, nil
}

func (d *Decoder) decodeField(b *builder.Builder, f *field, sc *scope) error {
	if f.cond != nil {
		ok, err := evalBool(b, f, f.cond, sc)
		if err != nil || !ok {
			return err
		}
	}
	if f.repeat == nil && !f.untilEOS {
		v, err := d.decodeOne(b, f, f.name, sc)
		if err != nil {
			return err
		}
		sc.vars[f.name] = v
		return nil
	}

	var n uint64
	if f.repeat != nil {
		var err error
		if n, err = evalUint(b, f, f.repeat, sc); err != nil {
			return err
		}
	}
	var values []cty.Value
	for i := uint64(0); ; i++ {
		if (f.untilEOS && b.EOF()) || (!f.untilEOS && i >= n) {
			break
		}
		start := b.Pos()
		v, err := d.decodeOne(b, f, fmt.Sprintf("%s[%d]", f.name, i), sc)
		if err == nil && f.untilEOS && b.Pos() == start {
			err = b.Expect(false, start, f.name, "element %d consumed no bytes", i)
		}
		if err != nil {
			if builder.IsFatal(err) {
				return err
			}
			sc.vars[f.name] = tuple(values)
			return b.Optional(func() error { return err })
		}
		values = append(values, v)
	}
	sc.vars[f.name] = tuple(values)
	return nil
}

func tuple(values []cty.Value) cty.Value {
	if len(values) == 0 {
		return cty.EmptyTupleVal
	}
	return cty.TupleVal(values)
}

// decodeOne decodes a single instance of f under the given chunk name and
// returns the value visible to later expressions.
func (d *Decoder) decodeOne(b *builder.Builder, f *field, name string, sc *scope) (cty.Value, error) {
	order := f.order
	if order == nil {
		order = b.Order()
	}
	switch f.scalar.kind {
	case kindUint:
		v, err := b.UintOrder(name, f.scalar.width, order)
		return cty.NumberUIntVal(v), err
	case kindInt:
		v, err := b.IntOrder(name, f.scalar.width, order)
		return cty.NumberIntVal(v), err
	case kindCString:
		s, err := b.CString(name)
		return stringValue([]byte(s)), err
	case kindBits:
		n, err := evalUint(b, f, f.size, sc)
		if err != nil {
			return cty.NilVal, err
		}
		if err := b.Expect(n >= 1 && n <= 64, b.Pos(), name, "bit count %d outside 1..64", n); err != nil {
			return cty.NilVal, err
		}
		v, err := b.Bits(name, int(n))
		return cty.NumberUIntVal(v), err
	case kindBytes:
		if f.magic != nil {
			return stringValue(f.magic), b.Magic(name, f.magic)
		}
		n, err := evalUint(b, f, f.size, sc)
		if err != nil {
			return cty.NilVal, err
		}
		raw, err := b.Bytes(name, n)
		return stringValue(raw), err
	default:
		var child *scope
		err := b.WithChild(f.typ, name, func() error {
			var err error
			child, err = d.decodeStruct(b, f.strct, sc)
			return err
		})
		if err != nil {
			return cty.NilVal, err
		}
		return child.object(), nil
	}
}

// stringValue exposes text to expressions; binary data is null.
func stringValue(raw []byte) cty.Value {
	if !utf8.Valid(raw) {
		return cty.NullVal(cty.String)
	}
	return cty.StringVal(string(raw))
}

func evaluate(b *builder.Builder, f *field, expr hcl.Expression, sc *scope) (cty.Value, error) {
	v, diags := expr.Value(sc.evalContext(b))
	if diags.HasErrors() {
		return cty.NilVal, b.Expect(false, b.Pos(), f.name, "%s", diags.Error())
	}
	if v.IsNull() || !v.IsKnown() {
		return cty.NilVal, b.Expect(false, b.Pos(), f.name, "expression at %s has no value", expr.Range())
	}
	return v, nil
}

// evalUint evaluates a size or count. Negative, fractional and oversized
// values are MalformedField.
func evalUint(b *builder.Builder, f *field, expr hcl.Expression, sc *scope) (uint64, error) {
	v, err := evaluate(b, f, expr, sc)
	if err != nil {
		return 0, err
	}
	if v.Type() != cty.Number {
		return 0, b.Expect(false, b.Pos(), f.name, "expression at %s is %s, want number", expr.Range(), v.Type().FriendlyName())
	}
	bf := v.AsBigFloat()
	if !bf.IsInt() || bf.Sign() < 0 {
		return 0, b.Expect(false, b.Pos(), f.name, "expression at %s is %s, want a non-negative integer", expr.Range(), bf.Text('g', 10))
	}
	n, acc := bf.Uint64()
	if acc != big.Exact {
		return 0, b.Expect(false, b.Pos(), f.name, "expression at %s overflows", expr.Range())
	}
	return n, nil
}

func evalBool(b *builder.Builder, f *field, expr hcl.Expression, sc *scope) (bool, error) {
	v, err := evaluate(b, f, expr, sc)
	if err != nil {
		return false, err
	}
	var ok bool
	if err := gocty.FromCtyValue(v, &ok); err != nil {
		return false, b.Expect(false, b.Pos(), f.name, "condition at %s: %v", expr.Range(), err)
	}
	return ok, nil
}
