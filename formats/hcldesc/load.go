// Package hcldesc builds decoders at runtime from declarative format
// descriptions written in HCL.
//
//	format "tlv" {
//	  endian = "be"
//	  root   = "file"
//	  struct "file" {
//	    field "magic" {
//	      type  = "bytes"
//	      magic = "544c56"
//	    }
//	    field "count" { type = "u16" }
//	    field "records" {
//	      type   = "record"
//	      repeat = count
//	    }
//	  }
//	  struct "record" {
//	    field "tag" { type = "u8" }
//	    field "len" { type = "u8" }
//	    field "value" {
//	      type = "bytes"
//	      size = len
//	    }
//	  }
//	}
//
// Expressions see the scalar fields already decoded in the current struct,
// the enclosing struct as parent, and the cursor as io.pos, io.offset and
// io.remaining.
package hcldesc

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"os"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
)

// ErrInvalidDescription is returned for descriptions that parse but do not
// describe a decodable format.
var ErrInvalidDescription = errors.New("hcldesc: invalid format description")

// fileRoot is the top level of a description file.
type fileRoot struct {
	Formats []*formatBlock `hcl:"format,block"`
	Remain  hcl.Body       `hcl:",remain"`
}

type formatBlock struct {
	Name        string         `hcl:"name,label"`
	Root        string         `hcl:"root"`
	Endian      *string        `hcl:"endian,optional"`
	Description *string        `hcl:"description,optional"`
	Structs     []*structBlock `hcl:"struct,block"`
}

type structBlock struct {
	Name   string        `hcl:"name,label"`
	Fields []*fieldBlock `hcl:"field,block"`
}

// fieldBlock keeps the expression attributes in Remain so their presence can
// be told apart from a null value.
type fieldBlock struct {
	Name           string   `hcl:"name,label"`
	Type           string   `hcl:"type"`
	RepeatUntilEOS *bool    `hcl:"repeat_until_eos,optional"`
	Magic          *string  `hcl:"magic,optional"`
	Endian         *string  `hcl:"endian,optional"`
	Remain         hcl.Body `hcl:",remain"`
}

// LoadFile reads and loads a description file.
func LoadFile(path string) ([]*Decoder, error) {
	src, err := os.ReadFile(path) //nolint:gosec // description paths come from configuration
	if err != nil {
		return nil, err
	}
	return Load(src, path)
}

// Load parses src and returns one decoder per format block.
func Load(src []byte, filename string) ([]*Decoder, error) {
	file, diags := hclparse.NewParser().ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse %s: %w", filename, diags)
	}
	var root fileRoot
	if diags := gohcl.DecodeBody(file.Body, nil, &root); diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode %s: %w", filename, diags)
	}
	if len(root.Formats) == 0 {
		return nil, fmt.Errorf("%w: %s declares no format", ErrInvalidDescription, filename)
	}

	decoders := make([]*Decoder, 0, len(root.Formats))
	for _, fb := range root.Formats {
		dec, err := build(fb)
		if err != nil {
			return nil, fmt.Errorf("format %q in %s: %w", fb.Name, filename, err)
		}
		decoders = append(decoders, dec)
	}
	return decoders, nil
}

func build(fb *formatBlock) (*Decoder, error) {
	dec := &Decoder{
		name:    fb.Name,
		order:   binary.LittleEndian,
		structs: make(map[string]*structDef, len(fb.Structs)),
	}
	if fb.Description != nil {
		dec.description = *fb.Description
	}
	if fb.Endian != nil {
		order, err := parseEndian(*fb.Endian)
		if err != nil {
			return nil, err
		}
		dec.order = order
	}

	for _, sb := range fb.Structs {
		if _, dup := dec.structs[sb.Name]; dup {
			return nil, fmt.Errorf("%w: struct %q declared twice", ErrInvalidDescription, sb.Name)
		}
		if _, scalar := scalarTypes[sb.Name]; scalar {
			return nil, fmt.Errorf("%w: struct %q shadows a builtin type", ErrInvalidDescription, sb.Name)
		}
		dec.structs[sb.Name] = &structDef{name: sb.Name}
	}
	for _, sb := range fb.Structs {
		st := dec.structs[sb.Name]
		seen := make(map[string]bool, len(sb.Fields))
		for _, fblk := range sb.Fields {
			if seen[fblk.Name] {
				return nil, fmt.Errorf("%w: field %s.%s declared twice", ErrInvalidDescription, sb.Name, fblk.Name)
			}
			f, err := buildField(dec, fblk)
			if err == nil {
				err = checkReferences(f, seen)
			}
			if err != nil {
				return nil, fmt.Errorf("field %s.%s: %w", sb.Name, fblk.Name, err)
			}
			seen[fblk.Name] = true
			st.fields = append(st.fields, f)
		}
	}

	root, ok := dec.structs[fb.Root]
	if !ok {
		return nil, fmt.Errorf("%w: root struct %q is not declared", ErrInvalidDescription, fb.Root)
	}
	dec.root = root
	if err := checkRecursion(dec.structs); err != nil {
		return nil, err
	}
	return dec, nil
}

func buildField(dec *Decoder, fb *fieldBlock) (*field, error) {
	if fb.Name == "parent" || fb.Name == "io" {
		return nil, fmt.Errorf("%w: %q is a reserved name", ErrInvalidDescription, fb.Name)
	}
	f := &field{name: fb.Name, typ: fb.Type}
	if st, ok := scalarTypes[fb.Type]; ok {
		f.scalar = st
	} else if s, ok := dec.structs[fb.Type]; ok {
		f.strct = s
	} else {
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidDescription, fb.Type)
	}

	attrs, diags := fb.Remain.JustAttributes()
	if diags.HasErrors() {
		return nil, diags
	}
	for name, attr := range attrs {
		switch name {
		case "size":
			f.size = attr.Expr
		case "repeat":
			f.repeat = attr.Expr
		case "if":
			f.cond = attr.Expr
		default:
			return nil, fmt.Errorf("%w: unsupported attribute %q at %s", ErrInvalidDescription, name, attr.Range)
		}
	}

	if fb.RepeatUntilEOS != nil && *fb.RepeatUntilEOS {
		if f.repeat != nil {
			return nil, fmt.Errorf("%w: repeat and repeat_until_eos are exclusive", ErrInvalidDescription)
		}
		f.untilEOS = true
	}
	if fb.Endian != nil {
		order, err := parseEndian(*fb.Endian)
		if err != nil {
			return nil, err
		}
		f.order = order
	}
	if fb.Magic != nil {
		if f.scalar.kind != kindBytes {
			return nil, fmt.Errorf("%w: magic requires type bytes", ErrInvalidDescription)
		}
		magic, err := hex.DecodeString(*fb.Magic)
		if err != nil || len(magic) == 0 {
			return nil, fmt.Errorf("%w: magic must be non-empty hex, got %q", ErrInvalidDescription, *fb.Magic)
		}
		f.magic = magic
	}

	switch f.scalar.kind {
	case kindBytes:
		if f.size == nil && f.magic == nil {
			return nil, fmt.Errorf("%w: bytes need a size or magic", ErrInvalidDescription)
		}
	case kindBits:
		if f.size == nil {
			return nil, fmt.Errorf("%w: bits need a size", ErrInvalidDescription)
		}
	default:
		if f.size != nil {
			return nil, fmt.Errorf("%w: size only applies to bytes and bits", ErrInvalidDescription)
		}
	}
	return f, nil
}

// checkReferences rejects expressions naming fields that are not declared
// earlier in the same struct.
func checkReferences(f *field, declared map[string]bool) error {
	for _, expr := range []hcl.Expression{f.size, f.repeat, f.cond} {
		if expr == nil {
			continue
		}
		for _, traversal := range expr.Variables() {
			root := traversal.RootName()
			if root == "parent" || root == "io" || declared[root] {
				continue
			}
			return fmt.Errorf("%w: %s refers to %q before it is decoded", ErrInvalidDescription, traversal.SourceRange(), root)
		}
	}
	return nil
}

func parseEndian(s string) (binary.ByteOrder, error) {
	switch s {
	case "le", "little":
		return binary.LittleEndian, nil
	case "be", "big":
		return binary.BigEndian, nil
	default:
		return nil, fmt.Errorf("%w: endian must be \"le\" or \"be\", got %q", ErrInvalidDescription, s)
	}
}

// checkRecursion rejects structs that contain themselves directly or through
// other structs.
func checkRecursion(structs map[string]*structDef) error {
	const (
		visiting = 1
		done     = 2
	)
	state := make(map[string]int, len(structs))
	var visit func(st *structDef, path []string) error
	visit = func(st *structDef, path []string) error {
		switch state[st.name] {
		case visiting:
			return fmt.Errorf("%w: recursive struct %v", ErrInvalidDescription, append(path, st.name))
		case done:
			return nil
		}
		state[st.name] = visiting
		for _, f := range st.fields {
			if f.strct != nil {
				if err := visit(f.strct, append(path, st.name)); err != nil {
					return err
				}
			}
		}
		state[st.name] = done
		return nil
	}
	for _, st := range structs {
		if err := visit(st, nil); err != nil {
			return err
		}
	}
	return nil
}
