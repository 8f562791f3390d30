package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// RestrictionType selects the kind of a restriction node.
type RestrictionType uint8

// Restriction node kinds.
const (
	RestrictAnd RestrictionType = iota + 1
	RestrictOr
	RestrictNot
	RestrictProperty
	RestrictContent
	RestrictExist
	RestrictBitmask
)

// Relop is a relational operator for property restrictions.
type Relop uint8

// Relational operators.
const (
	RelopLT Relop = iota + 1
	RelopLE
	RelopGT
	RelopGE
	RelopEQ
	RelopNE
)

// FuzzyLevel controls content matching. The low bits select the match mode,
// FuzzyIgnoreCase may be or-ed in.
type FuzzyLevel uint32

// Content match modes.
const (
	FuzzyFullString FuzzyLevel = 0x0
	FuzzySubstring  FuzzyLevel = 0x1
	FuzzyPrefix     FuzzyLevel = 0x2
	FuzzyIgnoreCase FuzzyLevel = 0x10000
)

// Restriction is a predicate over the properties of one object.
// A nil *Restriction matches everything.
type Restriction struct {
	Type     RestrictionType
	Children []*Restriction
	Tag      PropTag
	Op       Relop
	Value    any
	Fuzzy    FuzzyLevel
	Mask     uint32
	NonZero  bool
}

// And matches when every child matches.
func And(children ...*Restriction) *Restriction {
	return &Restriction{Type: RestrictAnd, Children: children}
}

// Or matches when any child matches.
func Or(children ...*Restriction) *Restriction {
	return &Restriction{Type: RestrictOr, Children: children}
}

// Not negates r.
func Not(r *Restriction) *Restriction {
	return &Restriction{Type: RestrictNot, Children: []*Restriction{r}}
}

// PropertyIs compares a property with a constant.
func PropertyIs(tag PropTag, op Relop, v any) *Restriction {
	return &Restriction{Type: RestrictProperty, Tag: tag, Op: op, Value: v}
}

// Contains matches a case-insensitive substring of a string property.
func Contains(tag PropTag, s string) *Restriction {
	return &Restriction{Type: RestrictContent, Tag: tag, Value: s, Fuzzy: FuzzySubstring | FuzzyIgnoreCase}
}

// Exists matches objects carrying tag.
func Exists(tag PropTag) *Restriction {
	return &Restriction{Type: RestrictExist, Tag: tag}
}

// Bitmask tests tag&mask against zero.
func Bitmask(tag PropTag, mask uint32, nonZero bool) *Restriction {
	return &Restriction{Type: RestrictBitmask, Tag: tag, Mask: mask, NonZero: nonZero}
}

// Unread matches messages whose read flag is unset.
func Unread() *Restriction { return Bitmask(TagMessageFlags, uint32(MessageFlagRead), false) }

// Validate checks the structure of the tree.
func (r *Restriction) Validate() error {
	if r == nil {
		return nil
	}
	switch r.Type {
	case RestrictAnd, RestrictOr:
		for _, c := range r.Children {
			if c == nil {
				return fmt.Errorf("%w: nil child", ErrInvalidRestriction)
			}
			if err := c.Validate(); err != nil {
				return err
			}
		}
	case RestrictNot:
		if len(r.Children) != 1 || r.Children[0] == nil {
			return fmt.Errorf("%w: not requires exactly one child", ErrInvalidRestriction)
		}
		return r.Children[0].Validate()
	case RestrictProperty:
		if r.Op < RelopLT || r.Op > RelopNE {
			return fmt.Errorf("%w: bad relop %d", ErrInvalidRestriction, r.Op)
		}
	case RestrictContent:
		base := r.Tag.Type().Base()
		if base != TypeString && base != TypeBinary {
			return fmt.Errorf("%w: content restriction on %s", ErrInvalidRestriction, r.Tag)
		}
	case RestrictExist, RestrictBitmask:
	default:
		return fmt.Errorf("%w: unknown type %d", ErrInvalidRestriction, r.Type)
	}
	return nil
}

// Tags returns every property tag the restriction reads.
func (r *Restriction) Tags() []PropTag {
	var tags []PropTag
	var walk func(*Restriction)
	walk = func(n *Restriction) {
		if n == nil {
			return
		}
		switch n.Type {
		case RestrictAnd, RestrictOr, RestrictNot:
			for _, c := range n.Children {
				walk(c)
			}
		default:
			tags = append(tags, n.Tag.Stored())
		}
	}
	walk(r)
	return tags
}

// Evaluate reports whether the object described by p satisfies r.
func (r *Restriction) Evaluate(p PropValues) bool {
	if r == nil {
		return true
	}
	switch r.Type {
	case RestrictAnd:
		for _, c := range r.Children {
			if !c.Evaluate(p) {
				return false
			}
		}
		return true
	case RestrictOr:
		for _, c := range r.Children {
			if c.Evaluate(p) {
				return true
			}
		}
		return false
	case RestrictNot:
		return len(r.Children) == 1 && !r.Children[0].Evaluate(p)
	case RestrictProperty:
		v, ok := p.Get(r.Tag)
		if !ok {
			return false
		}
		return anyValue(r.Tag, v, func(e any) bool {
			return relop(r.Op, Compare(r.Tag.Type().Base(), e, r.Value))
		})
	case RestrictContent:
		v, ok := p.Get(r.Tag)
		if !ok {
			return false
		}
		return anyValue(r.Tag, v, func(e any) bool { return r.matchContent(e) })
	case RestrictExist:
		_, ok := p.Get(r.Tag)
		return ok
	case RestrictBitmask:
		v, ok := p.Get(r.Tag)
		if !ok {
			return false
		}
		n, ok := toInt64(v)
		if !ok {
			return false
		}
		return (uint32(n)&r.Mask != 0) == r.NonZero
	default:
		return false
	}
}

func anyValue(tag PropTag, v any, fn func(any) bool) bool {
	if !tag.Type().IsMulti() {
		return fn(v)
	}
	for _, e := range Values(v) {
		if fn(e) {
			return true
		}
	}
	return false
}

func relop(op Relop, c int) bool {
	switch op {
	case RelopLT:
		return c < 0
	case RelopLE:
		return c <= 0
	case RelopGT:
		return c > 0
	case RelopGE:
		return c >= 0
	case RelopEQ:
		return c == 0
	case RelopNE:
		return c != 0
	default:
		return false
	}
}

func (r *Restriction) matchContent(v any) bool {
	mode := r.Fuzzy &^ FuzzyIgnoreCase
	if s, ok := v.(string); ok {
		needle, _ := r.Value.(string)
		if r.Fuzzy&FuzzyIgnoreCase != 0 {
			s, needle = FoldString(s), FoldString(needle)
		}
		switch mode {
		case FuzzySubstring:
			return strings.Contains(s, needle)
		case FuzzyPrefix:
			return strings.HasPrefix(s, needle)
		default:
			return s == needle
		}
	}
	if b, ok := v.([]byte); ok {
		needle, _ := r.Value.([]byte)
		switch mode {
		case FuzzySubstring:
			return bytes.Contains(b, needle)
		case FuzzyPrefix:
			return bytes.HasPrefix(b, needle)
		default:
			return bytes.Equal(b, needle)
		}
	}
	return false
}

type restrictionJSON struct {
	Type     RestrictionType `json:"type"`
	Children []*Restriction  `json:"children,omitempty"`
	Tag      PropTag         `json:"tag,omitempty"`
	Op       Relop           `json:"op,omitempty"`
	Value    json.RawMessage `json:"value,omitempty"`
	Fuzzy    FuzzyLevel      `json:"fuzzy,omitempty"`
	Mask     uint32          `json:"mask,omitempty"`
	NonZero  bool            `json:"non_zero,omitempty"`
}

// MarshalJSON encodes the value with the tag's type so it can be persisted
// alongside search criteria.
func (r *Restriction) MarshalJSON() ([]byte, error) {
	out := restrictionJSON{
		Type:     r.Type,
		Children: r.Children,
		Tag:      r.Tag,
		Op:       r.Op,
		Fuzzy:    r.Fuzzy,
		Mask:     r.Mask,
		NonZero:  r.NonZero,
	}
	if r.Value != nil {
		raw, err := EncodeValue(r.Tag.Type().Base(), r.Value)
		if err != nil {
			return nil, err
		}
		out.Value = raw
	}
	return json.Marshal(out)
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (r *Restriction) UnmarshalJSON(data []byte) error {
	var in restrictionJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*r = Restriction{
		Type:     in.Type,
		Children: in.Children,
		Tag:      in.Tag,
		Op:       in.Op,
		Fuzzy:    in.Fuzzy,
		Mask:     in.Mask,
		NonZero:  in.NonZero,
	}
	if len(in.Value) > 0 {
		v, err := DecodeValue(in.Tag.Type().Base(), in.Value)
		if err != nil {
			return err
		}
		r.Value = v
	}
	return nil
}
