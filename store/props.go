package store

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PropType is the value type carried in the low 16 bits of a PropTag.
type PropType uint16

// Property value types.
const (
	TypeUnspecified PropType = 0x0000
	TypeInt16       PropType = 0x0002
	TypeInt32       PropType = 0x0003
	TypeFloat64     PropType = 0x0005
	TypeBool        PropType = 0x000B
	TypeInt64       PropType = 0x0014
	TypeString      PropType = 0x001F
	TypeTime        PropType = 0x0040
	TypeGUID        PropType = 0x0048
	TypeBinary      PropType = 0x0102

	// MultiValued marks a property holding a list of values of the base type.
	MultiValued PropType = 0x1000
	// MVInstance is only valid in sort keys and column sets. It asks a table
	// to flatten a multi-valued property into one row per value.
	MVInstance PropType = 0x2000
)

// Base returns the scalar type with the multi-value and instance bits removed.
func (t PropType) Base() PropType { return t &^ (MultiValued | MVInstance) }

// IsMulti reports whether values of this type are lists.
func (t PropType) IsMulti() bool { return t&MultiValued != 0 }

// PropTag identifies a property: id in the high 16 bits, type in the low 16.
type PropTag uint32

// NewTag builds a tag from an id and a type.
func NewTag(id uint16, t PropType) PropTag { return PropTag(uint32(id)<<16 | uint32(t)) }

// ID returns the property id.
func (t PropTag) ID() uint16 { return uint16(t >> 16) }

// Type returns the property type, including the multi-value and instance bits.
func (t PropTag) Type() PropType { return PropType(t & 0xFFFF) }

// IsInstance reports whether the tag carries the MVInstance bit.
func (t PropTag) IsInstance() bool { return t.Type()&MVInstance != 0 }

// Stored returns the tag as it is stored on an object, i.e. without the
// MVInstance bit.
func (t PropTag) Stored() PropTag { return t &^ PropTag(MVInstance) }

// Scalar returns the tag of a single element: multi-value and instance bits removed.
func (t PropTag) Scalar() PropTag { return NewTag(t.ID(), t.Type().Base()) }

func (t PropTag) String() string { return fmt.Sprintf("0x%08x", uint32(t)) }

// Well-known property tags.
var (
	TagImportance          = NewTag(0x0017, TypeInt32)
	TagSubject             = NewTag(0x0037, TypeString)
	TagSenderName          = NewTag(0x0C1A, TypeString)
	TagDisplayTo           = NewTag(0x0E04, TypeString)
	TagMessageDeliveryTime = NewTag(0x0E06, TypeTime)
	TagMessageFlags        = NewTag(0x0E07, TypeInt32)
	TagMessageSize         = NewTag(0x0E08, TypeInt32)
	TagDisplayName         = NewTag(0x3001, TypeString)
	TagDepth               = NewTag(0x3005, TypeInt32)
	TagSearchKey           = NewTag(0x300B, TypeBinary)
	TagConversationID      = NewTag(0x3013, TypeBinary)
	TagContentCount        = NewTag(0x3602, TypeInt32)
	TagContentUnread       = NewTag(0x3603, TypeInt32)
	TagRowType             = NewTag(0x0FF5, TypeInt32)
	TagFolderID            = NewTag(0x6748, TypeInt64)
	TagParentFolderID      = NewTag(0x6749, TypeInt64)
	TagMid                 = NewTag(0x674A, TypeInt64)
	TagInstID              = NewTag(0x674D, TypeInt64)
	TagInstanceNum         = NewTag(0x674E, TypeInt32)
	TagKeywords            = NewTag(0x8001, TypeString|MultiValued)
	TagRecordGUID          = NewTag(0x8002, TypeGUID)
	TagFlagged             = NewTag(0x8003, TypeBool)
)

// MessageFlagRead is the read bit of TagMessageFlags.
const MessageFlagRead int32 = 0x00000001

// Row types reported in TagRowType.
const (
	RowTypeLeaf          int32 = 1
	RowTypeEmptyCategory int32 = 2
	RowTypeExpanded      int32 = 3
	RowTypeCollapsed     int32 = 4
)

// PropValues maps a tag to its value. Values use Go types matching the tag
// type: int16, int32, int64, float64, bool, string, time.Time, uuid.UUID,
// []byte, and []any (or a typed slice) for multi-valued tags.
type PropValues map[PropTag]any

// Get returns the value for tag, also matching the stored form of an
// instance tag.
func (p PropValues) Get(tag PropTag) (any, bool) {
	v, ok := p[tag.Stored()]
	return v, ok
}

// Clone returns a shallow copy.
func (p PropValues) Clone() PropValues {
	if p == nil {
		return nil
	}
	c := make(PropValues, len(p))
	for k, v := range p {
		c[k] = v
	}
	return c
}

// Merge applies changes in place. A nil value removes the tag.
func (p PropValues) Merge(changes PropValues) {
	for k, v := range changes {
		if v == nil {
			delete(p, k)
			continue
		}
		p[k] = v
	}
}

// IsRead reports whether the read bit is set in TagMessageFlags.
func (p PropValues) IsRead() bool {
	v, ok := p[TagMessageFlags]
	if !ok {
		return false
	}
	n, ok := toInt64(v)
	return ok && int32(n)&MessageFlagRead != 0
}

// Values normalizes a multi-valued property value into a list.
// A nil value yields an empty list; a scalar yields a one-element list.
func Values(v any) []any {
	switch x := v.(type) {
	case nil:
		return nil
	case []any:
		return x
	case []string:
		return toAny(x)
	case []int16:
		return toAny(x)
	case []int32:
		return toAny(x)
	case []int64:
		return toAny(x)
	case []float64:
		return toAny(x)
	case []bool:
		return toAny(x)
	case []time.Time:
		return toAny(x)
	case []uuid.UUID:
		return toAny(x)
	case [][]byte:
		return toAny(x)
	default:
		return []any{v}
	}
}

func toAny[T any](in []T) []any {
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}
