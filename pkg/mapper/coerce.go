package mapper

import (
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/basekick-labs/pointmap/pkg/models"
	"github.com/basekick-labs/pointmap/pkg/schema"
)

// assign coerces a wire value into the field behind ref. A nil wire value leaves the
// field untouched.
func assign(rec reflect.Value, ref *schema.FieldRef, column string, raw interface{}, epoch models.Precision) error {
	if raw == nil {
		return nil
	}
	if ref.Kind == schema.KindOther {
		return &UnsupportedFieldTypeError{Field: ref.Name, Type: ref.Type}
	}

	mismatch := func() error {
		return &TypeMismatchError{Field: ref.Name, Column: column, Declared: ref.Kind, Wire: wireType(raw)}
	}

	switch v := raw.(type) {
	case float64:
		return assignNumber(ref.Target(rec), ref.Kind, v, epoch, mismatch)
	case int64:
		return assignInt(ref.Target(rec), ref.Kind, v, epoch, mismatch)
	case string:
		return assignString(ref.Target(rec), ref.Kind, v, mismatch)
	case bool:
		switch ref.Kind {
		case schema.KindBool:
			ref.Target(rec).SetBool(v)
		case schema.KindString:
			ref.Target(rec).SetString(strconv.FormatBool(v))
		default:
			return mismatch()
		}
		return nil
	default:
		return mismatch()
	}
}

func assignNumber(target reflect.Value, kind schema.Kind, f float64, epoch models.Precision, mismatch func() error) error {
	switch kind {
	case schema.KindInt8, schema.KindInt16, schema.KindInt32, schema.KindInt64:
		// SetInt narrows to the target width like a conversion would
		target.SetInt(truncate(f))
	case schema.KindUint:
		target.SetUint(uint64(truncate(f)))
	case schema.KindFloat32, schema.KindFloat64:
		target.SetFloat(f)
	case schema.KindString:
		target.SetString(strconv.FormatFloat(f, 'f', -1, 64))
	case schema.KindTime:
		target.Set(reflect.ValueOf(epoch.ToTime(truncate(f))))
	default:
		return mismatch()
	}
	return nil
}

func assignInt(target reflect.Value, kind schema.Kind, i int64, epoch models.Precision, mismatch func() error) error {
	switch kind {
	case schema.KindInt8, schema.KindInt16, schema.KindInt32, schema.KindInt64:
		target.SetInt(i)
	case schema.KindUint:
		target.SetUint(uint64(i))
	case schema.KindFloat32, schema.KindFloat64:
		target.SetFloat(float64(i))
	case schema.KindString:
		target.SetString(strconv.FormatInt(i, 10))
	case schema.KindTime:
		target.Set(reflect.ValueOf(epoch.ToTime(i)))
	default:
		return mismatch()
	}
	return nil
}

func assignString(target reflect.Value, kind schema.Kind, s string, mismatch func() error) error {
	switch kind {
	case schema.KindString:
		target.SetString(s)
	case schema.KindBytes:
		target.SetBytes([]byte(s))
	case schema.KindBool:
		b, err := strconv.ParseBool(strings.ToLower(s))
		if err != nil {
			return mismatch()
		}
		target.SetBool(b)
	case schema.KindUint:
		// unsigned values above MaxInt64 are written as text
		u, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return mismatch()
		}
		target.SetUint(u)
	case schema.KindTime:
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return mismatch()
		}
		target.Set(reflect.ValueOf(t))
	default:
		return mismatch()
	}
	return nil
}

// truncate converts toward zero, saturating at the int64 range. NaN becomes 0.
func truncate(f float64) int64 {
	switch {
	case math.IsNaN(f):
		return 0
	case f >= math.MaxInt64:
		return math.MaxInt64
	case f <= math.MinInt64:
		return math.MinInt64
	}
	return int64(f)
}
