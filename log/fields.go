package log

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ShortStringer is implemented by the values having a short representation
// suitable for logs.
type ShortStringer interface {
	ShortString() string
}

type shortStringAdapter struct {
	val ShortStringer
}

func (a shortStringAdapter) String() string {
	return a.val.ShortString()
}

// ZShortStringer logs the short string representation of the value.
func ZShortStringer(name string, val ShortStringer) zap.Field {
	return zap.Stringer(name, shortStringAdapter{val: val})
}

// Nop returns the logger used when none is configured.
func Nop() *zap.Logger {
	return zap.NewNop()
}

// Objects logs a list of values as an array of objects.
func Objects[T zapcore.ObjectMarshaler](name string, vals []T) zap.Field {
	return zap.Array(name, zapcore.ArrayMarshalerFunc(func(enc zapcore.ArrayEncoder) error {
		for _, v := range vals {
			if err := enc.AppendObject(v); err != nil {
				return err
			}
		}
		return nil
	}))
}
