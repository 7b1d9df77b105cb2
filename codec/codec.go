// Package codec turns typed samples into middleware payloads and derives the
// type identifiers that topics are registered under.
package codec

import (
	"reflect"
	"sync"

	jsoniter "github.com/json-iterator/go"

	"github.com/c360/talkbus/errors"
)

// TypeNamer lets a sample type choose its wire type identifier. Processes that
// share a topic must agree on it, so types exchanged across languages or
// module versions should implement it.
type TypeNamer interface {
	TypeName() string
}

var typeIDs sync.Map // reflect.Type -> string

// TypeID returns the type identifier for T: its TypeName when T (or *T)
// implements TypeNamer, otherwise the package-qualified Go type name.
func TypeID[T any]() string {
	t := reflect.TypeFor[T]()
	if id, ok := typeIDs.Load(t); ok {
		return id.(string)
	}

	id := deriveTypeID(t)
	typeIDs.Store(t, id)
	return id
}

func deriveTypeID(t reflect.Type) string {
	base := t
	if base.Kind() == reflect.Pointer {
		base = base.Elem()
	}

	// A fresh *base covers both value and pointer receivers without calling through nil
	if namer, ok := reflect.New(base).Interface().(TypeNamer); ok {
		if name := namer.TypeName(); name != "" {
			return name
		}
	}

	if base.Name() != "" && base.PkgPath() != "" {
		return base.PkgPath() + "." + base.Name()
	}
	return base.String()
}

// Codec serializes sample values
type Codec interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

type jsonCodec struct {
	api jsoniter.API
}

// JSON is the default codec, wire compatible with encoding/json
var JSON Codec = jsonCodec{api: jsoniter.ConfigCompatibleWithStandardLibrary}

func (c jsonCodec) Name() string { return "json" }

func (c jsonCodec) Marshal(v any) ([]byte, error) {
	return c.api.Marshal(v)
}

func (c jsonCodec) Unmarshal(data []byte, v any) error {
	return c.api.Unmarshal(data, v)
}

// Encode marshals a typed value
func Encode[T any](c Codec, v T) ([]byte, error) {
	data, err := c.Marshal(v)
	if err != nil {
		return nil, errors.WrapInvalid(errors.Join(errors.ErrInvalidData, err), "codec", "Encode",
			"marshal "+TypeID[T]())
	}
	return data, nil
}

// Decode unmarshals data into a new T
func Decode[T any](c Codec, data []byte) (T, error) {
	var v T
	if err := c.Unmarshal(data, &v); err != nil {
		return v, errors.WrapInvalid(errors.Join(errors.ErrParsingFailed, err), "codec", "Decode",
			"unmarshal "+TypeID[T]())
	}
	return v, nil
}
