package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/talkbus/errors"
)

type reading struct {
	Sensor string  `json:"sensor"`
	Value  float64 `json:"value"`
}

type namedReading struct {
	Value float64 `json:"value"`
}

func (namedReading) TypeName() string { return "sensors::Temperature" }

type pointerNamed struct{}

func (*pointerNamed) TypeName() string { return "PointerNamed" }

func TestTypeID(t *testing.T) {
	assert.Equal(t, "github.com/c360/talkbus/codec.reading", TypeID[reading]())
	assert.Equal(t, TypeID[reading](), TypeID[*reading](), "pointer and value share an id")
	assert.Equal(t, "sensors::Temperature", TypeID[namedReading]())
	assert.Equal(t, "PointerNamed", TypeID[pointerNamed]())
	assert.Equal(t, "PointerNamed", TypeID[*pointerNamed]())
	assert.Equal(t, "string", TypeID[string]())
	assert.Equal(t, "[]uint8", TypeID[[]byte]())
	assert.Equal(t, "map[string]int", TypeID[map[string]int]())
}

func TestEncodeDecode(t *testing.T) {
	data, err := Encode(JSON, reading{Sensor: "sensor/temp", Value: 21.5})
	require.NoError(t, err)
	assert.JSONEq(t, `{"sensor":"sensor/temp","value":21.5}`, string(data))

	got, err := Decode[reading](JSON, data)
	require.NoError(t, err)
	assert.Equal(t, reading{Sensor: "sensor/temp", Value: 21.5}, got)
}

func TestDecode_Malformed(t *testing.T) {
	_, err := Decode[reading](JSON, []byte(`{"sensor":`))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrParsingFailed)
	assert.True(t, errors.IsInvalid(err))
}

func TestEncode_Unsupported(t *testing.T) {
	_, err := Encode(JSON, make(chan int))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrInvalidData)
}
