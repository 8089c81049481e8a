package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalUnmarshal(t *testing.T) {
	type payload struct {
		Name  string  `json:"name"`
		Score float64 `json:"score"`
	}

	data, err := Marshal(payload{Name: "wide-leg trousers", Score: 0.88})
	require.NoError(t, err)

	var decoded payload
	require.NoError(t, Unmarshal(data, &decoded))
	assert.Equal(t, "wide-leg trousers", decoded.Name)
	assert.Equal(t, 0.88, decoded.Score)
}

func TestUnmarshalConfig(t *testing.T) {
	type backendConfig struct {
		Path          string `json:"path"`
		BusyTimeoutMS int    `json:"busy_timeout_ms"`
	}

	// The usual shape: a yaml-decoded map from the config file.
	var target backendConfig
	err := UnmarshalConfig(map[string]interface{}{
		"path":            "/var/cache/trends.db",
		"busy_timeout_ms": 2500,
	}, &target)
	require.NoError(t, err)
	assert.Equal(t, "/var/cache/trends.db", target.Path)
	assert.Equal(t, 2500, target.BusyTimeoutMS)

	// An already-typed pointer is copied directly.
	var copied backendConfig
	err = UnmarshalConfig(&backendConfig{Path: "x"}, &copied)
	require.NoError(t, err)
	assert.Equal(t, "x", copied.Path)

	err = UnmarshalConfig(nil, &target)
	require.Error(t, err)
}

func TestMarshalLengthMatchesSerializedSize(t *testing.T) {
	values := []interface{}{
		"abc",
		map[string]interface{}{"a": 1},
		[]string{"oversized blazers", "ballet flats"},
	}

	for _, v := range values {
		data, err := Marshal(v)
		require.NoError(t, err)
		assert.NotEqual(t, byte('\n'), data[len(data)-1])

		n, err := SerializedSize(v)
		require.NoError(t, err)
		assert.Equal(t, int64(len(data)), n, "size accounting must not depend on the backend")
	}
}

func TestSerializedSize(t *testing.T) {
	n, err := SerializedSize("abc")
	require.NoError(t, err)
	assert.Equal(t, int64(5), n, `"abc" is five bytes serialized`)

	n, err = SerializedSize(map[string]interface{}{"a": 1})
	require.NoError(t, err)
	assert.Equal(t, int64(len(`{"a":1}`)), n)

	_, err = SerializedSize(make(chan int))
	require.Error(t, err)
}

func TestBuildKey(t *testing.T) {
	assert.Equal(t, "", BuildKey())
	assert.Equal(t, "solo", BuildKey("solo"))
	assert.Equal(t, "trends|dresses|2026-08", BuildKey("trends", "dresses", "2026-08"))
}
