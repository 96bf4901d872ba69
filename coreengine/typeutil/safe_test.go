package typeutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSafeInt(t *testing.T) {
	tests := []struct {
		name  string
		input any
		want  int
		ok    bool
	}{
		{"int", 3, 3, true},
		{"int64", int64(4), 4, true},
		{"float64 from json", float64(5), 5, true},
		{"string", "5", 0, false},
		{"nil", nil, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := SafeInt(tt.input)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.ok, ok)
		})
	}

	assert.Equal(t, 7, SafeIntDefault("x", 7))
}

func TestSafeStringSlice(t *testing.T) {
	got, ok := SafeStringSlice([]any{"a", "b"})
	assert.True(t, ok)
	assert.Equal(t, []string{"a", "b"}, got)

	_, ok = SafeStringSlice([]any{"a", 1})
	assert.False(t, ok)

	got, ok = SafeStringSlice([]string{"c"})
	assert.True(t, ok)
	assert.Equal(t, []string{"c"}, got)
}

func TestGetNestedValue(t *testing.T) {
	data := map[string]any{
		"creative": map[string]any{
			"approved": true,
			"score":    float64(8),
		},
		"budget": 1000,
	}

	v, ok := GetNestedValue(data, "creative.approved")
	assert.True(t, ok)
	assert.Equal(t, true, v)

	v, ok = GetNestedValue(data, "budget")
	assert.True(t, ok)
	assert.Equal(t, 1000, v)

	_, ok = GetNestedValue(data, "creative.missing")
	assert.False(t, ok)

	_, ok = GetNestedValue(data, "budget.amount")
	assert.False(t, ok)

	_, ok = GetNestedValue(nil, "budget")
	assert.False(t, ok)
}

func TestLooseEqual(t *testing.T) {
	assert.True(t, LooseEqual(8, float64(8)))
	assert.True(t, LooseEqual("yes", "yes"))
	assert.True(t, LooseEqual(true, true))
	assert.True(t, LooseEqual(nil, nil))
	assert.False(t, LooseEqual("8", 8))
	assert.False(t, LooseEqual(true, "true"))
	assert.False(t, LooseEqual(1, 2))
}
