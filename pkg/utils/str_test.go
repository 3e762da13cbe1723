package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitByMultipleDelimiters(t *testing.T) {
	tests := []struct {
		in    string
		delim []string
		want  []string
	}{
		{"a,b;c", []string{",", ";"}, []string{"a", "b", "c"}},
		{"a,b=c", []string{",", ";"}, []string{"a", "b=c"}},
		{"redis-1:6379, redis-2:6379;", []string{",", ";"}, []string{"redis-1:6379", "redis-2:6379"}},
		{"a,b", nil, []string{"a,b"}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SplitByMultipleDelimiters(tt.in, tt.delim...))
	}
}
