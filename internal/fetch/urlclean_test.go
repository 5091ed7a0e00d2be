package fetch

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCleanURL(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"already clean", "https://example.com/a", "https://example.com/a"},
		{"surrounding whitespace", "  https://example.com/a \n", "https://example.com/a"},
		{
			"github url with space",
			"https://github.com/golang net",
			"https://github.com/golang/net",
		},
		{
			"other url with spaces encoded",
			"https://example.com/some page",
			"https://example.com/some%20page",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CleanURL(tt.in))
		})
	}
}
