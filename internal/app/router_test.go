package app

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseOrigins(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want []string
	}{
		{name: "empty means any", in: "", want: []string{"*"}},
		{name: "wildcard passes through", in: "*", want: []string{"*"}},
		{name: "single origin", in: "https://app.example.com", want: []string{"https://app.example.com"}},
		{name: "list is trimmed", in: " https://a.example.com , https://b.example.com ", want: []string{"https://a.example.com", "https://b.example.com"}},
		{name: "empty entries dropped", in: ",,https://a.example.com,,", want: []string{"https://a.example.com"}},
		{name: "only separators means any", in: " , , ", want: []string{"*"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ParseOrigins(tc.in))
		})
	}
}
