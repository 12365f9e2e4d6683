package textx

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeText(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"control runes dropped", "he\x00llo\nwo\x7frld\t!", "hello\nworld\t!"},
		{"escape sequences dropped", "clean\x1b[31mred\x1b[0m", "clean[31mred[0m"},
		{"surrounding space trimmed", "  padded  ", "padded"},
		{"control-only collapses to empty", "\x00\x01\x02  ", ""},
		{"multibyte text untouched", "jalan berlubang 路灯坏了", "jalan berlubang 路灯坏了"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, SanitizeText(tc.in))
		})
	}
}
