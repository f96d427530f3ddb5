package logging

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRedact(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "plain", in: "plan a trip to Japan", want: "plan a trip to Japan"},
		{name: "email", in: "mail me at ana.k@example.org please", want: "mail me at [email] please"},
		{name: "card", in: "card 4111 1111 1111 1111 ok", want: "card [card] ok"},
		{name: "phone", in: "call +1 (555) 010-2030", want: "call [phone]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Redact(tt.in))
		})
	}
}

func TestPreviewTruncates(t *testing.T) {
	long := strings.Repeat("步", 200)
	f := Preview("text", long)
	assert.Equal(t, "text", f.Key)
	assert.Equal(t, previewRunes+1, len([]rune(f.String)))

	f = Preview("text", "reach me at bob@example.com")
	assert.Equal(t, "reach me at [email]", f.String)
}
