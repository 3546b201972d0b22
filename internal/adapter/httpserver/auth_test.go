package httpserver

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUserFromToken(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   string
		ok     bool
	}{
		{"simple", "Bearer zk_alice_abc123", "alice", true},
		{"underscored user id", "Bearer zk_team_a_ci_deadbeef", "team_a_ci", true},
		{"missing bearer", "zk_alice_abc123", "", false},
		{"wrong prefix", "Bearer sk_alice_abc123", "", false},
		{"no random suffix", "Bearer zk_alice", "", false},
		{"empty user id", "Bearer zk__abc", "", false},
		{"empty header", "", "", false},
		{"padded", "  Bearer zk_bob_x1  ", "bob", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := UserFromToken(tt.header)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestUserFromRequestPrecedence(t *testing.T) {
	r := httptest.NewRequest("POST", "/execute", nil)
	r.Header.Set("Authorization", "Bearer zk_alice_r4nd")
	r.Header.Set("X-Zakuro-User", "bob")
	assert.Equal(t, "alice", UserFromRequest(r))

	r = httptest.NewRequest("POST", "/execute", nil)
	r.Header.Set("X-Zakuro-User", "bob")
	assert.Equal(t, "bob", UserFromRequest(r))

	r = httptest.NewRequest("POST", "/execute", nil)
	assert.Equal(t, AnonymousUser, UserFromRequest(r))
}
