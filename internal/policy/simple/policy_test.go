package simple

import "testing"

func TestPolicyAllowFetch(t *testing.T) {
	t.Parallel()

	t.Run("exact match", func(t *testing.T) {
		t.Parallel()
		p := New([]string{"Example.org", " "})
		if p.AllowFetch("https://example.org/", "example.org", 0) {
			t.Fatalf("expected example.org to be blocked")
		}
		if !p.AllowFetch("https://sub.example.org/", "sub.example.org", 1) {
			t.Fatalf("did not expect subdomains to match exact entry")
		}
		if got := p.Blocked(); got != 1 {
			t.Fatalf("expected 1 pattern, got %d", got)
		}
	})

	t.Run("wildcard suffix", func(t *testing.T) {
		t.Parallel()
		p := New([]string{"*.ru", ".ru", "*."})
		cases := []struct {
			host    string
			blocked bool
		}{
			{"example.ru", true},
			{"sub.domain.ru", true},
			{"ru", true},
			{"example.com", false},
		}
		for _, tc := range cases {
			if got := !p.AllowFetch("", tc.host, 0); got != tc.blocked {
				t.Fatalf("host %q blocked=%v, want %v", tc.host, got, tc.blocked)
			}
		}
		if got := p.Blocked(); got != 1 {
			t.Fatalf("expected duplicate suffixes to collapse, got %d", got)
		}
	})

	t.Run("nil policy", func(t *testing.T) {
		t.Parallel()
		var p *Policy
		if !p.AllowFetch("", "anything", 0) {
			t.Fatalf("nil policy should never block")
		}
	})
}
