package origin

import "testing"

func TestNormalize(t *testing.T) {
	cases := []struct {
		in, normalized, host string
	}{
		{"HTTPS://Example.COM:443", "https://example.com", "example.com"},
		{"http://localhost:5173/", "http://localhost:5173", "localhost:5173"},
		{"http://192.168.1.20:80", "http://192.168.1.20", "192.168.1.20"},
		{"http://[::1]:8002", "http://[::1]:8002", "[::1]:8002"},
		{"null", "null", ""},
	}
	for _, tc := range cases {
		normalized, host, ok := Normalize(tc.in)
		if !ok || normalized != tc.normalized || host != tc.host {
			t.Fatalf("Normalize(%q)=(%q, %q, %v), want (%q, %q, true)", tc.in, normalized, host, ok, tc.normalized, tc.host)
		}
	}
}

func TestNormalize_Rejects(t *testing.T) {
	for _, in := range []string{
		"",
		"   ",
		"ftp://example.com",
		"https://example.com/path",
		"https://example.com/?q=1",
		"https://user@example.com",
		"https://example.com/#frag",
		"https://example.com:0",
		"https://example.com:99999",
		"https://example.com:",
		"robot.local",
	} {
		if n, _, ok := Normalize(in); ok {
			t.Fatalf("Normalize(%q)=%q, want rejection", in, n)
		}
	}
}

func TestPolicy_SameHostByDefault(t *testing.T) {
	p := NewPolicy(nil)
	if _, ok := p.Allow("https://robart.example.com", "robart.example.com"); !ok {
		t.Fatalf("same host rejected")
	}
	if _, ok := p.Allow("https://robart.example.com", "robart.example.com:443"); !ok {
		t.Fatalf("default port on request host rejected")
	}
	if _, ok := p.Allow("http://robart.example.com", "robart.example.com:8002"); ok {
		t.Fatalf("different port allowed")
	}
	if _, ok := p.Allow("https://evil.example.com", "robart.example.com"); ok {
		t.Fatalf("different host allowed")
	}
	if _, ok := p.Allow("null", "robart.example.com"); ok {
		t.Fatalf("null origin allowed without configuration")
	}
}

func TestPolicy_AllowList(t *testing.T) {
	p := NewPolicy([]string{"https://operator.example.com", "null"})
	if n, ok := p.Allow("https://Operator.Example.com", "robart.example.com"); !ok || n != "https://operator.example.com" {
		t.Fatalf("Allow=(%q, %v), want listed origin admitted", n, ok)
	}
	if _, ok := p.Allow("null", "robart.example.com"); !ok {
		t.Fatalf("configured null origin rejected")
	}
	if _, ok := p.Allow("https://robart.example.com", "robart.example.com"); ok {
		t.Fatalf("same host admitted despite allow list")
	}
	if _, ok := NewPolicy([]string{"*"}).Allow("http://anything:1234", "robart.example.com"); !ok {
		t.Fatalf("* rejected an origin")
	}
}
