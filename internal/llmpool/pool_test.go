package llmpool

import "testing"

func TestNormalizeEndpoint(t *testing.T) {
	cases := map[string]string{
		"https://api.openai.com/v1/":  "https://api.openai.com/v1",
		"  https://example.com/v1  ":  "https://example.com/v1",
		"https://example.com/v1///":   "https://example.com/v1",
		"":                            "",
	}
	for in, want := range cases {
		if got := normalizeEndpoint(in); got != want {
			t.Errorf("normalizeEndpoint(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestForEndpointReturnsPrimaryForEmptyOrMatching(t *testing.T) {
	p := New("https://api.openai.com/v1", Options{APIKey: "test-key"})

	c1, err := p.ForEndpoint("")
	if err != nil {
		t.Fatal(err)
	}
	if c1 != p.Primary() {
		t.Fatalf("expected primary client for empty endpoint")
	}

	c2, err := p.ForEndpoint("https://api.openai.com/v1/")
	if err != nil {
		t.Fatal(err)
	}
	if c2 != p.Primary() {
		t.Fatalf("expected primary client for matching endpoint")
	}
}

func TestForEndpointCachesSecondaryClients(t *testing.T) {
	p := New("https://api.openai.com/v1", Options{APIKey: "test-key"})

	c1, err := p.ForEndpoint("https://escalation.example.com/v1")
	if err != nil {
		t.Fatal(err)
	}
	c2, err := p.ForEndpoint("https://escalation.example.com/v1/")
	if err != nil {
		t.Fatal(err)
	}
	if c1 != c2 {
		t.Fatalf("expected the same cached client for normalized-equal endpoints")
	}
	if c1 == p.Primary() {
		t.Fatalf("secondary endpoint must not reuse the primary client")
	}
}

func TestWithEndpointKeyOverridesAPIKey(t *testing.T) {
	p := New("https://api.openai.com/v1", Options{APIKey: "primary-key"})
	p.WithEndpointKey("https://other.example.com/v1", "other-key")

	if _, err := p.ForEndpoint("https://other.example.com/v1"); err != nil {
		t.Fatal(err)
	}
	if key, ok := p.keyByEnd[normalizeEndpoint("https://other.example.com/v1")]; !ok || key != "other-key" {
		t.Fatalf("expected registered override key, got %q (ok=%v)", key, ok)
	}
}

func TestCloseAllClearsSecondaryCache(t *testing.T) {
	p := New("https://api.openai.com/v1", Options{APIKey: "test-key"})
	if _, err := p.ForEndpoint("https://escalation.example.com/v1"); err != nil {
		t.Fatal(err)
	}
	p.CloseAll()
	if len(p.byEndpt) != 0 {
		t.Fatalf("expected secondary cache cleared, got %d entries", len(p.byEndpt))
	}
}
