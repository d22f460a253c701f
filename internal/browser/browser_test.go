package browser

import "testing"

func TestResolveKnownBrowsers(t *testing.T) {
	cases := map[string]string{
		"edge":              "microsoft-edge",
		"chrome":            "google-chrome",
		"chromium":          "chromium-browser",
		"firefox":           "firefox",
		"qutebrowser":       "qutebrowser",
		"/usr/bin/floorp":   "/usr/bin/floorp",
	}
	for name, want := range cases {
		if got := Resolve(name); got != want {
			t.Errorf("Resolve(%q) = %q, want %q", name, got, want)
		}
	}
}

func TestOpenRunsConfiguredCommand(t *testing.T) {
	l := New("")

	// "true" exits immediately and ignores its arguments
	if err := l.Open("https://gw.example.com/remote/saml/start?redirect=1", "true", nil); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	// Per-profile args are passed before the URL
	if err := l.Open("https://gw.example.com/remote/saml/start?redirect=1", "true", []string{"--profile-directory=Work"}); err != nil {
		t.Fatalf("Open with args failed: %v", err)
	}
}

func TestOpenMissingBinary(t *testing.T) {
	l := New("")
	err := l.Open("https://example.com", "definitely-not-a-browser-binary", nil)
	if err == nil {
		t.Fatal("expected error for missing browser binary")
	}
}
