package pipeline

import "testing"

func TestSanitize_PlainTextUnchanged(t *testing.T) {
	res := Sanitize("hey, are we still on for tonight?")
	if res.NoiseOnly {
		t.Fatal("plain text flagged as noise")
	}
	if res.Clean != "hey, are we still on for tonight?" {
		t.Fatalf("unexpected clean text: %q", res.Clean)
	}
}

func TestSanitize_BareStatusToken(t *testing.T) {
	for _, raw := range []string{"Delivered", "delivered", "Sent", "  Read  "} {
		res := Sanitize(raw)
		if !res.NoiseOnly {
			t.Fatalf("%q should be noise only", raw)
		}
		if res.Clean != "" {
			t.Fatalf("%q left residue %q", raw, res.Clean)
		}
	}
}

func TestSanitize_StripsStatusLines(t *testing.T) {
	raw := "Delivered: 2024-03-01 10:15\nsee you at 8"
	res := Sanitize(raw)
	if res.NoiseOnly {
		t.Fatal("human content flagged as noise")
	}
	if res.Clean != "see you at 8" {
		t.Fatalf("got %q", res.Clean)
	}
}

func TestSanitize_StripsTimestampFragments(t *testing.T) {
	res := Sanitize("2024-03-01T10:15:00 running late")
	if res.Clean != "running late" {
		t.Fatalf("got %q", res.Clean)
	}
}

func TestSanitize_StatusOnlyLinesAreNoise(t *testing.T) {
	res := Sanitize("Sent: ok\nDelivered: 2024-01-01")
	if !res.NoiseOnly {
		t.Fatalf("expected noise only, got %q", res.Clean)
	}
}

func TestSanitize_WhitespaceOnly(t *testing.T) {
	res := Sanitize("   \n\t ")
	if !res.NoiseOnly {
		t.Fatal("whitespace should be noise only")
	}
}

func TestSanitize_StatusWordInsideSentenceKept(t *testing.T) {
	// "sent" as a normal word must not trigger the bare-token rule.
	res := Sanitize("I sent you the photos")
	if res.NoiseOnly || res.Clean != "I sent you the photos" {
		t.Fatalf("got noise=%v clean=%q", res.NoiseOnly, res.Clean)
	}
}
