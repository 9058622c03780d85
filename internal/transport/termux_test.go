package transport

import (
	"encoding/json"
	"testing"
	"time"
)

func TestNormalizeNumber(t *testing.T) {
	cases := map[string]string{
		"+1 (555) 123-4567": "+15551234567",
		"555.123.4567":      "5551234567",
		"+49 170 1234567":   "+491701234567",
		"  +15551234567  ":  "+15551234567",
	}
	for in, want := range cases {
		if got := NormalizeNumber(in); got != want {
			t.Fatalf("NormalizeNumber(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNormalizeNumber_NonNumericFallsThrough(t *testing.T) {
	if got := NormalizeNumber("alphanumeric-sender"); got == "" {
		t.Fatal("alphanumeric sender ids must not normalize to empty")
	}
}

func TestMaskNumber(t *testing.T) {
	if got := MaskNumber("+15551234567"); got != "********4567" {
		t.Fatalf("got %q", got)
	}
	if got := MaskNumber("123"); got != "****" {
		t.Fatalf("short numbers must be fully masked, got %q", got)
	}
}

func TestDedupKey_DistinguishesMessages(t *testing.T) {
	a := dedupKey("+1555", "2024-01-01 10:00", "hello")
	b := dedupKey("+1555", "2024-01-01 10:00", "hello")
	c := dedupKey("+1555", "2024-01-01 10:01", "hello")
	if a != b {
		t.Fatal("identical messages must produce identical keys")
	}
	if a == c {
		t.Fatal("different timestamps must produce different keys")
	}
}

func TestParseReceived(t *testing.T) {
	ts := parseReceived("2024-03-05 14:30:15")
	if ts.Year() != 2024 || ts.Minute() != 30 || ts.Second() != 15 {
		t.Fatalf("got %v", ts)
	}
	ts = parseReceived("2024-03-05 14:30")
	if ts.Hour() != 14 || ts.Second() != 0 {
		t.Fatalf("got %v", ts)
	}
	// Unparseable input falls back to roughly now.
	if d := time.Since(parseReceived("garbage")); d < 0 || d > time.Minute {
		t.Fatalf("fallback not near now: %v", d)
	}
}

func TestTermuxSMS_JSONShape(t *testing.T) {
	raw := `[
	  {"threadid": 5, "type": "inbox", "read": false, "number": "+1 555-123-4567",
	   "received": "2024-03-05 14:30", "body": "you around?"},
	  {"threadid": 5, "type": "sent", "read": true, "number": "+1 555-123-4567",
	   "received": "2024-03-05 14:31", "body": "yes"}
	]`
	var msgs []termuxSMS
	if err := json.Unmarshal([]byte(raw), &msgs); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages", len(msgs))
	}
	if msgs[0].Body != "you around?" || msgs[0].Type != "inbox" {
		t.Fatalf("bad parse: %+v", msgs[0])
	}
	if msgs[1].Type != "sent" {
		t.Fatalf("bad parse: %+v", msgs[1])
	}
}
