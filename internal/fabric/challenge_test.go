package fabric_test

import (
	"net/http"
	"testing"

	"github.com/Dmitry19794/tproxy/internal/errs"
	"github.com/Dmitry19794/tproxy/internal/fabric"
)

func TestDetectChallengeServerHeader(t *testing.T) {
	h := http.Header{}
	h.Set("Server", "cloudflare")
	h.Set("cf-mitigated", "challenge")
	if !fabric.DetectChallenge(h, nil) {
		t.Fatalf("expected challenge detection on cloudflare+cf-mitigated")
	}
}

func TestDetectChallengeRequiresBothConditions(t *testing.T) {
	h := http.Header{}
	h.Set("Server", "cloudflare")
	if fabric.DetectChallenge(h, nil) {
		t.Fatalf("should not detect challenge from Server header alone")
	}
}

func TestDetectChallengeBodyMarker(t *testing.T) {
	h := http.Header{}
	if !fabric.DetectChallenge(h, []byte("<div class=cf-challenge-form>")) {
		t.Fatalf("expected challenge detection from body marker")
	}
}

func TestRedirectChainLoopDetection(t *testing.T) {
	chain := fabric.NewChallengeTracker()
	chain.StartRedirectChain("conn1", "https://a.example/")
	if err := chain.AddRedirect("conn1", "https://a.example/", "https://b.example/", 302); err != nil {
		t.Fatalf("first redirect should succeed: %v", err)
	}
	err := chain.AddRedirect("conn1", "https://b.example/", "https://a.example/", 302)
	if err == nil {
		t.Fatalf("expected loop to be detected when a hop returns to the original URL")
	}
}

func TestRedirectChainTooMany(t *testing.T) {
	tracker := fabric.NewChallengeTracker()
	tracker.StartRedirectChain("conn1", "https://a.example/0")
	var lastErr error
	for i := 0; i < 11; i++ {
		lastErr = tracker.AddRedirect("conn1", "https://a.example/"+string(rune('0'+i)), "https://a.example/"+string(rune('1'+i)), 302)
	}
	if !errs.Is(lastErr, errs.KindValidation) {
		t.Fatalf("expected a validation error after exceeding redirect cap, got %v", lastErr)
	}
}

func TestExtractChallengeCookies(t *testing.T) {
	cookies := fabric.ExtractChallengeCookies("cf_clearance=abc123; Path=/; Secure")
	if cookies["cf_clearance"] != "abc123" {
		t.Fatalf("ExtractChallengeCookies() = %+v, want cf_clearance=abc123", cookies)
	}
}
