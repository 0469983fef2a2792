package principal_test

import (
	"context"
	"testing"

	"github.com/edubridge/ltiauth/pkg/lti/principal"
)

func TestLookupPlatformFallback(t *testing.T) {
	exact := &principal.Platform{PlatformID: "https://p.example.edu", ClientID: "c1", DeploymentID: "d1"}
	client := &principal.Platform{PlatformID: "https://p.example.edu", ClientID: "c1"}
	issuer := &principal.Platform{PlatformID: "https://p.example.edu"}
	reg := principal.NewMemoryRegistry(exact, client, issuer)
	ctx := context.Background()

	got, err := principal.LookupPlatform(ctx, reg, "https://p.example.edu", "c1", "d1")
	if err != nil || got != exact {
		t.Fatalf("exact: got %v err %v", got, err)
	}
	got, err = principal.LookupPlatform(ctx, reg, "https://p.example.edu", "c1", "d-other")
	if err != nil || got != client {
		t.Fatalf("deployment fallback: got %v err %v", got, err)
	}
	got, err = principal.LookupPlatform(ctx, reg, "https://p.example.edu", "c-other", "")
	if err != nil || got != issuer {
		t.Fatalf("issuer fallback: got %v err %v", got, err)
	}
	if _, err = principal.LookupPlatform(ctx, reg, "https://other.example.edu", "", ""); err != principal.ErrNotFound {
		t.Fatalf("unknown issuer: err %v", err)
	}
}

func TestFindByConsumerKey(t *testing.T) {
	p := &principal.Platform{Principal: principal.Principal{Key: "key-1", Secret: "s3cret"}}
	reg := principal.NewMemoryRegistry(p)

	got, err := reg.FindByConsumerKey(context.Background(), "key-1")
	if err != nil || got != p {
		t.Fatalf("got %v err %v", got, err)
	}
	if _, err := reg.FindByConsumerKey(context.Background(), "nope"); err != principal.ErrNotFound {
		t.Fatalf("err %v", err)
	}
}

func TestUsesJWT(t *testing.T) {
	cases := map[string]bool{
		principal.MethodHMACSHA1:   false,
		principal.MethodHMACSHA256: false,
		principal.MethodRS256:      true,
		principal.MethodRS512:      true,
		// Anything that is not explicitly HMAC signs JWTs.
		"": true,
	}
	for method, want := range cases {
		p := principal.Principal{SignatureMethod: method}
		if p.UsesJWT() != want {
			t.Errorf("%s: UsesJWT=%v", method, p.UsesJWT())
		}
	}
}

func TestAcceptsRedirect(t *testing.T) {
	open := principal.Tool{BaseURL: "https://tool.example.edu/"}
	if !open.AcceptsRedirect("https://tool.example.edu/launch") {
		t.Error("base URL prefix should be accepted when no URIs are registered")
	}
	if open.AcceptsRedirect("https://evil.example.edu/launch") {
		t.Error("foreign URL accepted")
	}

	strict := principal.Tool{RedirectURIs: []string{"https://tool.example.edu/launch"}}
	if !strict.AcceptsRedirect("https://tool.example.edu/launch") {
		t.Error("registered URI refused")
	}
	if strict.AcceptsRedirect("https://tool.example.edu/other") {
		t.Error("unregistered URI accepted")
	}
}
