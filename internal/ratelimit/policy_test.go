package ratelimit

import (
	"context"
	"errors"
	"testing"
)

// TestRejectPolicies verifies each policy mode.
func TestRejectPolicies(t *testing.T) {
	ctx := context.Background()
	info := Info{Route: "/channels/:id/messages", Method: "POST"}

	tests := []struct {
		name   string
		policy RejectPolicy
		want   bool
	}{
		{"zero value", RejectPolicy{}, false},
		{"none", RejectNone(), false},
		{"all", RejectAll(), true},
		{"matching prefix", RejectRoutes("/channels"), true},
		{"prefix is lowercased", RejectRoutes("/CHANNELS/:id"), true},
		{"other prefix", RejectRoutes("/guilds"), false},
		{"predicate", RejectFunc(func(_ context.Context, i Info) (bool, error) { return i.Method == "POST", nil }), true},
		{"nil predicate", RejectFunc(nil), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.policy.ShouldReject(ctx, info)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("ShouldReject = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestRejectFuncError verifies predicate errors propagate.
func TestRejectFuncError(t *testing.T) {
	boom := errors.New("boom")
	p := RejectFunc(func(context.Context, Info) (bool, error) { return false, boom })
	if _, err := p.ShouldReject(context.Background(), Info{}); !errors.Is(err, boom) {
		t.Errorf("expected predicate error, got %v", err)
	}
}

// TestParseRejectPolicy verifies the config file forms.
func TestParseRejectPolicy(t *testing.T) {
	for raw, want := range map[string]string{
		"":                  "none",
		"none":              "none",
		"ALL":               "all",
		"/channels,/guilds": "/channels,/guilds",
	} {
		p, err := ParseRejectPolicy(raw)
		if err != nil {
			t.Fatalf("ParseRejectPolicy(%q): %v", raw, err)
		}
		if p.String() != want {
			t.Errorf("ParseRejectPolicy(%q) = %q, want %q", raw, p.String(), want)
		}
	}

	if _, err := ParseRejectPolicy("sometimes"); err == nil {
		t.Error("expected error for unknown policy")
	}
}
