package state

import (
	"strings"
	"testing"
	"time"
)

func TestValidateKey(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		wantErr bool
	}{
		{"simple", "swarm", false},
		{"dotted", "swarm.workers.abc-123", false},
		{"empty", "", true},
		{"space", "swarm workers", true},
		{"wildcard", "swarm.*", true},
		{"nats wildcard", "swarm.>", true},
		{"leading dot", ".swarm", true},
		{"trailing dot", "swarm.", true},
		{"too long", strings.Repeat("k", 1025), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateKey(tt.key)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateKey(%q) error = %v, wantErr %v", tt.key, err, tt.wantErr)
			}
		})
	}
}

func TestValidateTTL(t *testing.T) {
	if ValidateTTL(0) != nil || ValidateTTL(time.Second) != nil {
		t.Error("zero and positive TTLs should be valid")
	}
	if ValidateTTL(-time.Second) != ErrInvalidTTL {
		t.Error("negative TTL should be invalid")
	}
}

func TestMatchPattern(t *testing.T) {
	tests := []struct {
		pattern, key string
		want         bool
	}{
		{"*", "anything", true},
		{"swarm.results.*", "swarm.results.t1", true},
		{"swarm.results.*", "swarm.workers.w1", false},
		{"swarm.results.t1", "swarm.results.t1", true},
		{"swarm.results.t1", "swarm.results.t10", false},
	}
	for _, tt := range tests {
		if got := MatchPattern(tt.pattern, tt.key); got != tt.want {
			t.Errorf("MatchPattern(%q, %q) = %v, want %v", tt.pattern, tt.key, got, tt.want)
		}
	}
}
