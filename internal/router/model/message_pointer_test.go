package model

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestEffectiveDispatchModeDefaults(t *testing.T) {
	msg := &MessagePointer{ID: "m-1"}
	if msg.EffectiveDispatchMode() != DispatchModeBlockOnError {
		t.Errorf("Expected default BLOCK_ON_ERROR, got %s", msg.EffectiveDispatchMode())
	}

	msg.DispatchMode = DispatchModeImmediate
	if msg.EffectiveDispatchMode() != DispatchModeImmediate {
		t.Errorf("Expected IMMEDIATE, got %s", msg.EffectiveDispatchMode())
	}
}

func TestDeliveryBodyOmitsSecrets(t *testing.T) {
	msg := &MessagePointer{
		ID:              "m-1",
		PoolCode:        "POOL-A",
		AuthToken:       "super-secret-token",
		SigningSecret:   "signing-secret",
		MediationType:   MediationTypeHTTP,
		MediationTarget: "http://example.com/webhook",
		MessageGroupID:  "group-1",
	}

	body, err := msg.DeliveryBody()
	if err != nil {
		t.Fatalf("DeliveryBody failed: %v", err)
	}

	s := string(body)
	if strings.Contains(s, "super-secret-token") || strings.Contains(s, "signing-secret") {
		t.Errorf("Delivery body leaked secret material: %s", s)
	}

	var decoded map[string]any
	if err := json.Unmarshal(body, &decoded); err != nil {
		t.Fatalf("Delivery body is not valid JSON: %v", err)
	}
	if decoded["id"] != "m-1" || decoded["poolCode"] != "POOL-A" {
		t.Errorf("Delivery body missing routing fields: %v", decoded)
	}
}

func TestRedacted(t *testing.T) {
	msg := &MessagePointer{
		ID:            "m-1",
		AuthToken:     "secret",
		SigningSecret: "also-secret",
	}

	red := msg.Redacted()
	if red.AuthToken != "[REDACTED]" || red.SigningSecret != "[REDACTED]" {
		t.Errorf("Redacted copy still carries secrets: %+v", red)
	}
	if msg.AuthToken != "secret" {
		t.Error("Redacted must not mutate the original pointer")
	}

	empty := (&MessagePointer{ID: "m-2"}).Redacted()
	if empty.AuthToken != "" {
		t.Errorf("Empty secrets should stay empty, got %q", empty.AuthToken)
	}
}

func TestGetEffectiveDelaySeconds(t *testing.T) {
	intPtr := func(v int) *int { return &v }

	tests := []struct {
		name     string
		delay    *int
		expected int
	}{
		{"nil uses default", nil, DefaultDelaySeconds},
		{"zero uses default", intPtr(0), DefaultDelaySeconds},
		{"negative uses default", intPtr(-5), DefaultDelaySeconds},
		{"valid value", intPtr(120), 120},
		{"clamped to max", intPtr(99999), MaxDelaySeconds},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &MediationResponse{Ack: false, DelaySeconds: tt.delay}
			if got := r.GetEffectiveDelaySeconds(); got != tt.expected {
				t.Errorf("Expected %d, got %d", tt.expected, got)
			}
		})
	}
}
