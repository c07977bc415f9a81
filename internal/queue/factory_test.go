package queue

import "testing"

func TestParseQueueType(t *testing.T) {
	tests := []struct {
		input    string
		expected QueueType
		wantErr  bool
	}{
		{"SQS", QueueTypeSQS, false},
		{"sqs", QueueTypeSQS, false},
		{" Nats ", QueueTypeNATS, false},
		{"ACTIVEMQ", QueueTypeActiveMQ, false},
		{"activemq", QueueTypeActiveMQ, false},
		{"EMBEDDED", QueueTypeEmbedded, false},
		{"", QueueTypeEmbedded, false},
		{"kafka", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseQueueType(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Errorf("ParseQueueType(%q) expected error, got %q", tt.input, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseQueueType(%q) unexpected error: %v", tt.input, err)
			}
			if got != tt.expected {
				t.Errorf("ParseQueueType(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestFactoryTypePredicates(t *testing.T) {
	f := NewFactory(&Config{Type: "SQS"})
	if !f.IsSQS() || f.IsNATS() || f.IsEmbedded() || f.IsActiveMQ() {
		t.Errorf("Factory predicates wrong for SQS: %v", f.Type())
	}

	f = NewFactory(&Config{})
	if !f.IsEmbedded() {
		t.Error("Empty type should default to embedded")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Type != string(QueueTypeEmbedded) {
		t.Errorf("Expected embedded default, got %s", cfg.Type)
	}
	if cfg.SQS.MaxNumberOfMessages != 10 {
		t.Errorf("Expected SQS batch size 10, got %d", cfg.SQS.MaxNumberOfMessages)
	}
	if cfg.Embedded.QueueName == "" || cfg.Embedded.DatabasePath == "" {
		t.Error("Embedded broker defaults missing")
	}
}
