package match

import "testing"

func TestMatches(t *testing.T) {
	tests := []struct {
		name      string
		eventType string
		pattern   string
		want      bool
	}{
		{"exact", "llm.chat", "llm.chat", true},
		{"exact multi segment", "llm.chat.request", "llm.chat.request", true},
		{"trailing wildcard", "llm.chat.request", "llm.chat.*", true},
		{"middle wildcard", "llm.chat.request", "llm.*.request", true},
		{"no match", "llm.chat.request", "llm.chat.response", false},
		{"prefix wildcard", "llm.chat", "llm.*", true},
		{"full wildcard", "voice.call", "*", true},
		{"wildcard crosses dots", "llm.chat.request", "llm.*", true},
		{"wildcard matches empty run", "llm.chat.", "llm.chat.*", true},
		{"leading wildcard", "voice.call.started", "*.started", true},
		{"two wildcards", "llm.chat.request", "*.chat.*", true},
		{"no substring match", "llm.chat", "chat", false},
		{"case sensitive", "LLM.chat", "llm.chat", false},
		{"dot is literal", "llmxchat", "llm.chat", false},
		{"empty pattern", "llm.chat", "", false},
		{"empty event type", "", "*", true},
		{"both empty", "", "", true},
		{"pattern longer", "llm", "llm.chat", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Matches(tt.eventType, tt.pattern); got != tt.want {
				t.Errorf("Matches(%q, %q) = %v, want %v", tt.eventType, tt.pattern, got, tt.want)
			}
		})
	}
}

func TestMatchesIsPure(t *testing.T) {
	for i := 0; i < 3; i++ {
		if !Matches("llm.chat.request", "llm.*.request") {
			t.Fatal("result changed between calls")
		}
		if Matches("llm.chat.request", "llm.chat.response") {
			t.Fatal("result changed between calls")
		}
	}
}

func BenchmarkMatches(b *testing.B) {
	for i := 0; i < b.N; i++ {
		Matches("llm.chat.request", "llm.*.request")
	}
}
