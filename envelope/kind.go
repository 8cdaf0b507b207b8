package envelope

import (
	"fmt"
	"strings"
)

// Kind discriminates the typed payload variants of an envelope. Each kind
// owns the validation contract for its mandatory metadata fields. New
// variants are added by extending the enumeration, its prefix table, and
// its validator, not by probing metadata shapes at dispatch time.
type Kind int

const (
	// KindBase is the plain envelope with no extra metadata contract.
	KindBase Kind = iota
	// KindChat requires metadata.messages: a non-empty sequence of
	// {role, content} objects with non-empty string fields.
	KindChat
	// KindVoice requires metadata.phone (non-empty string);
	// metadata.objective is optional.
	KindVoice
	// KindTask carries free-form task metadata (commands, description)
	// with no stricter contract.
	KindTask
)

func (k Kind) String() string {
	switch k {
	case KindChat:
		return "chat"
	case KindVoice:
		return "voice"
	case KindTask:
		return "task"
	default:
		return "base"
	}
}

// kindPrefixes maps routing-key prefixes to payload kinds. First match wins;
// unmatched types are KindBase.
var kindPrefixes = []struct {
	prefix string
	kind   Kind
}{
	{"llm.chat", KindChat},
	{"voice.call", KindVoice},
	{"worker.task", KindTask},
}

// KindForType derives the payload kind from the dotted routing key.
func KindForType(eventType string) Kind {
	for _, entry := range kindPrefixes {
		if strings.HasPrefix(eventType, entry.prefix) {
			return entry.kind
		}
	}
	return KindBase
}

// validate applies the kind's metadata contract.
func (k Kind) validate(meta map[string]any) error {
	switch k {
	case KindChat:
		return validateChat(meta)
	case KindVoice:
		return validateVoice(meta)
	default:
		// KindBase and KindTask have no metadata contract.
		return nil
	}
}

func validateChat(meta map[string]any) error {
	raw, ok := meta["messages"]
	if !ok || raw == nil {
		return &ValidationError{Field: "metadata.messages", Reason: "is required for chat events"}
	}
	seq, ok := asSequence(raw)
	if !ok {
		return &ValidationError{Field: "metadata.messages", Reason: "must be a sequence"}
	}
	if len(seq) == 0 {
		return &ValidationError{Field: "metadata.messages", Reason: "must not be empty"}
	}
	for i, item := range seq {
		msg, ok := item.(map[string]any)
		if !ok {
			return &ValidationError{
				Field:  fmt.Sprintf("metadata.messages[%d]", i),
				Reason: "must be an object",
			}
		}
		for _, field := range []string{"role", "content"} {
			s, ok := msg[field].(string)
			if !ok || s == "" {
				return &ValidationError{
					Field:  fmt.Sprintf("metadata.messages[%d].%s", i, field),
					Reason: "must be a non-empty string",
				}
			}
		}
	}
	return nil
}

func validateVoice(meta map[string]any) error {
	phone, ok := meta["phone"].(string)
	if !ok || phone == "" {
		return &ValidationError{Field: "metadata.phone", Reason: "must be a non-empty string"}
	}
	if raw, present := meta["objective"]; present && raw != nil {
		if _, ok := raw.(string); !ok {
			return &ValidationError{Field: "metadata.objective", Reason: "must be a string"}
		}
	}
	return nil
}
