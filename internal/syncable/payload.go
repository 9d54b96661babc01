package syncable

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	maxTitleLength   = 200
	maxContentLength = 100000
	dayLayout        = "2006-01-02"
)

// ErrInvalidPayload indicates that a payload does not match its kind.
var ErrInvalidPayload = errors.New("syncable: invalid payload")

// Mood labels offered by the mood selector.
const (
	MoodHappy   = "happy"
	MoodExcited = "excited"
	MoodNeutral = "neutral"
	MoodSad     = "sad"
	MoodAngry   = "angry"
)

var moodLabels = map[string]struct{}{
	MoodHappy:   {},
	MoodExcited: {},
	MoodNeutral: {},
	MoodSad:     {},
	MoodAngry:   {},
}

// JournalPayload holds the fields of a journal entry.
type JournalPayload struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

// MoodPayload holds the fields of a mood record.
type MoodPayload struct {
	Mood string `json:"mood"`
	Day  string `json:"day"`
}

// DayOf formats a time as a mood day.
func DayOf(t time.Time) string {
	return t.Format(dayLayout)
}

// NormalizePayload validates raw JSON against the kind and returns its canonical encoding.
func NormalizePayload(kind Kind, raw []byte) (string, error) {
	switch kind {
	case KindJournal:
		var payload JournalPayload
		if err := decodeStrict(raw, &payload); err != nil {
			return "", err
		}
		return EncodeJournal(payload)
	case KindMood:
		var payload MoodPayload
		if err := decodeStrict(raw, &payload); err != nil {
			return "", err
		}
		return EncodeMood(payload)
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}
}

// EncodeJournal validates and encodes a journal payload.
func EncodeJournal(payload JournalPayload) (string, error) {
	payload.Title = strings.TrimSpace(payload.Title)
	if utf8.RuneCountInString(payload.Title) > maxTitleLength {
		return "", fmt.Errorf("%w: title exceeds %d characters", ErrInvalidPayload, maxTitleLength)
	}
	if len(payload.Content) > maxContentLength {
		return "", fmt.Errorf("%w: content exceeds %d bytes", ErrInvalidPayload, maxContentLength)
	}
	if payload.Title == "" && strings.TrimSpace(payload.Content) == "" {
		return "", fmt.Errorf("%w: title or content required", ErrInvalidPayload)
	}
	return encode(payload)
}

// EncodeMood validates and encodes a mood payload.
func EncodeMood(payload MoodPayload) (string, error) {
	payload.Mood = strings.ToLower(strings.TrimSpace(payload.Mood))
	if _, ok := moodLabels[payload.Mood]; !ok {
		return "", fmt.Errorf("%w: unknown mood %q", ErrInvalidPayload, payload.Mood)
	}
	if _, err := time.Parse(dayLayout, payload.Day); err != nil {
		return "", fmt.Errorf("%w: day must be YYYY-MM-DD", ErrInvalidPayload)
	}
	return encode(payload)
}

// DecodeJournal parses a stored journal payload.
func DecodeJournal(payloadJSON string) (JournalPayload, error) {
	var payload JournalPayload
	if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
		return JournalPayload{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return payload, nil
}

// DecodeMood parses a stored mood payload.
func DecodeMood(payloadJSON string) (MoodPayload, error) {
	var payload MoodPayload
	if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
		return MoodPayload{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return payload, nil
}

func decodeStrict(raw []byte, target any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: empty", ErrInvalidPayload)
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

func encode(payload any) (string, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return string(encoded), nil
}
