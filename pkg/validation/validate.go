package validation

import (
	"errors"
	"fmt"
	"strings"

	"r3chat/pkg/models"
)

// Rules bounds user-supplied payloads. Zero values fall back to the
// defaults below.
type Rules struct {
	MaxContentLen int
	MaxTitleLen   int
	MaxFiles      int
}

var rules = Rules{}

func SetRules(r Rules) { rules = r }

func maxContent() int {
	if rules.MaxContentLen > 0 {
		return rules.MaxContentLen
	}
	return 32 * 1024
}

func maxTitle() int {
	if rules.MaxTitleLen > 0 {
		return rules.MaxTitleLen
	}
	return 256
}

func maxFiles() int {
	if rules.MaxFiles > 0 {
		return rules.MaxFiles
	}
	return 8
}

// ValidateMessage checks a user-authored message before it is stored.
func ValidateMessage(m models.Message) error {
	var errs []string
	if strings.TrimSpace(m.Content) == "" && len(m.FileIDs) == 0 {
		errs = append(errs, "content is required")
	}
	if len(m.Content) > maxContent() {
		errs = append(errs, fmt.Sprintf("content too long: %d > %d", len(m.Content), maxContent()))
	}
	switch m.Type {
	case "", models.TypeUser, models.TypeAI, models.TypeSystem:
	default:
		errs = append(errs, fmt.Sprintf("invalid type: %s", m.Type))
	}
	if len(m.FileIDs) > maxFiles() {
		errs = append(errs, fmt.Sprintf("too many files: %d > %d", len(m.FileIDs), maxFiles()))
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// ValidatePrompt checks the streaming endpoint's prompt field.
func ValidatePrompt(prompt string) error {
	if strings.TrimSpace(prompt) == "" {
		return errors.New("missing userMessage")
	}
	if len(prompt) > maxContent() {
		return fmt.Errorf("userMessage too long: %d > %d", len(prompt), maxContent())
	}
	return nil
}

// ValidateTitle checks a conversation title.
func ValidateTitle(title string) error {
	if len(title) > maxTitle() {
		return fmt.Errorf("title too long: %d > %d", len(title), maxTitle())
	}
	return nil
}
