package validation

import (
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"
)

// Константы валидации
const (
	MinDisputeReasonLength       = 10
	MaxDisputeReasonLength       = 2000
	MinEvidenceDescriptionLength = 3
	MaxEvidenceDescriptionLength = 2000
	MinRationaleLength           = 5
	MaxRationaleLength           = 2000
	MaxCloseNoteLength           = 1000
	MaxTransferDescriptionLength = 255
	MaxIdempotencyKeyLength      = 128
	MaxFileURLLength             = 500
)

// ValidateLength проверяет длину строки.
func ValidateLength(fieldName, value string, min, max int) error {
	length := utf8.RuneCountInString(value)
	if min > 0 && length < min {
		return fmt.Errorf("%s должен быть не менее %d символов", fieldName, min)
	}
	if max > 0 && length > max {
		return fmt.Errorf("%s должен быть не более %d символов", fieldName, max)
	}
	return nil
}

// ValidateNonEmpty проверяет, что строка не пустая.
func ValidateNonEmpty(fieldName, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%s не может быть пустым", fieldName)
	}
	return nil
}

// ValidateDisputeReason проверяет причину спора.
func ValidateDisputeReason(reason string) error {
	if err := ValidateNonEmpty("причина спора", reason); err != nil {
		return err
	}
	return ValidateLength("причина спора", strings.TrimSpace(reason), MinDisputeReasonLength, MaxDisputeReasonLength)
}

// ValidateEvidenceDescription проверяет описание доказательства.
func ValidateEvidenceDescription(description string) error {
	if err := ValidateNonEmpty("описание доказательства", description); err != nil {
		return err
	}
	return ValidateLength("описание доказательства", strings.TrimSpace(description), MinEvidenceDescriptionLength, MaxEvidenceDescriptionLength)
}

// ValidateRationale проверяет обоснование решения по спору.
func ValidateRationale(rationale string) error {
	if err := ValidateNonEmpty("обоснование", rationale); err != nil {
		return err
	}
	return ValidateLength("обоснование", strings.TrimSpace(rationale), MinRationaleLength, MaxRationaleLength)
}

// ValidateCloseNote проверяет комментарий к закрытию спора.
func ValidateCloseNote(note string) error {
	return ValidateLength("комментарий", strings.TrimSpace(note), 0, MaxCloseNoteLength)
}

// ValidateIdempotencyKey проверяет ключ идемпотентности клиента. Пустой ключ допустим.
func ValidateIdempotencyKey(key string) error {
	if key == "" {
		return nil
	}
	if strings.ContainsAny(key, " \t\n") {
		return fmt.Errorf("ключ идемпотентности не должен содержать пробелов")
	}
	return ValidateLength("ключ идемпотентности", key, 1, MaxIdempotencyKeyLength)
}

// ValidateFileURL проверяет ссылку на файл доказательства.
func ValidateFileURL(link *string) error {
	if link == nil || *link == "" {
		return nil
	}
	linkStr := strings.TrimSpace(*link)

	if err := ValidateLength("ссылка на файл", linkStr, 0, MaxFileURLLength); err != nil {
		return err
	}

	// Локальные загрузки хранятся по относительному пути
	if strings.HasPrefix(linkStr, "/") && !strings.HasPrefix(linkStr, "//") {
		if strings.Contains(linkStr, "..") {
			return fmt.Errorf("некорректный путь к файлу")
		}
		return nil
	}

	parsedURL, err := url.Parse(linkStr)
	if err != nil {
		return fmt.Errorf("некорректный формат URL")
	}
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return fmt.Errorf("ссылка должна начинаться с http:// или https://")
	}
	if parsedURL.Host == "" {
		return fmt.Errorf("ссылка должна содержать доменное имя")
	}
	return nil
}
