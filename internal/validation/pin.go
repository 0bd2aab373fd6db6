package validation

import (
	"fmt"
	"unicode"
)

const (
	MinPinLength = 4
	MaxPinLength = 6
)

// weakPins легко подбираемые значения.
var weakPins = map[string]struct{}{
	"0000": {}, "1111": {}, "1234": {}, "4321": {},
	"000000": {}, "111111": {}, "123456": {}, "654321": {},
}

// ValidatePIN проверяет PIN кошелька.
// Требования:
// - от 4 до 6 цифр
// - не входит в список простых комбинаций
func ValidatePIN(pin string) error {
	if len(pin) < MinPinLength || len(pin) > MaxPinLength {
		return fmt.Errorf("PIN должен содержать от %d до %d цифр", MinPinLength, MaxPinLength)
	}
	for _, char := range pin {
		if !unicode.IsDigit(char) || char > unicode.MaxASCII {
			return fmt.Errorf("PIN должен состоять только из цифр")
		}
	}
	if _, weak := weakPins[pin]; weak {
		return fmt.Errorf("PIN слишком простой")
	}
	return nil
}
