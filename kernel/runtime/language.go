package runtime

import (
	"fmt"
	"strings"
)

// Language selects the runtime that executes a program.
type Language uint8

const (
	LanguageUnknown Language = iota
	LanguageC
	LanguageCpp
	LanguagePython
	LanguageGraphical
)

var languageNames = map[Language]string{
	LanguageUnknown:   "unknown",
	LanguageC:         "c",
	LanguageCpp:       "cpp",
	LanguagePython:    "python",
	LanguageGraphical: "graphical",
}

func (l Language) String() string {
	if name, ok := languageNames[l]; ok {
		return name
	}
	return fmt.Sprintf("language(%d)", uint8(l))
}

// Compiled reports whether programs in this language arrive as a compiled module.
func (l Language) Compiled() bool {
	return l == LanguageC || l == LanguageCpp
}

// ParseLanguage accepts the names used by the editor and the CLI.
func ParseLanguage(name string) (Language, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "c":
		return LanguageC, nil
	case "cpp", "c++", "cxx":
		return LanguageCpp, nil
	case "python", "py":
		return LanguagePython, nil
	case "graphical", "blocks", "block":
		return LanguageGraphical, nil
	default:
		return LanguageUnknown, fmt.Errorf("%w: %q", ErrUnsupportedLanguage, name)
	}
}
