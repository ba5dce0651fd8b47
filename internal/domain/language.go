package domain

import (
	"fmt"
	"strings"
)

// LanguageID identifies a supported submission language. The set is closed:
// fixtures and submissions naming any other language are rejected.
type LanguageID string

const (
	LanguageJavaScript LanguageID = "javascript"
	LanguageTypeScript LanguageID = "typescript"
	LanguagePython     LanguageID = "python"
	LanguageJava       LanguageID = "java"
	LanguageCPP        LanguageID = "cpp"
	LanguageC          LanguageID = "c"
	LanguageGo         LanguageID = "go"
)

// Languages lists every accepted LanguageID in a stable order.
func Languages() []LanguageID {
	return []LanguageID{
		LanguageJavaScript,
		LanguageTypeScript,
		LanguagePython,
		LanguageJava,
		LanguageCPP,
		LanguageC,
		LanguageGo,
	}
}

// IsValid reports whether l is part of the closed language set.
func (l LanguageID) IsValid() bool {
	switch l {
	case LanguageJavaScript, LanguageTypeScript, LanguagePython,
		LanguageJava, LanguageCPP, LanguageC, LanguageGo:
		return true
	}
	return false
}

func (l LanguageID) String() string {
	return string(l)
}

// ParseLanguage converts a string to a LanguageID. Common aliases used by
// front ends ("js", "py", "c++", "golang") are accepted.
func ParseLanguage(s string) (LanguageID, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "javascript", "js", "node":
		return LanguageJavaScript, nil
	case "typescript", "ts":
		return LanguageTypeScript, nil
	case "python", "py", "python3":
		return LanguagePython, nil
	case "java":
		return LanguageJava, nil
	case "cpp", "c++", "cxx":
		return LanguageCPP, nil
	case "c":
		return LanguageC, nil
	case "go", "golang":
		return LanguageGo, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedLanguage, s)
}

// SourceTemplate is per-language starter code shown to the learner.
type SourceTemplate string
