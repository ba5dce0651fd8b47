package sandbox

import (
	"fmt"

	"github.com/felixgeelhaar/dojo/internal/domain"
)

// LanguageConfig describes how to build and run one language.
type LanguageConfig struct {
	DockerImage string
	SourceFile  string
	// CompileCommand is empty for languages without a compile phase.
	CompileCommand []string
	RunCommand     []string
	Env            []string
}

// Languages maps every supported language to its configuration.
type Languages map[domain.LanguageID]LanguageConfig

// Get returns the configuration for lang.
func (l Languages) Get(lang domain.LanguageID) (LanguageConfig, error) {
	cfg, ok := l[lang]
	if !ok {
		return LanguageConfig{}, fmt.Errorf("%w: %s", domain.ErrUnsupportedLanguage, lang)
	}
	return cfg, nil
}

// DefaultLanguages returns configurations for the closed language set.
func DefaultLanguages() Languages {
	return Languages{
		domain.LanguagePython: {
			DockerImage:    "python:3.12-alpine",
			SourceFile:     "main.py",
			CompileCommand: []string{"python3", "-m", "py_compile", "main.py"},
			RunCommand:     []string{"python3", "-S", "main.py"},
			Env:            []string{"PYTHONDONTWRITEBYTECODE=1", "PYTHONUNBUFFERED=1"},
		},
		domain.LanguageJavaScript: {
			DockerImage:    "node:22-alpine",
			SourceFile:     "main.js",
			CompileCommand: []string{"node", "--check", "main.js"},
			RunCommand:     []string{"node", "main.js"},
		},
		domain.LanguageTypeScript: {
			DockerImage:    "node:22-alpine",
			SourceFile:     "main.ts",
			CompileCommand: []string{"tsc", "--target", "es2022", "--module", "commonjs", "--outDir", "out", "main.ts"},
			RunCommand:     []string{"node", "out/main.js"},
		},
		domain.LanguageJava: {
			DockerImage:    "eclipse-temurin:21-alpine",
			SourceFile:     "Main.java",
			CompileCommand: []string{"javac", "-d", ".", "Main.java"},
			RunCommand:     []string{"java", "-Xss64m", "-XX:+UseSerialGC", "-cp", ".", "Main"},
		},
		domain.LanguageC: {
			DockerImage:    "gcc:13",
			SourceFile:     "main.c",
			CompileCommand: []string{"gcc", "-O2", "-std=c17", "-o", "main", "main.c", "-lm"},
			RunCommand:     []string{"./main"},
		},
		domain.LanguageCPP: {
			DockerImage:    "gcc:13",
			SourceFile:     "main.cpp",
			CompileCommand: []string{"g++", "-O2", "-std=c++17", "-o", "main", "main.cpp"},
			RunCommand:     []string{"./main"},
		},
		domain.LanguageGo: {
			DockerImage:    "golang:1.23-alpine",
			SourceFile:     "main.go",
			CompileCommand: []string{"go", "build", "-o", "main", "main.go"},
			RunCommand:     []string{"./main"},
			Env:            []string{"GOCACHE=$SCRATCH/.gocache", "GOFLAGS=-mod=mod", "CGO_ENABLED=0"},
		},
	}
}
