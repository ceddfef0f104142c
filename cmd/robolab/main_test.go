package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/robolab/kernel/runtime"
)

func TestDetectLanguage(t *testing.T) {
	cases := map[string]runtime.Language{
		"drive.c":      runtime.LanguageC,
		"prog.wasm":    runtime.LanguageC,
		"drive.CPP":    runtime.LanguageCpp,
		"drive.py":     runtime.LanguagePython,
		"square.yaml":  runtime.LanguageGraphical,
		"square.json":  runtime.LanguageGraphical,
		"square.block": runtime.LanguageUnknown,
	}
	for file, want := range cases {
		got, err := detectLanguage("", file)
		if want == runtime.LanguageUnknown {
			assert.Error(t, err, file)
			continue
		}
		require.NoError(t, err, file)
		assert.Equal(t, want, got, file)
	}

	got, err := detectLanguage("python", "anything.c")
	require.NoError(t, err)
	assert.Equal(t, runtime.LanguagePython, got)

	_, err = detectLanguage("cobol", "x.c")
	assert.ErrorIs(t, err, runtime.ErrUnsupportedLanguage)
}
