package stt

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"unicode"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/fault"
)

// ModelExtensions are the file types whisper-cli loads models from.
var ModelExtensions = []string{".bin", ".gguf"}

// ModelsDir is where selectable model files live for cfg.
func ModelsDir(cfg config.STTConfig) string {
	if cfg.ModelsDir != "" {
		return cfg.ModelsDir
	}
	if cfg.ModelPath == "" {
		return ""
	}
	return filepath.Dir(cfg.ModelPath)
}

// ListModels returns the model file names in dir, sorted. A missing
// directory has no models.
func ListModels(dir string) ([]string, error) {
	if dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fault.Wrap(fault.ProcessingFailed, "list models", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !slices.Contains(ModelExtensions, strings.ToLower(filepath.Ext(e.Name()))) {
			continue
		}
		out = append(out, e.Name())
	}
	slices.Sort(out)
	return out, nil
}

// ResolveModel maps a model file name from ListModels onto its path in dir.
// Names must not carry a directory part.
func ResolveModel(dir, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" || name != filepath.Base(name) || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return "", fault.New(fault.InvalidInput, "resolve model", "invalid model name "+name)
	}
	if !slices.Contains(ModelExtensions, strings.ToLower(filepath.Ext(name))) {
		return "", fault.New(fault.InvalidInput, "resolve model", "not a model file "+name)
	}
	path := filepath.Join(dir, name)
	if info, err := os.Stat(path); err != nil || info.IsDir() {
		return "", fault.New(fault.NotFound, "resolve model", "unknown model "+name)
	}
	return path, nil
}

// ValidLanguage reports whether code looks like a whisper language code,
// e.g. "de", "en" or "auto".
func ValidLanguage(code string) bool {
	if code == "" || len(code) > 8 {
		return false
	}
	for _, r := range code {
		if r > unicode.MaxASCII || !unicode.IsLower(r) {
			return false
		}
	}
	return true
}
