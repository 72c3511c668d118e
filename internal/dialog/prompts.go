package dialog

import (
	"bytes"
	"embed"
	"fmt"
	"os"
	"text/template"
)

//go:embed prompts/*.tmpl
var defaultPrompts embed.FS

// Prompts holds the parsed speaker and summary templates.
type Prompts struct {
	speaker *template.Template
	summary *template.Template
}

type speakerData struct {
	Roles    []string
	Previous string
	Sentence string
}

type summaryData struct {
	Dialog string
	Sex    string
}

// LoadPrompts parses the templates at the given paths, falling back to the
// built-in German prompts for any path left empty.
func LoadPrompts(speakerPath, summaryPath string) (*Prompts, error) {
	speaker, err := loadTemplate("speaker", speakerPath, "prompts/speaker.tmpl")
	if err != nil {
		return nil, err
	}
	summary, err := loadTemplate("summary", summaryPath, "prompts/summary.tmpl")
	if err != nil {
		return nil, err
	}
	return &Prompts{speaker: speaker, summary: summary}, nil
}

func loadTemplate(name, path, fallback string) (*template.Template, error) {
	var src []byte
	var err error
	if path != "" {
		src, err = os.ReadFile(path)
	} else {
		src, err = defaultPrompts.ReadFile(fallback)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s prompt: %w", name, err)
	}
	tmpl, err := template.New(name).Option("missingkey=error").Parse(string(src))
	if err != nil {
		return nil, fmt.Errorf("parse %s prompt: %w", name, err)
	}
	return tmpl, nil
}

func (p *Prompts) speakerPrompt(roles []string, previous, sentence string) (string, error) {
	var buf bytes.Buffer
	if err := p.speaker.Execute(&buf, speakerData{Roles: roles, Previous: previous, Sentence: sentence}); err != nil {
		return "", fmt.Errorf("render speaker prompt: %w", err)
	}
	return buf.String(), nil
}

func (p *Prompts) summaryPrompt(dialog, sex string) (string, error) {
	var buf bytes.Buffer
	if err := p.summary.Execute(&buf, summaryData{Dialog: dialog, Sex: sex}); err != nil {
		return "", fmt.Errorf("render summary prompt: %w", err)
	}
	return buf.String(), nil
}
