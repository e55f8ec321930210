package commands

import (
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"
)

//go:embed replies.yaml
var defaultRepliesYAML []byte

// Replies holds the reply templates of the built-in commands.
type Replies struct {
	Menu           string   `yaml:"menu"`
	Download       string   `yaml:"download"`
	Games          string   `yaml:"games"`
	AIHelp         string   `yaml:"aiHelp"`
	AIAnswer       string   `yaml:"aiAnswer"`
	Sticker        string   `yaml:"sticker"`
	Voice          string   `yaml:"voice"`
	Info           string   `yaml:"info"`
	Pinging        string   `yaml:"pinging"`
	Pong           string   `yaml:"pong"`
	Owner          string   `yaml:"owner"`
	PairUsage      string   `yaml:"pairUsage"`
	PairRequesting string   `yaml:"pairRequesting"`
	PairSuccess    string   `yaml:"pairSuccess"`
	PairFailure    string   `yaml:"pairFailure"`
	QR             string   `yaml:"qr"`
	Welcome        string   `yaml:"welcome"`
	Apology        string   `yaml:"apology"`
	Greetings      []string `yaml:"greetings"`
}

// Vars are the fields available to reply templates.
type Vars struct {
	BotName     string
	Version     string
	Domain      string
	Owner       string
	OwnerNumber string
	Name        string
	Question    string
	Code        string
	Number      string
	Error       string
	Time        string
	Users       int
	LatencyMS   int64
}

// DefaultReplies returns the embedded reply set.
func DefaultReplies() *Replies {
	var r Replies
	if err := yaml.Unmarshal(defaultRepliesYAML, &r); err != nil {
		panic(fmt.Sprintf("commands: embedded replies.yaml: %v", err))
	}
	return &r
}

// LoadReplies overlays the YAML file at path onto the defaults. Keys absent
// from the file keep their default text. An empty path returns defaults.
func LoadReplies(path string) (*Replies, error) {
	r := DefaultReplies()
	if path == "" {
		return r, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read replies: %w", err)
	}
	if err := yaml.Unmarshal(data, r); err != nil {
		return nil, fmt.Errorf("parse replies %s: %w", path, err)
	}
	return r, nil
}

// Render executes tmpl with v. A broken template is logged and returned
// verbatim so the user still gets an answer.
func Render(tmpl string, v Vars) string {
	t, err := template.New("reply").Option("missingkey=zero").Parse(tmpl)
	if err != nil {
		slog.Warn("commands: bad reply template", "error", err)
		return tmpl
	}
	var b strings.Builder
	if err := t.Execute(&b, v); err != nil {
		slog.Warn("commands: reply template failed", "error", err)
		return tmpl
	}
	return strings.TrimRight(b.String(), "\n")
}
