package request

import (
	"bufio"
	"bytes"
	"math/rand"
	"os"
	"strings"
	"sync"
	"text/template"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// TemplateEngine renders request paths and bodies per iteration, so each
// virtual user can send varying payloads.
type TemplateEngine struct {
	fileCache map[string][]string
	mu        sync.RWMutex
	funcMap   template.FuncMap
}

// TemplateData is the execution context for one rendered request.
type TemplateData struct {
	User int
	UUID string
}

// NewTemplateEngine initializes the engine and its functions.
func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{
		fileCache: make(map[string][]string),
	}
	e.funcMap = template.FuncMap{
		"randomInt":    e.randomInt,
		"randomUUID":   e.randomUUID,
		"randomChoice": e.randomChoice,
		"randomLine":   e.randomLine,
		"uuid":         e.randomUUID, // Alias
	}
	return e
}

// Preprocess converts simple variables {{user}} to Go template syntax
// {{.User}} so spec authors don't need to know template internals.
func (e *TemplateEngine) Preprocess(input string) string {
	s := input
	s = strings.ReplaceAll(s, "{{user}}", "{{.User}}")
	s = strings.ReplaceAll(s, "{{uuid}}", "{{.UUID}}")
	s = strings.ReplaceAll(s, "{{requestID}}", "{{.UUID}}")
	return s
}

// Parse creates a new template with the engine's functions.
func (e *TemplateEngine) Parse(name, text string) (*template.Template, error) {
	readyText := e.Preprocess(text)
	return template.New(name).Funcs(e.funcMap).Parse(readyText)
}

// Execute runs the template with data.
func (e *TemplateEngine) Execute(t *template.Template, data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// --- Functions ---

func (e *TemplateEngine) randomInt(min, max int) int {
	return rand.Intn(max-min) + min
}

func (e *TemplateEngine) randomUUID() string {
	return uuid.New().String()
}

func (e *TemplateEngine) randomChoice(choices ...string) string {
	if len(choices) == 0 {
		return ""
	}
	return choices[rand.Intn(len(choices))]
}

func (e *TemplateEngine) randomLine(filename string) (string, error) {
	e.mu.RLock()
	lines, ok := e.fileCache[filename]
	e.mu.RUnlock()

	if ok {
		if len(lines) == 0 {
			return "", nil
		}
		return lines[rand.Intn(len(lines))], nil
	}

	// Lazy load
	e.mu.Lock()
	defer e.mu.Unlock()

	// Double check
	if lines, ok = e.fileCache[filename]; ok {
		if len(lines) == 0 {
			return "", nil
		}
		return lines[rand.Intn(len(lines))], nil
	}

	content, err := os.ReadFile(filename)
	if err != nil {
		return "", errors.Wrapf(err, "read template file %q", filename)
	}

	scanner := bufio.NewScanner(bytes.NewReader(content))
	var loaded []string
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			loaded = append(loaded, line)
		}
	}

	e.fileCache[filename] = loaded
	if len(loaded) == 0 {
		return "", nil
	}
	return loaded[rand.Intn(len(loaded))], nil
}
