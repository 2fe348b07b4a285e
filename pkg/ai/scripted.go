package ai

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"unicode/utf8"
)

// ScriptStep is one canned provider outcome. A non-nil Err is returned
// instead of Text.
type ScriptStep struct {
	Text string
	Err  error
}

// ScriptedGenerator replays canned responses in order and repeats the last
// one once the script runs out. It never touches the network, which makes
// it the provider for offline demos and tests.
type ScriptedGenerator struct {
	mu    sync.Mutex
	steps []ScriptStep
	calls []Request
}

func NewScriptedGenerator(steps ...ScriptStep) *ScriptedGenerator {
	return &ScriptedGenerator{steps: steps}
}

// NewScriptedGeneratorFromFile loads responses separated by lines holding
// only "---".
func NewScriptedGeneratorFromFile(path string) (*ScriptedGenerator, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read script: %w", err)
	}
	var steps []ScriptStep
	for _, chunk := range splitScript(string(data)) {
		steps = append(steps, ScriptStep{Text: chunk})
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("script %s has no responses", path)
	}
	return NewScriptedGenerator(steps...), nil
}

func splitScript(s string) []string {
	var out []string
	var cur []string
	flush := func() {
		if text := strings.TrimSpace(strings.Join(cur, "\n")); text != "" {
			out = append(out, text)
		}
		cur = cur[:0]
	}
	for _, line := range strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n") {
		if strings.TrimSpace(line) == "---" {
			flush()
			continue
		}
		cur = append(cur, line)
	}
	flush()
	return out
}

func (g *ScriptedGenerator) GenerateText(ctx context.Context, req Request) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, fatalError("scripted", err)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, req)
	if len(g.steps) == 0 {
		return Response{}, fatalError("scripted", fmt.Errorf("no scripted responses"))
	}
	idx := len(g.calls) - 1
	if idx >= len(g.steps) {
		idx = len(g.steps) - 1
	}
	step := g.steps[idx]
	if step.Err != nil {
		return Response{}, step.Err
	}
	return Response{
		Text:         step.Text,
		InputTokens:  approxTokens(req.System) + approxTokens(req.User),
		OutputTokens: approxTokens(step.Text),
	}, nil
}

// Calls returns the requests seen so far.
func (g *ScriptedGenerator) Calls() []Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Request(nil), g.calls...)
}

func approxTokens(s string) int {
	return (utf8.RuneCountInString(s) + 3) / 4
}
