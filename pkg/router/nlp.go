// Copyright 2026 © The Nexus Authors
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/nexuslabs/nexus/pkg/errors"
)

// Interpreter resolves free text to a registered command by keyword
// matching. It is deliberately dumb: a model-backed resolver would be a
// plugin tool, not core.
type Interpreter struct {
	mu      sync.RWMutex
	intents map[string][]string // command -> keywords
}

// Match is one interpretation candidate.
type Match struct {
	Command    string
	Confidence float64
}

// NewInterpreter creates an empty interpreter.
func NewInterpreter() *Interpreter {
	return &Interpreter{intents: make(map[string][]string)}
}

// Learn associates keywords with a command. Repeated calls accumulate.
func (i *Interpreter) Learn(command string, keywords ...string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" {
			i.intents[command] = append(i.intents[command], kw)
		}
	}
}

// LearnCommands seeds intents from command listings: the command name's
// segments and its description words become keywords.
func (i *Interpreter) LearnCommands(infos []CommandInfo) {
	for _, info := range infos {
		keywords := tokenize(strings.ReplaceAll(info.Name, ".", " "))
		keywords = append(keywords, tokenize(info.Description)...)
		i.Learn(info.Name, keywords...)
	}
}

// Interpret scores every known command against the text and returns the
// best match. ok is false when nothing matched at all.
func (i *Interpreter) Interpret(text string) (Match, bool) {
	tokens := tokenize(text)
	if len(tokens) == 0 {
		return Match{}, false
	}
	present := make(map[string]struct{}, len(tokens))
	for _, tok := range tokens {
		present[tok] = struct{}{}
	}

	i.mu.RLock()
	defer i.mu.RUnlock()

	best := Match{}
	// Deterministic tie-breaking: iterate commands in sorted order.
	commands := make([]string, 0, len(i.intents))
	for cmd := range i.intents {
		commands = append(commands, cmd)
	}
	sort.Strings(commands)

	for _, cmd := range commands {
		keywords := i.intents[cmd]
		if len(keywords) == 0 {
			continue
		}
		hits := 0
		for _, kw := range keywords {
			if _, ok := present[kw]; ok {
				hits++
			}
		}
		if hits == 0 {
			continue
		}
		confidence := float64(hits) / float64(len(keywords))
		if confidence > best.Confidence {
			best = Match{Command: cmd, Confidence: confidence}
		}
	}
	return best, best.Command != ""
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

// stopwords never decide an interpretation on their own.
var stopwords = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "my": {}, "please": {}, "to": {}, "of": {},
	"for": {}, "me": {}, "i": {}, "want": {}, "show": {},
}

// RegisterInterpreter exposes the interpreter as the "interpret" built-in:
// args {"text": string} resolve to {"command", "confidence"}.
func (r *Router) RegisterInterpreter(i *Interpreter) {
	r.Register("interpret", "Resolve free text to a command.", true,
		func(_ context.Context, cmd Command) (any, error) {
			text, _ := cmd.Args["text"].(string)
			if strings.TrimSpace(text) == "" {
				return nil, errors.New(errors.CodeInvalidInput, "interpret requires a text argument", nil)
			}
			match, ok := i.Interpret(text)
			if !ok || onlyStopwords(match, text) {
				return nil, errors.New(errors.CodeCommandNotFound,
					fmt.Sprintf("no command matches %q", text), nil)
			}
			return map[string]any{
				"command":    match.Command,
				"confidence": match.Confidence,
			}, nil
		})
}

func onlyStopwords(match Match, text string) bool {
	for _, tok := range tokenize(text) {
		if _, stop := stopwords[tok]; !stop {
			return false
		}
	}
	return true
}
