// Package extract recovers a structured JSON result from an agent's raw log.
//
// Logs are newline-delimited streaming envelopes, optionally prefixed by the
// log multiplexer with "name   | " or "[unixMillis]name| ". Each provider
// wraps its answer differently; an Adapter pulls the candidate payload out of
// one envelope and the scan loop keeps the last object that parses.
package extract

import (
	"encoding/json"
	"regexp"
	"strings"
	"sync"
)

// Envelope is one decoded line of provider output.
type Envelope map[string]any

// Candidate is the payload an adapter found in an envelope. Object is set
// when the envelope already carries a decoded result.
type Candidate struct {
	Text   string
	Object map[string]any
	Delta  bool
}

type Adapter interface {
	Name() string
	Matches(provider string) bool
	Candidate(env Envelope) (Candidate, bool)
}

var (
	mu       sync.RWMutex
	adapters = []Adapter{geminiAdapter{}, opencodeAdapter{}, claudeAdapter{}}
)

// Register adds an adapter ahead of the built-in ones.
func Register(a Adapter) {
	mu.Lock()
	defer mu.Unlock()
	adapters = append([]Adapter{a}, adapters...)
}

// AdapterFor returns the adapter handling provider, or the generic fallback.
func AdapterFor(provider string) Adapter {
	p := strings.ToLower(strings.TrimSpace(provider))
	mu.RLock()
	defer mu.RUnlock()
	for _, a := range adapters {
		if a.Matches(p) {
			return a
		}
	}
	return genericAdapter{}
}

var prefixRe = regexp.MustCompile(`^(?:\[\d+\])?(?:[\w.@:/-]+[ \t]*\|[ \t]?)?`)

// StripPrefix removes a log multiplexing prefix, if any.
func StripPrefix(line string) string {
	return prefixRe.ReplaceAllString(line, "")
}

// Extract scans raw output and returns the last structured object found, or nil.
//
// A candidate that parses on its own wins and resets the pending buffer.
// Otherwise a non-delta candidate starts a new buffer and delta candidates
// are appended to it. After each chunk the buffer is parsed from its first
// "{", then from the start of every buffered chunk that opened an object.
func Extract(raw, provider string) map[string]any {
	adapter := AdapterFor(provider)

	var result map[string]any
	var buf strings.Builder
	var starts []int

	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(StripPrefix(strings.TrimRight(line, "\r")))
		if !strings.HasPrefix(line, "{") {
			continue
		}

		var env Envelope
		if err := json.Unmarshal([]byte(line), &env); err != nil {
			continue
		}

		c, ok := adapter.Candidate(env)
		if !ok {
			continue
		}
		if c.Object != nil {
			result = c.Object
			buf.Reset()
			starts = nil
			continue
		}
		if obj, ok := ParseObject(c.Text); ok {
			result = obj
			buf.Reset()
			starts = nil
			continue
		}
		if !c.Delta {
			buf.Reset()
			starts = nil
		}

		if strings.HasPrefix(strings.TrimSpace(c.Text), "{") {
			starts = append(starts, buf.Len())
		}
		buf.WriteString(c.Text)
		if obj, ok := parseBuffered(buf.String(), starts); ok {
			result = obj
			buf.Reset()
			starts = nil
		}
	}

	return result
}

func parseBuffered(s string, starts []int) (map[string]any, bool) {
	first := strings.Index(s, "{")
	if first < 0 {
		return nil, false
	}
	if obj, ok := ParseObject(s[first:]); ok {
		return obj, true
	}
	for _, i := range starts {
		if i <= first {
			continue
		}
		if obj, ok := ParseObject(s[i:]); ok {
			return obj, true
		}
	}
	return nil, false
}

// ParseObject parses s as a JSON object, tolerating surrounding markdown fences.
func ParseObject(s string) (map[string]any, bool) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
		s = strings.TrimSpace(s)
	}
	if !strings.HasPrefix(s, "{") {
		return nil, false
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(s), &obj); err != nil {
		return nil, false
	}
	if obj == nil {
		return nil, false
	}
	return obj, true
}
