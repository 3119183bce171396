package runner

import (
	"fmt"
	"strings"
)

const containerWorkdir = "/workspace"

type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// ParseMount parses "source:target[:ro]".
func ParseMount(s string) (Mount, error) {
	parts := strings.Split(s, ":")
	switch {
	case len(parts) == 2:
		return Mount{Source: parts[0], Target: parts[1]}, nil
	case len(parts) == 3 && parts[2] == "ro":
		return Mount{Source: parts[0], Target: parts[1], ReadOnly: true}, nil
	}
	return Mount{}, fmt.Errorf("invalid mount %q: want source:target[:ro]", s)
}

func (m Mount) Bind() string {
	bind := fmt.Sprintf("%s:%s", m.Source, m.Target)
	if m.ReadOnly {
		bind += ":ro"
	}
	return bind
}

func buildMounts(workdir string, extra []string) []string {
	binds := []string{fmt.Sprintf("%s:%s", workdir, containerWorkdir)}

	for _, e := range extra {
		m, err := ParseMount(e)
		if err != nil {
			continue
		}
		binds = append(binds, m.Bind())
	}
	return binds
}
