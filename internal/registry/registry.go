// Package registry resolves cluster templates stored as YAML or JSON files.
package registry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/mtzanidakis/conclave/internal/config"
)

var ErrNotFound = errors.New("template not found")

var extensions = []string{".yaml", ".yml", ".json"}

type Registry struct {
	basePath string
}

// Template summarises one template file.
type Template struct {
	Name   string   `json:"name"`
	Path   string   `json:"path"`
	Agents []string `json:"agents"`
	Error  string   `json:"error,omitempty"`
}

func New(basePath string) *Registry {
	return &Registry{basePath: basePath}
}

func (r *Registry) BasePath() string {
	return r.basePath
}

// Resolve returns the file for a template name, or ref itself when it names
// an existing file.
func (r *Registry) Resolve(ref string) (string, error) {
	if fi, err := os.Stat(ref); err == nil && !fi.IsDir() {
		return ref, nil
	}
	if strings.ContainsRune(ref, filepath.Separator) || ref == "" {
		return "", fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	for _, ext := range extensions {
		path := filepath.Join(r.basePath, ref+ext)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, ref)
}

// Get loads and validates a template. The cluster name defaults to the file name.
func (r *Registry) Get(ref string) (*config.ClusterConfig, error) {
	path, err := r.Resolve(ref)
	if err != nil {
		return nil, err
	}
	cc, err := config.LoadCluster(path)
	if err != nil {
		return nil, err
	}
	if cc.Name == "" {
		cc.Name = templateName(path)
	}
	if err := cc.Validate(); err != nil {
		return nil, fmt.Errorf("template %s: %w", cc.Name, err)
	}
	return cc, nil
}

// List returns every template in the base directory. Invalid files are
// listed with their error instead of failing the listing.
func (r *Registry) List() ([]Template, error) {
	entries, err := os.ReadDir(r.basePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read templates dir: %w", err)
	}

	var out []Template
	for _, e := range entries {
		if e.IsDir() || !hasTemplateExt(e.Name()) {
			continue
		}
		path := filepath.Join(r.basePath, e.Name())
		t := Template{Name: templateName(path), Path: path}

		cc, err := config.LoadCluster(path)
		if err == nil {
			err = cc.Validate()
		}
		if err != nil {
			t.Error = err.Error()
		} else {
			for _, a := range cc.Agents {
				t.Agents = append(t.Agents, a.ID)
			}
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

const exampleTemplate = `# A two-agent cluster: a worker answers the issue and a reviewer closes it.
agents:
  - id: worker
    role: implementation
    prompt: |
      Resolve the following task and reply with a JSON object.

      {{ISSUE_OPENED.content.text}}
    jsonSchema:
      type: object
      required: [summary]
      properties:
        summary: { type: string }
    triggers:
      - topic: ISSUE_OPENED
        action: execute_task

  - id: reviewer
    role: orchestrator
    triggers:
      - topic: WORKER_RESULT
        action: publish_message
        config:
          topic: CLUSTER_COMPLETE
          content:
            text: "{{message.content.text}}"
`

// Init creates the base directory and an example template when it holds none.
func (r *Registry) Init() error {
	if err := os.MkdirAll(r.basePath, 0o755); err != nil {
		return fmt.Errorf("create templates dir: %w", err)
	}
	templates, err := r.List()
	if err != nil {
		return err
	}
	if len(templates) > 0 {
		return nil
	}
	path := filepath.Join(r.basePath, "example.yaml")
	if err := os.WriteFile(path, []byte(exampleTemplate), 0o644); err != nil {
		return fmt.Errorf("create example template: %w", err)
	}
	return nil
}

func hasTemplateExt(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range extensions {
		if ext == e {
			return true
		}
	}
	return false
}

func templateName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
