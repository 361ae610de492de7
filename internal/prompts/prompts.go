// Package prompts renders the natural-language instructions handed to the
// agent runtime. Templates are text/template sources kept in a YAML file so
// they can be tuned without a rebuild.
package prompts

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"
)

// Set holds the parsed templates.
type Set struct {
	pipeline *template.Template
	page     *template.Template
}

type file struct {
	Pipeline string `yaml:"pipeline"`
	Page     string `yaml:"page"`
}

const defaultPipeline = `You are researching real estate agencies in {{.Suburb}}.
Find {{.Count}} agencies. Work in {{.ProgressDir}}.
Session id: {{.SessionID}}.
Update {{.PipelinePath}} as you go: append each agency id to "agencyIds" the moment it is discovered
and set "status" to "processing" once discovery is finished.
Append progress messages to {{.ActivityPath}}.
For every agency write agency-<agencyId>.json (starting with status "skeleton") and
agency-activity-<agencyId>.json, and write the demo page to {{.DemosDir}}/<agencyId>.html.
When every agency is complete or failed, set the pipeline status to "complete".`

const defaultPage = `Write a personalised landing page for {{.CallerName}} of {{.AgencyName}}{{if .AgencyLocation}} ({{.AgencyLocation}}){{end}}.
Call summary: {{.Summary}}
Write the finished HTML to {{.OutputPath}}.
Append progress messages to {{.ActivityPath}}.`

// PipelineData feeds the pipeline template.
type PipelineData struct {
	SessionID    string
	Suburb       string
	Count        int
	ProgressDir  string
	PipelinePath string
	ActivityPath string
	DemosDir     string
}

// PageData feeds the page template.
type PageData struct {
	CallID         string
	CallerName     string
	AgencyName     string
	AgencyLocation string
	Summary        string
	OutputPath     string
	ActivityPath   string
}

// Default returns the built-in templates.
func Default() *Set {
	s, err := parse(file{Pipeline: defaultPipeline, Page: defaultPage})
	if err != nil {
		panic(err)
	}
	return s
}

// Load reads templates from a YAML file. Missing keys keep the built-in
// template; an empty path returns Default.
func Load(path string) (*Set, error) {
	if strings.TrimSpace(path) == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read prompts: %w", err)
	}
	f := file{Pipeline: defaultPipeline, Page: defaultPage}
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse prompts: %w", err)
	}
	return parse(f)
}

func parse(f file) (*Set, error) {
	p, err := template.New("pipeline").Option("missingkey=error").Parse(f.Pipeline)
	if err != nil {
		return nil, fmt.Errorf("pipeline template: %w", err)
	}
	g, err := template.New("page").Option("missingkey=error").Parse(f.Page)
	if err != nil {
		return nil, fmt.Errorf("page template: %w", err)
	}
	return &Set{pipeline: p, page: g}, nil
}

// Pipeline renders the orchestration instruction.
func (s *Set) Pipeline(d PipelineData) (string, error) { return render(s.pipeline, d) }

// Page renders the page-generation instruction.
func (s *Set) Page(d PageData) (string, error) { return render(s.page, d) }

func render(t *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render %s: %w", t.Name(), err)
	}
	return buf.String(), nil
}
