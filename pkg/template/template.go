package template

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/goccy/go-yaml"

	"github.com/loykin/scriptbatch/pkg/client"
)

// TemplateType names a work item skeleton
type TemplateType string

const (
	TypeSimple   TemplateType = "simple"
	TypeBasic    TemplateType = "basic"
	TypeExport   TemplateType = "export"
	TypeSingle   TemplateType = "single"
	TypePipeline TemplateType = "pipeline"
	TypeMulti    TemplateType = "multi"
	TypeLegacy   TemplateType = "legacy"
)

// Generator builds work item skeletons that can be edited and imported
type Generator struct {
	// ScriptDir prefixes generated script paths. Defaults to /opt/scripts.
	ScriptDir string
}

// NewGenerator creates a new template generator
func NewGenerator() *Generator {
	return &Generator{ScriptDir: "/opt/scripts"}
}

// Generate creates a work item of the given type
func (g *Generator) Generate(templateType TemplateType, id int, title string) (*client.WorkItem, error) {
	if id <= 0 {
		return nil, fmt.Errorf("work item id must be positive, got %d", id)
	}
	if strings.TrimSpace(title) == "" {
		title = fmt.Sprintf("Work item %d", id)
	}
	var steps []client.Step
	switch templateType {
	case TypeSimple, TypeBasic:
		steps = g.simpleSteps()
	case TypeExport, TypeSingle:
		steps = g.exportSteps()
	case TypePipeline, TypeMulti:
		steps = g.pipelineSteps()
	case TypeLegacy:
		steps = g.legacySteps()
	default:
		return nil, fmt.Errorf("unknown template type: %s (supported: %s)",
			templateType, strings.Join(g.GetSupportedTypes(), ", "))
	}
	return &client.WorkItem{ID: id, Title: title, Steps: steps}, nil
}

// GenerateJSON renders a one-element work item array, the import file format
func (g *Generator) GenerateJSON(templateType TemplateType, id int, title string) ([]byte, error) {
	item, err := g.Generate(templateType, id, title)
	if err != nil {
		return nil, err
	}
	data, err := json.MarshalIndent([]client.WorkItem{*item}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal template: %w", err)
	}
	return data, nil
}

// GenerateYAML is GenerateJSON for .yaml import files. It converts the JSON
// rendering so nil args stay null and empty args stay [].
func (g *Generator) GenerateYAML(templateType TemplateType, id int, title string) ([]byte, error) {
	js, err := g.GenerateJSON(templateType, id, title)
	if err != nil {
		return nil, err
	}
	data, err := yaml.JSONToYAML(js)
	if err != nil {
		return nil, fmt.Errorf("failed to convert template to YAML: %w", err)
	}
	return data, nil
}

// GetSupportedTypes returns the primary name of every template type
func (g *Generator) GetSupportedTypes() []string {
	return []string{
		string(TypeSimple),
		string(TypeExport),
		string(TypePipeline),
		string(TypeLegacy),
	}
}

func (g *Generator) script(name string) string {
	dir := strings.TrimRight(g.ScriptDir, "/")
	if dir == "" {
		dir = "/opt/scripts"
	}
	return dir + "/" + name + ".sh"
}

func (g *Generator) simpleSteps() []client.Step {
	return []client.Step{{
		ID: 1, Title: "Run", Order: 1,
		Scripts: []client.Script{
			{Name: "run", Path: g.script("run"), Args: []string{"{workitemid}"}},
		},
	}}
}

func (g *Generator) exportSteps() []client.Step {
	return []client.Step{{
		ID: 1, Title: "Export", Order: 1,
		Scripts: []client.Script{
			{Name: "export", Path: g.script("export"), Args: []string{"{workitemid}", "{steptitle}"}},
		},
	}}
}

func (g *Generator) pipelineSteps() []client.Step {
	return []client.Step{
		{
			ID: 1, Title: "Validate", Order: 1,
			Scripts: []client.Script{
				{Name: "checksum", Path: g.script("checksum"), Args: []string{"{workitemid}"}},
			},
		},
		{
			ID: 2, Title: "Convert", Order: 2,
			Scripts: []client.Script{
				{Name: "images", Path: g.script("convert-images"), Args: []string{"{workitemid}"}},
				{Name: "ocr", Path: g.script("ocr"), Args: []string{"{workitemid}", "--lang", "eng"}},
			},
		},
		{
			ID: 3, Title: "Export", Order: 3,
			Scripts: []client.Script{
				{Name: "export", Path: g.script("export"), Args: []string{"{workitemid}", "{scriptname}"}},
			},
		},
	}
}

// legacySteps leaves Args nil so Path is split as one command line.
func (g *Generator) legacySteps() []client.Step {
	return []client.Step{{
		ID: 1, Title: "Export", Order: 1,
		Scripts: []client.Script{
			{Name: "export", Path: g.script("export") + ` {workitemid} "final draft"`},
		},
	}}
}
