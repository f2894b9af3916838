package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/template"

	"github.com/spf13/cobra"

	"github.com/caselens/loom/pkg/pipeline"
	"github.com/caselens/loom/pkg/provider"
	"github.com/caselens/loom/pkg/schema"
	"github.com/caselens/loom/pkg/transform"
)

// jobFlags are the flags shared by every command that executes a job.
type jobFlags struct {
	jobID       string
	inputPath   string
	schemaPath  string
	promptPath  string
	systemPath  string
	keyFields   []string
	depends     []string
	transforms  []string
	model       string
	maxTokens   int
	temperature float64
	concurrency int
	rps         float64
	maxAttempts int
	fullData    bool
}

func (f *jobFlags) register(cmd *cobra.Command, needInput bool) {
	cmd.Flags().StringVar(&f.jobID, "job", "", "job identifier (required)")
	cmd.Flags().StringVar(&f.schemaPath, "schema", "", "path to the output schema JSON file")
	cmd.Flags().StringVar(&f.promptPath, "prompt", "", "path to the prompt template (required)")
	cmd.Flags().StringVar(&f.systemPath, "system", "", "path to an optional system prompt template")
	cmd.Flags().StringSliceVar(&f.keyFields, "key-fields", []string{"decision_id", "language"}, "composite key fields, in order")
	cmd.Flags().StringArrayVar(&f.depends, "depend", nil,
		"dependency as alias=jobId:rowField=depField[,more][:required|optional][:transform=name] (repeatable)")
	cmd.Flags().StringArrayVar(&f.transforms, "transform", nil,
		"named dependency transform as name=pick:field[,more], name=first:field or name=script:path.js (repeatable)")
	cmd.Flags().StringVar(&f.model, "model", "", "model name (overrides config)")
	cmd.Flags().IntVar(&f.maxTokens, "max-tokens", 0, "max completion tokens per item")
	cmd.Flags().Float64Var(&f.temperature, "temperature", 0, "sampling temperature")
	cmd.Flags().IntVar(&f.concurrency, "concurrency", 0, "max items in flight (0 = auto)")
	cmd.Flags().Float64Var(&f.rps, "rps", 0, "max provider requests per second (0 = auto)")
	cmd.Flags().IntVar(&f.maxAttempts, "max-attempts", 0, "max attempts per item (0 = default)")
	cmd.Flags().BoolVar(&f.fullData, "full-data", false, "write one file per item instead of aggregate arrays")
	_ = cmd.MarkFlagRequired("job")
	_ = cmd.MarkFlagRequired("prompt")
	if needInput {
		cmd.Flags().StringVar(&f.inputPath, "input", "", "path to the input rows file, JSON array or JSONL (required)")
		_ = cmd.MarkFlagRequired("input")
	}
}

// buildJob assembles a job definition from the flags, registering its schema
// and named transforms and wiring the completion provider into the
// processing function.
func buildJob(f *jobFlags, registry *schema.Registry, transforms *transform.Registry) (*pipeline.JobDefinition, error) {
	model := f.model
	if model == "" {
		model = cfg.Provider.Model
	}

	prov, err := provider.NewOpenAI(provider.OpenAIConfig{
		APIKey:  cfg.Provider.APIKey,
		BaseURL: cfg.Provider.BaseURL,
		Model:   model,
	})
	if err != nil {
		return nil, err
	}

	promptTmpl, systemTmpl, err := loadTemplates(f.promptPath, f.systemPath)
	if err != nil {
		return nil, err
	}

	job := &pipeline.JobDefinition{
		ID:        f.jobID,
		KeyFields: f.keyFields,
		FieldAliases: map[string][]string{
			"language": {"language", "language_metadata", "proceduralLanguage"},
		},
		ConcurrencyLimit:    f.concurrency,
		RequestsPerSecond:   f.rps,
		MaxAttempts:         f.maxAttempts,
		UseFullDataPipeline: f.fullData,
		Model:               model,
	}

	if f.inputPath != "" {
		job.Source = &fileSource{path: f.inputPath}
	} else {
		// Retries supply their own item subset; the engine never touches
		// the source then, but validation requires one.
		job.Source = pipeline.StaticSource(nil)
	}

	if f.schemaPath != "" {
		s, err := loadSchemaFile(f.schemaPath)
		if err != nil {
			return nil, err
		}
		if err := registry.Register(f.jobID, s); err != nil {
			return nil, err
		}
		job.SchemaName = f.jobID
	}

	job.Dependencies, err = parseDepends(f.depends)
	if err != nil {
		return nil, err
	}
	if err := registerTransforms(f.transforms, transforms); err != nil {
		return nil, err
	}

	job.Process = func(ctx context.Context, item *pipeline.WorkItem) (any, *pipeline.TokenUsage, error) {
		prompt, err := renderTemplate(promptTmpl, item.Row)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to render prompt: %w", err)
		}
		req := provider.Request{
			Prompt:      prompt,
			MaxTokens:   f.maxTokens,
			Temperature: f.temperature,
			JSONMode:    true,
		}
		if systemTmpl != nil {
			if req.System, err = renderTemplate(systemTmpl, item.Row); err != nil {
				return nil, nil, fmt.Errorf("failed to render system prompt: %w", err)
			}
		}

		resp, err := prov.Complete(ctx, req)
		var usage *pipeline.TokenUsage
		if resp != nil {
			usage = &resp.Usage
		}
		if err != nil {
			return nil, usage, err
		}

		var raw any
		if err := json.Unmarshal([]byte(resp.Content), &raw); err != nil {
			return nil, usage, fmt.Errorf("completion content is not valid JSON: %w", err)
		}
		return raw, usage, nil
	}

	return job, nil
}

// fileSource reads rows from a JSON array file or a JSONL file.
type fileSource struct {
	path string
}

func (s *fileSource) Rows(_ context.Context) ([]pipeline.Record, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read input file %s: %w", s.path, err)
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var rows []pipeline.Record
		if err := json.Unmarshal(trimmed, &rows); err != nil {
			return nil, fmt.Errorf("failed to parse input file %s: %w", s.path, err)
		}
		return rows, nil
	}

	var rows []pipeline.Record
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var row pipeline.Record
		if err := json.Unmarshal(line, &row); err != nil {
			return nil, fmt.Errorf("failed to parse input line in %s: %w", s.path, err)
		}
		rows = append(rows, row)
	}
	return rows, scanner.Err()
}

func loadSchemaFile(path string) (*schema.Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema file %s: %w", path, err)
	}
	var s schema.Schema
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse schema file %s: %w", path, err)
	}
	return &s, nil
}

func loadTemplates(promptPath, systemPath string) (*template.Template, *template.Template, error) {
	promptTmpl, err := loadTemplate("prompt", promptPath)
	if err != nil {
		return nil, nil, err
	}
	if systemPath == "" {
		return promptTmpl, nil, nil
	}
	systemTmpl, err := loadTemplate("system", systemPath)
	if err != nil {
		return nil, nil, err
	}
	return promptTmpl, systemTmpl, nil
}

func loadTemplate(name, path string) (*template.Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read template %s: %w", path, err)
	}
	tmpl, err := template.New(name).Option("missingkey=zero").Parse(string(data))
	if err != nil {
		return nil, fmt.Errorf("failed to parse template %s: %w", path, err)
	}
	return tmpl, nil
}

func renderTemplate(tmpl *template.Template, row pipeline.Record) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, map[string]any(row)); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// parseDepends parses repeated --depend flags of the form
// alias=jobId:rowField=depField[,rowField=depField][:required|optional][:transform=name].
func parseDepends(specs []string) ([]pipeline.DependencyLink, error) {
	links := make([]pipeline.DependencyLink, 0, len(specs))
	for _, spec := range specs {
		parts := strings.Split(spec, ":")
		if len(parts) < 2 || len(parts) > 4 {
			return nil, fmt.Errorf("invalid --depend %q: want alias=jobId:row=dep[:required|optional][:transform=name]", spec)
		}

		head := strings.SplitN(parts[0], "=", 2)
		if len(head) != 2 || head[0] == "" || head[1] == "" {
			return nil, fmt.Errorf("invalid --depend %q: alias=jobId expected before first colon", spec)
		}
		link := pipeline.DependencyLink{Alias: head[0], JobID: head[1]}

		for _, pair := range strings.Split(parts[1], ",") {
			fields := strings.SplitN(pair, "=", 2)
			if len(fields) != 2 || fields[0] == "" || fields[1] == "" {
				return nil, fmt.Errorf("invalid --depend %q: join pair %q must be rowField=depField", spec, pair)
			}
			link.JoinFields = append(link.JoinFields, pipeline.FieldPair{
				RowField: fields[0],
				DepField: fields[1],
			})
		}

		for _, part := range parts[2:] {
			switch {
			case part == "required":
				link.Required = true
			case part == "optional":
			case strings.HasPrefix(part, "transform="):
				name := strings.TrimPrefix(part, "transform=")
				if name == "" {
					return nil, fmt.Errorf("invalid --depend %q: transform name cannot be empty", spec)
				}
				link.Transform = name
			default:
				return nil, fmt.Errorf("invalid --depend %q: segment %q must be required, optional or transform=name", spec, part)
			}
		}

		links = append(links, link)
	}
	return links, nil
}

// registerTransforms parses repeated --transform flags and registers the
// strategies. Supported kinds: pick (keep named fields), first (first element
// of an array field) and script (a JavaScript file defining
// transform(record)).
func registerTransforms(specs []string, reg *transform.Registry) error {
	for _, spec := range specs {
		head := strings.SplitN(spec, "=", 2)
		if len(head) != 2 || head[0] == "" || head[1] == "" {
			return fmt.Errorf("invalid --transform %q: want name=kind:args", spec)
		}
		kind := strings.SplitN(head[1], ":", 2)
		if len(kind) != 2 || kind[1] == "" {
			return fmt.Errorf("invalid --transform %q: want name=kind:args", spec)
		}

		switch kind[0] {
		case "pick":
			reg.Register(transform.PickFields{
				StrategyName: head[0],
				Fields:       strings.Split(kind[1], ","),
			})
		case "first":
			reg.Register(transform.FirstOfArray{StrategyName: head[0], Field: kind[1]})
		case "script":
			src, err := os.ReadFile(kind[1])
			if err != nil {
				return fmt.Errorf("failed to read transform script %s: %w", kind[1], err)
			}
			script, err := transform.NewScript(head[0], string(src))
			if err != nil {
				return err
			}
			reg.Register(script)
		default:
			return fmt.Errorf("invalid --transform %q: kind must be pick, first or script", spec)
		}
	}
	return nil
}
