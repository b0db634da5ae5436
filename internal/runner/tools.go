package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/tobinsouth/mcp-test/internal/check"
)

// runToolAnalysis lists the server's tools and statically reviews the
// advertised surface: names, descriptions, input schema validity, and
// duplicate detection. The tool list is kept for the interaction phase.
func (o *Orchestrator) runToolAnalysis(ctx context.Context, rec *check.Recorder) (func() error, error) {
	result, err := o.conn.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		rec.Failure("tools.list", "Tool listing",
			"The server answers tools/list", err.Error(), nil)
		return nil, nil
	}
	tools := result.Tools
	o.serverTools = tools

	if len(tools) == 0 {
		rec.Warning("tools.list", "Tool listing",
			"The server answers tools/list",
			"server advertises no tools", map[string]any{"count": 0})
		return nil, nil
	}
	rec.Success("tools.list", "Tool listing",
		"The server answers tools/list", map[string]any{"count": len(tools)})

	seen := map[string]int{}
	for _, tool := range tools {
		seen[tool.Name]++
		o.analyzeTool(rec, tool)
	}

	var duplicates []string
	for name, count := range seen {
		if count > 1 {
			duplicates = append(duplicates, name)
		}
	}
	if len(duplicates) > 0 {
		rec.Failure("tools.duplicates", "Duplicate tool names",
			"Every tool name is unique",
			fmt.Sprintf("%d name(s) advertised more than once", len(duplicates)),
			map[string]any{"names": duplicates})
	} else {
		rec.Success("tools.duplicates", "Duplicate tool names",
			"Every tool name is unique", nil)
	}

	return nil, nil
}

func (o *Orchestrator) analyzeTool(rec *check.Recorder, tool mcp.Tool) {
	if tool.Name == "" {
		rec.Failure("tools.unnamed", "Tool naming",
			"Every tool carries a name", "tool advertised without a name", nil)
		return
	}

	id := "tools." + tool.Name
	if tool.Description == "" {
		rec.Warning(id+".description", "Tool description: "+tool.Name,
			"The tool carries a description for the model",
			"no description provided", nil)
	} else {
		rec.Success(id+".description", "Tool description: "+tool.Name,
			"The tool carries a description for the model",
			map[string]any{"length": len(tool.Description)})
	}

	if err := compileToolSchema(tool); err != nil {
		rec.Failure(id+".schema", "Input schema: "+tool.Name,
			"The input schema compiles under JSON Schema draft 2020-12",
			err.Error(), nil)
		return
	}
	rec.Success(id+".schema", "Input schema: "+tool.Name,
		"The input schema compiles under JSON Schema draft 2020-12", nil)
}

// compileToolSchema verifies the tool's input schema is a valid JSON Schema.
func compileToolSchema(tool mcp.Tool) error {
	raw, err := json.Marshal(tool.InputSchema)
	if err != nil {
		return fmt.Errorf("input schema does not serialize: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	resource := fmt.Sprintf("inline://%s.json", tool.Name)
	if err := compiler.AddResource(resource, bytes.NewReader(raw)); err != nil {
		return err
	}
	_, err = compiler.Compile(resource)
	return err
}
