package agents

import (
	"fmt"
	"strings"

	"software-factory/pkg/models"
)

// SummaryFileName is the machine-readable summary every agent is told to write
const SummaryFileName = "BUILD_SUMMARY.json"

// TaskInput is everything a task prompt is composed from. All fields are optional.
type TaskInput struct {
	Feature   *models.Feature
	WorkOrder *models.WorkOrder
	Blueprint *models.Blueprint
	// Platform is only set when the feature augments an existing system
	Platform *models.PlatformContext
}

const executionInstructions = `## Instructions
1. Generate complete, working files. Do not leave placeholders, stubs or TODO markers.
2. Write every file to disk with your file-writing tool, using paths relative to the workspace root.
3. Write tests for the code you produce. Test file paths must contain "test" or "spec".
4. When every file is written, write ` + SummaryFileName + ` at the workspace root with this shape:
   {"files": [{"path": "...", "content": "..."}], "tests": [{"path": "...", "content": "..."}], "summary": "..."}
   List every file you wrote, with source files under "files" and test files under "tests", and a short summary of what you built.
`

// ComposeTask renders the task text handed to an agent. Sections appear in a
// fixed order (blueprint, work order or feature, platform, instructions) and
// the output is a pure function of the input.
func ComposeTask(in TaskInput) string {
	var b strings.Builder

	if bp := in.Blueprint; bp != nil {
		section := blueprintSection(bp)
		if section != "" {
			b.WriteString(section)
			b.WriteString("\n")
		}
	}

	switch {
	case in.WorkOrder != nil:
		b.WriteString(workOrderSection(in.WorkOrder))
		b.WriteString("\n")
	case in.Feature != nil:
		b.WriteString(featureSection(in.Feature))
		b.WriteString("\n")
	}

	if in.Platform != nil {
		b.WriteString(platformSection(in.Platform))
		b.WriteString("\n")
	}

	b.WriteString(executionInstructions)
	return b.String()
}

func blueprintSection(bp *models.Blueprint) string {
	parts := []struct{ title, body string }{
		{"API Shape", bp.APIShape},
		{"UI Components", bp.UIComponents},
		{"Data Model", bp.DataModel},
	}

	var b strings.Builder
	for _, p := range parts {
		body := strings.TrimSpace(p.body)
		if body == "" {
			continue
		}
		fmt.Fprintf(&b, "### %s\n%s\n\n", p.title, body)
	}
	if b.Len() == 0 {
		return ""
	}
	return "## Blueprint\n\n" + b.String()
}

func workOrderSection(wo *models.WorkOrder) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## Work Order: %s\n\n", strings.TrimSpace(wo.Title))
	if desc := strings.TrimSpace(wo.Description); desc != "" {
		b.WriteString(desc)
		b.WriteString("\n\n")
	}
	if wo.Phase != "" {
		fmt.Fprintf(&b, "Phase: %s\n", wo.Phase)
	}
	if wo.Priority != "" {
		fmt.Fprintf(&b, "Priority: %s\n", wo.Priority)
	}
	if len(wo.Tasks) > 0 {
		b.WriteString("\n### Tasks\n")
		for _, task := range wo.Tasks {
			if task = strings.TrimSpace(task); task != "" {
				fmt.Fprintf(&b, "- [ ] %s\n", task)
			}
		}
	}
	return b.String()
}

func featureSection(f *models.Feature) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## Feature: %s\n\n", strings.TrimSpace(f.Name))
	if desc := strings.TrimSpace(f.Description); desc != "" {
		b.WriteString(desc)
		b.WriteString("\n")
	}
	b.WriteString("\nImplement this feature end to end.\n")
	return b.String()
}

func platformSection(pc *models.PlatformContext) string {
	var b strings.Builder
	name := strings.TrimSpace(pc.Name)
	if name == "" {
		name = "existing platform"
	}
	fmt.Fprintf(&b, "## Existing Platform: %s\n\n", name)
	b.WriteString("This feature extends an existing system. Reuse its stack and conventions.\n")
	if len(pc.TechStack) > 0 {
		fmt.Fprintf(&b, "\nTech stack: %s\n", strings.Join(pc.TechStack, ", "))
	}
	if len(pc.Routes) > 0 {
		b.WriteString("\nExisting routes:\n")
		for _, r := range pc.Routes {
			fmt.Fprintf(&b, "- %s\n", r)
		}
	}
	if len(pc.Tables) > 0 {
		b.WriteString("\nExisting tables:\n")
		for _, t := range pc.Tables {
			fmt.Fprintf(&b, "- %s\n", t)
		}
	}
	return b.String()
}
