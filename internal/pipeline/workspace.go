package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// WorkspaceDirName is the directory under the repo where steps exchange
// artifacts.
const WorkspaceDirName = ".conversations"

// stepDirName returns the relative step directory, 1-based.
func stepDirName(stepIndex int) string {
	return filepath.Join(WorkspaceDirName, fmt.Sprintf("step%d", stepIndex+1))
}

// nodeOutputFile is the file node k (1-based) is instructed to write.
func nodeOutputFile(k int) string {
	return fmt.Sprintf("agent-%d-output.md", k)
}

// nodeTaskFile holds the rendered prompt for node k (1-based).
func nodeTaskFile(k int) string {
	return fmt.Sprintf("agent-%d-task.md", k)
}

// workspaceFile is the JSON document describing one step to its agents.
type workspaceFile struct {
	PipelineID      string   `json:"pipelineId"`
	StepIndex       int      `json:"stepIndex"`
	StepTitle       string   `json:"stepTitle"`
	StepPrompt      string   `json:"stepPrompt"`
	InputFiles      []string `json:"inputFiles"`
	InputCondition  string   `json:"inputCondition,omitempty"`
	PreviousStepDir *string  `json:"previousStepDir"`
	GeneratedAt     string   `json:"generatedAt"`
}

// writeStepWorkspace creates the step directory and its workspace.json.
func writeStepWorkspace(p *Pipeline, step *Step) error {
	dir := filepath.Join(p.RepoPath, stepDirName(step.Index))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	var prev *string
	if step.Index > 0 {
		d := stepDirName(step.Index - 1)
		prev = &d
	}
	doc := workspaceFile{
		PipelineID:      p.ID,
		StepIndex:       step.Index + 1,
		StepTitle:       step.Title,
		StepPrompt:      step.Prompt,
		InputFiles:      append([]string{}, step.InputFiles...),
		InputCondition:  step.InputCondition,
		PreviousStepDir: prev,
		GeneratedAt:     time.Now().UTC().Format(time.RFC3339),
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "workspace.json"), append(data, '\n'), 0o644)
}

// renderNodePrompt prefixes the node's prompt with the workspace contract:
// where to read prior results, where to write its own.
func renderNodePrompt(p *Pipeline, step *Step, node *Node) string {
	dir := stepDirName(step.Index)
	var b strings.Builder

	fmt.Fprintf(&b, "[pipeline %s]\n", p.ID)
	fmt.Fprintf(&b, "step %d/%d: %s\n", step.Index+1, len(p.Steps), step.Title)
	fmt.Fprintf(&b, "node %d/%d\n", node.Index+1, len(step.Nodes))
	fmt.Fprintf(&b, "step dir: %s\n", dir)
	if step.Index > 0 {
		fmt.Fprintf(&b, "previous step dir: %s\n", stepDirName(step.Index-1))
	} else {
		b.WriteString("previous step dir: no previous step\n")
	}
	if step.InputCondition != "" {
		fmt.Fprintf(&b, "input condition: %s\n", step.InputCondition)
	}
	if len(step.InputFiles) > 0 {
		fmt.Fprintf(&b, "preferred input files: %s\n", strings.Join(step.InputFiles, ", "))
	} else if step.Index > 0 {
		fmt.Fprintf(&b, "preferred input files: read %s for prior results\n",
			filepath.Join(stepDirName(step.Index-1), "summary.md"))
	}
	fmt.Fprintf(&b, "write your result to %s\n", filepath.Join(dir, nodeOutputFile(node.Index+1)))
	fmt.Fprintf(&b, "append a short summary to %s\n", filepath.Join(dir, "summary.md"))
	if len(step.Nodes) > 1 && step.Prompt != "" {
		fmt.Fprintf(&b, "step goal (shared): %s\n", step.Prompt)
	}
	b.WriteString("\n")
	b.WriteString(node.Prompt)
	return b.String()
}

// writeNodeTaskFile records the rendered prompt next to the workspace.
func writeNodeTaskFile(p *Pipeline, step *Step, node *Node, rendered string) error {
	dir := filepath.Join(p.RepoPath, stepDirName(step.Index))
	return os.WriteFile(filepath.Join(dir, nodeTaskFile(node.Index+1)), []byte(rendered), 0o644)
}
