// Package command compiles an (agent, mode, prompt) tuple into an exec plan.
//
// Plans are handed to the process-spawn API as-is: no argument is ever
// shell-escaped because nothing goes through a shell.
package command

import "strings"

// Mode selects how an agent conversation is opened.
type Mode string

const (
	ModeCreate   Mode = "create"
	ModeResume   Mode = "resume"
	ModeContinue Mode = "continue"
)

// Spec is the input to the builder.
type Spec struct {
	AgentID              string
	Command              string // executable name from the agent definition
	Prompt               string
	Mode                 Mode
	ResumeConversationID string
	// AutoExit requests a non-interactive form so the process exits on
	// its own once the prompt is handled.
	AutoExit bool
}

// Plan is a directly spawnable command.
type Plan struct {
	File string
	Args []string
}

// Build compiles the spec into an exec plan. Unknown agent ids fall through
// to the generic CLI rules and always produce a valid plan.
func Build(spec Spec) Plan {
	file := spec.Command
	if file == "" {
		file = spec.AgentID
	}

	var args []string
	if isCodexFamily(spec.AgentID) {
		args = codexArgs(spec)
	} else {
		args = genericArgs(spec)
	}

	return Plan{File: file, Args: args}
}

// isCodexFamily matches the codex CLI and its forks, whose resume verb is a
// subcommand rather than a flag.
func isCodexFamily(agentID string) bool {
	return agentID == "codex" || strings.HasPrefix(agentID, "codex-")
}

func genericArgs(spec Spec) []string {
	switch spec.Mode {
	case ModeResume:
		args := []string{}
		if spec.ResumeConversationID != "" {
			args = append(args, "--resume", spec.ResumeConversationID)
		} else {
			args = append(args, "--continue")
		}
		return appendPrompt(args, spec.Prompt)
	case ModeContinue:
		return appendPrompt([]string{"--continue"}, spec.Prompt)
	default:
		if spec.AutoExit && spec.Prompt != "" {
			return []string{"-p", spec.Prompt}
		}
		return appendPrompt(nil, spec.Prompt)
	}
}

func codexArgs(spec Spec) []string {
	switch spec.Mode {
	case ModeResume, ModeContinue:
		args := []string{"resume"}
		if spec.Mode == ModeResume && spec.ResumeConversationID != "" {
			args = append(args, spec.ResumeConversationID)
		} else {
			args = append(args, "--last")
		}
		if spec.AutoExit {
			args = append(args, "--full-auto")
		}
		return appendPrompt(args, spec.Prompt)
	default:
		if spec.AutoExit && spec.Prompt != "" {
			return []string{"exec", "--full-auto", spec.Prompt}
		}
		if spec.Prompt == "" {
			return []string{"--full-auto"}
		}
		return []string{"--full-auto", spec.Prompt}
	}
}

func appendPrompt(args []string, prompt string) []string {
	if prompt == "" {
		return args
	}
	return append(args, prompt)
}
