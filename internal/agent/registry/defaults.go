package registry

// BuiltInAgents returns the agent definitions shipped with CAM.
func BuiltInAgents() []*AgentDefinition {
	return []*AgentDefinition{
		{
			ID:         "claude-code",
			Name:       "Claude Code",
			Executable: "claude",
			Env: []EnvVar{
				{Name: "ANTHROPIC_API_KEY", Required: false, Sensitive: true},
			},
			Runtime:          RuntimeNative,
			SessionGoverned:  true,
			SupportsStopHook: true,
			BuiltIn:          true,
		},
		{
			ID:         "codex",
			Name:       "OpenAI Codex CLI",
			Executable: "codex",
			Env: []EnvVar{
				{Name: "OPENAI_API_KEY", Required: false, Sensitive: true},
			},
			Runtime:         RuntimeNative,
			SessionGoverned: true,
			BuiltIn:         true,
		},
		{
			ID:         "gemini",
			Name:       "Gemini CLI",
			Executable: "gemini",
			Env: []EnvVar{
				{Name: "GEMINI_API_KEY", Required: false, Sensitive: true},
			},
			Runtime: RuntimeNative,
			BuiltIn: true,
		},
		{
			ID:         "aider",
			Name:       "Aider",
			Executable: "aider",
			Env: []EnvVar{
				{Name: "OPENAI_API_KEY", Required: false, Sensitive: true},
				{Name: "ANTHROPIC_API_KEY", Required: false, Sensitive: true},
			},
			Runtime: RuntimeNative,
			BuiltIn: true,
		},
		{
			ID:         "opencode",
			Name:       "OpenCode",
			Executable: "opencode",
			Runtime:    RuntimeNative,
			BuiltIn:    true,
		},
	}
}
