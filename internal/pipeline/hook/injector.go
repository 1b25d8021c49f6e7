// Package hook injects the completion-detection hook into an agent's
// workspace configuration and reverts it afterwards. Currently only the
// claude settings file format is supported; agents without hook support
// fall back to autoExit.
package hook

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/camdev/cam/internal/common/logger"
)

// StepDonePath is the callback path the injected hook POSTs to.
const StepDonePath = "/api/terminal/step-done"

const (
	settingsDir  = ".claude"
	settingsFile = "settings.json"
	stopEvent    = "Stop"
)

// Params describe one injection.
type Params struct {
	RepoPath   string
	Token      string
	PipelineID string
	TaskID     string
	Port       int
}

// CallbackURL composes the local endpoint the hook posts to.
func CallbackURL(port int) string {
	return fmt.Sprintf("http://127.0.0.1:%d%s", port, StepDonePath)
}

// Injector writes and reverts per-repo hook configuration.
type Injector struct {
	logger *logger.Logger

	mu   sync.Mutex
	live map[string]*repoState
}

// repoState tracks live injections into one settings file. The snapshot is
// taken before the first injection and restored by the last cleanup, so
// overlapping injections into the same repo compose regardless of cleanup
// order.
type repoState struct {
	count    int
	existed  bool
	original []byte
}

// NewInjector creates a hook injector.
func NewInjector(log *logger.Logger) *Injector {
	if log == nil {
		log = logger.Default()
	}
	return &Injector{logger: log, live: map[string]*repoState{}}
}

// hookCommand renders the shell command the agent runs on its Stop event.
func hookCommand(p Params) string {
	body, _ := json.Marshal(map[string]string{
		"token":      p.Token,
		"pipelineId": p.PipelineID,
		"taskId":     p.TaskID,
	})
	return fmt.Sprintf(`curl -sf -X POST -H "Content-Type: application/json" -d '%s' %s`,
		string(body), CallbackURL(p.Port))
}

// Inject merges a Stop hook into the repo's settings file, preserving any
// unrelated configuration, and returns a cleanup that reverts the change.
// The cleanup is idempotent. While other injections into the same repo are
// still live a cleanup leaves the file alone; only the last one restores
// the pre-injection state. Any failure leaves the file untouched.
func (i *Injector) Inject(p Params) (func() error, error) {
	if p.RepoPath == "" {
		return nil, fmt.Errorf("inject hook: repo path is required")
	}
	path := filepath.Join(p.RepoPath, settingsDir, settingsFile)

	i.mu.Lock()
	defer i.mu.Unlock()

	original, err := os.ReadFile(path)
	existed := err == nil
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read settings: %w", err)
	}

	settings := map[string]any{}
	if existed && len(original) > 0 {
		if err := json.Unmarshal(original, &settings); err != nil {
			return nil, fmt.Errorf("parse settings: %w", err)
		}
	}

	mergeStopHook(settings, hookCommand(p))

	if err := writeSettingsAtomic(path, settings); err != nil {
		return nil, err
	}

	state := i.live[path]
	if state == nil {
		state = &repoState{existed: existed, original: original}
		i.live[path] = state
	}
	state.count++

	i.logger.Debug("completion hook injected",
		zap.String("path", path),
		zap.String("pipeline_id", p.PipelineID),
		zap.String("task_id", p.TaskID))

	var once sync.Once
	cleanup := func() error {
		var err error
		once.Do(func() {
			err = i.release(path)
		})
		return err
	}
	return cleanup, nil
}

// release drops one live injection for the settings file. The last release
// restores the snapshot captured before the first injection; earlier ones
// must not touch the file, a later injection's entry is still in use.
func (i *Injector) release(path string) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	state := i.live[path]
	if state == nil {
		return nil
	}
	state.count--
	if state.count > 0 {
		return nil
	}
	delete(i.live, path)

	if state.existed {
		return writeFileAtomic(path, state.original)
	}
	return i.stripStepDoneEntries(path)
}

// mergeStopHook appends the Stop entry, first removing any previous
// step-done entries so reinjection never duplicates.
func mergeStopHook(settings map[string]any, command string) {
	hooks, _ := settings["hooks"].(map[string]any)
	if hooks == nil {
		hooks = map[string]any{}
		settings["hooks"] = hooks
	}
	stops, _ := hooks[stopEvent].([]any)
	stops = removeStepDoneEntries(stops)
	stops = append(stops, map[string]any{
		"hooks": []any{
			map[string]any{"type": "command", "command": command},
		},
	})
	hooks[stopEvent] = stops
}

// stripStepDoneEntries surgically removes only the entries pointing at the
// step-done endpoint; the file itself is removed when nothing else remains.
func (i *Injector) stripStepDoneEntries(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read settings for cleanup: %w", err)
	}

	settings := map[string]any{}
	if err := json.Unmarshal(data, &settings); err != nil {
		// The agent rewrote the file into something unexpected; leave it.
		i.logger.Warn("settings unparseable during hook cleanup", zap.String("path", path))
		return nil
	}

	hooks, _ := settings["hooks"].(map[string]any)
	if hooks != nil {
		if stops, ok := hooks[stopEvent].([]any); ok {
			kept := removeStepDoneEntries(stops)
			if len(kept) == 0 {
				delete(hooks, stopEvent)
			} else {
				hooks[stopEvent] = kept
			}
		}
		if len(hooks) == 0 {
			delete(settings, "hooks")
		}
	}

	if len(settings) == 0 {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove settings: %w", err)
		}
		return nil
	}
	return writeSettingsAtomic(path, settings)
}

// removeStepDoneEntries filters out Stop entries whose command targets the
// step-done endpoint, leaving foreign hooks alone.
func removeStepDoneEntries(stops []any) []any {
	var kept []any
	for _, entry := range stops {
		if entryTargetsStepDone(entry) {
			continue
		}
		kept = append(kept, entry)
	}
	return kept
}

func entryTargetsStepDone(entry any) bool {
	m, ok := entry.(map[string]any)
	if !ok {
		return false
	}
	inner, _ := m["hooks"].([]any)
	for _, h := range inner {
		hm, ok := h.(map[string]any)
		if !ok {
			continue
		}
		if cmd, _ := hm["command"].(string); strings.Contains(cmd, StepDonePath) {
			return true
		}
	}
	return false
}

func writeSettingsAtomic(path string, settings map[string]any) error {
	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	return writeFileAtomic(path, append(data, '\n'))
}

// writeFileAtomic writes via a temp file and rename so a crashed write never
// leaves a half-merged settings file.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create settings dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, settingsFile+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp settings: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write temp settings: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp settings: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replace settings: %w", err)
	}
	return nil
}
