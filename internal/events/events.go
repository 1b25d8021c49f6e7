// Package events names the bus subjects and event types the engine emits
// and selects the configured bus implementation.
package events

import (
	"fmt"
	"strings"

	"github.com/camdev/cam/internal/common/config"
	"github.com/camdev/cam/internal/common/logger"
	"github.com/camdev/cam/internal/events/bus"
)

// Bus subjects.
const (
	// SubjectAgentSessions carries agent session lifecycle events.
	SubjectAgentSessions = "cam.agent.sessions"
	// SubjectPipelineSteps carries pipeline step completion events the
	// websocket dispatchers consume to drive advancement.
	SubjectPipelineSteps = "cam.pipeline.steps"
)

// Event types.
const (
	TypeAgentSessionCreated  = "agent.session.created"
	TypeAgentSessionStatus   = "agent.session.status"
	TypePipelineStepComplete = "pipeline.step.completed"
)

// Provide builds the configured event bus: NATS when a URL is set, the
// in-memory bus otherwise.
func Provide(cfg *config.Config, log *logger.Logger) (bus.EventBus, func(), error) {
	if strings.TrimSpace(cfg.NATS.URL) != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			return nil, nil, fmt.Errorf("initialize nats event bus: %w", err)
		}
		return natsBus, natsBus.Close, nil
	}
	memBus := bus.NewMemoryEventBus(log)
	return memBus, memBus.Close, nil
}
