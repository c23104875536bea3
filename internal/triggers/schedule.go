package triggers

import (
	"context"

	"github.com/robfig/cron/v3"

	"integration-engine/internal/common/errors"
	"integration-engine/internal/common/logging"
	"integration-engine/internal/dispatch"
)

// Scheduler emits internal events on cron schedules. Each tick submits a
// KindInternalEvent action, so scheduled routing runs on the dispatcher's
// worker pool like any other event.
type Scheduler struct {
	cron       *cron.Cron
	dispatcher Submitter
	logger     logging.Logger
}

func NewScheduler(dispatcher Submitter, logger logging.Logger) *Scheduler {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &Scheduler{
		cron:       cron.New(),
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// AddSchedule registers a cron expression that emits eventType with the given
// static data on every tick.
func (s *Scheduler) AddSchedule(spec, eventType string, data map[string]interface{}) error {
	if eventType == "" {
		return errors.ValidationError("schedule event type is required")
	}

	_, err := s.cron.AddFunc(spec, func() {
		_, err := s.dispatcher.Submit(context.Background(), dispatch.KindInternalEvent, "",
			dispatch.InternalEventPayload{EventType: eventType, Data: data})
		if err != nil {
			s.logger.Error("Failed to submit scheduled event", err,
				logging.Field{Key: "event_type", Value: eventType},
			)
			return
		}
		s.logger.Debug("Scheduled event emitted",
			logging.Field{Key: "event_type", Value: eventType},
			logging.Field{Key: "schedule", Value: spec},
		)
	})
	if err != nil {
		return errors.ValidationError("invalid cron expression: " + spec)
	}
	return nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
