package tasks

import (
	"fmt"

	"github.com/hibiken/asynq"
)

// RolloverSpec is how often expired quota periods are looked for.
const RolloverSpec = "*/15 * * * *"

// Schedule registers the periodic maintenance tasks. The archive task is only
// registered when archiving is enabled.
func Schedule(s *asynq.Scheduler, archiveCron string, archiveEnabled bool) error {
	if _, err := s.Register(RolloverSpec, NewRolloverTask()); err != nil {
		return fmt.Errorf("registering rollover: %w", err)
	}
	if !archiveEnabled {
		return nil
	}

	task, err := NewArchiveTask(ArchivePayload{})
	if err != nil {
		return err
	}
	if _, err := s.Register(archiveCron, task); err != nil {
		return fmt.Errorf("registering archive: %w", err)
	}
	return nil
}
