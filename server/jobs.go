package server

import (
	"time"

	"github.com/robfig/cron/v3"
)

const defaultFlowPurgeSchedule = "@every 5m"

func (s *Server) initJobs() error {
	if s.flows == nil {
		return nil
	}
	s.jobs = cron.New()

	schedule := s.config.GetAuthFlowPurgeSchedule()
	if schedule == "" {
		schedule = defaultFlowPurgeSchedule
	}
	if _, err := s.jobs.AddFunc(schedule, s.purgeFlows); err != nil {
		return err
	}
	s.jobs.Start()
	s.log.Debug().Str("schedule", schedule).Dur("ttl", s.flowTTL).Msg("Auth flow purge scheduled")
	return nil
}

// purgeFlows drops sign-ins that never came back to the callback
func (s *Server) purgeFlows() {
	n := s.flows.PurgeOlderThan(time.Now().Add(-s.flowTTL))
	if n > 0 {
		s.log.Info().Int("purged", n).Msg("Purged abandoned auth flows")
	}
}
