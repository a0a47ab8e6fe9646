package queue

import (
	"github.com/robfig/cron/v3"

	"github.com/referral-tracker/internal/models"
	"github.com/referral-tracker/pkg/logger"
)

// cronLogger adapts our logger for cron
type cronLogger struct {
	log *logger.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}

// schedule resolves a repeat rule into a cron schedule.
func schedule(r Repeat) (cron.Schedule, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	if r.Every > 0 {
		return cron.Every(r.Every), nil
	}
	return models.ParseSchedule(r.Pattern)
}
