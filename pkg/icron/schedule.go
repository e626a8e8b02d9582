package icron

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

type TriggerInfo struct {
	Next       time.Time
	Expression string

	TimeUntilNext time.Duration
}

// NextTrigger parses a standard 5-field cron expression (descriptors like
// @daily are accepted too) and reports when it next fires after refTime.
func NextTrigger(cronExpr string, refTime time.Time) (*TriggerInfo, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour |
		cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	schedule, err := parser.Parse(cronExpr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression: %w", err)
	}

	nextTime := schedule.Next(refTime)

	return &TriggerInfo{
		Expression:    cronExpr,
		Next:          nextTime,
		TimeUntilNext: nextTime.Sub(refTime),
	}, nil
}
