// Package cron wraps robfig/cron for the full-sync schedule.
package cron

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Parser parses standard five-field cron expressions (minute granularity,
// no seconds field).
type Parser struct {
	parser cron.Parser
}

func NewParser() *Parser {
	return &Parser{
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
	}
}

// Parse builds a Schedule that evaluates the expression in the given
// timezone. The sync runner passes "UTC".
func (p *Parser) Parse(expression string, timezone string) (Schedule, error) {
	sched, err := p.parser.Parse(expression)
	if err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", expression, err)
	}

	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", timezone, err)
	}

	return &schedule{sched: sched, loc: loc}, nil
}

// Validate checks an expression without building a schedule; used by
// config validation so a bad SYNC_SCHEDULE fails at startup.
func (p *Parser) Validate(expression string) error {
	if _, err := p.parser.Parse(expression); err != nil {
		return fmt.Errorf("parse schedule %q: %w", expression, err)
	}
	return nil
}

// Schedule yields the next firing time strictly after a given instant.
type Schedule interface {
	Next(after time.Time) time.Time
}

type schedule struct {
	sched cron.Schedule
	loc   *time.Location
}

func (s *schedule) Next(after time.Time) time.Time {
	return s.sched.Next(after.In(s.loc))
}
