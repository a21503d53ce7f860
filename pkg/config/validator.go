package config

import (
	"errors"
	"fmt"
	"strings"
)

// maxStringLen bounds every configured string value.
const maxStringLen = 200

// Validate checks every section against its allowed ranges. All errors
// are collected so a broken file reports everything at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	add(checkString("linear", "team", c.Linear.Team))
	add(checkString("linear", "initiative", c.Linear.Initiative))
	add(checkStrings("linear", "labels", c.Linear.Labels))
	add(checkStrings("linear", "projects", c.Linear.Projects))
	add(c.Linear.States.validate())

	add(intRange("executor", "parallel", c.Executor.Parallel, 1, 50))
	add(timeoutRange("executor", "timeout_minutes", c.Executor.TimeoutMinutes, 1, 480))
	add(timeoutRange("executor", "fixer_timeout_minutes", c.Executor.FixerTimeoutMinutes, 1, 480))
	add(intRange("executor", "max_fixer_attempts", c.Executor.MaxFixerAttempts, 0, 20))
	add(intRange("executor", "max_retries", c.Executor.MaxRetries, 0, 20))
	add(timeoutRange("executor", "inactivity_timeout_minutes", c.Executor.InactivityTimeoutMinutes, 1, 120))
	add(floatRange("executor", "poll_interval_minutes", c.Executor.PollIntervalMinutes, 0.5, 60))
	add(timeoutRange("executor", "stale_timeout_minutes", c.Executor.StaleTimeoutMinutes, 1, 480))
	add(checkStrings("executor", "auto_approve_labels", c.Executor.AutoApproveLabels))
	add(checkString("executor", "branch_pattern", c.Executor.BranchPattern))
	add(checkString("executor", "commit_pattern", c.Executor.CommitPattern))
	add(checkString("executor", "model", c.Executor.Model))

	add(timeoutRange("monitor", "review_responder_timeout_minutes", c.Monitor.ReviewResponderTimeoutMinutes, 1, 480))

	add(checkString("github", "repo", c.GitHub.Repo))
	if c.GitHub.Repo != "" && strings.Count(c.GitHub.Repo, "/") != 1 {
		add(NewValidationError("github", "repo", fmt.Errorf("%w: expected \"owner/repo\"", ErrInvalidValue)))
	}

	add(checkString("persistence", "db_path", c.Persistence.DBPath))
	add(intRange("persistence", "retention_days", c.Persistence.RetentionDays, 0, 3650))

	add(checkStrings("sandbox", "extra_allowed_domains", c.Sandbox.ExtraAllowedDomains))

	add(nonNegative("budget", "daily_limit_usd", c.Budget.DailyLimitUSD))
	add(nonNegative("budget", "monthly_limit_usd", c.Budget.MonthlyLimitUSD))
	add(nonNegative("budget", "per_agent_limit_usd", c.Budget.PerAgentLimitUSD))
	add(floatRange("budget", "warn_at_percent", c.Budget.WarnAtPercent, 0, 100))

	add(timeoutRange("reviewer", "interval_minutes", c.Reviewer.IntervalMinutes, 1, 1440))
	add(timeoutRange("reviewer", "timeout_minutes", c.Reviewer.TimeoutMinutes, 1, 480))
	add(checkString("reviewer", "model", c.Reviewer.Model))

	add(timeoutRange("projects", "timeout_minutes", c.Projects.TimeoutMinutes, 1, 480))
	add(checkString("projects", "model", c.Projects.Model))

	add(timeoutRange("planning", "interval_minutes", c.Planning.IntervalMinutes, 1, 1440))
	add(timeoutRange("planning", "timeout_minutes", c.Planning.TimeoutMinutes, 1, 480))
	add(intRange("planning", "max_tickets_per_run", c.Planning.MaxTicketsPerRun, 0, 50))
	add(checkString("planning", "model", c.Planning.Model))

	add(checkString("webhook", "addr", c.Webhook.Addr))

	return errors.Join(errs...)
}

func (s StatesConfig) validate() error {
	var errs []error
	for field, name := range map[string]string{
		"states.ready":       s.Ready,
		"states.in_progress": s.InProgress,
		"states.in_review":   s.InReview,
		"states.done":        s.Done,
		"states.blocked":     s.Blocked,
	} {
		if name == "" {
			errs = append(errs, NewValidationError("linear", field, ErrMissingRequiredField))
		} else if err := checkString("linear", field, name); err != nil {
			errs = append(errs, err)
		}
	}
	if err := checkString("linear", "states.triage", s.Triage); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func checkString(section, field, value string) error {
	if strings.ContainsAny(value, "\n\r") {
		return NewValidationError(section, field, fmt.Errorf("%w: must not contain newlines", ErrInvalidValue))
	}
	if len(value) > maxStringLen {
		return NewValidationError(section, field, fmt.Errorf("%w: must not exceed %d characters", ErrInvalidValue, maxStringLen))
	}
	return nil
}

func checkStrings(section, field string, values []string) error {
	for _, v := range values {
		if err := checkString(section, field, v); err != nil {
			return err
		}
	}
	return nil
}

func intRange(section, field string, value, lo, hi int) error {
	if value < lo || value > hi {
		return NewValidationError(section, field,
			fmt.Errorf("%w: %d outside [%d, %d]", ErrInvalidValue, value, lo, hi))
	}
	return nil
}

func floatRange(section, field string, value, lo, hi float64) error {
	if value < lo || value > hi {
		return NewValidationError(section, field,
			fmt.Errorf("%w: %g outside [%g, %g]", ErrInvalidValue, value, lo, hi))
	}
	return nil
}

// timeoutRange is floatRange with 0 allowed: a zero timeout disables it.
func timeoutRange(section, field string, value, lo, hi float64) error {
	if value == 0 {
		return nil
	}
	return floatRange(section, field, value, lo, hi)
}

func nonNegative(section, field string, value float64) error {
	if value < 0 {
		return NewValidationError(section, field,
			fmt.Errorf("%w: must not be negative", ErrInvalidValue))
	}
	return nil
}
