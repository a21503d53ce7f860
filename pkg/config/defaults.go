package config

// DefaultConfig returns the built-in defaults. autopilot.yml values merge
// on top of these.
func DefaultConfig() *Config {
	return &Config{
		Linear: LinearConfig{
			States: StatesConfig{
				Triage:     "Triage",
				Ready:      "Ready",
				InProgress: "In Progress",
				InReview:   "In Review",
				Done:       "Done",
				Blocked:    "Blocked",
			},
		},
		Executor: ExecutorConfig{
			Parallel:                 2,
			TimeoutMinutes:           30,
			FixerTimeoutMinutes:      20,
			MaxFixerAttempts:         3,
			MaxRetries:               3,
			InactivityTimeoutMinutes: 10,
			PollIntervalMinutes:      5,
		},
		Monitor: MonitorConfig{
			ReviewResponderTimeoutMinutes: 15,
		},
		Persistence: PersistenceConfig{
			DBPath:        ".claude/autopilot.db",
			RetentionDays: 30,
		},
		Budget: BudgetConfig{
			WarnAtPercent: 80,
		},
		Reviewer: ReviewerConfig{
			IntervalMinutes: 60,
			TimeoutMinutes:  15,
		},
		Planning: PlanningConfig{
			IntervalMinutes:  240,
			TimeoutMinutes:   30,
			MaxTicketsPerRun: 5,
		},
		Webhook: WebhookConfig{
			Addr: ":8744",
		},
	}
}
