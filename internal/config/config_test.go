package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "app:\n  name: test\n"))
	require.NoError(t, err)

	require.Equal(t, "test", cfg.App.Name)
	require.Equal(t, uint32(5), cfg.Monitor.FailureThreshold)
	require.Equal(t, 5*time.Minute, cfg.Monitor.Cooldown)
	require.Equal(t, 5*time.Minute, cfg.Cache.TTL)
	require.Equal(t, 24*time.Hour, cfg.Alerting.DedupWindow)
	require.Equal(t, 30*24*time.Hour, cfg.Alerting.Retention)
	require.Equal(t, 3, cfg.Escalation.MaxLevel)
	require.Equal(t, []int{60, 180, 360}, cfg.Escalation.Intervals)
	require.Equal(t, 30*time.Minute, cfg.Escalation.InitialDelays["critical"])
	require.Equal(t, 2*time.Hour, cfg.Escalation.InitialDelays["high"])
	require.Equal(t, time.Hour, cfg.Escalation.InitialDelays["medium"])
	require.Len(t, cfg.Monitor.Intervals, 4)
	require.Equal(t, 15, cfg.Monitor.Intervals[0].Minutes)
	require.Equal(t, "08:00", cfg.Escalation.WorkStart)
}

func TestLoadOverridesFromFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
monitor:
  failure_threshold: 3
  cooldown: 1m
escalation:
  working_days: [mon, tue]
  contacts:
    - level: 1
      name: team-lead
      channels: [log]
`))
	require.NoError(t, err)

	require.Equal(t, uint32(3), cfg.Monitor.FailureThreshold)
	require.Equal(t, time.Minute, cfg.Monitor.Cooldown)
	require.Equal(t, []string{"mon", "tue"}, cfg.Escalation.WorkingDays)
	require.Len(t, cfg.Escalation.Contacts, 1)
	require.Equal(t, "team-lead", cfg.Escalation.Contacts[0].Name)
}

func TestValidateRejectsBadValues(t *testing.T) {
	_, err := Load(writeConfig(t, "escalation:\n  work_start: \"8am\"\n"))
	require.Error(t, err)

	_, err = Load(writeConfig(t, "cache:\n  backend: redis\n"))
	require.ErrorContains(t, err, "redis_url")

	_, err = Load(writeConfig(t, "alerting:\n  telegram:\n    enabled: true\n"))
	require.ErrorContains(t, err, "bot_token")
}

func TestParseWeekdays(t *testing.T) {
	days, err := ParseWeekdays([]string{"Monday", "fri"})
	require.NoError(t, err)
	require.Equal(t, []time.Weekday{time.Monday, time.Friday}, days)

	_, err = ParseWeekdays([]string{"funday"})
	require.Error(t, err)
}
