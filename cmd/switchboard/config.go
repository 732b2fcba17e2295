package main

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/switchboard/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config [key]",
	Short: "Show effective configuration",
	Long: `Display the configuration after merging defaults, the user config,
the project config, and environment variables.

With one argument (key), displays the value for that key.

User configuration is read from ~/.config/switchboard/config.yaml.
Project-specific overrides can be placed in .switchboard.yaml.
Any key can be overridden with SWITCHBOARD_<SECTION>_<KEY>.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		values := configValues(cfg)
		if len(args) == 1 {
			v, ok := values[strings.ToLower(args[0])]
			if !ok {
				return withExitCode(exitInvalidInput, fmt.Errorf("unknown configuration key: %s", args[0]))
			}
			fmt.Fprintln(cmd.OutOrStdout(), v)
			return nil
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "# user config: %s\n", config.GetUserConfigPath())
		if p := config.GetProjectConfigPath(); p != "" {
			fmt.Fprintf(out, "# project config: %s\n", p)
		}
		keys := make([]string, 0, len(values))
		for k := range values {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(out, "%s: %s\n", k, values[k])
		}
		return nil
	},
}

// configValues flattens the config into dot-notation keys. Secrets are masked.
func configValues(c *config.Config) map[string]string {
	pw, err := config.RedisPassword(c)
	pwDisplay := config.MaskSecret(pw)
	if err != nil {
		pwDisplay = "(unresolved)"
	}

	v := map[string]string{
		"run.max_parallel":        strconv.Itoa(c.Run.MaxParallel),
		"run.max_retries":         strconv.Itoa(c.Run.MaxRetries),
		"run.backoff_base":        c.Run.BackoffBase.String(),
		"run.backoff_max":         c.Run.BackoffMax.String(),
		"run.dispatch_timeout":    c.Run.DispatchTimeout.String(),
		"run.cancel_grace":        c.Run.CancelGrace.String(),
		"run.partial_completion":  strconv.FormatBool(c.Run.PartialCompletion),
		"run.event_buffer":        strconv.Itoa(c.Run.EventBuffer),
		"routing.scorer":          c.Routing.Scorer,
		"routing.fuzzy_threshold": strconv.FormatFloat(c.Routing.FuzzyThreshold, 'g', -1, 64),
		"log.level":               c.Log.Level,
		"log.format":              c.Log.Format,
		"log.file":                c.Log.File,
		"state.enabled":           strconv.FormatBool(c.State.Enabled),
		"state.path":              c.State.Path,
		"events.redis.enabled":    strconv.FormatBool(c.Events.Redis.Enabled),
		"events.redis.addr":       c.Events.Redis.Addr,
		"events.redis.password":   fmt.Sprintf("%s (%s)", pwDisplay, config.RedisPasswordSource(c)),
		"events.redis.db":         strconv.Itoa(c.Events.Redis.DB),
		"events.redis.stream":     c.Events.Redis.Stream,
		"events.redis.max_len":    strconv.FormatInt(c.Events.Redis.MaxLen, 10),
		"metrics.addr":            c.Metrics.Addr,
	}
	for tag, tiers := range c.Routing.FallbackTiers {
		parts := make([]string, len(tiers))
		for i, t := range tiers {
			parts[i] = strconv.Itoa(t)
		}
		v["routing.fallback_tiers."+strings.ToLower(tag)] = "[" + strings.Join(parts, ", ") + "]"
	}
	return v
}
