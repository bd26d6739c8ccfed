package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/goodtune/playwarden/internal/clock"
	"github.com/goodtune/playwarden/internal/config"
	"github.com/goodtune/playwarden/internal/quota"
	"github.com/goodtune/playwarden/internal/stats"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check quota state interactively",
	Long:  `Check what Playwarden currently knows about a user's usage and quota.`,
}

var checkQuotaCmd = &cobra.Command{
	Use:     "quota USER",
	Short:   "Check a user's remaining budget for today",
	Long:    `Show the user's effective limit for today, the minutes already used, and what the enforcement loop would do next.`,
	Example: `  playwarden -c config.yaml check quota alice
  playwarden check quota bob`,
	Args: cobra.ExactArgs(1),
	RunE: runCheckQuota,
}

var checkGamesCmd = &cobra.Command{
	Use:     "games [flags] USER",
	Short:   "Show a user's most played games",
	Example: `  playwarden check games --days 7 alice`,
	Args:    cobra.ExactArgs(1),
	RunE:    runCheckGames,
}

var checkGamesDays int

func init() {
	checkGamesCmd.Flags().IntVar(&checkGamesDays, "days", 30, "Trailing window in days")

	checkCmd.AddCommand(checkQuotaCmd)
	checkCmd.AddCommand(checkGamesCmd)
	rootCmd.AddCommand(checkCmd)
}

// checkComponents opens the pieces needed for read-only checks.
func checkComponents() (*stats.Aggregator, *quota.Policy, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	// Create a quiet logger for check mode
	logger := zerolog.New(os.Stderr).Level(zerolog.ErrorLevel).With().Timestamp().Logger()

	store, err := openStorage(cfg.Storage)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	loc, err := config.LoadLocation(cfg.Quota.Timezone)
	if err != nil {
		store.Close()
		return nil, nil, nil, fmt.Errorf("failed to load timezone: %w", err)
	}
	clk := clock.System{Location: loc}

	usage, err := stats.New(store.Sessions(), clk, logger)
	if err != nil {
		store.Close()
		return nil, nil, nil, fmt.Errorf("failed to initialize usage aggregator: %w", err)
	}

	policy := quota.New(store.Quotas(), usage, quota.Defaults{
		LimitMinutes:        cfg.Quota.DefaultLimitMinutes,
		WarningLeadMinutes:  cfg.Quota.WarningLeadMinutes,
		AutoShutdownEnabled: cfg.Quota.AutoShutdownEnabled,
	}, logger)

	return usage, policy, func() { store.Close() }, nil
}

func runCheckQuota(cmd *cobra.Command, args []string) error {
	userID := args[0]

	_, policy, closeStore, err := checkComponents()
	if err != nil {
		return err
	}
	defer closeStore()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	remaining, cfg, err := policy.Remaining(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to evaluate quota: %w", err)
	}

	printQuotaResult(userID, remaining, cfg.WarningLeadMinutes, cfg.AutoShutdownEnabled)
	return nil
}

func runCheckGames(cmd *cobra.Command, args []string) error {
	userID := args[0]

	usage, _, closeStore, err := checkComponents()
	if err != nil {
		return err
	}
	defer closeStore()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	games, err := usage.TopGames(ctx, userID, checkGamesDays, 10)
	if err != nil {
		return fmt.Errorf("failed to compute top games: %w", err)
	}

	cyan := color.New(color.FgCyan, color.Bold)
	fmt.Println()
	cyan.Printf("TOP GAMES (last %d days)\n", checkGamesDays)
	fmt.Println()
	if len(games) == 0 {
		fmt.Println("No recorded play time.")
		return nil
	}
	for i, game := range games {
		fmt.Printf("%2d. %-40s %5d min\n", i+1, game.Game, game.Minutes)
	}
	return nil
}

// printQuotaResult prints the quota check result with colors
func printQuotaResult(userID string, remaining quota.Remaining, warningLead int, autoShutdown bool) {
	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen, color.Bold)
	yellow := color.New(color.FgYellow, color.Bold)
	red := color.New(color.FgRed, color.Bold)

	fmt.Println()
	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	cyan.Println("QUOTA CHECK")
	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()

	fmt.Printf("User:       %s\n", userID)
	fmt.Printf("Limit:      %d min\n", remaining.LimitMinutes)
	fmt.Printf("Used:       %d min\n", remaining.UsedMinutes)
	fmt.Printf("Remaining:  %d min\n", remaining.Clamped)
	fmt.Println()

	cyan.Print("State:      ")
	switch {
	case remaining.Minutes <= 0 && autoShutdown:
		red.Println("EXHAUSTED")
		fmt.Println("            → Any open session will be shut down")
	case remaining.Minutes <= 0:
		red.Println("EXHAUSTED (warn-only)")
		fmt.Println("            → Auto shutdown is disabled for this user")
	case remaining.Minutes <= warningLead:
		yellow.Println("WARNING")
		fmt.Printf("            → Shutdown in at most %d minutes of play\n", remaining.Clamped)
	default:
		green.Println("OK")
		fmt.Printf("            → %d minutes of play left today\n", remaining.Clamped)
	}
	fmt.Println()
}
