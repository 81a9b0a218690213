// billctl drives a billscope server from the command line.
//
// Usage:
//
//	billctl seed -f data.yaml
//	billctl detect --user user-1 --period 2025-04
//	billctl simulate --user user-1 --period 2025-04 --plan max --disable-vas
//	billctl compare --user user-1 --period 2025-04
//	billctl summary --user user-1 --period 2025-04
package main

import (
	"fmt"
	"os"

	"github.com/opensource-finance/billscope/internal/domain"
	"github.com/urfave/cli/v2"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "billctl",
		Usage:   "Operate a billscope server: seed data, detect anomalies, simulate what-if scenarios",
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),

		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "url",
				Value:   "http://localhost:8080",
				Usage:   "billscope server URL",
				EnvVars: []string{"BILLSCOPE_URL"},
			},
		},

		Commands: []*cli.Command{
			seedCommand(),
			detectCommand(),
			historyCommand(),
			simulateCommand(),
			applyCommand(),
			compareCommand(),
			summaryCommand(),
			cohortCommand(),
		},
	}
}

func userPeriodFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:     "user",
			Aliases:  []string{"u"},
			Usage:    "Subscriber id",
			Required: true,
		},
		&cli.StringFlag{
			Name:     "period",
			Aliases:  []string{"p"},
			Usage:    "Billing period (YYYY-MM)",
			Required: true,
		},
	}
}

func userPeriod(c *cli.Context) (string, domain.Period, error) {
	period, err := domain.ParsePeriod(c.String("period"))
	if err != nil {
		return "", domain.Period{}, err
	}
	return c.String("user"), period, nil
}

// =============================================================================
// SEED COMMAND
// =============================================================================

func seedCommand() *cli.Command {
	return &cli.Command{
		Name:  "seed",
		Usage: "Load catalog entries, user configurations, bills and usage from a YAML file",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "file",
				Aliases:  []string{"f"},
				Usage:    "Path to the seed YAML file",
				Required: true,
			},
		},
		Action: func(c *cli.Context) error {
			seed, err := loadSeed(c.String("file"))
			if err != nil {
				return err
			}
			stats, err := newClient(c.String("url")).seed(c.Context, seed)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "Seeded %d catalog entries, %d users, %d bills, %d usage records\n",
				stats.Catalog, stats.Users, stats.Bills, stats.Usage)
			return nil
		},
	}
}

// =============================================================================
// DETECTION COMMANDS
// =============================================================================

func detectCommand() *cli.Command {
	return &cli.Command{
		Name:  "detect",
		Usage: "Detect anomalies on a bill",
		Flags: userPeriodFlags(),
		Action: func(c *cli.Context) error {
			userID, period, err := userPeriod(c)
			if err != nil {
				return err
			}
			body := map[string]any{"userId": userID, "period": period}
			return newClient(c.String("url")).print(c.Context, "POST", "/anomalies", body)
		},
	}
}

func historyCommand() *cli.Command {
	return &cli.Command{
		Name:  "history",
		Usage: "Show anomalies over a subscriber's recent bills",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "user",
				Aliases:  []string{"u"},
				Usage:    "Subscriber id",
				Required: true,
			},
			&cli.IntFlag{
				Name:  "periods",
				Value: 6,
				Usage: "Number of recent bills",
			},
		},
		Action: func(c *cli.Context) error {
			path := fmt.Sprintf("/anomalies/%s/history?periods=%d", c.String("user"), c.Int("periods"))
			return newClient(c.String("url")).print(c.Context, "GET", path, nil)
		},
	}
}

// =============================================================================
// WHAT-IF COMMANDS
// =============================================================================

func scenarioFlags() []cli.Flag {
	return append(userPeriodFlags(),
		&cli.StringFlag{
			Name:  "plan",
			Usage: "Switch to this plan id",
		},
		&cli.StringSliceFlag{
			Name:  "addon",
			Usage: "Add this add-on id (repeatable)",
		},
		&cli.BoolFlag{
			Name:  "disable-vas",
			Usage: "Cancel all value-added services",
		},
		&cli.BoolFlag{
			Name:  "block-premium-sms",
			Usage: "Block premium SMS",
		},
	)
}

func simulateCommand() *cli.Command {
	return &cli.Command{
		Name:   "simulate",
		Usage:  "Re-rate a bill under a hypothetical configuration",
		Flags:  scenarioFlags(),
		Action: scenarioAction("/whatif"),
	}
}

func applyCommand() *cli.Command {
	return &cli.Command{
		Name:   "apply",
		Usage:  "Simulate a scenario and make it the live configuration",
		Flags:  scenarioFlags(),
		Action: scenarioAction("/whatif/apply"),
	}
}

func scenarioAction(path string) cli.ActionFunc {
	return func(c *cli.Context) error {
		userID, period, err := userPeriod(c)
		if err != nil {
			return err
		}
		body := map[string]any{
			"userId":   userID,
			"period":   period,
			"scenario": scenarioFromFlags(c),
		}
		return newClient(c.String("url")).print(c.Context, "POST", path, body)
	}
}

func scenarioFromFlags(c *cli.Context) domain.Scenario {
	s := domain.Scenario{
		AddOnIDs:        c.StringSlice("addon"),
		DisableVAS:      c.Bool("disable-vas"),
		BlockPremiumSMS: c.Bool("block-premium-sms"),
	}
	if c.IsSet("plan") {
		plan := c.String("plan")
		s.PlanID = &plan
	}
	return s
}

func compareCommand() *cli.Command {
	return &cli.Command{
		Name:  "compare",
		Usage: "Rank generated scenarios by saving",
		Flags: userPeriodFlags(),
		Action: func(c *cli.Context) error {
			userID, period, err := userPeriod(c)
			if err != nil {
				return err
			}
			body := map[string]any{"userId": userID, "period": period}
			return newClient(c.String("url")).print(c.Context, "POST", "/whatif/compare", body)
		},
	}
}

func summaryCommand() *cli.Command {
	return &cli.Command{
		Name:  "summary",
		Usage: "Summarise a bill",
		Flags: userPeriodFlags(),
		Action: func(c *cli.Context) error {
			userID, period, err := userPeriod(c)
			if err != nil {
				return err
			}
			path := fmt.Sprintf("/bills/%s/%s/summary", userID, period)
			return newClient(c.String("url")).print(c.Context, "GET", path, nil)
		},
	}
}

func cohortCommand() *cli.Command {
	return &cli.Command{
		Name:  "cohort",
		Usage: "Compare a user's bills with users on the same plan",
		Flags: append(userPeriodFlags(),
			&cli.IntFlag{
				Name:  "months",
				Usage: "Comparison window in months (server default when unset)",
			},
		),
		Action: func(c *cli.Context) error {
			userID, period, err := userPeriod(c)
			if err != nil {
				return err
			}
			path := fmt.Sprintf("/users/%s/cohort/%s", userID, period)
			if c.IsSet("months") {
				path += fmt.Sprintf("?months=%d", c.Int("months"))
			}
			return newClient(c.String("url")).print(c.Context, "GET", path, nil)
		},
	}
}
