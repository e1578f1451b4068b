package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	cli "github.com/urfave/cli/v2"

	"github.com/linkguard/guardian/internal/config"
	"github.com/linkguard/guardian/internal/guardian"
	"github.com/linkguard/guardian/internal/messaging"
	"github.com/linkguard/guardian/internal/moderation"
	"github.com/linkguard/guardian/internal/protocol"
	"github.com/linkguard/guardian/internal/ratelimit"
	"github.com/linkguard/guardian/internal/store"
	"github.com/linkguard/guardian/internal/store/sqlstore"
	"github.com/linkguard/guardian/internal/threatlist"
	"github.com/linkguard/guardian/internal/verdict"
)

func main() {
	if err := run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	app := cli.App{
		Name:  "linkcheck",
		Usage: "operator tool for the link guardian",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "path to the YAML config file",
				EnvVars: []string{"GUARDIAN_CONFIG"},
			},
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "log check and backend details to stderr",
			},
		},
		Before: func(cctx *cli.Context) error {
			level := zerolog.WarnLevel
			if cctx.Bool("verbose") {
				level = zerolog.DebugLevel
			}
			zerolog.SetGlobalLevel(level)
			log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
			return nil
		},
		Commands: []*cli.Command{
			analyzeCmd,
			warningsCmd,
			unmuteCmd,
			historyCmd,
			budgetCmd,
			migrateCmd,
		},
	}
	return app.Run(args)
}

func loadConfig(cctx *cli.Context) (*config.Config, error) {
	return config.Load(cctx.String("config"))
}

var analyzeCmd = &cli.Command{
	Name:      "analyze",
	Usage:     "score a URL without taking moderation action",
	ArgsUsage: "<url>",
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "no-ai",
			Usage: "run the heuristic checks only",
		},
	},
	Action: func(cctx *cli.Context) error {
		rawURL := cctx.Args().First()
		if rawURL == "" {
			return cli.Exit("a URL is required", 1)
		}
		cfg, err := loadConfig(cctx)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cctx.Context, cfg.Analysis.Deadline)
		defer cancel()

		list := threatlist.NewList(nil)
		if err := threatlist.NewRefresher(list, guardian.ThreatListSources(cfg, nil)...).Refresh(ctx); err != nil {
			return err
		}
		analyzers := guardian.BuildAnalyzers(cfg, list)

		basic := analyzers.Basic.Analyze(ctx, rawURL)
		var ai verdict.Verdict
		if !cctx.Bool("no-ai") {
			ai = analyzers.Content.Analyze(ctx, rawURL, basic)
		}
		if ctx.Err() != nil {
			return fmt.Errorf("analysis exceeded the %s deadline", cfg.Analysis.Deadline)
		}
		return printJSON(verdict.Combine(basic, ai, cfg.Thresholds))
	},
}

var memberFlags = []cli.Flag{
	&cli.StringFlag{Name: "community", Required: true},
	&cli.StringFlag{Name: "user", Required: true},
}

// command sends a request to the running guardian and decodes its reply.
func command(cctx *cli.Context, name string, payload, out interface{}) error {
	cfg, err := loadConfig(cctx)
	if err != nil {
		return err
	}
	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATS.URL
	natsConfig.Name = "linkguard-linkcheck"
	natsConfig.MaxReconnects = 0
	nc, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		return err
	}
	defer nc.Close()

	data, err := protocol.NewMessage(name, payload)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cctx.Context, 15*time.Second)
	defer cancel()
	reply, err := nc.Request(ctx, messaging.CommandSubject(name), data)
	if err != nil {
		return err
	}
	return protocol.DecodeReply(reply, out)
}

var warningsCmd = &cli.Command{
	Name:  "warnings",
	Usage: "list a member's recent warnings",
	Flags: memberFlags,
	Action: func(cctx *cli.Context) error {
		var ws []store.Warning
		err := command(cctx, protocol.TypeWarnings, protocol.WarningsMsg{
			CommunityID: cctx.String("community"),
			UserID:      cctx.String("user"),
		}, &ws)
		if err != nil {
			return err
		}
		if len(ws) == 0 {
			fmt.Println("No warnings found.")
			return nil
		}
		for i, w := range ws {
			fmt.Printf("%d. %s  %s\n", i+1, w.CreatedAt.Format(time.RFC3339), w.Reason)
		}
		return nil
	},
}

var unmuteCmd = &cli.Command{
	Name:  "unmute",
	Usage: "lift a member's mute",
	Flags: append([]cli.Flag{
		&cli.StringFlag{Name: "moderator", Value: "linkcheck", Usage: "moderator recorded for the unmute"},
	}, memberFlags...),
	Action: func(cctx *cli.Context) error {
		var res moderation.UnmuteResult
		err := command(cctx, protocol.TypeUnmute, protocol.UnmuteMsg{
			CommunityID: cctx.String("community"),
			UserID:      cctx.String("user"),
			ModeratorID: cctx.String("moderator"),
		}, &res)
		if err != nil {
			return err
		}
		if !res.WasMuted {
			fmt.Println("Member was not muted.")
			return nil
		}
		fmt.Println("Member unmuted.")
		return nil
	},
}

var historyCmd = &cli.Command{
	Name:  "history",
	Usage: "show a community's most recent analysed links",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "community", Required: true, Usage: "community ID"},
		&cli.IntFlag{Name: "limit", Value: 20, Usage: "number of rows"},
	},
	Action: func(cctx *cli.Context) error {
		cfg, err := loadConfig(cctx)
		if err != nil {
			return err
		}
		st, err := sqlstore.Open(cctx.Context, cfg.Database.Driver, cfg.Database.DSN)
		if err != nil {
			return err
		}
		defer st.Close()

		recs, err := st.RecentLinks(cctx.Context, cctx.String("community"), cctx.Int("limit"))
		if err != nil {
			return err
		}
		for _, r := range recs {
			level := r.ThreatLevel
			if level == "" {
				level = "-"
			}
			fmt.Printf("%s  %-10s %-15s %-12s %s\n",
				r.CreatedAt.Format(time.RFC3339), level, r.ActionTaken, r.UserID, r.URL)
		}
		return nil
	},
}

var budgetCmd = &cli.Command{
	Name:  "budget",
	Usage: "show how many AI analyses a community has left in the current window",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "community", Required: true, Usage: "community ID"},
	},
	Action: func(cctx *cli.Context) error {
		cfg, err := loadConfig(cctx)
		if err != nil {
			return err
		}
		if cfg.Redis.Addr == "" {
			return cli.Exit("no Redis configured: the AI budget is unlimited", 1)
		}
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer rdb.Close()

		budget := ratelimit.RedisBudget{
			Limiter: ratelimit.NewLimiter(rdb),
			Rule:    ratelimit.AIBudget(cfg.AIBudget.Limit, cfg.AIBudget.Window),
		}
		n, err := budget.Remaining(cctx.Context, cctx.String("community"))
		if err != nil {
			return err
		}
		fmt.Printf("%d of %d AI analyses left (window %s)\n", n, cfg.AIBudget.Limit, cfg.AIBudget.Window)
		return nil
	},
}

var migrateCmd = &cli.Command{
	Name:  "migrate",
	Usage: "apply database migrations",
	Flags: []cli.Flag{
		&cli.IntFlag{Name: "down", Usage: "roll back this many migrations instead"},
	},
	Action: func(cctx *cli.Context) error {
		cfg, err := loadConfig(cctx)
		if err != nil {
			return err
		}
		driver, dsn := cfg.Database.Driver, cfg.Database.DSN

		if n := cctx.Int("down"); n > 0 {
			if err := sqlstore.MigrateDown(driver, dsn, n); err != nil {
				return err
			}
		} else {
			// Open creates the SQLite directory and migrates up.
			st, err := sqlstore.Open(cctx.Context, driver, dsn)
			if err != nil {
				return err
			}
			_ = st.Close()
		}

		v, dirty, err := sqlstore.Version(driver, dsn)
		if err != nil {
			return err
		}
		fmt.Printf("schema version %d (dirty=%t)\n", v, dirty)
		return nil
	},
}

func printJSON(v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
