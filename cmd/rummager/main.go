package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/urfave/cli.v1"

	"github.com/rummager/rummager/internal/pipeline"
	"github.com/rummager/rummager/pkg/config"
	apperrors "github.com/rummager/rummager/pkg/errors"
	"github.com/rummager/rummager/pkg/kafka"
	"github.com/rummager/rummager/pkg/logger"
	"github.com/rummager/rummager/pkg/metrics"
)

func main() {
	app := cli.NewApp()
	app.Name = "rummager"
	app.HelpName = os.Args[0]
	app.Usage = "build the citation graph and search index artifacts"
	app.HideVersion = true
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "config, c", Value: "", Usage: "path to the YAML config file"},
		cli.StringFlag{Name: "output-dir, o", Usage: "directory for build artifacts"},
		cli.StringFlag{Name: "citations", Usage: "citation JSONL input"},
		cli.StringFlag{Name: "corpus", Usage: "document corpus input"},
		cli.StringFlag{Name: "metadata", Usage: "metadata JSONL input"},
		cli.StringFlag{Name: "scores", Usage: "ranking score file (<DenseID> <score> lines)"},
		cli.IntFlag{Name: "limit", Usage: "stop after this many corpus documents"},
		cli.StringFlag{Name: "log-level", Usage: "debug, info, warn or error"},
		cli.BoolFlag{Name: "skip-preflight", Usage: "start stages without checking inputs and sinks first"},
	}
	app.Commands = []cli.Command{
		stageCommand(pipeline.StagePreprocess, "convert the JSONL corpus into <id>\\t<text> form"),
		stageCommand(pipeline.StageGraph, "assign dense IDs and write the citation graph"),
		stageCommand(pipeline.StageLexicon, "assign term IDs over the corpus"),
		stageCommand(pipeline.StageForward, "write the forward index and document lengths"),
		stageCommand(pipeline.StageInverted, "invert the forward index"),
		stageCommand(pipeline.StageIndex, "build forward and inverted indexes in one pass"),
		stageCommand(pipeline.StageBarrels, "shard the inverted index into binary barrels"),
		stageCommand(pipeline.StageVerify, "check barrels against their manifest"),
		stageCommand(pipeline.StageDump, "write a text dump next to every barrel"),
		stageCommand(pipeline.StagePublish, "merge scores and metadata onto canonical IDs"),
		stageCommand(pipeline.StageAll, "run every stage in dependency order"),
		{
			Name:      "check",
			Usage:     "check inputs and sinks for the named stages without running them",
			ArgsUsage: "[stage...]",
			Action:    checkStages,
		},
		{
			Name:      "run",
			Usage:     "run the named stages in order",
			ArgsUsage: "<stage> [stage...]",
			Action: func(c *cli.Context) error {
				return runStages(c, c.Args()...)
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "rummager: %v\n", err)
		os.Exit(apperrors.ExitCode(err))
	}
}

func stageCommand(stage, usage string) cli.Command {
	return cli.Command{
		Name:  stage,
		Usage: usage,
		Action: func(c *cli.Context) error {
			return runStages(c, stage)
		},
	}
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.GlobalString("config"))
	if err != nil {
		return nil, err
	}
	if v := c.GlobalString("output-dir"); v != "" {
		cfg.Paths.OutputDir = v
	}
	if v := c.GlobalString("citations"); v != "" {
		cfg.Paths.Citations = v
	}
	if v := c.GlobalString("corpus"); v != "" {
		cfg.Paths.Corpus = v
	}
	if v := c.GlobalString("metadata"); v != "" {
		cfg.Paths.Metadata = v
	}
	if v := c.GlobalString("scores"); v != "" {
		cfg.Paths.Scores = v
	}
	if v := c.GlobalInt("limit"); v > 0 {
		cfg.Corpus.Limit = v
	}
	if v := c.GlobalString("log-level"); v != "" {
		cfg.Logging.Level = v
	}
	return cfg, cfg.Validate()
}

func runStages(c *cli.Context, stages ...string) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New(nil)
	}

	var notifier pipeline.Notifier
	if cfg.Kafka.Notify {
		kn := pipeline.NewKafkaNotifier(kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.IndexComplete))
		defer kn.Close()
		notifier = kn
	}

	p, err := pipeline.New(cfg, m, notifier)
	if err != nil {
		return err
	}
	checker, err := p.Preflight(stages...)
	if err != nil {
		return err
	}
	if cfg.Metrics.Enabled {
		shutdown := metrics.StartServer(cfg.Metrics.Port, nil, checker.Handler())
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			shutdown(sctx)
		}()
	}
	if !c.GlobalBool("skip-preflight") {
		if err := checker.Run(ctx).Err(); err != nil {
			return err
		}
	}
	res, err := p.Run(ctx, stages...)
	if err != nil {
		return err
	}
	slog.Info("artifacts ready",
		"run_id", res.RunID,
		"artifacts", res.Artifacts,
		"counts", res.Counts,
		"duration", res.Duration,
	)
	return nil
}

func checkStages(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	stages := []string(c.Args())
	if len(stages) == 0 {
		stages = []string{pipeline.StageAll}
	}
	p, err := pipeline.New(cfg, nil, nil)
	if err != nil {
		return err
	}
	checker, err := p.Preflight(stages...)
	if err != nil {
		return err
	}
	report := checker.Run(context.Background())
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return err
	}
	return report.Err()
}
