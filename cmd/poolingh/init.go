package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/poolingh/poolingh/internal/config"
)

func initCmd() *cobra.Command {
	var outPath string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Interactively build a poolingh config file",
		Long:  "Walk through a short questionnaire to produce a poolingh.yaml covering credentials, sinks, and pool policy.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(outPath)
		},
	}

	cmd.Flags().StringVarP(&outPath, "output", "o", "poolingh.yaml", "path to write the generated config")
	return cmd
}

type initAnswers struct {
	tokenCount      string
	maxPerRequest   string
	safetyMargin    string
	resumeBuffer    string
	sinkType        string
	sinkDestination string
	metricsEnabled  bool
	apiEnabled      bool
}

func runInit(outPath string) error {
	cfg := config.DefaultConfig()

	answers := &initAnswers{
		tokenCount:      "3",
		maxPerRequest:   strconv.Itoa(cfg.Pool.MaxPerRequest),
		safetyMargin:    strconv.Itoa(cfg.Client.SafetyMargin),
		resumeBuffer:    cfg.Client.ResumeBuffer.String(),
		sinkType:        cfg.Storage.Type,
		sinkDestination: cfg.Storage.OutputPath,
	}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("How many credential tokens will you pool?").
				Description("Credential values themselves are supplied via --tokens or --tokens-file at run time, never saved to disk.").
				Value(&answers.tokenCount).
				Validate(positiveIntValidator),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Retry budget per URL").
				Description("How many failed attempts a single request may accumulate before it's abandoned").
				Value(&answers.maxPerRequest).
				Validate(positiveIntValidator),
			huh.NewInput().
				Title("Safety margin").
				Description("Requests of headroom a client keeps before proactively pausing").
				Value(&answers.safetyMargin).
				Validate(nonNegativeIntValidator),
			huh.NewInput().
				Title("Resume buffer").
				Description("Extra delay after a rate-limit reset before a paused client resumes (e.g. 2s)").
				Value(&answers.resumeBuffer).
				Validate(durationValidator),
		),
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Result sink").
				Options(
					huh.NewOption("JSONL file", "jsonl"),
					huh.NewOption("CSV file", "csv"),
					huh.NewOption("MongoDB", "mongo"),
					huh.NewOption("Postgres", "postgres"),
					huh.NewOption("None (results stay in-process)", "none"),
				).
				Value(&answers.sinkType),
			huh.NewInput().
				Title("Sink destination").
				Description("Output directory for file sinks, or a connection DSN for mongo/postgres").
				Value(&answers.sinkDestination),
		),
		huh.NewGroup(
			huh.NewConfirm().
				Title("Enable the Prometheus metrics endpoint?").
				Value(&answers.metricsEnabled),
			huh.NewConfirm().
				Title("Enable the status/control HTTP API?").
				Value(&answers.apiEnabled),
		),
	)

	if err := form.Run(); err != nil {
		return fmt.Errorf("onboarding form: %w", err)
	}

	applyAnswers(cfg, answers)

	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("generated config is invalid: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(outPath, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", outPath, err)
	}

	fmt.Printf("\nWrote %s\n", outPath)
	fmt.Printf("Pass your %s credential(s) to `poolingh mine` via --tokens (comma-separated) or --tokens-file (one per line).\n", answers.tokenCount)
	return nil
}

func applyAnswers(cfg *config.Config, a *initAnswers) {
	if n, err := strconv.Atoi(a.maxPerRequest); err == nil {
		cfg.Pool.MaxPerRequest = n
	}
	if n, err := strconv.Atoi(a.safetyMargin); err == nil {
		cfg.Client.SafetyMargin = n
	}
	if d, err := time.ParseDuration(a.resumeBuffer); err == nil {
		cfg.Client.ResumeBuffer = d
	}

	cfg.Storage.Type = a.sinkType
	switch a.sinkType {
	case "mongo", "postgres":
		cfg.Storage.DSN = a.sinkDestination
	default:
		cfg.Storage.OutputPath = a.sinkDestination
	}

	cfg.Metrics.Enabled = a.metricsEnabled
	cfg.API.Enabled = a.apiEnabled
}

func positiveIntValidator(s string) error {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n <= 0 {
		return fmt.Errorf("must be a positive integer")
	}
	return nil
}

func nonNegativeIntValidator(s string) error {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 0 {
		return fmt.Errorf("must be zero or a positive integer")
	}
	return nil
}

func durationValidator(s string) error {
	if _, err := time.ParseDuration(strings.TrimSpace(s)); err != nil {
		return fmt.Errorf("invalid duration (use 2s, 500ms, 1m, etc)")
	}
	return nil
}
