// Package main implements rollout-runner, an operator CLI that runs one
// rollout in-process, previews its plan, or enqueues it for the worker.
//
// Usage:
//
//	go run ./cmd/tools/rollout-runner --input1=s3://in/20231012-06.grid.zst --input2=s3://in/20231012-00.grid.zst
//	go run ./cmd/tools/rollout-runner --dry-run --input1=./a.grid.zst --input2=./b.grid.zst
//	go run ./cmd/tools/rollout-runner --echo --max-steps=3 --input1=./a.grid.zst --input2=./b.grid.zst
//	go run ./cmd/tools/rollout-runner --enqueue --input1=... --input2=...
//
// Configuration is read from the environment (or .env) exactly as the
// server reads it. --dry-run ignores DATABASE_URL.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"cascade/internal/app"
	"cascade/internal/config"
	"cascade/internal/grid"
	"cascade/internal/observability"
	"cascade/internal/queue"
	"cascade/internal/rollout"
	"cascade/internal/service"
	"cascade/internal/storage"
	"cascade/internal/temporal"
	"cascade/internal/types"
)

type options struct {
	input1   string
	input2   string
	output   string
	maxSteps int
	dryRun   bool
	echo     bool
	enqueue  bool
}

func main() {
	var opts options
	flag.StringVar(&opts.input1, "input1", "", "Initial state grid artifact (s3:// or local path)")
	flag.StringVar(&opts.input2, "input2", "", "Auxiliary grid artifact (s3:// or local path)")
	flag.StringVar(&opts.output, "output", "", "Output prefix (default <input1 without extension>/result)")
	flag.IntVar(&opts.maxSteps, "max-steps", 0, "Stop after this many steps (0 runs the full schedule)")
	flag.BoolVar(&opts.dryRun, "dry-run", false, "Print the rollout plan without loading any model")
	flag.BoolVar(&opts.echo, "echo", false, "Use the echo runtime instead of the inference sidecar")
	flag.BoolVar(&opts.enqueue, "enqueue", false, "Send the request to ROLLOUT_QUEUE_URL instead of running it")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: rollout-runner --input1=URI --input2=URI [flags]\n\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if opts.input1 == "" || opts.input2 == "" {
		fmt.Fprintf(os.Stderr, "error: --input1 and --input2 are required\n\n")
		flag.Usage()
		os.Exit(2)
	}

	if err := run(opts); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(opts options) error {
	if err := config.ResolveSecrets(config.NewSSMProvider(os.Getenv("AWS_REGION"))); err != nil {
		return err
	}
	cfg, err := config.LoadConfig(nil)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	if opts.echo {
		cfg.Runtime.Echo = true
	}
	if opts.dryRun {
		cfg.Database.URL = ""
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := observability.NewLogger(os.Stderr, cfg.LogLevel)
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("wiring dependencies: %w", err)
	}
	defer a.Close()

	req := types.RolloutRequest{
		Filename1:    opts.input1,
		Filename2:    opts.input2,
		OutputPrefix: opts.output,
		MaxSteps:     opts.maxSteps,
	}

	switch {
	case opts.dryRun:
		summary, err := summarize(ctx, a.Store, req, a.Service.Stages(), cfg.Rollout.Frequency)
		if err != nil {
			return err
		}
		return printJSON(os.Stdout, summary)

	case opts.enqueue:
		if cfg.Queue.URL == "" {
			return fmt.Errorf("ROLLOUT_QUEUE_URL is required with --enqueue")
		}
		client := sqs.NewFromConfig(a.AWS, func(o *sqs.Options) {
			if ep := cfg.Storage.EndpointURL; ep != "" {
				o.BaseEndpoint = aws.String(ep)
			}
		})
		id, err := queue.NewProducer(client, cfg.Queue.URL, logger).Submit(ctx, req, "rollout-runner")
		if err != nil {
			return err
		}
		fmt.Println(id)
		return nil

	default:
		res, err := a.Service.Execute(ctx, req)
		if err != nil {
			return err
		}
		return printJSON(os.Stdout, res)
	}
}

type gridSummary struct {
	Variables []string `json:"variables"`
	Shape     []int64  `json:"shape"`
	Min       float64  `json:"min"`
	Max       float64  `json:"max"`
	Mean      float64  `json:"mean"`
}

type planSummary struct {
	Destination    string        `json:"destination"`
	InitTime       time.Time     `json:"init_time"`
	Stages         []types.Stage `json:"stages"`
	Steps          int           `json:"steps"`
	FirstValidTime time.Time     `json:"first_valid_time"`
	LastValidTime  time.Time     `json:"last_valid_time"`
	FirstEmbedding []float32     `json:"first_embedding"`
	Input          gridSummary   `json:"input"`
}

// summarize checks every precondition a real run would check and reports
// what the run would do.
func summarize(ctx context.Context, store storage.Store, req types.RolloutRequest, stages []types.Stage, freq time.Duration) (*planSummary, error) {
	rc, err := store.Open(ctx, req.Filename1)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	initial, err := grid.Decode(rc)
	if err != nil {
		return nil, err
	}

	plan := rollout.Plan{
		Initial:     initial,
		InitTime:    initial.InitTime(),
		Stages:      stages,
		Destination: service.Destination(req),
		SourceName:  req.Filename1,
		MaxSteps:    req.MaxSteps,
	}
	if err := rollout.Validate(plan); err != nil {
		return nil, err
	}

	steps := types.TotalSteps(stages)
	if req.MaxSteps > 0 && req.MaxSteps < steps {
		steps = req.MaxSteps
	}
	emb, err := temporal.Encode(plan.InitTime, steps, freq)
	if err != nil {
		return nil, err
	}

	st := initial.Stats()
	out := &planSummary{
		Destination:    plan.Destination,
		InitTime:       plan.InitTime,
		Stages:         stages,
		Steps:          steps,
		FirstValidTime: plan.InitTime.Add(freq),
		LastValidTime:  plan.InitTime.Add(time.Duration(steps) * freq),
		Input: gridSummary{
			Variables: initial.Variables,
			Shape:     initial.Shape(),
			Min:       st.Min,
			Max:       st.Max,
			Mean:      st.Mean,
		},
	}
	if len(emb) > 0 {
		out.FirstEmbedding = emb[0].Values()
	}
	return out, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
