// Command extraction-worker runs the extraction.requests queue consumer.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/fx"

	"github.com/memoryforge/memoryd/internal/config"
	"github.com/memoryforge/memoryd/internal/coordinator"
	"github.com/memoryforge/memoryd/internal/model"
	"github.com/memoryforge/memoryd/internal/queue"
	"github.com/memoryforge/memoryd/internal/relstore"
	"github.com/memoryforge/memoryd/internal/wiring"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:   "extraction-worker",
		Short: "Consumes extraction.requests and runs the Extraction Stage",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	}
	root.Flags().StringVar(&configPath, "config", "", "path to a YAML/JSON config file")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if _, isConfigErr := err.(*configError); isConfigErr {
			os.Exit(1)
		}
		os.Exit(2)
	}
}

type configError struct{ error }

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return &configError{err}
	}

	app := fx.New(
		wiring.Module(configPath),
		fx.Invoke(registerConsumeLoop),
	)

	startCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		return fmt.Errorf("starting extraction-worker: %w", err)
	}

	<-app.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.WorkerDrainTimeoutS)*time.Second)
	defer cancel()
	return app.Stop(stopCtx)
}

// registerConsumeLoop wires the queue fabric's extraction consumer to
// the coordinator, running until the fx app shuts down.
func registerConsumeLoop(lc fx.Lifecycle, fab *queue.Fabric, coord *coordinator.Coordinator, rel *relstore.Gateway, logger *log.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				if err := fab.ConsumeExtraction(ctx, func(msgCtx context.Context, body []byte) error {
					return handleExtractionMessage(msgCtx, body, coord, rel)
				}); err != nil {
					logger.Error("extraction consume loop exited", "error", err)
				}
			}()
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}

type extractionWireMessage struct {
	JobID     string      `json:"job_id"`
	SessionID string      `json:"session_id"`
	Scope     model.Scope `json:"scope"`
}

func handleExtractionMessage(ctx context.Context, body []byte, coord *coordinator.Coordinator, rel *relstore.Gateway) error {
	var wire extractionWireMessage
	if err := json.Unmarshal(body, &wire); err != nil {
		return model.Classify(model.ClassInvalidInput, err)
	}

	sessionID, err := uuid.Parse(wire.SessionID)
	if err != nil {
		return model.Classify(model.ClassInvalidInput, err)
	}
	jobID, err := uuid.Parse(wire.JobID)
	if err != nil {
		jobID = uuid.New()
	}

	payload, err := json.Marshal(model.ExtractionJobPayload{SessionID: sessionID, Scope: wire.Scope})
	if err != nil {
		return model.Classify(model.ClassInvalidInput, err)
	}

	job, err := rel.GetJob(ctx, jobID)
	if err != nil {
		if model.ClassOf(err) != model.ClassInvalidInput {
			return err
		}
		job = &model.Job{
			ID:        jobID,
			Kind:      model.JobExtract,
			Scope:     wire.Scope,
			Payload:   payload,
			Status:    model.JobPending,
			CreatedAt: time.Now().UTC(),
		}
		if err := rel.CreateJob(ctx, job); err != nil {
			return err
		}
	}
	if job.Status == model.JobCompleted {
		// At-least-once redelivery of an already-materialized job, per
		// §8's idempotent-replay property: ack without rerunning.
		return nil
	}

	return coord.RunExtractionJob(ctx, job)
}
