package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"

	"neurograph/pregel"
	"neurograph/util"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "client",
		Short: "Submit and watch neuron simulation jobs",
	}
	rootCmd.PersistentFlags().String("config", util.GetConfigPath("client_config.json"), "Client config file")

	rootCmd.AddCommand(
		newRunCmd(),
		newWatchCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// startClient reads the client config, sets up logging and connects to the
// coord
func startClient(cmd *cobra.Command) (*pregel.GraphClient, chan pregel.JobResult, error) {
	configPath, _ := cmd.Flags().GetString("config")
	var config util.ClientConfig
	if err := util.ReadConfig(configPath, &config); err != nil {
		return nil, nil, fmt.Errorf("reading client config: %w", err)
	}

	logFile, err := os.OpenFile("neurograph.log", os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, err
	}
	log.SetOutput(io.MultiWriter(os.Stderr, logFile))
	log.SetPrefix(config.ClientId + ": ")

	client := pregel.NewClient()
	notifyCh, err := client.Start(config.ClientId, config.CoordAddr)
	if err != nil {
		return nil, nil, err
	}
	return client, notifyCh, nil
}

func printProgress(p pregel.Progress) {
	fmt.Printf(
		"superstep %d: %d active, %d halted, %d messages, %v\n",
		p.SuperStepNum, p.Active, p.Halted, p.MessagesSent, p.Duration,
	)
}

func newRunCmd() *cobra.Command {
	var job pregel.JobConfig
	var haltPolicy string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a simulation job and print its progress",
		Example: `  client run --graph-kind text --graph graphs/sample.txt --max-supersteps 100
  client run --graph-kind population --graph graphs/basal_ganglia.yaml --workers 3 --output out.db`,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, notifyCh, err := startClient(cmd)
			if err != nil {
				return err
			}
			defer client.Stop()

			if job.JobId == "" {
				job.JobId = fmt.Sprintf("job-%d", time.Now().UnixNano())
			}
			job.HaltPolicy = pregel.HaltPolicy(haltPolicy)
			if err := client.SendJob(job); err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			go func() {
				if err := client.WatchProgress(ctx, job.JobId, printProgress); err != nil && ctx.Err() == nil {
					log.Printf("run: progress of job %v: %v\n", job.JobId, err)
				}
			}()

			result := <-notifyCh
			encoder := json.NewEncoder(os.Stdout)
			encoder.SetIndent("", "  ")
			if err := encoder.Encode(result); err != nil {
				return err
			}
			if result.Error != "" {
				return fmt.Errorf("job %v failed", result.JobId)
			}
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&job.JobId, "job-id", "", "Job id, generated when empty")
	flags.Uint64Var(&job.MaxSupersteps, "max-supersteps", 0, "Superstep cap, coord default when 0")
	flags.Uint32Var(&job.NumWorkers, "workers", 1, "Number of partitions")
	flags.StringVar(&haltPolicy, "halt-policy", "", "reactivate or permanent")
	flags.StringVar(&job.NonFinite, "non-finite", "", "fail, clamp or propagate")
	flags.Uint64Var(&job.Seed, "seed", 0, "Seed of the neuron generators")
	flags.Uint64Var(&job.OutputEvery, "output-every", 0, "Write a snapshot every N supersteps")
	flags.StringVar(&job.OutputPath, "output", "", "sqlite file for snapshots")
	flags.StringVar(&job.Graph.Kind, "graph-kind", "", "text, population, dynamodb, mongodb, sqlite3, mysql or sqlserver")
	flags.StringVar(&job.Graph.Location, "graph", "", "File, table, collection or DSN of the graph")
	return cmd
}

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch <jobId>",
		Short: "Print the progress of a job until it completes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, err := startClient(cmd)
			if err != nil {
				return err
			}
			defer client.Stop()
			return client.WatchProgress(context.Background(), args[0], printProgress)
		},
	}
}
