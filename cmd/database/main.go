package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/spf13/cobra"

	"neurograph/database"
	"neurograph/database/mongodb"
	"neurograph/pregel"
)

func main() {
	logFile, err := os.OpenFile("neurograph.log", os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		log.Fatal(err)
	}
	defer logFile.Close()
	// stdout is kept for export
	log.SetOutput(io.MultiWriter(os.Stderr, logFile))
	log.SetPrefix("Database: ")

	rootCmd := &cobra.Command{
		Use:   "database",
		Short: "Move neuron graphs between files and graph stores",
	}
	rootCmd.AddCommand(
		newUploadCmd(),
		newCreateTableCmd(),
		newExportCmd(),
	)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newUploadCmd() *cobra.Command {
	var from pregel.GraphSource
	cmd := &cobra.Command{
		Use:   "upload <dynamodb|mongodb|sqlite3|mysql|sqlserver> <table, collection or DSN>",
		Short: "Load a graph and write it into a store",
		Example: `  database upload dynamodb neurons --from graphs/sample.txt
  database upload sqlite3 graph.db --from-kind population --from graphs/basal_ganglia.yaml`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			graph, err := database.Load(ctx, from)
			if err != nil {
				return err
			}
			return upload(ctx, args[0], args[1], graph)
		},
	}
	cmd.Flags().StringVar(&from.Kind, "from-kind", database.TEXT, "Kind of the source graph")
	cmd.Flags().StringVar(&from.Location, "from", "", "Location of the source graph")
	cmd.MarkFlagRequired("from")
	return cmd
}

func upload(ctx context.Context, kind string, location string, graph database.Graph) error {
	switch kind {
	case database.DYNAMODB:
		svc, err := database.GetDynamoClient(ctx, database.DynamoConfigFromEnv(location))
		if err != nil {
			return err
		}
		return database.UploadGraph(ctx, svc, location, graph)
	case mongodb.MONGODB:
		config := mongodb.ConfigFromEnv(location)
		client, err := mongodb.GetDatabaseClient(ctx, config.URI)
		if err != nil {
			return err
		}
		defer client.Disconnect(context.Background())
		collection := client.Database(config.Database).Collection(config.Collection)
		return mongodb.UploadGraph(ctx, collection, graph)
	case database.SQLITE, database.MYSQL, database.SQLSERVER:
		db, err := sql.Open(kind, location)
		if err != nil {
			return err
		}
		defer db.Close()
		return database.UploadSQLGraph(ctx, db, kind, graph)
	}
	return fmt.Errorf("upload: %w: %q", database.ErrUnknownSource, kind)
}

func newCreateTableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create-table <table>",
		Short: "Create a DynamoDB neuron table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			svc, err := database.GetDynamoClient(ctx, database.DynamoConfigFromEnv(args[0]))
			if err != nil {
				return err
			}
			return database.CreateNeuronTable(ctx, svc, args[0])
		},
	}
}

func newExportCmd() *cobra.Command {
	var from pregel.GraphSource
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write any graph source as a text graph on stdout",
		RunE: func(cmd *cobra.Command, args []string) error {
			graph, err := database.Load(context.Background(), from)
			if err != nil {
				return err
			}
			return database.WriteText(os.Stdout, graph)
		},
	}
	cmd.Flags().StringVar(&from.Kind, "from-kind", database.TEXT, "Kind of the source graph")
	cmd.Flags().StringVar(&from.Location, "from", "", "Location of the source graph")
	cmd.MarkFlagRequired("from")
	return cmd
}
