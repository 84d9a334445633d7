package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/revgraph/revgraph/internal/codec"
	"github.com/revgraph/revgraph/internal/config"
	"github.com/revgraph/revgraph/internal/object"
	"github.com/revgraph/revgraph/internal/objectdb"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "revgraph",
		Short:   "revgraph - content-addressed object database maintenance tool",
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
	}

	rootCmd.PersistentFlags().StringP("data-dir", "d", "./data", "Data directory path")
	rootCmd.PersistentFlags().StringP("log-level", "", "info", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(
		putCmd(),
		getCmd(),
		existsCmd(),
		resolveCmd(),
		deleteCmd(),
		statCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		logrus.Fatal(err)
	}
}

func openDatabase(cmd *cobra.Command) (*objectdb.Database, error) {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	logLevel, _ := cmd.Flags().GetString("log-level")
	setupLogging(logLevel)

	cfg, err := config.Open(dataDir)
	if err != nil {
		return nil, err
	}
	if err := cfg.CheckConfig(); err != nil {
		return nil, err
	}
	if err := cfg.Configure(); err != nil {
		return nil, err
	}

	db := objectdb.New(cfg, codec.Default(), objectdb.Options{Dir: dataDir})
	if err := db.Open(); err != nil {
		return nil, err
	}
	return db, nil
}

func putCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "put",
		Short: "Store an object read from stdin, printing its id",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDatabase(cmd)
			if err != nil {
				return err
			}
			defer db.Close()

			payload, err := io.ReadAll(bufio.NewReader(os.Stdin))
			if err != nil {
				return fmt.Errorf("read stdin: %w", err)
			}

			obj := object.NewBlob(payload)
			created, err := db.Put(context.Background(), obj)
			if err != nil {
				return err
			}
			if !created {
				logrus.WithField("id", obj.ID()).Debug("object already present")
			}
			fmt.Println(obj.ID())
			return nil
		},
	}
}

func getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Print the payload of an object to stdout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := object.IDFromHex(args[0])
			if err != nil {
				return err
			}
			db, err := openDatabase(cmd)
			if err != nil {
				return err
			}
			defer db.Close()

			obj, err := db.Get(context.Background(), id)
			if err != nil {
				return err
			}
			blob, ok := obj.(*object.Blob)
			if !ok {
				return fmt.Errorf("unexpected object type %T", obj)
			}
			_, err = os.Stdout.Write(blob.Payload())
			return err
		},
	}
}

func existsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "exists <id>",
		Short: "Check whether an object is stored",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := object.IDFromHex(args[0])
			if err != nil {
				return err
			}
			db, err := openDatabase(cmd)
			if err != nil {
				return err
			}
			defer db.Close()

			found, err := db.Exists(context.Background(), id)
			if err != nil {
				return err
			}
			fmt.Println(found)
			return nil
		},
	}
}

func resolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <prefix>",
		Short: "List stored ids matching a short hex prefix",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prefix, err := object.PrefixFromHex(args[0])
			if err != nil {
				return err
			}
			db, err := openDatabase(cmd)
			if err != nil {
				return err
			}
			defer db.Close()

			matches, err := db.ResolvePartial(context.Background(), prefix)
			if err != nil {
				return err
			}
			for _, id := range matches {
				fmt.Println(id)
			}
			return nil
		},
	}
}

func deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Remove an object",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := object.IDFromHex(args[0])
			if err != nil {
				return err
			}
			db, err := openDatabase(cmd)
			if err != nil {
				return err
			}
			defer db.Close()

			existed, err := db.Delete(context.Background(), id)
			if err != nil {
				return err
			}
			fmt.Println(existed)
			return nil
		},
	}
}

func statCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stat",
		Short: "Open the database and report its configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			dataDir, _ := cmd.Flags().GetString("data-dir")
			cfg, err := config.Open(dataDir)
			if err != nil {
				return err
			}

			db, err := openDatabase(cmd)
			if err != nil {
				return err
			}
			defer db.Close()

			fmt.Printf("open: %v\n", db.IsOpen())
			fmt.Printf("engine: %s\n", cfg.GetString(config.KeyEngine, "badger"))
			fmt.Printf("transactional: %v\n", cfg.GetBool(config.KeyTransactional))
			fmt.Printf("serial buffer: %d\n", cfg.GetInt(config.KeySerialBuffer, config.DefaultSerialBuffer))
			fmt.Printf("bulk partition: %d\n", cfg.GetInt(config.KeyBulkPartition, config.DefaultBulkPartition))
			return nil
		},
	}
}

func setupLogging(level string) {
	logrus.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339,
	})

	switch level {
	case "debug":
		logrus.SetLevel(logrus.DebugLevel)
	case "info":
		logrus.SetLevel(logrus.InfoLevel)
	case "warn":
		logrus.SetLevel(logrus.WarnLevel)
	case "error":
		logrus.SetLevel(logrus.ErrorLevel)
	default:
		logrus.SetLevel(logrus.InfoLevel)
	}
}
