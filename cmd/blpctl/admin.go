package main

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	"github.com/alanyoungcy/blpsettle/internal/app"
	s3blob "github.com/alanyoungcy/blpsettle/internal/blob/s3"
	"github.com/alanyoungcy/blpsettle/internal/domain"
	"github.com/alanyoungcy/blpsettle/internal/store/postgres"
)

const CostKey = "cost"

var (
	errNoPostgres = errors.New("postgres is not configured")
	errNoS3       = errors.New("s3 is not configured")
)

func migrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Applies pending PostgreSQL migrations",
		Args:  cobra.NoArgs,
		RunE:  migrateFunc,
	}
}

func migrateFunc(c *cobra.Command, _ []string) error {
	cfg, err := loadConfig(c.Flags())
	if err != nil {
		return err
	}
	pg := cfg.Postgres
	if pg.DSN == "" && pg.Host == "" {
		return errNoPostgres
	}

	start := time.Now()
	client, err := postgres.New(c.Context(), app.PostgresClientConfig(pg))
	if err != nil {
		return err
	}
	defer client.Close()
	if err := client.RunMigrations(c.Context()); err != nil {
		return err
	}
	fmt.Fprintf(c.OutOrStdout(), "migrations applied in %s\n", time.Since(start).Round(time.Millisecond))
	return nil
}

func hashKeyCommand() *cobra.Command {
	c := &cobra.Command{
		Use:   "hash-key [key]",
		Short: "Hashes an API key for server.api_key_hash, generating one when omitted",
		Args:  cobra.MaximumNArgs(1),
		RunE:  hashKeyFunc,
	}
	c.Flags().Int(CostKey, bcrypt.DefaultCost, "bcrypt cost")
	return c
}

func hashKeyFunc(c *cobra.Command, args []string) error {
	cost, err := c.Flags().GetInt(CostKey)
	if err != nil {
		return err
	}

	key := ""
	if len(args) == 1 {
		key = args[0]
	}
	if key == "" {
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return err
		}
		key = hex.EncodeToString(buf)
		fmt.Fprintf(c.OutOrStdout(), "api_key=%s\n", key)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(key), cost)
	if err != nil {
		return fmt.Errorf("hash key: %w", err)
	}
	fmt.Fprintf(c.OutOrStdout(), "api_key_hash=%s\n", hash)
	return nil
}

func archivesCommand() *cobra.Command {
	return &cobra.Command{
		Use:       "archives [settlements|audit]",
		Short:     "Lists the archive files in the S3 bucket",
		Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"settlements", "audit"},
		RunE:      archivesFunc,
	}
}

func archivesFunc(c *cobra.Command, args []string) error {
	cfg, err := loadConfig(c.Flags())
	if err != nil {
		return err
	}
	if cfg.S3.Endpoint == "" || cfg.S3.Bucket == "" {
		return errNoS3
	}
	kind := ""
	if len(args) == 1 {
		kind = args[0]
	}

	client, err := s3blob.New(c.Context(), app.S3ClientConfig(cfg.S3))
	if err != nil {
		return err
	}
	infos, err := s3blob.ListArchives(c.Context(), s3blob.NewReader(client), kind)
	if err != nil {
		return err
	}
	return printArchives(c, infos)
}

func printArchives(c *cobra.Command, infos []domain.BlobInfo) error {
	w := tabwriter.NewWriter(c.OutOrStdout(), 0, 4, 2, ' ', 0)
	var total int64
	for _, info := range infos {
		fmt.Fprintf(w, "%s\t%d\t%s\t\n", info.Path, info.Size, info.LastModified.UTC().Format(time.RFC3339))
		total += info.Size
	}
	fmt.Fprintf(w, "%d files\t%d\t\t\n", len(infos), total)
	return w.Flush()
}
