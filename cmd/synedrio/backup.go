package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"github.com/mtzanidakis/synedrio/internal/config"
	"github.com/mtzanidakis/synedrio/internal/store"
	"github.com/spf13/cobra"
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Write a compressed snapshot of the debate database",
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("file")
		if output == "" {
			return fmt.Errorf("missing -f flag")
		}
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		db, err := store.New(cfg.Store)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer db.Close()

		size, err := backupDatabase(cmd.Context(), db, output)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Backup complete: %s, %s\n", output, formatSize(size))
		return nil
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Restore the debate database from a backup",
	Long:  "Restore the debate database from a backup. Stop the gateway first.",
	RunE: func(cmd *cobra.Command, args []string) error {
		input, _ := cmd.Flags().GetString("file")
		overwrite, _ := cmd.Flags().GetBool("overwrite")
		if input == "" {
			return fmt.Errorf("missing -f flag")
		}
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if err := restoreDatabase(input, cfg.Store.Path, overwrite); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Restore complete: %s\n", cfg.Store.Path)
		return nil
	},
}

func init() {
	backupCmd.Flags().StringP("file", "f", "", "Output file (.db.zst)")
	restoreCmd.Flags().StringP("file", "f", "", "Backup file (.db.zst)")
	restoreCmd.Flags().Bool("overwrite", false, "Replace an existing database")
	rootCmd.AddCommand(backupCmd, restoreCmd)
}

// backupDatabase snapshots db with VACUUM INTO and compresses the snapshot
// to outputPath. It returns the compressed size.
func backupDatabase(ctx context.Context, db *store.Store, outputPath string) (int64, error) {
	tmpDir, err := os.MkdirTemp("", "synedrio-backup-")
	if err != nil {
		return 0, fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	snapshot := filepath.Join(tmpDir, "snapshot.db")
	if err := db.Backup(ctx, snapshot); err != nil {
		return 0, err
	}

	src, err := os.Open(snapshot)
	if err != nil {
		return 0, fmt.Errorf("open snapshot: %w", err)
	}
	defer src.Close()

	f, err := os.Create(outputPath)
	if err != nil {
		return 0, fmt.Errorf("create output file: %w", err)
	}
	defer f.Close()

	zw, err := zstd.NewWriter(f)
	if err != nil {
		return 0, fmt.Errorf("create zstd writer: %w", err)
	}
	if _, err := io.Copy(zw, src); err != nil {
		zw.Close()
		return 0, fmt.Errorf("compress snapshot: %w", err)
	}

	// Close explicitly to catch write errors.
	if err := zw.Close(); err != nil {
		return 0, fmt.Errorf("close zstd: %w", err)
	}
	if err := f.Close(); err != nil {
		return 0, fmt.Errorf("close file: %w", err)
	}

	info, err := os.Stat(outputPath)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// restoreDatabase decompresses a backup next to dbPath, checks that it opens
// as a store and then moves it into place.
func restoreDatabase(inputPath, dbPath string, overwrite bool) error {
	if _, err := os.Stat(dbPath); err == nil && !overwrite {
		return fmt.Errorf("database %s already exists, add --overwrite to replace it", dbPath)
	} else if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat database: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("create database dir: %w", err)
	}

	in, err := os.Open(inputPath)
	if err != nil {
		return fmt.Errorf("open backup: %w", err)
	}
	defer in.Close()

	zr, err := zstd.NewReader(in)
	if err != nil {
		return fmt.Errorf("create zstd reader: %w", err)
	}
	defer zr.Close()

	tmp := dbPath + ".restore"
	out, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create temp database: %w", err)
	}
	if _, err := io.Copy(out, zr); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("decompress backup: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close temp database: %w", err)
	}

	check, err := store.New(config.StoreConfig{Path: tmp})
	if err != nil {
		removeDatabase(tmp)
		return fmt.Errorf("backup is not a valid database: %w", err)
	}
	check.Close()

	// Stale WAL files from the old database would be replayed over the restored one.
	removeDatabase(dbPath)
	if err := os.Rename(tmp, dbPath); err != nil {
		return fmt.Errorf("move restored database: %w", err)
	}
	return nil
}

func removeDatabase(path string) {
	for _, suffix := range []string{"", "-wal", "-shm"} {
		_ = os.Remove(path + suffix)
	}
}

func formatSize(bytes int64) string {
	const (
		kb = 1024
		mb = kb * 1024
		gb = mb * 1024
	)
	switch {
	case bytes >= gb:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(gb))
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d bytes", bytes)
	}
}
