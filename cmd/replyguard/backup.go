package main

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"replyguard/internal/config"
)

// Archive layout: the database, config, audit mirror and policies/<file>.
const (
	archiveConfig   = "config.json"
	archiveAudit    = "audit.jsonl"
	archivePolicies = "policies/"
)

// backupPaths is where each archived file lives on this machine.
type backupPaths struct {
	config    string
	database  string
	audit     string
	policyDir string
}

func resolveBackupPaths() backupPaths {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		cfg = config.Defaults()
		cfg.Database.Path = config.ExpandPath(cfg.Database.Path)
		cfg.Routing.PolicyDir = config.ExpandPath(cfg.Routing.PolicyDir)
	}
	return backupPaths{
		config:    cfgPath,
		database:  cfg.Database.Path,
		audit:     cfg.Audit.JSONLPath,
		policyDir: cfg.Routing.PolicyDir,
	}
}

type archiveFile struct {
	src  string
	name string
}

func backupCmd() *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Create a backup of ReplyGuard data (database, config, policies, audit mirror)",
		Long: `Creates a compressed .tar.gz archive containing the SQLite database,
configuration file, tenant policy files and the JSONL audit mirror. The
backup is timestamped by default.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			paths := resolveBackupPaths()

			if outputPath == "" {
				backupDir := filepath.Join(config.DefaultConfigDir(), "backups")
				if err := os.MkdirAll(backupDir, 0o755); err != nil {
					return fmt.Errorf("cannot create backup directory: %w", err)
				}
				ts := time.Now().Format("20060102-150405")
				outputPath = filepath.Join(backupDir, fmt.Sprintf("replyguard-backup-%s.tar.gz", ts))
			}

			var files []archiveFile
			add := func(src, name string) {
				if src == "" {
					return
				}
				if _, err := os.Stat(src); err == nil {
					files = append(files, archiveFile{src: src, name: name})
				}
			}

			dbName := filepath.Base(paths.database)
			add(paths.database, dbName)
			add(paths.database+"-wal", dbName+"-wal")
			add(paths.database+"-shm", dbName+"-shm")
			add(paths.config, archiveConfig)
			add(paths.audit, archiveAudit)
			if entries, err := os.ReadDir(paths.policyDir); err == nil {
				for _, e := range entries {
					if !e.IsDir() {
						add(filepath.Join(paths.policyDir, e.Name()), archivePolicies+e.Name())
					}
				}
			}

			if len(files) == 0 {
				return fmt.Errorf("no files to backup (db: %s, config: %s)", paths.database, paths.config)
			}

			if err := createTarGz(outputPath, files); err != nil {
				return fmt.Errorf("backup failed: %w", err)
			}

			fmt.Printf("Backup created: %s\n", outputPath)
			fmt.Printf("Files included: %d\n", len(files))
			for _, f := range files {
				var size uint64
				if info, err := os.Stat(f.src); err == nil {
					size = uint64(info.Size())
				}
				fmt.Printf("  - %s (%s)\n", f.name, humanize.Bytes(size))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "output file path (default: ~/.replyguard/backups/replyguard-backup-<timestamp>.tar.gz)")
	return cmd
}

func restoreCmd() *cobra.Command {
	var inputPath string
	var force bool

	cmd := &cobra.Command{
		Use:   "restore [file.tar.gz]",
		Short: "Restore ReplyGuard data from a backup archive",
		Long: `Restores the database, configuration, policies and audit mirror from a
.tar.gz archive created by 'replyguard backup'.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if inputPath == "" && len(args) > 0 {
				inputPath = args[0]
			}
			if inputPath == "" {
				return fmt.Errorf("specify a backup file: replyguard restore <file.tar.gz>")
			}

			paths := resolveBackupPaths()

			if !force {
				for _, p := range []string{paths.database, paths.config} {
					if _, err := os.Stat(p); err == nil {
						fmt.Printf("WARNING: This will overwrite existing data.\n")
						fmt.Printf("  Database: %s\n", paths.database)
						fmt.Printf("  Config:   %s\n", paths.config)
						fmt.Printf("Use --force to skip this warning.\n")
						return fmt.Errorf("restore aborted (use --force to proceed)")
					}
				}
			}

			restored, err := extractTarGz(inputPath, paths)
			if err != nil {
				return fmt.Errorf("restore failed: %w", err)
			}

			fmt.Printf("Restore completed from: %s\n", inputPath)
			fmt.Printf("Files restored: %d\n", len(restored))
			for _, f := range restored {
				fmt.Printf("  - %s\n", f)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&inputPath, "input", "i", "", "backup file to restore from")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing data without warning")
	return cmd
}

func createTarGz(outputPath string, files []archiveFile) error {
	outFile, err := os.Create(outputPath)
	if err != nil {
		return err
	}
	defer outFile.Close()

	gzWriter := gzip.NewWriter(outFile)
	defer gzWriter.Close()

	tarWriter := tar.NewWriter(gzWriter)
	defer tarWriter.Close()

	for _, f := range files {
		if err := addFileToTar(tarWriter, f); err != nil {
			return fmt.Errorf("add %s: %w", f.src, err)
		}
	}
	return nil
}

func addFileToTar(tw *tar.Writer, f archiveFile) error {
	file, err := os.Open(f.src)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}
	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	header.Name = f.name

	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	_, err = io.Copy(tw, file)
	return err
}

// targetFor maps an archive entry to its destination. Entries that do not
// belong to a known slot are skipped.
func targetFor(name string, paths backupPaths) (string, bool) {
	name = path.Clean(name)
	if strings.Contains(name, "..") || path.IsAbs(name) {
		return "", false
	}
	dbName := filepath.Base(paths.database)
	switch {
	case name == archiveConfig:
		return paths.config, true
	case name == archiveAudit:
		if paths.audit == "" {
			return "", false
		}
		return paths.audit, true
	case strings.HasPrefix(name, archivePolicies):
		return filepath.Join(paths.policyDir, path.Base(name)), true
	case strings.HasSuffix(name, ".db") || name == dbName:
		return paths.database, true
	case strings.HasSuffix(name, ".db-wal") || name == dbName+"-wal":
		return paths.database + "-wal", true
	case strings.HasSuffix(name, ".db-shm") || name == dbName+"-shm":
		return paths.database + "-shm", true
	}
	return "", false
}

func extractTarGz(archivePath string, paths backupPaths) ([]string, error) {
	file, err := os.Open(archivePath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	gzReader, err := gzip.NewReader(file)
	if err != nil {
		return nil, fmt.Errorf("not a valid gzip file: %w", err)
	}
	defer gzReader.Close()

	tarReader := tar.NewReader(gzReader)
	var restored []string

	for {
		header, err := tarReader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}

		targetPath, ok := targetFor(header.Name, paths)
		if !ok {
			logger.Warn("skipping unknown archive entry", "name", header.Name)
			continue
		}
		if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
			return nil, err
		}

		outFile, err := os.OpenFile(targetPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, fmt.Errorf("create %s: %w", targetPath, err)
		}
		if _, err := io.Copy(outFile, tarReader); err != nil {
			outFile.Close()
			return nil, fmt.Errorf("extract %s: %w", targetPath, err)
		}
		outFile.Close()

		restored = append(restored, targetPath)
	}

	return restored, nil
}
