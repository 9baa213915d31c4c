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

	"mailbridge/internal/config"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

// Archive entries are stored under one directory per kind so restore can put
// each file back where the current config expects it.
const (
	archiveConfig   = "config"
	archivePairing  = "pairing"
	archiveSessions = "sessions"
)

type backupFile struct {
	kind string
	path string
}

func backupCmd() *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Create a backup of mailbridge data (config, sessions, pairings)",
		Long: `Creates a compressed .tar.gz archive containing the configuration file,
every session store and the pairing store. The backup is timestamped by default.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}

			if outputPath == "" {
				backupDir := filepath.Join(cfg.General.DataDir, "backups")
				if err := os.MkdirAll(backupDir, 0o755); err != nil {
					return fmt.Errorf("cannot create backup directory: %w", err)
				}
				ts := time.Now().Format("20060102-150405")
				outputPath = filepath.Join(backupDir, fmt.Sprintf("mailbridge-backup-%s.tar.gz", ts))
			}

			files, err := collectBackupFiles(cfgPath, cfg)
			if err != nil {
				return err
			}
			if err := createTarGz(outputPath, files); err != nil {
				return fmt.Errorf("backup failed: %w", err)
			}

			fmt.Printf("Backup created: %s\n", outputPath)
			fmt.Printf("Files included: %d\n", len(files))
			for _, f := range files {
				var size uint64
				if info, err := os.Stat(f.path); err == nil {
					size = uint64(info.Size())
				}
				fmt.Printf("  - %s/%s (%s)\n", f.kind, filepath.Base(f.path), humanize.Bytes(size))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "output file path (default: <dataDir>/backups/mailbridge-backup-<timestamp>.tar.gz)")
	return cmd
}

func restoreCmd() *cobra.Command {
	var inputPath string
	var force bool

	cmd := &cobra.Command{
		Use:   "restore [file.tar.gz]",
		Short: "Restore mailbridge data from a backup archive",
		Long: `Restores the configuration file, session stores and pairing store from
a .tar.gz archive created by 'mailbridge backup'. Stop the gateway first.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if inputPath == "" && len(args) > 0 {
				inputPath = args[0]
			}
			if inputPath == "" {
				return fmt.Errorf("specify a backup file: mailbridge restore <file.tar.gz>")
			}

			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				cfg = config.Defaults()
				cfg.Session.Store = config.ExpandPath(cfg.Session.Store)
				cfg.Session.PairingStore = config.ExpandPath(cfg.Session.PairingStore)
			}

			if !force {
				if _, err := os.Stat(cfgPath); err == nil {
					fmt.Printf("WARNING: This will overwrite existing data.\n")
					fmt.Printf("  Config:   %s\n", cfgPath)
					fmt.Printf("  Sessions: %s\n", filepath.Dir(cfg.Session.Store))
					fmt.Printf("  Pairing:  %s\n", cfg.Session.PairingStore)
					fmt.Printf("Use --force to skip this warning.\n")
					return fmt.Errorf("restore aborted (use --force to proceed)")
				}
			}

			restored, err := extractTarGz(inputPath, restoreTargets{
				configDir:   filepath.Dir(cfgPath),
				sessionsDir: filepath.Dir(cfg.Session.Store),
				pairingDir:  filepath.Dir(cfg.Session.PairingStore),
			})
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

// collectBackupFiles lists the config file, every session database matching
// the store template and the pairing database, with their WAL companions.
func collectBackupFiles(cfgPath string, cfg *config.Config) ([]backupFile, error) {
	var files []backupFile
	add := func(kind, p string) {
		if _, err := os.Stat(p); err != nil {
			return
		}
		files = append(files, backupFile{kind: kind, path: p})
		for _, suffix := range []string{"-wal", "-shm"} {
			if _, err := os.Stat(p + suffix); err == nil {
				files = append(files, backupFile{kind: kind, path: p + suffix})
			}
		}
	}

	if _, err := os.Stat(cfgPath); err == nil {
		files = append(files, backupFile{kind: archiveConfig, path: cfgPath})
	}

	pattern := strings.ReplaceAll(cfg.Session.Store, "{agentId}", "*")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("session store pattern %s: %w", pattern, err)
	}
	for _, m := range matches {
		add(archiveSessions, m)
	}
	if cfg.Session.PairingStore != "" {
		add(archivePairing, cfg.Session.PairingStore)
	}

	if len(files) == 0 {
		return nil, fmt.Errorf("no files to backup (config: %s, sessions: %s)", cfgPath, pattern)
	}
	return files, nil
}

// createTarGz creates a .tar.gz archive from the given files.
func createTarGz(outputPath string, files []backupFile) error {
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
			return fmt.Errorf("add %s: %w", f.path, err)
		}
	}
	return nil
}

func addFileToTar(tw *tar.Writer, f backupFile) error {
	file, err := os.Open(f.path)
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
	header.Name = path.Join(f.kind, filepath.Base(f.path))

	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	_, err = io.Copy(tw, file)
	return err
}

type restoreTargets struct {
	configDir   string
	sessionsDir string
	pairingDir  string
}

func (t restoreTargets) dirFor(kind string) (string, bool) {
	switch kind {
	case archiveConfig:
		return t.configDir, true
	case archiveSessions:
		return t.sessionsDir, true
	case archivePairing:
		return t.pairingDir, true
	}
	return "", false
}

// extractTarGz restores every recognised entry of a backup archive. Entry
// names are reduced to their base name so an archive cannot write outside
// the target directories.
func extractTarGz(archivePath string, targets restoreTargets) ([]string, error) {
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

		kind, name := path.Split(path.Clean(header.Name))
		dir, ok := targets.dirFor(strings.TrimSuffix(kind, "/"))
		if !ok || name == "" || name == "." || name == ".." {
			logger.Warn("skipping unknown archive entry", "name", header.Name)
			continue
		}
		targetPath := filepath.Join(dir, name)

		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
		outFile, err := os.Create(targetPath)
		if err != nil {
			return nil, fmt.Errorf("create %s: %w", targetPath, err)
		}
		if _, err := io.Copy(outFile, tarReader); err != nil {
			outFile.Close()
			return nil, fmt.Errorf("extract %s: %w", targetPath, err)
		}
		if err := outFile.Close(); err != nil {
			return nil, err
		}
		restored = append(restored, targetPath)
	}

	return restored, nil
}
