package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	goarchive "github.com/moby/go-archive"
	"github.com/mtzanidakis/orkestra/internal/config"
)

type archiveArgs struct {
	file      string
	dir       string
	overwrite bool
}

func parseArchiveArgs(args []string) (archiveArgs, error) {
	var a archiveArgs
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-f":
			if i+1 >= len(args) {
				return a, fmt.Errorf("missing value for -f")
			}
			i++
			a.file = args[i]
		case "-dir":
			if i+1 >= len(args) {
				return a, fmt.Errorf("missing value for -dir")
			}
			i++
			a.dir = args[i]
		case "-overwrite":
			a.overwrite = true
		default:
			return a, fmt.Errorf("unknown flag %s", args[i])
		}
	}
	if a.file == "" {
		return a, fmt.Errorf("missing -f flag")
	}
	return a, nil
}

// dataDir is the directory holding the SQLite database. Other drivers keep
// nothing on local disk.
func dataDir(override string) (string, error) {
	if override != "" {
		return override, nil
	}
	cfg, err := config.Load()
	if err != nil {
		return "", fmt.Errorf("load config: %w", err)
	}
	switch cfg.Store.Driver {
	case "sqlite", "":
		return filepath.Dir(cfg.Store.Path), nil
	case "postgres":
		return "", fmt.Errorf("the postgres store is backed up with pg_dump")
	}
	return "", fmt.Errorf("the %s store has nothing to back up", cfg.Store.Driver)
}

func runBackup(args []string) error {
	a, err := parseArchiveArgs(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Usage: orkestra backup -f <output.tar.zst> [-dir <data dir>]\n")
		return err
	}
	dir, err := dataDir(a.dir)
	if err != nil {
		return err
	}
	size, err := backupDir(dir, a.file)
	if err != nil {
		return err
	}
	fmt.Printf("Backup complete: %s -> %s, %s\n", dir, a.file, formatSize(size))
	return nil
}

// backupDir writes dir as a zstd-compressed tarball to out. The server
// should be stopped so the database file is consistent.
func backupDir(dir, out string) (int64, error) {
	if _, err := os.Stat(dir); err != nil {
		return 0, fmt.Errorf("data directory: %w", err)
	}

	tarball, err := goarchive.TarWithOptions(dir, &goarchive.TarOptions{
		ExcludePatterns: []string{"*.tar.zst"},
	})
	if err != nil {
		return 0, fmt.Errorf("archive %s: %w", dir, err)
	}
	defer tarball.Close()

	f, err := os.Create(out)
	if err != nil {
		return 0, fmt.Errorf("create output file: %w", err)
	}
	defer f.Close()

	zw, err := zstd.NewWriter(f)
	if err != nil {
		return 0, fmt.Errorf("create zstd writer: %w", err)
	}
	if _, err := io.Copy(zw, tarball); err != nil {
		zw.Close()
		return 0, fmt.Errorf("write archive: %w", err)
	}

	// Close explicitly to catch write errors
	if err := zw.Close(); err != nil {
		return 0, fmt.Errorf("close zstd: %w", err)
	}
	if err := f.Close(); err != nil {
		return 0, fmt.Errorf("close file: %w", err)
	}

	info, err := os.Stat(out)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func runRestore(args []string) error {
	a, err := parseArchiveArgs(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Usage: orkestra restore -f <backup.tar.zst> [-dir <data dir>] [-overwrite]\n")
		return err
	}
	dir, err := dataDir(a.dir)
	if err != nil {
		return err
	}
	if err := restoreDir(a.file, dir, a.overwrite); err != nil {
		return err
	}
	fmt.Printf("Restore complete: %s -> %s\n", a.file, dir)
	return nil
}

// restoreDir unpacks a backup into dir. A non-empty dir is refused unless
// overwrite is set, in which case files in the archive replace their
// counterparts.
func restoreDir(in, dir string, overwrite bool) error {
	if !overwrite {
		entries, err := os.ReadDir(dir)
		if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("read data directory: %w", err)
		}
		if len(entries) > 0 {
			return fmt.Errorf("data directory %s is not empty, add -overwrite to replace files", dir)
		}
	}

	f, err := os.Open(in)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return fmt.Errorf("create zstd reader: %w", err)
	}
	defer zr.Close()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}
	if err := goarchive.Untar(zr, dir, &goarchive.TarOptions{NoLchown: true}); err != nil {
		return fmt.Errorf("unpack archive: %w", err)
	}
	return nil
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
