package main

import (
	"archive/tar"
	"database/sql"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	_ "modernc.org/sqlite"

	"github.com/hivegate/hivegate/internal/config"
)

// Archive layout: the SQLite snapshot under store/, the NATS JetStream
// directory under nats/. Restore maps the sections back onto the configured
// paths, so a backup moves cleanly between hosts with different data dirs.
const (
	storeSection = "store"
	natsSection  = "nats"
)

func runBackup(args []string) error {
	var outputPath string
	for i := 0; i < len(args); i++ {
		if args[i] == "-f" {
			if i+1 >= len(args) {
				return fmt.Errorf("missing value for -f")
			}
			i++
			outputPath = args[i]
		}
	}
	if outputPath == "" {
		fmt.Fprintf(os.Stderr, "Usage: hivegate backup -f <output.tar.zst>\n")
		return fmt.Errorf("missing -f flag")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	files, err := writeBackup(outputPath, cfg.Store.Path, cfg.NATS.DataDir)
	if err != nil {
		return err
	}

	var size int64
	if info, err := os.Stat(outputPath); err == nil {
		size = info.Size()
	}
	fmt.Printf("Backup complete: %d files, %s\n", files, formatSize(size))
	return nil
}

// writeBackup archives a consistent snapshot of the store plus the NATS data
// dir. The gateway may keep running: the snapshot is taken with VACUUM INTO,
// which gives a single coherent database file even mid-write under WAL.
func writeBackup(outputPath, storePath, natsDir string) (int, error) {
	snapshot, err := snapshotStore(storePath)
	if err != nil {
		return 0, fmt.Errorf("snapshot store: %w", err)
	}
	defer os.Remove(snapshot)

	f, err := os.Create(outputPath)
	if err != nil {
		return 0, fmt.Errorf("create output file: %w", err)
	}
	defer f.Close()

	zw, err := zstd.NewWriter(f)
	if err != nil {
		return 0, fmt.Errorf("create zstd writer: %w", err)
	}
	defer zw.Close()

	tw := tar.NewWriter(zw)
	defer tw.Close()

	files := 0
	if err := addFile(tw, snapshot, path.Join(storeSection, filepath.Base(storePath))); err != nil {
		return 0, err
	}
	files++

	if natsDir != "" {
		n, err := addTree(tw, natsDir, natsSection)
		if err != nil {
			return 0, err
		}
		files += n
	}

	// Close explicitly to surface write errors
	if err := tw.Close(); err != nil {
		return 0, fmt.Errorf("close tar: %w", err)
	}
	if err := zw.Close(); err != nil {
		return 0, fmt.Errorf("close zstd: %w", err)
	}
	if err := f.Close(); err != nil {
		return 0, fmt.Errorf("close file: %w", err)
	}
	return files, nil
}

// snapshotStore copies the live database into a temp file with VACUUM INTO.
// The result is self-contained: no -wal or -shm sidecars to chase.
func snapshotStore(storePath string) (string, error) {
	if _, err := os.Stat(storePath); err != nil {
		return "", fmt.Errorf("store not found at %s: %w", storePath, err)
	}

	db, err := sql.Open("sqlite", storePath)
	if err != nil {
		return "", fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	target := filepath.Join(os.TempDir(), fmt.Sprintf("hivegate-snapshot-%d.db", time.Now().UnixNano()))
	if _, err := db.Exec(`VACUUM INTO ?`, target); err != nil {
		return "", fmt.Errorf("vacuum into %s: %w", target, err)
	}

	slog.Info("store snapshot taken", "path", target)
	return target, nil
}

func addFile(tw *tar.Writer, src, name string) error {
	info, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("stat %s: %w", src, err)
	}

	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return fmt.Errorf("tar header for %s: %w", src, err)
	}
	hdr.Name = name
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("write tar header: %w", err)
	}

	f, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer f.Close()

	if _, err := io.Copy(tw, f); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

// addTree archives every regular file under dir below the given section
// prefix. A missing dir is fine; the gateway may never have started NATS here.
func addTree(tw *tar.Writer, dir, section string) (int, error) {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return 0, nil
	}

	files := 0
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		if err := addFile(tw, p, path.Join(section, filepath.ToSlash(rel))); err != nil {
			return err
		}
		files++
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("walk %s: %w", dir, err)
	}
	return files, nil
}

func runRestore(args []string) error {
	var inputPath string
	overwrite := false
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-f":
			if i+1 >= len(args) {
				return fmt.Errorf("missing value for -f")
			}
			i++
			inputPath = args[i]
		case "-overwrite":
			overwrite = true
		}
	}
	if inputPath == "" {
		fmt.Fprintf(os.Stderr, "Usage: hivegate restore -f <backup.tar.zst> [-overwrite]\n")
		return fmt.Errorf("missing -f flag")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	files, err := restoreArchive(inputPath, cfg.Store.Path, cfg.NATS.DataDir, overwrite)
	if err != nil {
		return err
	}

	fmt.Printf("Restore complete: %d files\n", files)
	return nil
}

// restoreArchive writes the archive's sections back onto the configured
// paths. Run it with the gateway stopped; it replaces the database file the
// gateway would otherwise hold open.
func restoreArchive(inputPath, storePath, natsDir string, overwrite bool) (int, error) {
	if !overwrite {
		if _, err := os.Stat(storePath); err == nil {
			return 0, fmt.Errorf("store already exists at %s, add -overwrite to replace it", storePath)
		}
	}

	f, err := os.Open(inputPath)
	if err != nil {
		return 0, fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return 0, fmt.Errorf("create zstd reader: %w", err)
	}
	defer zr.Close()

	tr := tar.NewReader(zr)

	files := 0
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("read tar entry: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		section, rel := splitArchivePath(hdr.Name)
		if rel == "" || !filepath.IsLocal(rel) {
			slog.Warn("skipping unsafe archive entry", "name", hdr.Name)
			continue
		}

		var target string
		switch section {
		case storeSection:
			target = filepath.Join(filepath.Dir(storePath), filepath.FromSlash(rel))
		case natsSection:
			if natsDir == "" {
				continue
			}
			target = filepath.Join(natsDir, filepath.FromSlash(rel))
		default:
			slog.Warn("skipping unknown archive section", "name", hdr.Name)
			continue
		}

		if err := extractFile(tr, hdr, target); err != nil {
			return 0, err
		}
		files++
	}

	return files, nil
}

func extractFile(tr *tar.Reader, hdr *tar.Header, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create dir for %s: %w", target, err)
	}

	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, hdr.FileInfo().Mode().Perm())
	if err != nil {
		return fmt.Errorf("create %s: %w", target, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, tr); err != nil {
		return fmt.Errorf("write %s: %w", target, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close %s: %w", target, err)
	}

	slog.Info("restored file", "path", target)
	return nil
}

// splitArchivePath splits "store/hivegate.db" into ("store", "hivegate.db").
// Entries outside the known layout return an empty section.
func splitArchivePath(name string) (section, rel string) {
	name = strings.TrimLeft(name, "./")
	if name == "" {
		return "", ""
	}

	idx := strings.IndexByte(name, '/')
	if idx < 0 {
		return "", ""
	}
	return name[:idx], name[idx+1:]
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
