package source

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// FileDrop reads partner uploads landed under a local drop directory with
// one subdirectory per feed: waybills/ holds XML files, payments/ holds
// TSV files. Files are selected by modification time against the
// extraction window, matching how the uploads are mirrored from the
// partner server.
type FileDrop struct {
	log *slog.Logger
	dir string
}

const (
	waybillsSubdir = "waybills"
	paymentsSubdir = "payments"
)

func NewFileDrop(log *slog.Logger, dir string) *FileDrop {
	return &FileDrop{log: log, dir: dir}
}

// Waybills parses every waybill XML modified strictly after since, in file
// name order.
func (fd *FileDrop) Waybills(since time.Time) ([]WaybillFile, error) {
	paths, err := fd.deltaFiles(waybillsSubdir, ".xml", since)
	if err != nil {
		return nil, err
	}

	var waybills []WaybillFile
	for _, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open waybill file: %w", err)
		}
		w, err := ParseWaybill(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", filepath.Base(path), err)
		}
		waybills = append(waybills, w)
	}
	fd.log.Debug("read waybill files", "files", len(paths), "waybills", len(waybills))
	return waybills, nil
}

// Payments parses every payment TSV modified strictly after since, in file
// name order.
func (fd *FileDrop) Payments(since time.Time) ([]PaymentRecord, error) {
	paths, err := fd.deltaFiles(paymentsSubdir, ".csv", since)
	if err != nil {
		return nil, err
	}

	var payments []PaymentRecord
	for _, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open payment file: %w", err)
		}
		records, err := ParsePayments(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", filepath.Base(path), err)
		}
		payments = append(payments, records...)
	}
	fd.log.Debug("read payment files", "files", len(paths), "payments", len(payments))
	return payments, nil
}

// Cleanup removes all processed files from both feed directories, keeping
// .gitkeep placeholders. Called only after a successful run so a failed
// run re-reads the same files.
func (fd *FileDrop) Cleanup() error {
	for _, subdir := range []string{waybillsSubdir, paymentsSubdir} {
		dir := filepath.Join(fd.dir, subdir)
		entries, err := os.ReadDir(dir)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to read drop directory %s: %w", dir, err)
		}
		for _, entry := range entries {
			if entry.IsDir() || strings.HasSuffix(entry.Name(), ".gitkeep") {
				continue
			}
			if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil {
				return fmt.Errorf("failed to remove processed file %s: %w", entry.Name(), err)
			}
		}
	}
	fd.log.Info("cleaned processed files from drop directory", "dir", fd.dir)
	return nil
}

// deltaFiles lists files under one feed subdirectory with the given
// extension and modification time strictly after since, sorted by name.
func (fd *FileDrop) deltaFiles(subdir, ext string, since time.Time) ([]string, error) {
	dir := filepath.Join(fd.dir, subdir)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read drop directory %s: %w", dir, err)
	}

	var paths []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ext) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return nil, fmt.Errorf("failed to stat %s: %w", entry.Name(), err)
		}
		if !info.ModTime().After(since) {
			continue
		}
		paths = append(paths, filepath.Join(dir, entry.Name()))
	}
	sort.Strings(paths)
	return paths, nil
}
