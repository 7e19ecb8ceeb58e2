package source

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testDrop(t *testing.T) (*FileDrop, string) {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "waybills"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "payments"), 0o755))
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewFileDrop(log, dir), dir
}

func writeFile(t *testing.T, path, content string, mtime time.Time) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	require.NoError(t, os.Chtimes(path, mtime, mtime))
}

func TestFileDrop_SelectsByModTime(t *testing.T) {
	drop, dir := testDrop(t)
	cutoff := time.Now().Add(-time.Hour)

	writeFile(t, filepath.Join(dir, "payments", "old.csv"),
		"01.07.2025 10:00:00\t1111\t100.00\n", cutoff.Add(-time.Hour))
	writeFile(t, filepath.Join(dir, "payments", "new.csv"),
		"10.07.2025 10:00:00\t2222\t200.00\n", cutoff.Add(time.Hour))
	// Wrong extension is skipped regardless of mtime.
	writeFile(t, filepath.Join(dir, "payments", "notes.txt"),
		"not a payment", cutoff.Add(time.Hour))

	payments, err := drop.Payments(cutoff)
	require.NoError(t, err)
	require.Len(t, payments, 1)
	require.Equal(t, "2222", payments[0].CardNum)
}

func TestFileDrop_WaybillsSortedByName(t *testing.T) {
	drop, dir := testDrop(t)
	now := time.Now()

	second := `<waybill><number>WB-2</number><driver><license>L2</license></driver><car>C2</car>
		<period><start>2025-07-11 06:00:00</start><stop>2025-07-11 18:00:00</stop></period>
		<issuedt>2025-07-10 21:00:00</issuedt></waybill>`
	first := `<waybill><number>WB-1</number><driver><license>L1</license></driver><car>C1</car>
		<period><start>2025-07-10 06:00:00</start><stop>2025-07-10 18:00:00</stop></period>
		<issuedt>2025-07-09 21:00:00</issuedt></waybill>`

	writeFile(t, filepath.Join(dir, "waybills", "b.xml"), second, now)
	writeFile(t, filepath.Join(dir, "waybills", "a.xml"), first, now)

	waybills, err := drop.Waybills(now.Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, waybills, 2)
	require.Equal(t, "WB-1", waybills[0].Number)
	require.Equal(t, "WB-2", waybills[1].Number)
}

func TestFileDrop_CleanupKeepsGitkeep(t *testing.T) {
	drop, dir := testDrop(t)
	now := time.Now()

	writeFile(t, filepath.Join(dir, "payments", ".gitkeep"), "", now)
	writeFile(t, filepath.Join(dir, "payments", "done.csv"),
		"10.07.2025 10:00:00\t2222\t200.00\n", now)
	writeFile(t, filepath.Join(dir, "waybills", ".gitkeep"), "", now)

	require.NoError(t, drop.Cleanup())

	entries, err := os.ReadDir(filepath.Join(dir, "payments"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, ".gitkeep", entries[0].Name())
}

func TestFileDrop_MissingDirectoriesAreEmpty(t *testing.T) {
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	drop := NewFileDrop(log, filepath.Join(t.TempDir(), "nope"))

	waybills, err := drop.Waybills(time.Time{})
	require.NoError(t, err)
	require.Empty(t, waybills)

	payments, err := drop.Payments(time.Time{})
	require.NoError(t, err)
	require.Empty(t, payments)

	require.NoError(t, drop.Cleanup())
}
