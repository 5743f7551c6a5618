package persist

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"teststand/buffer"
	"teststand/telemetry"
)

func testStore(t *testing.T, codec Compression, maxFiles int) *Store {
	t.Helper()
	clock := time.Date(2026, 3, 14, 9, 26, 53, 589_000_000, time.UTC)
	store, err := New(Options{
		Dir:         t.TempDir(),
		Compression: codec,
		MaxFiles:    maxFiles,
		Now:         func() time.Time { return clock },
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return store
}

func fill(buf *buffer.RingBuffer, n int) {
	for i := 0; i < n; i++ {
		var row telemetry.Row
		for c := range row {
			row[c] = float32(i*100+c) + 0.25
		}
		buf.AppendRow(1_700_000_000+float64(i)/1000, row)
	}
}

// Purpose: Verify save then reload reproduces every row for each codec.
// Key aspects: The buffer is consumed only after a successful write.
// Upstream: go test.
// Downstream: Store.Save, Store.Load.
func TestSaveReloadRoundTrip(t *testing.T) {
	for _, codec := range []Compression{CompressionZstd, CompressionLZ4, CompressionNone} {
		t.Run(codec.String(), func(t *testing.T) {
			store := testStore(t, codec, 10)
			buf := buffer.NewRingBuffer(500, 0.9)
			fill(buf, 250)
			want := buf.Snapshot()

			res, err := store.Save(buf)
			if err != nil {
				t.Fatalf("Save() error: %v", err)
			}
			if res.Rows != 250 || res.Name != "sensor_log_20260314_092653.589.tlm" {
				t.Fatalf("unexpected save result %+v", res)
			}
			if buf.Len() != 0 {
				t.Fatalf("expected buffer consumed, got %d rows", buf.Len())
			}

			got, err := store.Load(res.Name)
			if err != nil {
				t.Fatalf("Load() error: %v", err)
			}
			if got.Len() != want.Len() {
				t.Fatalf("expected %d rows, got %d", want.Len(), got.Len())
			}
			for i := range want.Rows {
				if got.Timestamps[i] != want.Timestamps[i] || got.Rows[i] != want.Rows[i] {
					t.Fatalf("row %d differs: %v@%v vs %v@%v", i, got.Rows[i], got.Timestamps[i], want.Rows[i], want.Timestamps[i])
				}
			}
		})
	}
}

func TestSaveEmptyBuffer(t *testing.T) {
	store := testStore(t, CompressionZstd, 10)
	if _, err := store.Save(buffer.NewRingBuffer(4, 0.9)); !errors.Is(err, ErrEmptyBuffer) {
		t.Fatalf("expected ErrEmptyBuffer, got %v", err)
	}
}

// Purpose: Verify a failed write leaves the buffer intact.
// Key aspects: The snapshot directory is removed so the temp file cannot be created.
// Upstream: go test.
// Downstream: Store.Save.
func TestSaveFailureKeepsBuffer(t *testing.T) {
	store := testStore(t, CompressionZstd, 10)
	buf := buffer.NewRingBuffer(10, 0.9)
	fill(buf, 5)
	if err := os.RemoveAll(store.Dir()); err != nil {
		t.Fatalf("remove dir: %v", err)
	}
	if _, err := store.Save(buf); err == nil {
		t.Fatalf("expected save error")
	}
	if buf.Len() != 5 {
		t.Fatalf("expected 5 rows kept after failed save, got %d", buf.Len())
	}
}

// Purpose: Verify a save into an unusable directory fails instead of hanging.
// Key aspects: The directory is replaced by a regular file, so every name
// lookup fails with something other than not-exist.
// Upstream: go test.
// Downstream: Store.Save, writeUnique.
func TestSaveIntoFileReturnsError(t *testing.T) {
	store := testStore(t, CompressionZstd, 10)
	buf := buffer.NewRingBuffer(10, 0.9)
	fill(buf, 5)
	if err := os.RemoveAll(store.Dir()); err != nil {
		t.Fatalf("remove dir: %v", err)
	}
	if err := os.WriteFile(store.Dir(), []byte("not a directory"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := store.Save(buf)
		done <- err
	}()
	select {
	case err := <-done:
		if err == nil {
			t.Fatalf("expected save error")
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("Save did not return")
	}
	if buf.Len() != 5 {
		t.Fatalf("expected 5 rows kept after failed save, got %d", buf.Len())
	}
	if _, err := store.Backup(buf); err == nil {
		t.Fatalf("expected backup error")
	}
}

func TestUniqueNamesBumpMilliseconds(t *testing.T) {
	store := testStore(t, CompressionNone, 10)
	buf := buffer.NewRingBuffer(10, 0.9)
	var names []string
	for i := 0; i < 3; i++ {
		fill(buf, 1)
		res, err := store.Save(buf)
		if err != nil {
			t.Fatalf("Save() error: %v", err)
		}
		names = append(names, res.Name)
	}
	want := []string{
		"sensor_log_20260314_092653.589.tlm",
		"sensor_log_20260314_092653.590.tlm",
		"sensor_log_20260314_092653.591.tlm",
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("name %d = %s, want %s", i, names[i], want[i])
		}
	}
}

func TestRotationKeepsNewest(t *testing.T) {
	store := testStore(t, CompressionNone, 2)
	buf := buffer.NewRingBuffer(10, 0.9)
	for i := 0; i < 4; i++ {
		fill(buf, 1)
		if _, err := store.Save(buf); err != nil {
			t.Fatalf("Save() error: %v", err)
		}
	}
	files, err := store.List()
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("expected 2 files after rotation, got %d", len(files))
	}
	if files[0].Name != "sensor_log_20260314_092653.592.tlm" || files[1].Name != "sensor_log_20260314_092653.591.tlm" {
		t.Fatalf("unexpected survivors %s, %s", files[0].Name, files[1].Name)
	}
	if files[0].SizeText == "" {
		t.Fatalf("expected humanized size")
	}
}

// Purpose: Verify crash backups are non-destructive and recover onto a fresh buffer.
// Key aspects: A new backup replaces the previous one; recovery deletes it.
// Upstream: go test.
// Downstream: Store.Backup, Store.Recover.
func TestBackupRecoverRoundTrip(t *testing.T) {
	store := testStore(t, CompressionZstd, 10)
	buf := buffer.NewRingBuffer(100, 0.9)
	fill(buf, 3)
	if _, err := store.Backup(buf); err != nil {
		t.Fatalf("Backup() error: %v", err)
	}
	fill(buf, 4)
	if _, err := store.Backup(buf); err != nil {
		t.Fatalf("Backup() error: %v", err)
	}
	if buf.Len() != 7 {
		t.Fatalf("backup must not clear the buffer, got %d rows", buf.Len())
	}
	want := buf.Snapshot()

	fresh := buffer.NewRingBuffer(100, 0.9)
	res, err := store.Recover(fresh)
	if err != nil {
		t.Fatalf("Recover() error: %v", err)
	}
	if res.Rows != 7 || res.Deleted != 1 {
		t.Fatalf("unexpected recover result %+v", res)
	}
	got := fresh.Snapshot()
	for i := range want.Rows {
		if got.Rows[i] != want.Rows[i] || got.Timestamps[i] != want.Timestamps[i] {
			t.Fatalf("row %d differs after recovery", i)
		}
	}
	if again, err := store.Recover(buffer.NewRingBuffer(100, 0.9)); err != nil || again.Name != "" {
		t.Fatalf("expected no backups left, got %+v %v", again, err)
	}
}

func backupFiles(t *testing.T, dir string) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, backupPrefix+"*"+backupSuffix))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	return matches
}

// Purpose: Verify crash backups do not accumulate while running.
// Key aspects: Each backup keeps only itself; a save drops the backups it covers.
// Upstream: go test.
// Downstream: Store.Backup, Store.Save.
func TestBackupsKeepOnlyNewest(t *testing.T) {
	store := testStore(t, CompressionNone, 10)
	buf := buffer.NewRingBuffer(100, 0.9)
	var last string
	for i := 0; i < 5; i++ {
		fill(buf, 2)
		name, err := store.Backup(buf)
		if err != nil {
			t.Fatalf("Backup() error: %v", err)
		}
		last = name
	}
	files := backupFiles(t, store.Dir())
	if len(files) != 1 || filepath.Base(files[0]) != last {
		t.Fatalf("expected only %s, got %v", last, files)
	}

	if _, err := store.Save(buf); err != nil {
		t.Fatalf("Save() error: %v", err)
	}
	if files := backupFiles(t, store.Dir()); len(files) != 0 {
		t.Fatalf("expected backups covered by the save removed, got %v", files)
	}

	fill(buf, 1)
	if _, err := store.Backup(buf); err != nil {
		t.Fatalf("Backup() error: %v", err)
	}
	if files := backupFiles(t, store.Dir()); len(files) != 1 {
		t.Fatalf("expected the post-save backup kept, got %v", files)
	}
}

func TestRecoverDeletesCorruptBackup(t *testing.T) {
	store := testStore(t, CompressionZstd, 10)
	path := filepath.Join(store.Dir(), "buffer_backup_20260101_000000.000.bin")
	if err := os.WriteFile(path, []byte("garbage-garbage"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := buffer.NewRingBuffer(10, 0.9)
	res, err := store.Recover(buf)
	if err == nil {
		t.Fatalf("expected decode error")
	}
	if res.Deleted != 1 || buf.Len() != 0 {
		t.Fatalf("unexpected result %+v with %d rows", res, buf.Len())
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected corrupt backup removed")
	}
}

func TestReadBoundsRowsAndValidatesName(t *testing.T) {
	store := testStore(t, CompressionLZ4, 10)
	buf := buffer.NewRingBuffer(2000, 0.9)
	fill(buf, 1500)
	res, err := store.Save(buf)
	if err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	data, err := store.Read(res.Name, 0)
	if err != nil {
		t.Fatalf("Read() error: %v", err)
	}
	if data.TotalRows != 1500 || len(data.Data["P1"]) != DefaultReadRows {
		t.Fatalf("unexpected bounds: total=%d P1=%d", data.TotalRows, len(data.Data["P1"]))
	}
	if len(data.Columns) != telemetry.NumColumns+1 || data.Columns[0] != "timestamp" {
		t.Fatalf("unexpected columns %v", data.Columns)
	}
	if got := data.Data["exhaust_velocity"][3]; got != float64(float32(3*100+telemetry.ColExhaustVelocity)+0.25) {
		t.Fatalf("unexpected value %v", got)
	}

	for _, bad := range []string{"../sensor_log_x.tlm", "sensor_log_x.bin", "buffer_backup_x.bin", "sensor_log_/x.tlm", "notes.txt"} {
		if _, err := store.Read(bad, 10); !errors.Is(err, ErrInvalidName) {
			t.Fatalf("Read(%q): expected ErrInvalidName, got %v", bad, err)
		}
	}
	if _, err := store.Read("sensor_log_19990101_000000.000.tlm", 10); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
}

func TestCorruptSnapshotIsDetected(t *testing.T) {
	store := testStore(t, CompressionZstd, 10)
	buf := buffer.NewRingBuffer(10, 0.9)
	fill(buf, 5)
	res, err := store.Save(buf)
	if err != nil {
		t.Fatalf("Save() error: %v", err)
	}
	path := filepath.Join(store.Dir(), res.Name)
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	raw[len(raw)/2] ^= 0xff
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := store.Read(res.Name, 10); !errors.Is(err, errChecksum) {
		t.Fatalf("expected checksum error, got %v", err)
	}
}

func ExampleParseCompression() {
	c, _ := ParseCompression("lz4")
	fmt.Println(c)
	// Output: lz4
}
