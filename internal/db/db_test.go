package db

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/fluxripper/internal/fluxstat"
	"github.com/banshee-data/fluxripper/internal/testutil"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func testCapture(t *testing.T, track int, jitter uint32) *fluxstat.MultipassCapture {
	t.Helper()
	c := &fluxstat.MultipassCapture{Track: track, Head: 1, PassCount: 2, ClockHz: 200_000_000}
	for i := 0; i < 2; i++ {
		p, err := fluxstat.NewCapturePass(i, 40_000_000, []uint32{800, 1600 + jitter, 2800, 3600})
		require.NoError(t, err)
		c.Passes = append(c.Passes, *p)
	}
	return c
}

func testResult(track int) *fluxstat.TrackResult {
	return fluxstat.SummarizeTrack(track, 1, []fluxstat.SectorResult{
		{Sector: 1, Cylinder: track, Head: 1, Data: []byte{1, 2, 3}, Size: 3, CRCOK: true,
			ConfidenceMin: 100, ConfidenceAvg: 100, Status: fluxstat.SectorOK},
		{Sector: 2, Cylinder: track, Head: 1, Data: []byte{4, 5, 6}, Size: 3, CRCOK: true,
			ConfidenceMin: 50, ConfidenceAvg: 99, WeakBitCount: 1, WeakPositions: []int{7},
			CorrectedCount: 1, CorrectedPositions: []int{7}, Status: fluxstat.SectorWeak},
	})
}

func TestPragmasApplied(t *testing.T) {
	db := newTestDB(t)

	var journalMode string
	require.NoError(t, db.QueryRow("PRAGMA journal_mode").Scan(&journalMode))
	assert.Equal(t, "wal", journalMode)

	var busyTimeout int
	require.NoError(t, db.QueryRow("PRAGMA busy_timeout").Scan(&busyTimeout))
	assert.Equal(t, 5000, busyTimeout)

	var synchronous int
	require.NoError(t, db.QueryRow("PRAGMA synchronous").Scan(&synchronous))
	assert.Equal(t, 1, synchronous) // NORMAL
}

func TestMigrations(t *testing.T) {
	db := newTestDB(t)

	version, dirty, err := db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)
	assert.False(t, dirty)

	// Already at latest.
	require.NoError(t, db.MigrateUp())

	require.NoError(t, db.MigrateDown())
	version, _, err = db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)

	require.NoError(t, db.MigrateUp())
	version, _, err = db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)
}

func TestReopenExistingDB(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs.db")
	db, err := NewDB(path)
	require.NoError(t, err)
	c := testCapture(t, 3, 0)
	r := NewRun(c, fluxstat.DefaultRecoveryConfig(), testResult(3), time.Unix(1700000000, 0))
	require.NoError(t, db.InsertRun(context.Background(), r))
	require.NoError(t, db.Close())

	db, err = NewDB(path)
	require.NoError(t, err)
	defer db.Close()
	got, err := db.GetRun(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, r.ID, got.ID)
}

func TestFingerprint(t *testing.T) {
	a := Fingerprint(testCapture(t, 0, 0))
	assert.Len(t, a, 16)
	assert.Equal(t, a, Fingerprint(testCapture(t, 0, 0)))
	assert.NotEqual(t, a, Fingerprint(testCapture(t, 0, 4)))
}

func TestInsertAndGetRun(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	cfg := fluxstat.DefaultRecoveryConfig()
	cfg.Encoding = fluxstat.EncodingFM
	c := testCapture(t, 12, 0)
	res := testResult(12)
	r := NewRun(c, cfg, res, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	require.NoError(t, db.InsertRun(ctx, r))

	got, err := db.GetRun(ctx, r.ID)
	require.NoError(t, err)
	if diff := cmp.Diff(r, got, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("GetRun mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, "fm", got.Encoding)
	assert.Equal(t, 2, got.SectorsRecovered)
	assert.Equal(t, 1, got.SectorsWeak)
	assert.Equal(t, uint32(300), got.AverageRPM)

	_, err = db.GetRun(ctx, "00000000-0000-0000-0000-000000000000")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestInsertRunRejects(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	r := NewRun(testCapture(t, 0, 0), fluxstat.DefaultRecoveryConfig(), testResult(0), time.Now())

	noResult := *r
	noResult.Result = nil
	assert.Error(t, db.InsertRun(ctx, &noResult))

	badID := *r
	badID.ID = "not-a-uuid"
	assert.Error(t, db.InsertRun(ctx, &badID))

	require.NoError(t, db.InsertRun(ctx, r))
	assert.Error(t, db.InsertRun(ctx, r), "duplicate id")
}

func TestListRuns(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	var ids []string
	for i, track := range []int{0, 1, 0, 2} {
		r := NewRun(testCapture(t, track, 0), fluxstat.DefaultRecoveryConfig(), testResult(track), base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, db.InsertRun(ctx, r))
		ids = append(ids, r.ID)
	}

	all, err := db.ListRuns(ctx, -1, 0)
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, ids[3], all[0].ID, "newest first")
	assert.Nil(t, all[0].Result)

	track0, err := db.ListRuns(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, track0, 2)
	assert.Equal(t, ids[2], track0[0].ID)
	assert.Equal(t, ids[0], track0[1].ID)

	limited, err := db.ListRuns(ctx, -1, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	require.NoError(t, db.DeleteRun(ctx, ids[0]))
	assert.ErrorIs(t, db.DeleteRun(ctx, ids[0]), ErrRunNotFound)
	track0, err = db.ListRuns(ctx, 0, 10)
	require.NoError(t, err)
	assert.Len(t, track0, 1)
}

func TestAdminRoutes_DBStats(t *testing.T) {
	db := newTestDB(t)
	r := NewRun(testCapture(t, 0, 0), fluxstat.DefaultRecoveryConfig(), testResult(0), time.Now())
	require.NoError(t, db.InsertRun(context.Background(), r))

	mux := http.NewServeMux()
	db.AttachAdminRoutes(mux)

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, testutil.NewTestRequest(http.MethodGet, "/debug/db-stats"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var stats DatabaseStats
	require.NoError(t, json.NewDecoder(w.Body).Decode(&stats))
	counts := map[string]int64{}
	for _, ts := range stats.Tables {
		counts[ts.Name] = ts.Rows
	}
	assert.Equal(t, int64(1), counts["recovery_runs"])
	assert.Contains(t, counts, "schema_migrations")
}

func TestAdminRoutes_Backup(t *testing.T) {
	db := newTestDB(t)
	r := NewRun(testCapture(t, 0, 0), fluxstat.DefaultRecoveryConfig(), testResult(0), time.Now())
	require.NoError(t, db.InsertRun(context.Background(), r))

	mux := http.NewServeMux()
	db.AttachAdminRoutes(mux)

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, testutil.NewTestRequest(http.MethodGet, "/debug/backup"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "application/gzip", w.Header().Get("Content-Type"))

	zr, err := gzip.NewReader(w.Body)
	require.NoError(t, err)
	data, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.Equal(t, "SQLite format 3\x00", string(data[:16]))
}

func TestAdminRoutes_DeniedRemotely(t *testing.T) {
	db := newTestDB(t)
	mux := http.NewServeMux()
	db.AttachAdminRoutes(mux)

	req := httptest.NewRequest(http.MethodGet, "/debug/db-stats", nil)
	req.RemoteAddr = "203.0.113.9:4000"
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
}
