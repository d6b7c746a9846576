package scheduler

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/coreshub/imaas-gateway/common"
	"github.com/coreshub/imaas-gateway/model"
)

func setupDB(t *testing.T) {
	t.Helper()
	dsn := fmt.Sprintf("file:sched-%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, model.UseDB(db))
}

func seedChannel(t *testing.T, url string, health int) {
	t.Helper()
	require.NoError(t, model.DB.Create(&model.Channel{
		Id: 1, Name: "c", URL: url, Secret: "s", Health: health, Status: model.StatusEnabled,
	}).Error)
	require.NoError(t, model.DB.Create(&model.Model{
		Id: 1, Name: "m", Status: model.StatusEnabled,
	}).Error)
	require.NoError(t, model.DB.Create(&model.ChannelBinding{
		ChannelId: 1, ModelId: 1, Status: model.StatusEnabled,
	}).Error)
}

func TestProbeSemantics(t *testing.T) {
	h := NewHealthChecker()
	ctx := context.Background()

	cases := []struct {
		status int
		body   string
		want   bool
	}{
		{200, `{"data":[]}`, true},
		{404, "not found", true},
		{200, "", false},
		{500, "oops", false},
		{401, "denied", false},
	}
	for i, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "/v1/models", r.URL.Path)
			require.Equal(t, "Bearer s", r.Header.Get("Authorization"))
			w.WriteHeader(tc.status)
			fmt.Fprint(w, tc.body)
		}))
		got := h.Probe(ctx, &model.Channel{URL: srv.URL, Secret: "s"})
		srv.Close()
		require.Equal(t, tc.want, got, fmt.Sprintf("case %d", i))
	}

	// unreachable upstream
	require.False(t, h.Probe(ctx, &model.Channel{URL: "http://127.0.0.1:1", Secret: "s"}))
}

func TestHysteresisFlipsAfterThreshold(t *testing.T) {
	setupRedis(t)
	setupDB(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()
	seedChannel(t, srv.URL, model.HealthUp)

	h := NewHealthChecker()
	ctx := context.Background()

	// first failing probe: disagreement recorded, no flip yet
	h.CheckOnce(ctx)
	var ch model.Channel
	require.NoError(t, model.DB.First(&ch, 1).Error)
	require.Equal(t, model.HealthUp, ch.Health)

	// second failing probe crosses the threshold
	h.CheckOnce(ctx)
	require.NoError(t, model.DB.First(&ch, 1).Error)
	require.Equal(t, model.HealthDown, ch.Health)

	// the flip published a routing eviction event
	n, err := common.RDB.XLen(ctx, common.WrapKey(common.ServerEventQueue)).Result()
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}

func TestHysteresisResetsOnAgreement(t *testing.T) {
	setupRedis(t)
	setupDB(t)

	healthy := true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if healthy {
			fmt.Fprint(w, `{"data":[]}`)
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()
	seedChannel(t, srv.URL, model.HealthUp)

	h := NewHealthChecker()
	ctx := context.Background()

	// fail, agree, fail: the counter reset in between prevents a flip
	healthy = false
	h.CheckOnce(ctx)
	healthy = true
	h.CheckOnce(ctx)
	healthy = false
	h.CheckOnce(ctx)

	var ch model.Channel
	require.NoError(t, model.DB.First(&ch, 1).Error)
	require.Equal(t, model.HealthUp, ch.Health)
}

func TestCleanupFiles(t *testing.T) {
	setupDB(t)

	dir := t.TempDir()
	path := dir + "/old.bin"
	require.NoError(t, writeFile(path))

	require.NoError(t, model.DB.Create(&model.FileRecord{
		Id: "file-old", UserId: "usr", Filename: "old.bin", Path: path,
		CreatedAt: 1, Bytes: 4,
	}).Error)
	require.NoError(t, model.DB.Create(&model.FileRecord{
		Id: "file-new", UserId: "usr", Filename: "new.bin",
		CreatedAt: 9_999_999_999, Bytes: 4,
	}).Error)

	CleanupFiles(context.Background())

	gone, err := model.GetFile("usr", "file-old")
	require.NoError(t, err)
	require.Nil(t, gone)
	kept, err := model.GetFile("usr", "file-new")
	require.NoError(t, err)
	require.NotNil(t, kept)
	require.NoFileExists(t, path)
}

func writeFile(path string) error {
	return os.WriteFile(path, []byte("data"), 0o600)
}
