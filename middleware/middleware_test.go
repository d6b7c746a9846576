package middleware

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	glogger "gorm.io/gorm/logger"

	"github.com/coreshub/imaas-gateway/common/cache"
	"github.com/coreshub/imaas-gateway/model"
)

func setupAuth(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: glogger.Default.LogMode(glogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, model.UseDB(db))
	cache.EvictModule("apikey")

	engine := gin.New()
	engine.Use(Trace())
	engine.Use(TokenAuth())
	engine.GET("/ping", func(c *gin.Context) {
		key := GetApiKey(c)
		c.JSON(http.StatusOK, gin.H{"user_id": key.UserId})
	})
	return engine
}

func ping(engine *gin.Engine, authorization string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	return w
}

func TestTokenAuth(t *testing.T) {
	engine := setupAuth(t)
	require.NoError(t, model.DB.Create(&model.ApiKey{
		Id: "sk-good", UserId: "u1", Status: model.ApiKeyStatusActive,
	}).Error)
	require.NoError(t, model.DB.Create(&model.ApiKey{
		Id: "sk-idle", UserId: "u2", Status: model.ApiKeyStatusInactive,
	}).Error)

	w := ping(engine, "")
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Contains(t, w.Body.String(), "未提供令牌")

	w = ping(engine, "Bearer sk-missing")
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Contains(t, w.Body.String(), "无效的令牌")

	w = ping(engine, "Bearer sk-idle")
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Contains(t, w.Body.String(), "令牌未生效")

	w = ping(engine, "Bearer sk-good")
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"user_id":"u1"`)
}

func TestTraceReusesInboundRequestId(t *testing.T) {
	engine := setupAuth(t)
	require.NoError(t, model.DB.Create(&model.ApiKey{
		Id: "sk-good", UserId: "u1", Status: model.ApiKeyStatusActive,
	}).Error)

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("Authorization", "Bearer sk-good")
	req.Header.Set("X-Request-Id", "req-abc")
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)

	require.Equal(t, "req-abc", w.Header().Get("trace-id"))
}

func TestErrorEnvelopeCarriesRequestId(t *testing.T) {
	engine := setupAuth(t)

	w := ping(engine, "")
	require.Contains(t, w.Body.String(), `"object":"error"`)
	require.Contains(t, w.Body.String(), "request id:")
	require.Contains(t, w.Body.String(), `"code":401`)
}
