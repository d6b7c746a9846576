package controller

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	gmw "github.com/Laisky/gin-middlewares/v7"
	"github.com/Laisky/zap"
	"github.com/gin-gonic/gin"

	"github.com/coreshub/imaas-gateway/common/config"
	"github.com/coreshub/imaas-gateway/common/helper"
	"github.com/coreshub/imaas-gateway/middleware"
	"github.com/coreshub/imaas-gateway/model"
	relaymodel "github.com/coreshub/imaas-gateway/relay/model"
)

// File endpoints authenticate but skip balance and rate-limit checks.

var allowedFilePurposes = map[string]bool{
	"batch":      true,
	"fine-tune":  true,
	"assistants": true,
	"user_data":  true,
}

func fileResponse(f *model.FileRecord) gin.H {
	return gin.H{
		"id":         f.Id,
		"object":     "file",
		"bytes":      f.Bytes,
		"created_at": f.CreatedAt,
		"filename":   f.Filename,
		"purpose":    f.Purpose,
	}
}

// UploadFile handles POST /v1/files.
func UploadFile(c *gin.Context) {
	logger := gmw.GetLogger(c)
	key := middleware.GetApiKey(c)

	fh, err := c.FormFile("file")
	if err != nil {
		abortWith(c, relaymodel.ErrInvalidBody("缺少 file 字段"))
		return
	}
	purpose := c.PostForm("purpose")
	if !allowedFilePurposes[purpose] {
		abortWith(c, relaymodel.ErrInvalidBody(fmt.Sprintf("不支持的 purpose[%s]", purpose)))
		return
	}
	if len(fh.Filename) < 1 || len(fh.Filename) > 200 {
		abortWith(c, relaymodel.ErrInvalidBody("文件名长度必须在 1 到 200 之间"))
		return
	}
	if fh.Size > config.MaxSingleFileSize {
		abortWith(c, relaymodel.ErrInvalidBody("单个文件超过大小限制"))
		return
	}

	count, totalBytes, err := model.UserFileStats(key.UserId)
	if err != nil {
		logger.Error("query file stats failed", zap.Error(err))
		abortWith(c, relaymodel.ErrUpstreamUnavailable())
		return
	}
	if count >= int64(config.MaxFileCounts) {
		abortWith(c, relaymodel.ErrInvalidBody("文件数量超过限制"))
		return
	}
	if totalBytes+fh.Size > config.MaxTotalFileSize {
		abortWith(c, relaymodel.ErrInvalidBody("文件总大小超过限制"))
		return
	}

	id := "file-" + helper.RandomId(24)
	dir := filepath.Join(config.UserFileDir, key.UserId)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		logger.Error("create user file dir failed", zap.Error(err))
		abortWith(c, relaymodel.ErrUpstreamUnavailable())
		return
	}
	path := filepath.Join(dir, id)
	if err := c.SaveUploadedFile(fh, path); err != nil {
		logger.Error("save uploaded file failed", zap.Error(err))
		abortWith(c, relaymodel.ErrUpstreamUnavailable())
		return
	}

	record := &model.FileRecord{
		Id:       id,
		UserId:   key.UserId,
		Filename: fh.Filename,
		Purpose:  purpose,
		Bytes:    fh.Size,
		Path:     path,
	}
	if err := record.Insert(); err != nil {
		logger.Error("insert file record failed", zap.Error(err))
		_ = os.Remove(path)
		abortWith(c, relaymodel.ErrUpstreamUnavailable())
		return
	}
	c.JSON(http.StatusOK, fileResponse(record))
}

// ListFiles handles GET /v1/files with after/limit/order/purpose paging.
func ListFiles(c *gin.Context) {
	key := middleware.GetApiKey(c)
	limit := 20
	if raw := c.Query("limit"); raw != "" {
		fmt.Sscanf(raw, "%d", &limit)
	}
	files, err := model.ListFiles(key.UserId, c.Query("purpose"), c.Query("after"), c.Query("order"), limit)
	if err != nil {
		gmw.GetLogger(c).Error("list files failed", zap.Error(err))
		abortWith(c, relaymodel.ErrUpstreamUnavailable())
		return
	}
	data := make([]gin.H, 0, len(files))
	for i := range files {
		data = append(data, fileResponse(&files[i]))
	}
	c.JSON(http.StatusOK, gin.H{
		"object":   "list",
		"data":     data,
		"has_more": len(files) == limit,
	})
}

// GetFile handles GET /v1/files/:id.
func GetFile(c *gin.Context) {
	key := middleware.GetApiKey(c)
	id := c.Param("id")
	record, err := model.GetFile(key.UserId, id)
	if err != nil {
		gmw.GetLogger(c).Error("query file failed", zap.Error(err))
		abortWith(c, relaymodel.ErrUpstreamUnavailable())
		return
	}
	if record == nil {
		abortWith(c, relaymodel.NewGatewayError(http.StatusNotFound, fmt.Sprintf("不存在的文件[%s]", id)))
		return
	}
	c.JSON(http.StatusOK, fileResponse(record))
}

// DeleteFile handles DELETE /v1/files/:id.
func DeleteFile(c *gin.Context) {
	logger := gmw.GetLogger(c)
	key := middleware.GetApiKey(c)
	id := c.Param("id")
	record, err := model.GetFile(key.UserId, id)
	if err != nil {
		logger.Error("query file failed", zap.Error(err))
		abortWith(c, relaymodel.ErrUpstreamUnavailable())
		return
	}
	if record == nil {
		abortWith(c, relaymodel.NewGatewayError(http.StatusNotFound, fmt.Sprintf("不存在的文件[%s]", id)))
		return
	}
	if err := os.Remove(record.Path); err != nil && !os.IsNotExist(err) {
		logger.Warn("remove file from disk failed", zap.String("path", record.Path), zap.Error(err))
	}
	if err := model.DeleteFile(key.UserId, id); err != nil {
		logger.Error("delete file record failed", zap.Error(err))
		abortWith(c, relaymodel.ErrUpstreamUnavailable())
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":      id,
		"object":  "file",
		"deleted": true,
	})
}
