package model

import (
	"time"

	"github.com/Laisky/errors/v2"
	"gorm.io/gorm"
)

// FileRecord tracks an uploaded file owned by a user.
type FileRecord struct {
	Id        string `json:"id" gorm:"primaryKey;size:64"`
	UserId    string `json:"user_id" gorm:"size:64;index"`
	Filename  string `json:"filename" gorm:"size:256"`
	Purpose   string `json:"purpose" gorm:"size:32"`
	Bytes     int64  `json:"bytes"`
	Path      string `json:"-" gorm:"size:512"`
	CreatedAt int64  `json:"created_at" gorm:"bigint;autoCreateTime"`
}

func (FileRecord) TableName() string {
	return "file_records"
}

func (f *FileRecord) Insert() error {
	return errors.Wrap(DB.Create(f).Error, "insert file record failed")
}

// GetFile returns the record if it exists and belongs to the user.
func GetFile(userId, id string) (*FileRecord, error) {
	var f FileRecord
	err := DB.Where("id = ? AND user_id = ?", id, userId).First(&f).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "query file record failed")
	}
	return &f, nil
}

func DeleteFile(userId, id string) error {
	err := DB.Where("id = ? AND user_id = ?", id, userId).Delete(&FileRecord{}).Error
	return errors.Wrap(err, "delete file record failed")
}

// ListFiles pages through a user's files. order is "asc" or "desc" on
// created_at; after is an exclusive file id cursor.
func ListFiles(userId, purpose, after, order string, limit int) ([]FileRecord, error) {
	q := DB.Where("user_id = ?", userId)
	if purpose != "" {
		q = q.Where("purpose = ?", purpose)
	}
	if after != "" {
		var pivot FileRecord
		if err := DB.Where("id = ? AND user_id = ?", after, userId).First(&pivot).Error; err == nil {
			if order == "asc" {
				q = q.Where("created_at > ?", pivot.CreatedAt)
			} else {
				q = q.Where("created_at < ?", pivot.CreatedAt)
			}
		}
	}
	if order == "asc" {
		q = q.Order("created_at asc")
	} else {
		q = q.Order("created_at desc")
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	var files []FileRecord
	err := q.Limit(limit).Find(&files).Error
	return files, errors.Wrap(err, "list file records failed")
}

// UserFileStats returns the number of files a user owns and their total size.
func UserFileStats(userId string) (count int64, totalBytes int64, err error) {
	err = DB.Model(&FileRecord{}).Where("user_id = ?", userId).Count(&count).Error
	if err != nil {
		return 0, 0, errors.Wrap(err, "count file records failed")
	}
	var sum struct{ Total int64 }
	err = DB.Model(&FileRecord{}).Select("COALESCE(SUM(bytes),0) AS total").
		Where("user_id = ?", userId).Scan(&sum).Error
	if err != nil {
		return 0, 0, errors.Wrap(err, "sum file sizes failed")
	}
	return count, sum.Total, nil
}

// ListExpiredFiles returns files older than the retention period.
func ListExpiredFiles(retentionDays int) ([]FileRecord, error) {
	cutoff := time.Now().AddDate(0, 0, -retentionDays).Unix()
	var files []FileRecord
	err := DB.Where("created_at < ?", cutoff).Find(&files).Error
	return files, errors.Wrap(err, "list expired files failed")
}
