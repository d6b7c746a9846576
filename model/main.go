package model

import (
	"github.com/Laisky/errors/v2"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/coreshub/imaas-gateway/common/config"
)

// DB is the shared relational handle. It is set once by InitDB (or by tests
// through UseDB) before any traffic is served.
var DB *gorm.DB

// InitDB opens the configured database and runs migrations.
func InitDB() error {
	var dialector gorm.Dialector
	switch config.DatabaseType {
	case "mysql":
		dialector = mysql.Open(config.DatabaseDSN)
	case "postgres":
		dialector = postgres.Open(config.DatabaseDSN)
	default:
		dsn := config.DatabaseDSN
		if dsn == "" {
			dsn = "imaas-gateway.db"
		}
		dialector = sqlite.Open(dsn)
	}

	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return errors.Wrap(err, "open database failed")
	}
	DB = db
	return migrate()
}

// UseDB replaces the shared handle and migrates, used by tests with
// in-memory sqlite.
func UseDB(db *gorm.DB) error {
	DB = db
	return migrate()
}

func migrate() error {
	err := DB.AutoMigrate(
		&ApiKey{},
		&Channel{},
		&Model{},
		&ChannelBinding{},
		&RateLimit{},
		&ModelParam{},
		&FileRecord{},
	)
	return errors.Wrap(err, "migrate database failed")
}
