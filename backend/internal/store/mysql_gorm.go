package store

import (
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

// InitMySQL opens the database and migrates the three tables.
func InitMySQL(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{SkipDefaultTransaction: true})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&DocumentRecord{}, &CollaboratorRecord{}, &BlockRecord{}); err != nil {
		return nil, err
	}
	return db, nil
}
