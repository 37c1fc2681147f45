package database

import (
	"fmt"

	"gorm.io/gorm"

	"fulfillment/internal/model"
	"fulfillment/pkg/log"
)

// Models returns the tables owned by service
func Models(service string) []interface{} {
	switch service {
	case "order":
		return []interface{}{&model.Order{}, &model.OrderItem{}}
	case "inventory":
		return []interface{}{&model.Stock{}, &model.Reservation{}}
	case "payment":
		return []interface{}{&model.Payment{}}
	default:
		return nil
	}
}

// AutoMigrate auto migrate the tables owned by service
func AutoMigrate(db *gorm.DB, service string) error {
	log.WithField("service", service).Info("Starting database migration...")

	for _, m := range Models(service) {
		if err := db.AutoMigrate(m); err != nil {
			return fmt.Errorf("failed to migrate %T: %w", m, err)
		}
		log.Infof("Migrated model: %T", m)
	}

	log.Info("Database migration completed successfully")
	return nil
}
