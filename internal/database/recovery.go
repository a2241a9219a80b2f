package database

import (
	"time"

	"github.com/TidewaterLabs/concord/backend/internal/sessions"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// closeDanglingSessions closes session rows left active by an unclean
// shutdown. This server is the only writer of the database, so at startup any
// row still marked active belongs to a connection that no longer exists. Runs
// on every open, not once, because a crash can happen on any run.
func closeDanglingSessions(db *gorm.DB, logger *zap.Logger) error {
	closedAt := time.Now().UTC().Unix()
	result := db.Model(&sessions.Session{}).
		Where("is_active = ?", true).
		Updates(map[string]interface{}{
			"is_active": false,
			"left_at_s": closedAt,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 && logger != nil {
		logger.Info("closed dangling sessions from previous run",
			zap.Int64("sessions", result.RowsAffected))
	}
	return nil
}
