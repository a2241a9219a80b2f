package sessions

// Session records a user's presence on a document. Rows are deactivated, not
// deleted, so the history of who edited what is retained.
type Session struct {
	SessionID       string `gorm:"column:session_id;primaryKey;size:190;not null"`
	UserID          string `gorm:"column:user_id;size:190;not null;index:idx_sessions_user_doc,priority:1"`
	DocumentID      string `gorm:"column:document_id;size:190;not null;index:idx_sessions_user_doc,priority:2;index:idx_sessions_doc_active,priority:1"`
	IsActive        bool   `gorm:"column:is_active;not null;default:false;index:idx_sessions_doc_active,priority:2"`
	JoinedAtSeconds int64  `gorm:"column:joined_at_s;not null"`
	LeftAtSeconds   *int64 `gorm:"column:left_at_s"`
}

// TableName provides the explicit table binding for GORM.
func (Session) TableName() string {
	return "document_sessions"
}
