// Package model defines the database models used throughout the application.
// These models work with both PostgreSQL and SQLite via GORM.
package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// AI marker identity used as the author of AI-generated messages.
const (
	AIUserID    = "ai"
	AIUserEmail = "AI Assistant"
)

// User represents an authenticated collaborator.
type User struct {
	ID        string    `gorm:"primaryKey;type:text" json:"_id"`
	Email     string    `gorm:"uniqueIndex;not null;type:text" json:"email"`
	Name      *string   `gorm:"type:text" json:"name,omitempty"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (User) TableName() string { return "users" }

func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	return nil
}

// Project is the durable workspace record: a file map plus an ordered
// message log. The project id doubles as the room id on the gateway.
type Project struct {
	ID          string          `gorm:"primaryKey;type:text" json:"_id"`
	Name        string          `gorm:"uniqueIndex;not null;type:text" json:"name"`
	FileTree    json.RawMessage `gorm:"type:text" json:"fileTree"`
	FileVersion int64           `gorm:"column:file_version;default:0" json:"fileVersion"`
	CreatedAt   time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time       `gorm:"autoUpdateTime" json:"updated_at"`

	Members  []ProjectMember  `gorm:"foreignKey:ProjectID" json:"-"`
	Messages []ProjectMessage `gorm:"foreignKey:ProjectID" json:"-"`
}

func (Project) TableName() string { return "projects" }

func (p *Project) BeforeCreate(tx *gorm.DB) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if len(p.FileTree) == 0 {
		p.FileTree = json.RawMessage("{}")
	}
	return nil
}

// ProjectMember links a user to a project.
type ProjectMember struct {
	ID        string    `gorm:"primaryKey;type:text" json:"id"`
	ProjectID string    `gorm:"column:project_id;not null;type:text;uniqueIndex:idx_project_user" json:"project_id"`
	UserID    string    `gorm:"column:user_id;not null;type:text;uniqueIndex:idx_project_user;index" json:"user_id"`
	Role      string    `gorm:"not null;type:text;default:member" json:"role"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`

	Project *Project `gorm:"foreignKey:ProjectID" json:"-"`
	User    *User    `gorm:"foreignKey:UserID" json:"-"`
}

func (ProjectMember) TableName() string { return "project_members" }

func (m *ProjectMember) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	return nil
}

// ProjectMessage is one entry in a project's ordered message log.
// UserID/UserEmail are nil for AI-authored messages; Payload holds either
// a plain {"text": ...} object or a full structured AI result.
type ProjectMessage struct {
	ID        string          `gorm:"primaryKey;type:text" json:"_id"`
	ProjectID string          `gorm:"column:project_id;not null;type:text;index" json:"projectId"`
	Seq       int64           `gorm:"not null;index:idx_project_seq" json:"seq"`
	UserID    *string         `gorm:"column:user_id;type:text" json:"userId,omitempty"`
	UserEmail *string         `gorm:"column:user_email;type:text" json:"userEmail,omitempty"`
	Payload   json.RawMessage `gorm:"type:text;not null" json:"payload"`
	CreatedAt time.Time       `gorm:"autoCreateTime" json:"timestamp"`

	Project *Project `gorm:"foreignKey:ProjectID" json:"-"`
}

func (ProjectMessage) TableName() string { return "project_messages" }

func (m *ProjectMessage) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	return nil
}

// FromAI reports whether the message was authored by the AI marker.
func (m *ProjectMessage) FromAI() bool {
	return m.UserID == nil
}

// Author returns the message author as a wire-level user reference.
func (m *ProjectMessage) Author() UserRef {
	if m.FromAI() {
		return UserRef{ID: AIUserID, Email: AIUserEmail}
	}
	ref := UserRef{ID: *m.UserID}
	if m.UserEmail != nil {
		ref.Email = *m.UserEmail
	}
	return ref
}

// UserRef identifies a message author on the wire.
type UserRef struct {
	ID    string `json:"_id"`
	Email string `json:"email"`
}

// FileTree is the workspace file map. Each entry maps a flat file name to
// its contents; nesting beyond this single level is the caller's concern.
type FileTree map[string]FileNode

// FileNode wraps file contents in the {"file": {"contents": ...}} encoding
// that clients mount directly into the sandbox runtime.
type FileNode struct {
	File FileBody `json:"file"`
}

// FileBody holds the raw contents of one file.
type FileBody struct {
	Contents string `json:"contents"`
}

// NewFileNode builds a FileNode from raw contents.
func NewFileNode(contents string) FileNode {
	return FileNode{File: FileBody{Contents: contents}}
}

// AllModels returns all models for AutoMigrate.
func AllModels() []interface{} {
	return []interface{}{
		&User{},
		&Project{},
		&ProjectMember{},
		&ProjectMessage{},
	}
}
