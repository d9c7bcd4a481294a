// Package store provides database operations using GORM. It implements the
// workspace store contract the gateway and pipeline consume: the ordered
// message log and the project file map.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/buildroom-dev/buildroom/internal/apperr"
	"github.com/buildroom-dev/buildroom/internal/model"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = apperr.ErrNotFound

// Store wraps GORM DB for database operations.
type Store struct {
	db *gorm.DB
}

// New creates a new Store with the given GORM DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DB returns the underlying GORM DB for advanced queries.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// --- Users ---

func (s *Store) GetUserByID(ctx context.Context, id string) (*model.User, error) {
	var user model.User
	if err := s.db.WithContext(ctx).First(&user, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &user, nil
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	var user model.User
	if err := s.db.WithContext(ctx).First(&user, "email = ?", email).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &user, nil
}

func (s *Store) CreateUser(ctx context.Context, user *model.User) error {
	return s.db.WithContext(ctx).Create(user).Error
}

func (s *Store) ListUsers(ctx context.Context) ([]*model.User, error) {
	var users []*model.User
	err := s.db.WithContext(ctx).Order("email ASC").Find(&users).Error
	return users, err
}

// --- Projects ---

// CreateProject creates a project owned by ownerID.
func (s *Store) CreateProject(ctx context.Context, project *model.Project, ownerID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(project).Error; err != nil {
			return err
		}
		member := &model.ProjectMember{
			ProjectID: project.ID,
			UserID:    ownerID,
			Role:      "owner",
		}
		return tx.Create(member).Error
	})
}

func (s *Store) GetProjectByID(ctx context.Context, id string) (*model.Project, error) {
	var project model.Project
	if err := s.db.WithContext(ctx).First(&project, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &project, nil
}

func (s *Store) ListProjectsByUser(ctx context.Context, userID string) ([]*model.Project, error) {
	var projects []*model.Project
	err := s.db.WithContext(ctx).
		Joins("JOIN project_members ON project_members.project_id = projects.id").
		Where("project_members.user_id = ?", userID).
		Order("projects.created_at ASC").
		Find(&projects).Error
	return projects, err
}

// IsMember reports whether userID belongs to the project.
func (s *Store) IsMember(ctx context.Context, projectID, userID string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&model.ProjectMember{}).
		Where("project_id = ? AND user_id = ?", projectID, userID).
		Count(&count).Error
	return count > 0, err
}

// AddMembers adds users to a project. Existing memberships are left alone.
func (s *Store) AddMembers(ctx context.Context, projectID string, userIDs []string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, userID := range userIDs {
			member := &model.ProjectMember{
				ProjectID: projectID,
				UserID:    userID,
				Role:      "member",
			}
			if err := tx.Where("project_id = ? AND user_id = ?", projectID, userID).
				FirstOrCreate(member).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// ListMemberEmails returns the emails of all project members.
func (s *Store) ListMemberEmails(ctx context.Context, projectID string) ([]string, error) {
	var emails []string
	err := s.db.WithContext(ctx).Model(&model.User{}).
		Joins("JOIN project_members ON project_members.user_id = users.id").
		Where("project_members.project_id = ?", projectID).
		Order("users.email ASC").
		Pluck("users.email", &emails).Error
	return emails, err
}

// --- Messages ---

// AppendMessage persists a message at the tail of the project's log and
// returns the canonical record with its assigned id, sequence number, and
// timestamp. author is nil for AI-authored messages.
func (s *Store) AppendMessage(ctx context.Context, projectID string, author *model.UserRef, payload json.RawMessage) (*model.ProjectMessage, error) {
	msg := &model.ProjectMessage{
		ProjectID: projectID,
		Payload:   payload,
	}
	if author != nil {
		id, email := author.ID, author.Email
		msg.UserID = &id
		msg.UserEmail = &email
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&model.Project{}).Where("id = ?", projectID).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return ErrNotFound
		}

		// Next sequence number within the project. The surrounding
		// transaction makes read-then-write safe.
		var maxSeq int64
		if err := tx.Model(&model.ProjectMessage{}).
			Where("project_id = ?", projectID).
			Select("COALESCE(MAX(seq), 0)").
			Scan(&maxSeq).Error; err != nil {
			return err
		}
		msg.Seq = maxSeq + 1

		return tx.Create(msg).Error
	})
	if err != nil {
		return nil, err
	}

	// Read back the canonical persisted record so broadcast and store agree
	// on id, order, and timestamp.
	var persisted model.ProjectMessage
	if err := s.db.WithContext(ctx).First(&persisted, "id = ?", msg.ID).Error; err != nil {
		return nil, err
	}
	return &persisted, nil
}

func (s *Store) ListMessagesByProject(ctx context.Context, projectID string) ([]*model.ProjectMessage, error) {
	var messages []*model.ProjectMessage
	err := s.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("seq ASC").
		Find(&messages).Error
	return messages, err
}

// GetMessagesByIDs returns the messages with the given ids within a project.
// Missing ids are simply absent from the result.
func (s *Store) GetMessagesByIDs(ctx context.Context, projectID string, ids []string) ([]*model.ProjectMessage, error) {
	var messages []*model.ProjectMessage
	err := s.db.WithContext(ctx).
		Where("project_id = ? AND id IN ?", projectID, ids).
		Find(&messages).Error
	return messages, err
}

// DeleteMessages removes exactly the given message ids in one transaction.
func (s *Store) DeleteMessages(ctx context.Context, projectID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).
		Where("project_id = ? AND id IN ?", projectID, ids).
		Delete(&model.ProjectMessage{}).Error
}

// --- File tree ---

// GetFileTree returns the project's current file map.
func (s *Store) GetFileTree(ctx context.Context, projectID string) (model.FileTree, error) {
	project, err := s.GetProjectByID(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return decodeFileTree(project.FileTree)
}

// PatchFileTree merges patch into the project's file map, adding or
// overwriting the patched paths only. Paths absent from the patch are never
// removed. Returns the new file version.
func (s *Store) PatchFileTree(ctx context.Context, projectID string, patch model.FileTree) (int64, error) {
	if len(patch) == 0 {
		return 0, nil
	}

	var version int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var project model.Project
		if err := tx.First(&project, "id = ?", projectID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}

		tree, err := decodeFileTree(project.FileTree)
		if err != nil {
			return err
		}
		for name, node := range patch {
			tree[name] = node
		}

		encoded, err := json.Marshal(tree)
		if err != nil {
			return err
		}

		version = project.FileVersion + 1
		return tx.Model(&project).Updates(map[string]interface{}{
			"file_tree":    json.RawMessage(encoded),
			"file_version": version,
		}).Error
	})
	return version, err
}

// SaveFileTree replaces the project's file map wholesale. This is the
// direct-edit autosave path; it is the only way a file is deleted.
func (s *Store) SaveFileTree(ctx context.Context, projectID string, tree model.FileTree) (int64, error) {
	encoded, err := json.Marshal(tree)
	if err != nil {
		return 0, err
	}

	var version int64
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var project model.Project
		if err := tx.First(&project, "id = ?", projectID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		version = project.FileVersion + 1
		return tx.Model(&project).Updates(map[string]interface{}{
			"file_tree":    json.RawMessage(encoded),
			"file_version": version,
		}).Error
	})
	return version, err
}

// SaveProjectState saves the file tree and/or prunes the message log down to
// the retained ids in one call. Either argument may be nil to leave that
// part untouched.
func (s *Store) SaveProjectState(ctx context.Context, projectID string, tree model.FileTree, retainMessageIDs []string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var project model.Project
		if err := tx.First(&project, "id = ?", projectID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}

		if tree != nil {
			encoded, err := json.Marshal(tree)
			if err != nil {
				return err
			}
			if err := tx.Model(&project).Updates(map[string]interface{}{
				"file_tree":    json.RawMessage(encoded),
				"file_version": project.FileVersion + 1,
			}).Error; err != nil {
				return err
			}
		}

		if retainMessageIDs != nil {
			q := tx.Where("project_id = ?", projectID)
			if len(retainMessageIDs) > 0 {
				q = q.Where("id NOT IN ?", retainMessageIDs)
			}
			if err := q.Delete(&model.ProjectMessage{}).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func decodeFileTree(raw json.RawMessage) (model.FileTree, error) {
	tree := model.FileTree{}
	if len(raw) == 0 {
		return tree, nil
	}
	if err := json.Unmarshal(raw, &tree); err != nil {
		return nil, fmt.Errorf("corrupt file tree: %w", err)
	}
	return tree, nil
}
