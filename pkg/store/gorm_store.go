package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"codecollab/pkg/domain"
)

const migrateLockID int64 = 51730217

// GormStore implements UserStore, ProjectStore and ChatStore on Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog, TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		return tx.AutoMigrate(&UserModel{}, &ProjectModel{}, &ProjectMemberModel{}, &ChatEntryModel{})
	}); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	return &GormStore{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// users

func (s *GormStore) CreateUser(ctx context.Context, u domain.User) error {
	model := userToModel(u)
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrEmailTaken
		}
		return fmt.Errorf("%w: create user: %v", ErrStorage, err)
	}
	return nil
}

func (s *GormStore) GetUserByEmail(ctx context.Context, email string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.WithContext(ctx).Where("email = ?", email).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, fmt.Errorf("%w: get user by email: %v", ErrStorage, err)
	}
	return userFromModel(model), true, nil
}

func (s *GormStore) GetUserByID(ctx context.Context, id string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, fmt.Errorf("%w: get user: %v", ErrStorage, err)
	}
	return userFromModel(model), true, nil
}

// projects

func (s *GormStore) CreateProject(ctx context.Context, p domain.Project) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		model := ProjectModel{ID: p.ID, Name: p.Name, CreatedAt: p.CreatedAt.UTC()}
		if err := tx.Create(&model).Error; err != nil {
			return err
		}
		return addMembersTx(tx, p.ID, p.Members, p.CreatedAt)
	})
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrProjectNameTaken
		}
		return fmt.Errorf("%w: create project: %v", ErrStorage, err)
	}
	return nil
}

func (s *GormStore) GetProject(ctx context.Context, id string) (domain.Project, bool, error) {
	var model ProjectModel
	db := s.db.WithContext(ctx)
	if err := db.First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Project{}, false, nil
		}
		return domain.Project{}, false, fmt.Errorf("%w: get project: %v", ErrStorage, err)
	}
	var members []ProjectMemberModel
	if err := db.Where("project_id = ?", id).Order("created_at asc, user_id asc").Find(&members).Error; err != nil {
		return domain.Project{}, false, fmt.Errorf("%w: list members: %v", ErrStorage, err)
	}
	project := domain.Project{ID: model.ID, Name: model.Name, CreatedAt: model.CreatedAt.UTC()}
	for _, m := range members {
		project.Members = append(project.Members, m.UserID)
	}
	return project, true, nil
}

func (s *GormStore) AddMembers(ctx context.Context, projectID string, userIDs []string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&ProjectModel{}).Where("id = ?", projectID).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return ErrProjectNotFound
		}
		return addMembersTx(tx, projectID, userIDs, time.Now())
	})
	if errors.Is(err, ErrProjectNotFound) {
		return err
	}
	if err != nil {
		return fmt.Errorf("%w: add members: %v", ErrStorage, err)
	}
	return nil
}

func addMembersTx(tx *gorm.DB, projectID string, userIDs []string, at time.Time) error {
	if len(userIDs) == 0 {
		return nil
	}
	rows := make([]ProjectMemberModel, 0, len(userIDs))
	for _, id := range userIDs {
		rows = append(rows, ProjectMemberModel{ProjectID: projectID, UserID: id, CreatedAt: at.UTC()})
	}
	return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error
}

// chats

func (s *GormStore) EntryExists(ctx context.Context, id string) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&ChatEntryModel{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return false, fmt.Errorf("%w: entry exists: %v", ErrStorage, err)
	}
	return count > 0, nil
}

// AppendEntry inserts with ON CONFLICT DO NOTHING so the primary key decides
// races between concurrent resends of the same id.
func (s *GormStore) AppendEntry(ctx context.Context, entry domain.ChatEntry) (domain.ChatEntry, bool, error) {
	model, err := chatEntryToModel(entry)
	if err != nil {
		return domain.ChatEntry{}, false, fmt.Errorf("encode entry: %w", err)
	}
	db := s.db.WithContext(ctx)
	res := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&model)
	if res.Error != nil {
		return domain.ChatEntry{}, false, fmt.Errorf("%w: append entry: %v", ErrStorage, res.Error)
	}
	if res.RowsAffected == 1 {
		stored, err := chatEntryFromModel(model)
		if err != nil {
			return domain.ChatEntry{}, false, fmt.Errorf("decode entry: %w", err)
		}
		return stored, true, nil
	}
	var existing ChatEntryModel
	if err := db.First(&existing, "id = ?", entry.ID).Error; err != nil {
		return domain.ChatEntry{}, false, fmt.Errorf("%w: load existing entry: %v", ErrStorage, err)
	}
	stored, err := chatEntryFromModel(existing)
	if err != nil {
		return domain.ChatEntry{}, false, fmt.Errorf("decode entry: %w", err)
	}
	return stored, false, nil
}

func (s *GormStore) ListEntriesByProject(ctx context.Context, projectID string) ([]domain.ChatEntry, error) {
	var models []ChatEntryModel
	if err := s.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("created_at asc, id asc").
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("%w: list entries: %v", ErrStorage, err)
	}
	out := make([]domain.ChatEntry, 0, len(models))
	for _, m := range models {
		e, err := chatEntryFromModel(m)
		if err != nil {
			return nil, fmt.Errorf("decode entry %s: %w", m.ID, err)
		}
		out = append(out, e)
	}
	return out, nil
}
