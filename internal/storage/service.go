package storage

import (
	"careline/backend/internal/models"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Service keeps documents in PostgreSQL and announces every change on Redis
// pub/sub so that watches on any server instance reload their snapshot.
type Service struct {
	DB    *gorm.DB
	Redis *redis.Client
	log   *zap.Logger
}

var _ Storage = (*Service)(nil)

// NewStorageService Constructor
func NewStorageService(db *gorm.DB, rdb *redis.Client, log *zap.Logger) *Service {
	return &Service{DB: db, Redis: rdb, log: log.Named("storage")}
}

// AutoMigrate creates or updates the document tables.
func (s *Service) AutoMigrate() error {
	return s.DB.AutoMigrate(
		&models.UserProfile{},
		&models.ChatRequest{},
		&models.Chat{},
		&models.Message{},
	)
}

// publish announces committed changes. A failed publish only delays watchers
// until the next change, so it is logged rather than returned.
func (s *Service) publish(ctx context.Context, channels ...string) {
	for _, ch := range channels {
		if err := s.Redis.Publish(ctx, ch, "changed").Err(); err != nil {
			s.log.Warn("change notification failed", zap.String("channel", ch), zap.Error(err))
		}
	}
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

func (s *Service) GetProfile(ctx context.Context, accountID string) (*models.UserProfile, error) {
	var p models.UserProfile
	if err := s.DB.WithContext(ctx).First(&p, "id = ?", accountID).Error; err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

// SaveProfile creates the profile or updates its role and name. The chat
// reference is owned by the chat operations and is never written here.
func (s *Service) SaveProfile(ctx context.Context, profile *models.UserProfile) error {
	if !profile.Role.Valid() {
		return fmt.Errorf("%w: %q", ErrRoleMismatch, profile.Role)
	}
	err := s.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"role", "name", "updated_at"}),
	}).Omit("chat_id").Create(profile).Error
	if err != nil {
		return err
	}
	s.publish(ctx, ProfileChannel(profile.ID))
	return nil
}

func (s *Service) GetChat(ctx context.Context, chatID string) (*models.Chat, error) {
	var c models.Chat
	if err := s.DB.WithContext(ctx).First(&c, "id = ?", chatID).Error; err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

func (s *Service) GetChatRequest(ctx context.Context, userID string) (*models.ChatRequest, error) {
	var r models.ChatRequest
	if err := s.DB.WithContext(ctx).First(&r, "user_id = ?", userID).Error; err != nil {
		return nil, notFound(err)
	}
	return &r, nil
}

func (s *Service) ListPendingRequests(ctx context.Context) ([]models.ChatRequest, error) {
	var reqs []models.ChatRequest
	err := s.DB.WithContext(ctx).
		Where("status = ?", models.RequestPending).
		Order("created_at asc").
		Find(&reqs).Error
	return reqs, err
}

func (s *Service) ListMessages(ctx context.Context, chatID string) ([]models.Message, error) {
	var msgs []models.Message
	err := s.DB.WithContext(ctx).
		Where("chat_id = ?", chatID).
		Order(clause.OrderBy{Columns: []clause.OrderByColumn{
			{Column: clause.Column{Name: "timestamp"}},
			{Column: clause.Column{Name: "id"}},
		}}).
		Find(&msgs).Error
	return msgs, err
}

// PutChatRequest keeps the original created_at on re-submission so the
// request does not lose its place in the doctors' queue.
func (s *Service) PutChatRequest(ctx context.Context, userID string) (*models.ChatRequest, error) {
	req := &models.ChatRequest{UserID: userID, Status: models.RequestPending}
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var p models.UserProfile
		if err := tx.First(&p, "id = ?", userID).Error; err != nil {
			return notFound(err)
		}
		if p.Role != models.RoleUser {
			return ErrRoleMismatch
		}
		if p.ChatID != nil {
			return ErrAlreadyInChat
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"status"}),
		}).Create(req).Error; err != nil {
			return err
		}
		return tx.First(req, "user_id = ?", userID).Error
	})
	if err != nil {
		return nil, err
	}
	s.publish(ctx, RequestChannel(userID), PendingRequestsChannel)
	return req, nil
}

func (s *Service) AcceptRequest(ctx context.Context, requesterID, doctorID string) (*models.Chat, error) {
	if requesterID == doctorID {
		return nil, ErrRoleMismatch
	}
	var chat *models.Chat
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// The delete is the claim: a competing doctor blocks on the row lock and
		// then sees zero affected rows.
		res := tx.Where("user_id = ? AND status = ?", requesterID, models.RequestPending).
			Delete(&models.ChatRequest{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrRequestClaimed
		}

		// Rows are locked in id order so two transactions touching the same
		// pair of profiles cannot deadlock.
		var profiles []models.UserProfile
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id IN ?", []string{requesterID, doctorID}).
			Order("id").
			Find(&profiles).Error; err != nil {
			return err
		}
		if len(profiles) != 2 {
			return ErrNotFound
		}
		for _, p := range profiles {
			want := models.RoleUser
			if p.ID == doctorID {
				want = models.RoleDoctor
			}
			if p.Role != want {
				return ErrRoleMismatch
			}
			if p.ChatID != nil {
				return ErrAlreadyInChat
			}
		}

		chat = &models.Chat{UserID: requesterID, DoctorID: doctorID}
		if err := tx.Create(chat).Error; err != nil {
			return err
		}
		return tx.Model(&models.UserProfile{}).
			Where("id IN ?", []string{requesterID, doctorID}).
			Update("chat_id", chat.ID).Error
	})
	if err != nil {
		return nil, err
	}
	s.publish(ctx,
		RequestChannel(requesterID),
		PendingRequestsChannel,
		ProfileChannel(requesterID),
		ProfileChannel(doctorID),
	)
	return chat, nil
}

func (s *Service) AppendMessage(ctx context.Context, msg *models.Message) error {
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var c models.Chat
		if err := tx.Clauses(clause.Locking{Strength: "SHARE"}).First(&c, "id = ?", msg.ChatID).Error; err != nil {
			return notFound(err)
		}
		if !c.IsParticipant(msg.SenderID) {
			return ErrNotParticipant
		}
		if c.Ended() {
			return ErrChatEnded
		}
		// Zero id and timestamp let Postgres assign both; gorm reads them back.
		msg.ID = 0
		msg.Timestamp = time.Time{}
		return tx.Create(msg).Error
	})
	if err != nil {
		return err
	}
	s.publish(ctx, MessagesChannel(msg.ChatID))
	return nil
}

func (s *Service) MarkChatEnded(ctx context.Context, chatID, accountID string) (*models.Chat, error) {
	var (
		chat    models.Chat
		changed bool
	)
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Chat{}).
			Where("id = ? AND ended_by IS NULL AND (user_id = ? OR doctor_id = ?)", chatID, accountID, accountID).
			Updates(map[string]interface{}{
				"ended_by": accountID,
				"ended_at": gorm.Expr("NOW()"),
			})
		if res.Error != nil {
			return res.Error
		}
		changed = res.RowsAffected > 0
		if err := tx.First(&chat, "id = ?", chatID).Error; err != nil {
			return notFound(err)
		}
		if !chat.IsParticipant(accountID) {
			return ErrNotParticipant
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if changed {
		s.publish(ctx, ChatChannel(chatID))
	}
	return &chat, nil
}

func (s *Service) ClearChatRef(ctx context.Context, accountID, chatID string) error {
	res := s.DB.WithContext(ctx).Model(&models.UserProfile{}).
		Where("id = ? AND chat_id = ?", accountID, chatID).
		Update("chat_id", nil)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		s.publish(ctx, ProfileChannel(accountID))
	}
	return nil
}

func (s *Service) ReconcileDanglingChats(ctx context.Context) ([]string, error) {
	var healed, stale []string
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		dangling := "chat_id IS NOT NULL AND NOT EXISTS (SELECT 1 FROM chats WHERE chats.id = user_profiles.chat_id)"
		if err := tx.Model(&models.UserProfile{}).Where(dangling).Pluck("id", &healed).Error; err != nil {
			return err
		}
		if len(healed) > 0 {
			if err := tx.Model(&models.UserProfile{}).
				Where("id IN ?", healed).Where(dangling).
				Update("chat_id", nil).Error; err != nil {
				return err
			}
		}

		inChat := "user_id IN (SELECT id FROM user_profiles WHERE chat_id IS NOT NULL)"
		if err := tx.Model(&models.ChatRequest{}).Where(inChat).Pluck("user_id", &stale).Error; err != nil {
			return err
		}
		if len(stale) > 0 {
			return tx.Where("user_id IN ?", stale).Delete(&models.ChatRequest{}).Error
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	channels := make([]string, 0, len(healed)+len(stale)+1)
	for _, id := range healed {
		channels = append(channels, ProfileChannel(id))
	}
	for _, id := range stale {
		channels = append(channels, RequestChannel(id))
	}
	if len(stale) > 0 {
		channels = append(channels, PendingRequestsChannel)
	}
	s.publish(ctx, channels...)
	return healed, nil
}

func (s *Service) WatchProfile(accountID string, fn func(*models.UserProfile, error)) Subscription {
	return watchRedis(s.Redis, ProfileChannel(accountID), func(ctx context.Context) (*models.UserProfile, error) {
		return OrNil(s.GetProfile(ctx, accountID))
	}, fn)
}

func (s *Service) WatchChat(chatID string, fn func(*models.Chat, error)) Subscription {
	return watchRedis(s.Redis, ChatChannel(chatID), func(ctx context.Context) (*models.Chat, error) {
		return OrNil(s.GetChat(ctx, chatID))
	}, fn)
}

func (s *Service) WatchMessages(chatID string, fn func([]models.Message, error)) Subscription {
	return watchRedis(s.Redis, MessagesChannel(chatID), func(ctx context.Context) ([]models.Message, error) {
		return s.ListMessages(ctx, chatID)
	}, fn)
}

func (s *Service) WatchPendingRequests(fn func([]models.ChatRequest, error)) Subscription {
	return watchRedis(s.Redis, PendingRequestsChannel, s.ListPendingRequests, fn)
}

func (s *Service) WatchChatRequest(userID string, fn func(*models.ChatRequest, error)) Subscription {
	return watchRedis(s.Redis, RequestChannel(userID), func(ctx context.Context) (*models.ChatRequest, error) {
		return OrNil(s.GetChatRequest(ctx, userID))
	}, fn)
}
