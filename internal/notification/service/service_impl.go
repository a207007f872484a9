package service

import (
	"context"
	"net/mail"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/depositrecon/internal/clock"
	"github.com/smallbiznis/depositrecon/internal/notification/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  domain.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	repo  domain.Repository
}

func NewService(p Params) domain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("notification.service"),
		genID: p.GenID,
		clock: p.Clock,
		repo:  p.Repo,
	}
}

func (s *Service) NotifyTx(ctx context.Context, tx *gorm.DB, tenantID snowflake.ID, userIDs []string, msg domain.Message) error {
	if strings.TrimSpace(msg.Kind) == "" {
		return domain.ErrInvalidKind
	}
	if tx == nil {
		tx = s.db
	}

	now := s.clock.Now()
	seen := map[string]struct{}{}
	items := make([]domain.Notification, 0, len(userIDs))
	for _, userID := range userIDs {
		userID = strings.TrimSpace(userID)
		if userID == "" {
			continue
		}
		if _, ok := seen[userID]; ok {
			continue
		}
		seen[userID] = struct{}{}

		payload := make(map[string]any, len(msg.Payload))
		for k, v := range msg.Payload {
			payload[k] = v
		}
		items = append(items, domain.Notification{
			ID:        s.genID.Generate(),
			TenantID:  tenantID,
			UserID:    userID,
			Kind:      msg.Kind,
			Title:     msg.Title,
			Payload:   datatypes.JSONMap(payload),
			CreatedAt: now,
		})
	}

	if err := s.repo.InsertMany(ctx, tx, items); err != nil {
		return err
	}
	if len(items) > 0 {
		s.log.Debug("notifications queued",
			zap.String("tenant_id", tenantID.String()),
			zap.String("kind", msg.Kind),
			zap.Int("recipients", len(items)),
		)
	}
	return nil
}

func (s *Service) List(ctx context.Context, tenantID snowflake.ID, userID string, limit int) ([]domain.Notification, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, domain.ErrInvalidUser
	}
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.repo.ListForUser(ctx, s.db, tenantID, userID, limit)
}

func (s *Service) Preference(ctx context.Context, tenantID snowflake.ID, userID string) (domain.Preference, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return domain.Preference{}, domain.ErrInvalidUser
	}
	pref, err := s.repo.GetPreference(ctx, s.db, tenantID, userID)
	if err != nil {
		return domain.Preference{}, err
	}
	if pref == nil {
		return domain.Preference{TenantID: tenantID, UserID: userID, DigestEmails: true}, nil
	}
	return *pref, nil
}

func (s *Service) UpdatePreference(ctx context.Context, tenantID snowflake.ID, userID string, req domain.UpdatePreferenceRequest) (domain.Preference, error) {
	pref, err := s.Preference(ctx, tenantID, userID)
	if err != nil {
		return domain.Preference{}, err
	}

	if req.Email != nil {
		email := strings.TrimSpace(*req.Email)
		if email == "" {
			pref.Email = nil
		} else {
			addr, err := mail.ParseAddress(email)
			if err != nil {
				return domain.Preference{}, domain.ErrInvalidEmail
			}
			pref.Email = &addr.Address
		}
	}
	if req.DigestEmails != nil {
		pref.DigestEmails = *req.DigestEmails
	}
	pref.UpdatedAt = s.clock.Now()

	if err := s.repo.UpsertPreference(ctx, s.db, &pref); err != nil {
		return domain.Preference{}, err
	}
	return pref, nil
}
