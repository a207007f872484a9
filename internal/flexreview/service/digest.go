package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/depositrecon/internal/authorization"
	"github.com/smallbiznis/depositrecon/internal/flexreview/domain"
	notificationdomain "github.com/smallbiznis/depositrecon/internal/notification/domain"
	recdomain "github.com/smallbiznis/depositrecon/internal/reconciliation/domain"
	"github.com/smallbiznis/depositrecon/pkg/db"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const digestDateLayout = "2006-01-02"

// RunDigest summarizes open items per manager and delivers it at most once
// per manager and day. A dry run only computes the summary.
func (s *Service) RunDigest(ctx context.Context, req domain.DigestRequest) (domain.DigestResult, error) {
	tenantID, err := tenantFrom(ctx, req.TenantID)
	if err != nil {
		return domain.DigestResult{}, err
	}

	minAge := 0
	if req.MinAgeDays != nil {
		if *req.MinAgeDays < 0 {
			return domain.DigestResult{}, recdomain.Validation("invalid_min_age_days", "min_age_days must not be negative")
		}
		minAge = *req.MinAgeDays
	} else {
		settings, err := s.settings.Resolve(ctx, tenantID)
		if err != nil {
			return domain.DigestResult{}, err
		}
		minAge = settings.DigestMinAgeDays
	}

	now := s.clock.Now().UTC()
	result := domain.DigestResult{
		TenantID:    tenantID,
		DigestDate:  now.Format(digestDateLayout),
		MinAgeDays:  minAge,
		DryRun:      req.DryRun,
		PerManager:  []domain.DigestBucket{},
		Delivered:   []string{},
		AlreadySent: []string{},
	}

	items, err := s.repo.ListOpen(ctx, s.db, tenantID)
	if err != nil {
		return domain.DigestResult{}, fmt.Errorf("list open items: %w", err)
	}
	managers, err := s.authz.UsersWithCapability(ctx, tenantID, authorization.ObjectReconciliation, authorization.ActionManage)
	if err != nil {
		return domain.DigestResult{}, err
	}

	cutoff := now.AddDate(0, 0, -minAge)
	perUser := make(map[string]*domain.DigestBucket, len(managers))
	for _, userID := range managers {
		perUser[userID] = &domain.DigestBucket{UserID: userID}
	}
	for _, item := range items {
		overdue := !item.CreatedAt.After(cutoff)
		count(&result.Total, overdue)
		if item.AssignedToUserID == nil {
			count(&result.Unassigned, overdue)
			continue
		}
		bucket, ok := perUser[*item.AssignedToUserID]
		if !ok {
			bucket = &domain.DigestBucket{UserID: *item.AssignedToUserID}
			perUser[*item.AssignedToUserID] = bucket
		}
		count(bucket, overdue)
	}
	users := make([]string, 0, len(perUser))
	for userID := range perUser {
		users = append(users, userID)
	}
	sort.Strings(users)
	for _, userID := range users {
		result.PerManager = append(result.PerManager, *perUser[userID])
	}

	if req.DryRun || result.Total.OpenCount == 0 || len(managers) == 0 {
		return result, nil
	}

	token, ok, err := s.limiter.TryLockDigest(ctx, tenantID, result.DigestDate)
	if err != nil {
		return domain.DigestResult{}, fmt.Errorf("digest lock: %w", err)
	}
	if !ok {
		return domain.DigestResult{}, domain.ErrDigestInProgress
	}
	defer func() {
		if err := s.limiter.ReleaseDigest(context.WithoutCancel(ctx), tenantID, result.DigestDate, token); err != nil {
			s.log.Warn("release digest lock", zap.String("tenant_id", tenantID.String()), zap.Error(err))
		}
	}()

	for _, userID := range managers {
		bucket := perUser[userID]
		sent, err := s.deliver(ctx, tenantID, *bucket, result, now)
		if err != nil {
			return domain.DigestResult{}, err
		}
		if !sent {
			result.AlreadySent = append(result.AlreadySent, userID)
			continue
		}
		s.mail(ctx, tenantID, *bucket, result)
		result.Delivered = append(result.Delivered, userID)
	}

	s.log.Info("flex digest delivered",
		zap.String("tenant_id", tenantID.String()),
		zap.String("digest_date", result.DigestDate),
		zap.Int("delivered", len(result.Delivered)),
		zap.Int("already_sent", len(result.AlreadySent)),
	)
	return result, nil
}

// deliver records the delivery and writes the inbox entry together. sent is
// false when the manager already has today's digest.
func (s *Service) deliver(ctx context.Context, tenantID snowflake.ID, bucket domain.DigestBucket, result domain.DigestResult, now time.Time) (bool, error) {
	exists, err := s.repo.HasDelivery(ctx, s.db, tenantID, bucket.UserID, result.DigestDate)
	if err != nil {
		return false, fmt.Errorf("check digest delivery: %w", err)
	}
	if exists {
		return false, nil
	}

	sent := true
	err = s.inTenantTx(ctx, tenantID, func(tx *gorm.DB) error {
		err := tx.Transaction(func(sp *gorm.DB) error {
			return s.repo.InsertDelivery(ctx, sp, &domain.DigestDelivery{
				ID:           s.genID.Generate(),
				TenantID:     tenantID,
				UserID:       bucket.UserID,
				DigestDate:   result.DigestDate,
				OpenCount:    bucket.OpenCount,
				OverdueCount: bucket.OverdueCount,
				CreatedAt:    now,
			})
		})
		if err != nil {
			if db.IsDuplicateKeyErr(err) {
				sent = false
				return nil
			}
			return fmt.Errorf("insert digest delivery: %w", err)
		}
		return s.notifier.NotifyTx(ctx, tx, tenantID, []string{bucket.UserID}, notificationdomain.Message{
			Kind:    notificationdomain.KindFlexDigest,
			Title:   fmt.Sprintf("Flex review digest for %s", result.DigestDate),
			Payload: digestPayload(bucket, result),
		})
	})
	if err != nil {
		return false, err
	}
	return sent, nil
}

// mail is best effort; the inbox entry is already committed.
func (s *Service) mail(ctx context.Context, tenantID snowflake.ID, bucket domain.DigestBucket, result domain.DigestResult) {
	pref, err := s.notifier.Preference(ctx, tenantID, bucket.UserID)
	if err != nil {
		s.log.Warn("load notification preference", zap.String("user_id", bucket.UserID), zap.Error(err))
		return
	}
	if pref.Email == nil || !pref.DigestEmails {
		return
	}
	if err := s.email.SendTemplate(ctx, []string{*pref.Email}, "flex_digest", digestPayload(bucket, result)); err != nil {
		s.log.Warn("send digest email", zap.String("user_id", bucket.UserID), zap.Error(err))
	}
}

func digestPayload(bucket domain.DigestBucket, result domain.DigestResult) map[string]any {
	return map[string]any{
		"digest_date":     result.DigestDate,
		"open_count":      bucket.OpenCount,
		"overdue_count":   bucket.OverdueCount,
		"min_age_days":    result.MinAgeDays,
		"total_open":      result.Total.OpenCount,
		"unassigned_open": result.Unassigned.OpenCount,
	}
}

func count(bucket *domain.DigestBucket, overdue bool) {
	bucket.OpenCount++
	if overdue {
		bucket.OverdueCount++
	}
}
