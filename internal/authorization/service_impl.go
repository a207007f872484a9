package authorization

import (
	"context"
	_ "embed"
	"fmt"
	"sort"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	gormadapter "github.com/casbin/gorm-adapter/v3"
	auditdomain "github.com/smallbiznis/depositrecon/internal/audit/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

//go:embed model.conf
var modelText string

const (
	ObjectReconciliation = "reconciliation"
	ObjectFlexReview     = "flex_review"
	ObjectSettings       = "reconciliation_settings"
	ObjectMembers        = "members"
)

const (
	ActionView   = "view"
	ActionManage = "manage"
)

const (
	RoleReconciliationManager = "reconciliation_manager"
	RoleReconciliationViewer  = "reconciliation_viewer"

	systemActor = "system"
	systemRole  = "role:system"
	userPrefix  = "user:"
)

type Params struct {
	fx.In

	Log      *zap.Logger
	Enforcer *casbin.SyncedEnforcer
	AuditSvc auditdomain.Service `optional:"true"`
}

type ServiceImpl struct {
	log      *zap.Logger
	enforcer *casbin.SyncedEnforcer
	auditSvc auditdomain.Service
}

func NewEnforcer(db *gorm.DB) (*casbin.SyncedEnforcer, error) {
	adapter, err := gormadapter.NewAdapterByDB(db)
	if err != nil {
		return nil, err
	}
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, err
	}
	enforcer, err := casbin.NewSyncedEnforcer(m, adapter)
	if err != nil {
		return nil, err
	}
	enforcer.EnableAutoSave(true)
	enforcer.EnableAutoBuildRoleLinks(true)
	if err := enforcer.LoadPolicy(); err != nil {
		return nil, err
	}
	if err := seedPolicies(enforcer); err != nil {
		return nil, err
	}
	if err := enforcer.BuildRoleLinks(); err != nil {
		return nil, err
	}
	return enforcer, nil
}

func NewService(p Params) Service {
	return &ServiceImpl{
		log:      p.Log.Named("authorization.service"),
		enforcer: p.Enforcer,
		auditSvc: p.AuditSvc,
	}
}

func tenantDomain(tenantID snowflake.ID) string {
	return fmt.Sprintf("tenant:%s", tenantID.String())
}

func (s *ServiceImpl) Authorize(ctx context.Context, actor string, tenantID snowflake.ID, object string, action string) error {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return ErrInvalidActor
	}
	if tenantID == 0 {
		return ErrInvalidTenant
	}
	object = strings.TrimSpace(object)
	if object == "" {
		return ErrInvalidObject
	}
	action = strings.TrimSpace(action)
	if action == "" {
		return ErrInvalidAction
	}

	domain := tenantDomain(tenantID)
	switch {
	case actor == systemActor:
		if err := s.ensureSystemGrouping(domain); err != nil {
			return err
		}
	case strings.HasPrefix(actor, userPrefix) && strings.TrimPrefix(actor, userPrefix) != "":
	default:
		return ErrInvalidActor
	}

	allowed, err := s.enforcer.Enforce(actor, domain, object, action)
	if err != nil {
		return err
	}
	if !allowed {
		s.auditDenied(ctx, actor, tenantID, object, action)
		return ErrForbidden
	}
	return nil
}

func (s *ServiceImpl) HasCapability(ctx context.Context, userID string, tenantID snowflake.ID, object string, action string) (bool, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return false, ErrInvalidActor
	}
	if tenantID == 0 {
		return false, ErrInvalidTenant
	}
	return s.enforcer.Enforce(userPrefix+userID, tenantDomain(tenantID), object, action)
}

func (s *ServiceImpl) UsersWithCapability(ctx context.Context, tenantID snowflake.ID, object string, action string) ([]string, error) {
	if tenantID == 0 {
		return nil, ErrInvalidTenant
	}
	policies, err := s.enforcer.GetFilteredPolicy(1, object, action)
	if err != nil {
		return nil, err
	}

	domain := tenantDomain(tenantID)
	seen := map[string]struct{}{}
	for _, policy := range policies {
		if len(policy) < 1 || policy[0] == systemRole {
			continue
		}
		for _, subject := range s.enforcer.GetUsersForRoleInDomain(policy[0], domain) {
			if !strings.HasPrefix(subject, userPrefix) {
				continue
			}
			seen[strings.TrimPrefix(subject, userPrefix)] = struct{}{}
		}
	}

	users := make([]string, 0, len(seen))
	for id := range seen {
		users = append(users, id)
	}
	sort.Strings(users)
	return users, nil
}

func (s *ServiceImpl) GrantRole(ctx context.Context, tenantID snowflake.ID, userID string, role string) error {
	roleName, err := resolveRole(role)
	if err != nil {
		return err
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return ErrInvalidActor
	}
	if tenantID == 0 {
		return ErrInvalidTenant
	}
	if _, err := s.enforcer.AddRoleForUserInDomain(userPrefix+userID, roleName, tenantDomain(tenantID)); err != nil {
		return err
	}
	s.log.Info("role granted",
		zap.String("tenant_id", tenantID.String()),
		zap.String("user_id", userID),
		zap.String("role", roleName),
	)
	return nil
}

func (s *ServiceImpl) RevokeRole(ctx context.Context, tenantID snowflake.ID, userID string, role string) error {
	roleName, err := resolveRole(role)
	if err != nil {
		return err
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return ErrInvalidActor
	}
	if tenantID == 0 {
		return ErrInvalidTenant
	}
	_, err = s.enforcer.DeleteRoleForUserInDomain(userPrefix+userID, roleName, tenantDomain(tenantID))
	return err
}

func resolveRole(role string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case RoleReconciliationManager:
		return "role:" + RoleReconciliationManager, nil
	case RoleReconciliationViewer:
		return "role:" + RoleReconciliationViewer, nil
	default:
		return "", ErrInvalidRole
	}
}

func (s *ServiceImpl) ensureSystemGrouping(domain string) error {
	has, err := s.enforcer.HasGroupingPolicy(systemActor, systemRole, domain)
	if err != nil {
		return err
	}
	if has {
		return nil
	}
	_, err = s.enforcer.AddGroupingPolicy(systemActor, systemRole, domain)
	return err
}

func (s *ServiceImpl) auditDenied(ctx context.Context, actor string, tenantID snowflake.ID, object string, action string) {
	if s.auditSvc == nil {
		return
	}
	actorType := auditdomain.ActorTypeUser
	var actorID *string
	if actor == systemActor {
		actorType = auditdomain.ActorTypeSystem
	} else {
		id := strings.TrimPrefix(actor, userPrefix)
		actorID = &id
	}
	targetID := "capability"
	_ = s.auditSvc.Record(ctx, nil, auditdomain.Entry{
		TenantID:   &tenantID,
		ActorType:  actorType,
		ActorID:    actorID,
		Action:     "authorization.denied",
		TargetType: "authorization",
		TargetID:   &targetID,
		Metadata: map[string]any{
			"object":  object,
			"action":  action,
			"subject": actor,
		},
	})
}

func seedPolicies(enforcer *casbin.SyncedEnforcer) error {
	policies := [][]string{
		// Viewers read deposits, candidates and the flex queue.
		{"role:" + RoleReconciliationViewer, ObjectReconciliation, ActionView},
		{"role:" + RoleReconciliationViewer, ObjectFlexReview, ActionView},
		{"role:" + RoleReconciliationViewer, ObjectSettings, ActionView},

		// Managers act on everything reconciliation-related.
		{"role:" + RoleReconciliationManager, ObjectReconciliation, ActionView},
		{"role:" + RoleReconciliationManager, ObjectReconciliation, ActionManage},
		{"role:" + RoleReconciliationManager, ObjectFlexReview, ActionView},
		{"role:" + RoleReconciliationManager, ObjectFlexReview, ActionManage},
		{"role:" + RoleReconciliationManager, ObjectSettings, ActionView},
		{"role:" + RoleReconciliationManager, ObjectSettings, ActionManage},
		{"role:" + RoleReconciliationManager, ObjectMembers, ActionManage},

		// System runs imports and scheduled jobs.
		{systemRole, ObjectReconciliation, ActionView},
		{systemRole, ObjectReconciliation, ActionManage},
		{systemRole, ObjectFlexReview, ActionView},
		{systemRole, ObjectFlexReview, ActionManage},
		{systemRole, ObjectSettings, ActionView},
		{systemRole, ObjectSettings, ActionManage},
		{systemRole, ObjectMembers, ActionManage},
	}

	for _, policy := range policies {
		if len(policy) < 3 {
			continue
		}
		if _, err := enforcer.AddPolicy(policy); err != nil {
			return err
		}
	}
	return nil
}
