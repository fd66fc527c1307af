package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/escrowd/internal/clock"
	"github.com/smallbiznis/escrowd/internal/identity/domain"
	paymentdomain "github.com/smallbiznis/escrowd/internal/paymentnetwork/domain"
	"github.com/smallbiznis/escrowd/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Repo       domain.Repository
	Client     paymentdomain.Client
	Reconciler domain.Reconciler
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	repo       domain.Repository
	client     paymentdomain.Client
	reconciler domain.Reconciler
}

func New(p Params) domain.Service {
	return NewService(p)
}

func NewService(p Params) *Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("identity.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		repo:       p.Repo,
		client:     p.Client,
		reconciler: p.Reconciler,
	}
}

// Authenticate verifies the wallet's access token with the network, records the profile and
// resolves whatever payments the previous session left behind.
func (s *Service) Authenticate(ctx context.Context, req domain.AuthRequest) (domain.AuthResult, error) {
	token := strings.TrimSpace(req.AccessToken)
	if token == "" {
		return domain.AuthResult{}, fmt.Errorf("%w: access_token is required", domain.ErrInvalidRequest)
	}

	user, err := s.client.VerifyUser(ctx, token)
	if err != nil {
		if errors.Is(err, paymentdomain.ErrUnauthorized) {
			return domain.AuthResult{}, domain.ErrInvalidToken
		}
		return domain.AuthResult{}, err
	}
	if strings.TrimSpace(user.UID) == "" {
		return domain.AuthResult{}, domain.ErrInvalidToken
	}

	profile, err := s.upsertProfile(ctx, user)
	if err != nil {
		return domain.AuthResult{}, err
	}

	report, err := s.reconciler.ReconcileLocked(ctx, user.UID, req.IncompletePaymentIDs)
	if err != nil {
		s.log.Warn("reconciliation at sign-in failed", zap.String("uid", user.UID), zap.Error(err))
	}
	if report.Skipped != "" {
		s.log.Info("reconciliation skipped", zap.String("uid", user.UID), zap.String("reason", report.Skipped))
	}
	return domain.AuthResult{Profile: profile, Reconciliation: report}, nil
}

func (s *Service) upsertProfile(ctx context.Context, user paymentdomain.User) (domain.Profile, error) {
	var out domain.Profile
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.clock.Now()
		existing, err := s.repo.FindByPiUID(ctx, tx, user.UID)
		if err != nil {
			return err
		}
		if existing != nil {
			if existing.Username != user.Username {
				if err := s.repo.UpdateUsername(ctx, tx, existing.ID, user.Username, now); err != nil {
					return err
				}
				existing.Username = user.Username
				existing.UpdatedAt = now
			}
			out = *existing
			return nil
		}

		out = domain.Profile{
			ID:        s.genID.Generate().String(),
			PiUID:     user.UID,
			Username:  user.Username,
			CreatedAt: now,
			UpdatedAt: now,
		}
		return s.repo.Insert(ctx, tx, &out)
	})
	if err != nil && db.IsDuplicateKeyErr(err) {
		// A concurrent sign-in created the profile first.
		existing, findErr := s.repo.FindByPiUID(ctx, s.db, user.UID)
		if findErr != nil {
			return domain.Profile{}, findErr
		}
		if existing != nil {
			return *existing, nil
		}
	}
	if err != nil {
		return domain.Profile{}, err
	}
	return out, nil
}
