package reputation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	xerrors "AgentMarket/internal/errors"
	"AgentMarket/pkg/logger"
)

// Service 负责追加信誉证明，并维护当前 tick 使用的信誉视图。
type Service struct {
	store Store
	now   func() time.Time

	mu   sync.RWMutex
	view *View
}

// NewService 创建信誉服务，初始视图为空。
func NewService(store Store) *Service {
	return &Service{store: store, now: time.Now, view: BuildView(nil)}
}

// Record 追加一条证明并立即反映到当前视图。
func (s *Service) Record(ctx context.Context, att Attestation) (Attestation, error) {
	if att.Subject == "" {
		return Attestation{}, xerrors.New(xerrors.CodeInvalidArgument, "信誉证明缺少主体")
	}
	if att.ID == "" {
		att.ID = uuid.NewString()
	}
	if att.CreatedAt.IsZero() {
		att.CreatedAt = s.now().UTC()
	}
	if err := s.store.Append(ctx, att); err != nil {
		return Attestation{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入信誉证明失败",
			xerrors.WithMetadata("subject", att.Subject))
	}

	s.mu.Lock()
	s.view = s.view.apply(att)
	s.mu.Unlock()

	logger.Audit().Info("信誉证明已记录",
		slog.String("subject", att.Subject),
		slog.String("attester", att.Attester),
		slog.Float64("delta", att.Delta),
		slog.String("market_id", att.MarketID),
		slog.Any("tags", att.Tags))
	return att, nil
}

// Refresh 从存储重建视图，每个 tick 开始时调用一次。
func (s *Service) Refresh(ctx context.Context) (*View, error) {
	atts, err := s.store.List(ctx)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取信誉证明失败")
	}
	view := BuildView(atts)
	s.mu.Lock()
	s.view = view
	s.mu.Unlock()
	return view, nil
}

// View 返回当前视图。
func (s *Service) View() *View {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view
}

// Score 返回主体在当前视图下的信誉分。
func (s *Service) Score(subject string) float64 {
	return s.View().Score(subject)
}

// List 返回全部证明。
func (s *Service) List(ctx context.Context) ([]Attestation, error) {
	return s.store.List(ctx)
}
