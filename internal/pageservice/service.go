package pageservice

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/starford/sowilo/internal/apperr"
	"github.com/starford/sowilo/internal/models"
	"github.com/starford/sowilo/internal/remotestore"
)

// Notifier is told which of an owner's pages changed after a push.
type Notifier interface {
	PublishPagesChanged(owner string, ids []string)
}

// Service implements the push and pull halves of the sync protocol on top of
// the server store.
type Service struct {
	db       *remotestore.DB
	logger   *slog.Logger
	notifier Notifier
}

// NewService creates a new page service. notifier may be nil.
func NewService(db *remotestore.DB, logger *slog.Logger, notifier Notifier) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{db: db, logger: logger, notifier: notifier}
}

// Push ingests a batch of creates and updates for owner. Each item is
// persisted on its own; an item that fails is reported in Failed and does
// not affect the rest of the batch.
func (s *Service) Push(ctx context.Context, owner string, req *models.PushRequest) (*models.PushResponse, error) {
	resp := &models.PushResponse{
		Success:   true,
		Created:   []models.CreatedResult{},
		Updated:   []models.UpdatedResult{},
		Conflicts: []models.Conflict{},
	}
	var changed []string

	for _, item := range req.Creates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res, err := s.db.CreatePage(ctx, owner, item)
		if err != nil {
			s.logger.Warn("push: create failed",
				slog.String("owner", owner), slog.String("client_id", item.ClientID), slog.String("error", err.Error()))
			resp.Failed = append(resp.Failed, models.FailedItem{ClientID: item.ClientID, Error: err.Error()})
			continue
		}
		p := res.Page
		if res.Replayed {
			s.logger.Info("push: create replayed",
				slog.String("owner", owner), slog.String("client_id", item.ClientID), slog.String("server_id", p.ID))
		} else {
			changed = append(changed, p.ID)
		}
		resp.Created = append(resp.Created, models.CreatedResult{
			ClientID:    item.ClientID,
			ServerID:    p.ID,
			UpdatedAt:   p.UpdatedAt,
			FinalTitle:  p.Title,
			ContentType: p.ContentType,
			CreatedAt:   p.CreatedAt,
			Deleted:     p.Deleted,
		})
	}

	for _, item := range req.Updates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res, err := s.db.UpdatePage(ctx, owner, item, req.LastSyncedAt)
		if err != nil {
			level := slog.LevelError
			if errors.Is(err, apperr.ErrNotFound) || errors.Is(err, apperr.ErrForbidden) {
				level = slog.LevelWarn
			}
			s.logger.LogAttrs(ctx, level, "push: update failed",
				slog.String("owner", owner), slog.String("server_id", item.ServerID), slog.String("error", err.Error()))
			resp.Failed = append(resp.Failed, models.FailedItem{ServerID: item.ServerID, Error: err.Error()})
			continue
		}
		if res.Conflict != nil {
			s.logger.Info("push: update conflict",
				slog.String("owner", owner),
				slog.String("server_id", item.ServerID),
				slog.Time("server_updated_at", res.Conflict.ServerUpdatedAt),
				slog.Time("client_updated_at", item.UpdatedAt),
			)
			resp.Conflicts = append(resp.Conflicts, *res.Conflict)
			continue
		}
		changed = append(changed, res.Page.ID)
		resp.Updated = append(resp.Updated, models.UpdatedResult{
			ServerID:  res.Page.ID,
			UpdatedAt: res.Page.UpdatedAt,
			Title:     res.Page.Title,
			Deleted:   res.Page.Deleted,
		})
	}

	s.logger.Info("push",
		slog.String("owner", owner),
		slog.Int("created", len(resp.Created)),
		slog.Int("updated", len(resp.Updated)),
		slog.Int("conflicts", len(resp.Conflicts)),
		slog.Int("failed", len(resp.Failed)),
	)
	if len(changed) > 0 && s.notifier != nil {
		s.notifier.PublishPagesChanged(owner, changed)
	}
	return resp, nil
}

// Pull returns every page of owner changed after since. A zero since
// returns all of them.
func (s *Service) Pull(ctx context.Context, owner string, since time.Time) (*models.PullResponse, error) {
	pages, ts, err := s.db.PagesSince(ctx, owner, since)
	if err != nil {
		return nil, err
	}
	return &models.PullResponse{Success: true, Pages: pages, ServerTimestamp: ts}, nil
}

// GetPage returns a single page owned by owner.
func (s *Service) GetPage(ctx context.Context, owner, id string) (*models.Page, error) {
	return s.db.GetPage(ctx, owner, id)
}
