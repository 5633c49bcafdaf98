// Package syncclient runs the client half of page synchronization: it pushes
// dirty local pages, swaps temporary ids for server ids, and pulls remote
// changes into the local store.
package syncclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/starford/sowilo/internal/apperr"
	"github.com/starford/sowilo/internal/localstore"
	"github.com/starford/sowilo/internal/models"
)

// Result summarizes one sync cycle.
type Result struct {
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Creates   int           `json:"creates"`
	Updates   int           `json:"updates"`
	Created   int           `json:"created"`
	Acked     int           `json:"acked"`
	Conflicts int           `json:"conflicts"`
	Failed    int           `json:"failed"`
	Pulled    int           `json:"pulled"`
	Renamed   int           `json:"renamed"`
	Rewritten int           `json:"rewritten"`
	Kept      int           `json:"kept"`
}

// State is a snapshot of the manager for status reporting.
type State struct {
	Status    models.SyncStatus `json:"status"`
	Watermark string            `json:"watermark"`
	Last      *Result           `json:"last,omitempty"`
	LastError string            `json:"last_error,omitempty"`
}

// settleDelay is how long synced or error is reported before the status
// falls back to idle.
const settleDelay = 3 * time.Second

// Manager orchestrates push-then-pull cycles against a Transport. At most one
// cycle runs at a time; overlapping calls return apperr.ErrSyncInProgress.
// The status moves idle -> syncing -> synced|error -> idle.
type Manager struct {
	store     *localstore.Store
	transport Transport
	logger    *slog.Logger
	settle    time.Duration

	running atomic.Bool

	mu      sync.Mutex
	status  models.SyncStatus
	gen     uint64
	timer   *time.Timer
	last    *Result
	lastErr error
}

// NewManager creates a manager. A nil logger uses slog.Default().
func NewManager(store *localstore.Store, transport Transport, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: store, transport: transport, logger: logger, settle: settleDelay, status: models.SyncStatusIdle}
}

// Syncing reports whether a cycle is in flight.
func (m *Manager) Syncing() bool {
	return m.running.Load()
}

// State returns the current status and the outcome of the last cycle.
func (m *Manager) State(ctx context.Context) State {
	m.mu.Lock()
	st := State{Status: m.status, Last: m.last}
	if m.lastErr != nil {
		st.LastError = m.lastErr.Error()
	}
	m.mu.Unlock()
	st.Watermark, _ = m.store.Watermark(ctx)
	return st
}

// Sync runs one cycle. It returns apperr.ErrSyncInProgress without doing
// anything when another cycle is running. Any error aborts the rest of the
// cycle and leaves unacknowledged pages dirty.
func (m *Manager) Sync(ctx context.Context) (*Result, error) {
	if !m.running.CompareAndSwap(false, true) {
		return nil, apperr.ErrSyncInProgress
	}
	defer m.running.Store(false)

	m.setStatus(ctx, models.SyncStatusSyncing, nil)
	res := &Result{StartedAt: time.Now()}
	err := m.cycle(ctx, res)
	res.Duration = time.Since(res.StartedAt)

	if err != nil {
		m.setStatus(ctx, models.SyncStatusError, err)
		m.scheduleIdle()
		m.logger.Error("sync failed", slog.String("error", err.Error()), slog.Duration("duration", res.Duration))
		return res, err
	}

	m.mu.Lock()
	m.last = res
	m.mu.Unlock()
	m.setStatus(ctx, models.SyncStatusSynced, nil)
	m.scheduleIdle()
	m.logger.Info("sync complete",
		slog.Int("creates", res.Creates),
		slog.Int("updates", res.Updates),
		slog.Int("conflicts", res.Conflicts),
		slog.Int("failed", res.Failed),
		slog.Int("pulled", res.Pulled),
		slog.Duration("duration", res.Duration),
	)
	return res, nil
}

func (m *Manager) setStatus(ctx context.Context, status models.SyncStatus, err error) {
	m.mu.Lock()
	m.status = status
	m.lastErr = err
	m.gen++
	m.mu.Unlock()
	m.persistStatus(ctx, status)
}

// scheduleIdle returns the status to idle after the settle delay unless
// another cycle changed it first. The last error stays visible in State.
func (m *Manager) scheduleIdle() {
	m.mu.Lock()
	defer m.mu.Unlock()
	gen := m.gen
	if m.timer != nil {
		m.timer.Stop()
	}
	m.timer = time.AfterFunc(m.settle, func() {
		m.mu.Lock()
		if m.gen != gen {
			m.mu.Unlock()
			return
		}
		m.status = models.SyncStatusIdle
		m.gen++
		m.mu.Unlock()
		m.persistStatus(context.Background(), models.SyncStatusIdle)
	})
}

// stopIdle cancels a pending return to idle.
func (m *Manager) stopIdle() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.timer != nil {
		m.timer.Stop()
	}
}

func (m *Manager) persistStatus(ctx context.Context, status models.SyncStatus) {
	// The in-memory status stays authoritative if the store rejects the write.
	if serr := m.store.SetStatus(context.WithoutCancel(ctx), status); serr != nil {
		m.logger.Warn("persist sync status", slog.String("error", serr.Error()))
	}
}

func (m *Manager) cycle(ctx context.Context, res *Result) error {
	watermark, err := m.store.Watermark(ctx)
	if err != nil {
		return err
	}
	dirty, err := m.store.DirtyPages(ctx)
	if err != nil {
		return err
	}

	req, pushed, err := buildPush(dirty, watermark)
	if err != nil {
		return err
	}
	res.Creates, res.Updates = len(req.Creates), len(req.Updates)

	// Temporary ids reconciled in this cycle, for correcting pulled content.
	remap := map[string]string{}
	if res.Creates+res.Updates > 0 {
		resp, err := m.transport.Push(ctx, req)
		if err != nil {
			return err
		}
		if err := m.reconcile(ctx, resp, pushed, remap, res); err != nil {
			return err
		}
	}

	pulled, err := m.transport.Pull(ctx, watermark)
	if err != nil {
		return err
	}
	next := pulled.ServerTimestamp.UTC().Format(time.RFC3339Nano)
	if pulled.ServerTimestamp.IsZero() {
		next = watermark
	}
	// pushed now also holds the server ids of reconciled creates, so rows
	// edited after the push are left for the next cycle.
	pr, err := m.store.ApplyPull(ctx, pulled.Pages, next, localstore.PullOptions{Rewrites: remap, Snapshot: pushed})
	if err != nil {
		return err
	}
	res.Pulled = pr.Applied
	res.Renamed = len(pr.Renamed)
	res.Rewritten += len(pr.Rewritten)
	res.Kept = len(pr.Kept)
	for _, id := range pr.Renamed {
		m.logger.Info("local page renamed for pulled title", slog.String("page_id", id))
	}
	for _, id := range pr.Kept {
		m.logger.Debug("pulled copy skipped, local edit pending", slog.String("page_id", id))
	}
	return nil
}

func (m *Manager) reconcile(ctx context.Context, resp *models.PushResponse, pushed map[string]time.Time, remap map[string]string, res *Result) error {
	for _, c := range resp.Created {
		pushedAt, ok := pushed[c.ClientID]
		if !ok {
			m.logger.Warn("created result for unknown page", slog.String("client_id", c.ClientID))
			continue
		}
		rr, err := m.store.Reconcile(ctx, localstore.Reconciliation{
			TempID:          c.ClientID,
			ServerID:        c.ServerID,
			FinalTitle:      c.FinalTitle,
			ServerUpdatedAt: c.UpdatedAt,
			PushedUpdatedAt: pushedAt,
		})
		if errors.Is(err, apperr.ErrNotFound) {
			// The pull below brings the server page down under its permanent id.
			m.logger.Warn("temporary page missing during reconcile",
				slog.String("client_id", c.ClientID), slog.String("server_id", c.ServerID))
			continue
		}
		if err != nil {
			return fmt.Errorf("syncclient: reconcile %s: %w", c.ClientID, err)
		}
		remap[c.ClientID] = c.ServerID
		pushed[c.ServerID] = pushedAt
		res.Created++
		res.Rewritten += len(rr.Rewritten)
		m.logger.Debug("page reconciled",
			slog.String("client_id", c.ClientID),
			slog.String("server_id", c.ServerID),
			slog.Int64("links_rewritten", rr.LinksRewritten),
		)
	}

	acks := make([]localstore.Ack, 0, len(resp.Updated))
	for _, u := range resp.Updated {
		pushedAt, ok := pushed[u.ServerID]
		if !ok {
			continue
		}
		acks = append(acks, localstore.Ack{ID: u.ServerID, PushedUpdatedAt: pushedAt, ServerUpdatedAt: u.UpdatedAt})
	}
	acked, err := m.store.AckUpdates(ctx, acks)
	if err != nil {
		return err
	}
	res.Acked = len(acked)

	res.Conflicts = len(resp.Conflicts)
	for _, c := range resp.Conflicts {
		m.logger.Warn("push conflict, server copy wins on pull",
			slog.String("server_id", c.ServerID),
			slog.Time("server_updated_at", c.ServerUpdatedAt),
			slog.Time("client_updated_at", c.ClientUpdatedAt),
		)
	}
	res.Failed = len(resp.Failed)
	for _, f := range resp.Failed {
		m.logger.Warn("push item failed",
			slog.String("client_id", f.ClientID),
			slog.String("server_id", f.ServerID),
			slog.String("error", f.Error),
		)
	}
	return nil
}

// buildPush partitions dirty pages into creates and updates and records the
// updatedAt of every pushed snapshot by id.
func buildPush(dirty []localstore.Page, watermark string) (*models.PushRequest, map[string]time.Time, error) {
	req := &models.PushRequest{
		Creates: []models.CreateItem{},
		Updates: []models.UpdateItem{},
	}
	if watermark != "" {
		t, err := time.Parse(time.RFC3339Nano, watermark)
		if err != nil {
			return nil, nil, fmt.Errorf("syncclient: parse watermark %q: %w", watermark, err)
		}
		req.LastSyncedAt = &t
	}

	pushed := make(map[string]time.Time, len(dirty))
	for _, p := range dirty {
		pushed[p.ID] = p.UpdatedAt
		if localstore.IsTempID(p.ID) {
			req.Creates = append(req.Creates, models.CreateItem{
				ClientID:       p.ID,
				Title:          p.Title,
				Content:        p.Content,
				ContentType:    p.ContentType,
				Description:    &p.Description,
				ImagePreviews:  p.ImagePreviews,
				CanvasImageCID: &p.CanvasImageCID,
				CreatedAt:      p.CreatedAt,
				UpdatedAt:      p.UpdatedAt,
				Deleted:        p.Deleted,
			})
			continue
		}
		previews := p.ImagePreviews
		if previews == nil {
			previews = []string{}
		}
		req.Updates = append(req.Updates, models.UpdateItem{
			ServerID:       p.ID,
			Title:          &p.Title,
			Content:        &p.Content,
			Description:    &p.Description,
			ImagePreviews:  &previews,
			CanvasImageCID: &p.CanvasImageCID,
			Deleted:        &p.Deleted,
			UpdatedAt:      p.UpdatedAt,
		})
	}
	return req, pushed, nil
}

// Run syncs once at startup, then every interval and whenever triggers
// fires, until ctx is cancelled. Triggers arriving during a cycle are
// dropped. Cycle errors are logged and do not stop the loop.
func (m *Manager) Run(ctx context.Context, interval time.Duration, triggers <-chan struct{}) error {
	defer m.stopIdle()
	m.runOnce(ctx, "startup")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.runOnce(ctx, "interval")
		case <-triggers:
			m.runOnce(ctx, "event")
		}
	}
}

func (m *Manager) runOnce(ctx context.Context, reason string) {
	m.logger.Debug("sync triggered", slog.String("reason", reason))
	if _, err := m.Sync(ctx); errors.Is(err, apperr.ErrSyncInProgress) {
		m.logger.Debug("sync skipped, cycle in flight", slog.String("reason", reason))
	}
}
