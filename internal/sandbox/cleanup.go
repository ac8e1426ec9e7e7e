package sandbox

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// defaultCleanupSchedule runs cleanup_old_downloads once an hour against
// every active user sandbox, matching the DOMAIN STACK's wiring of
// robfig/cron for this sweep.
const defaultCleanupSchedule = "@hourly"

// defaultDownloadTTL bounds how old a downloads-directory entry must be
// before cleanup_old_downloads removes it.
const defaultDownloadTTL = 24 * time.Hour

// Janitor periodically sweeps cleanup_old_downloads across every
// UserSandbox handed to it by the registry it was constructed with.
type Janitor struct {
	cron   *cron.Cron
	mgr    *Manager
	logger *slog.Logger

	mu    sync.Mutex
	users map[string]struct{}
}

// NewJanitor constructs a Janitor bound to mgr. schedule defaults to
// "@hourly" when empty.
func NewJanitor(mgr *Manager, schedule string, logger *slog.Logger) (*Janitor, error) {
	if schedule == "" {
		schedule = defaultCleanupSchedule
	}
	if logger == nil {
		logger = slog.Default()
	}

	j := &Janitor{
		mgr:    mgr,
		logger: logger,
		users:  make(map[string]struct{}),
		cron:   cron.New(),
	}
	if _, err := j.cron.AddFunc(schedule, j.sweep); err != nil {
		return nil, err
	}
	return j, nil
}

// Track registers userID so future sweeps clean up its sandbox's downloads
// directory. Called whenever a sandbox is created lazily for a user.
func (j *Janitor) Track(userID string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.users[userID] = struct{}{}
}

// Untrack removes userID from the sweep set, called on session teardown.
func (j *Janitor) Untrack(userID string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	delete(j.users, userID)
}

// Start begins the cron schedule in the background.
func (j *Janitor) Start() { j.cron.Start() }

// Stop halts the cron schedule, waiting for any in-flight sweep to finish.
func (j *Janitor) Stop() { <-j.cron.Stop().Done() }

func (j *Janitor) sweep() {
	j.mu.Lock()
	userIDs := make([]string, 0, len(j.users))
	for id := range j.users {
		userIDs = append(userIDs, id)
	}
	j.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	for _, id := range userIDs {
		sb := j.mgr.ForUser(id)
		running, err := sb.IsRunning(ctx)
		if err != nil || !running {
			continue
		}
		count, err := sb.CleanupOldDownloads(ctx, defaultDownloadTTL)
		if err != nil {
			j.logger.Warn("sandbox cleanup sweep failed", "user", id, "error", err)
			continue
		}
		if count > 0 {
			j.logger.Info("sandbox cleanup swept old downloads", "user", id, "count", count)
		}
	}
}
