package chat

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/pkg/errors"

	"github.com/usememos/chatsync/internal/metrics"
)

const (
	// SnapshotVersion is bumped whenever the snapshot shape changes.
	SnapshotVersion = 1
	// DefaultSnapshotKey namespaces the snapshot in its backend.
	DefaultSnapshotKey = "chatsync-chats"

	snapshotSaveTimeout = 10 * time.Second
)

// Snapshot is the local mirror of a Store.
type Snapshot struct {
	Version      int    `json:"version"`
	Chats        []Chat `json:"chats"`
	ActiveChatID string `json:"activeChatId,omitempty"`
}

// SnapshotBackend stores snapshot bytes under a key. Load returns nil data
// and no error when nothing is stored.
type SnapshotBackend interface {
	Load(ctx context.Context, key string) ([]byte, error)
	Save(ctx context.Context, key string, data []byte) error
}

// Snapshotter mirrors a Store into a backend and rehydrates it at startup.
type Snapshotter struct {
	store   *Store
	backend SnapshotBackend
	key     string
	logger  *slog.Logger
}

func NewSnapshotter(store *Store, backend SnapshotBackend, key string, logger *slog.Logger) *Snapshotter {
	if key == "" {
		key = DefaultSnapshotKey
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Snapshotter{
		store:   store,
		backend: backend,
		key:     key,
		logger:  logger,
	}
}

// Restore loads the snapshot into the store. It reports false when there
// is nothing usable: no snapshot, an undecodable one, or one written with
// another version. Callers resync from the gateway in every case.
func (s *Snapshotter) Restore(ctx context.Context) (bool, error) {
	data, err := s.backend.Load(ctx, s.key)
	if err != nil {
		return false, errors.Wrapf(err, "failed to load snapshot %s", s.key)
	}
	if len(data) == 0 {
		return false, nil
	}

	snap, err := DecodeSnapshot(data)
	if err != nil {
		s.logger.Warn("discarding snapshot", slog.String("key", s.key), slog.String("error", err.Error()))
		return false, nil
	}
	s.store.Restore(snap)
	return true, nil
}

// Save writes the store's current state.
func (s *Snapshotter) Save(ctx context.Context) error {
	data, err := json.Marshal(s.store.Snapshot())
	if err != nil {
		return errors.Wrap(err, "failed to marshal snapshot")
	}
	if err := s.backend.Save(ctx, s.key, data); err != nil {
		metrics.SnapshotWrites.WithLabelValues("error").Inc()
		return errors.Wrapf(err, "failed to save snapshot %s", s.key)
	}
	metrics.SnapshotWrites.WithLabelValues("ok").Inc()
	return nil
}

// Attach saves a snapshot after every change of the store.
func (s *Snapshotter) Attach() (detach func()) {
	return s.store.Subscribe(func(Event) {
		ctx, cancel := context.WithTimeout(context.Background(), snapshotSaveTimeout)
		defer cancel()
		if err := s.Save(ctx); err != nil {
			s.logger.Error("failed to save snapshot", slog.String("error", err.Error()))
		}
	})
}

// DecodeSnapshot parses data and rejects a snapshot of another version.
func DecodeSnapshot(data []byte) (*Snapshot, error) {
	var probe struct {
		Version *int `json:"version"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal snapshot")
	}
	if probe.Version == nil {
		return nil, errors.New("snapshot has no version")
	}
	if *probe.Version != SnapshotVersion {
		return nil, errors.Errorf("snapshot version %d, want %d", *probe.Version, SnapshotVersion)
	}

	snap := &Snapshot{}
	if err := json.Unmarshal(data, snap); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal snapshot")
	}
	return snap, nil
}
