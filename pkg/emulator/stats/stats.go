package stats

import (
	"context"
	"log/slog"
	"sync"
)

// Listener receives every update, optionally filtered to one function.
type Listener struct {
	Updates    chan StatusUpdate
	FunctionID string
}

type StatsManager struct {
	Updates          chan StatusUpdate
	UpdateBufferSize int64
	listeners        map[string]Listener
	mu               sync.RWMutex
	logger           *slog.Logger
}

func NewStatsManager(logger *slog.Logger, updateBufferSize int64) *StatsManager {
	return &StatsManager{
		Updates:          make(chan StatusUpdate, updateBufferSize),
		UpdateBufferSize: updateBufferSize,
		listeners:        make(map[string]Listener),
		logger:           logger,
	}
}

// Enqueue never blocks the caller. Updates are dropped while the buffer is full.
func (s *StatsManager) Enqueue(su *StatusUpdate) {
	select {
	case s.Updates <- *su:
	default:
		s.logger.Warn("Updates channel is full, dropping update", "event", su.Event.String(), "function ID", su.FunctionID)
	}
}

// AddListener registers listener under id, replacing an existing one.
// An empty functionID subscribes to all functions.
func (s *StatsManager) AddListener(id string, functionID string, listener chan StatusUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Don't close a replaced channel here as it might be in use elsewhere
	s.listeners[id] = Listener{Updates: listener, FunctionID: functionID}
	s.logger.Debug("Added listener", "id", id, "function ID", functionID)
}

func (s *StatsManager) RemoveListener(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.listeners, id)
	s.logger.Debug("Removed listener", "id", id)
}

func (s *StatsManager) GetListenerByID(id string) chan StatusUpdate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.listeners[id]
	if !ok {
		return nil
	}
	return l.Updates
}

// StartStreamingToListeners fans updates out to all listeners until ctx ends.
// A listener that is not keeping up misses updates.
func (s *StatsManager) StartStreamingToListeners(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case update := <-s.Updates:
			// copy the listeners to avoid holding the lock during sends
			s.mu.RLock()
			active := make(map[string]Listener, len(s.listeners))
			for id, l := range s.listeners {
				active[id] = l
			}
			s.mu.RUnlock()

			for id, l := range active {
				if l.FunctionID != "" && l.FunctionID != update.FunctionID {
					continue
				}
				select {
				case l.Updates <- update:
				default:
					s.logger.Debug("Listener is full, dropping update", "id", id)
				}
			}
		}
	}
}
