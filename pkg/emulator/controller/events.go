package controller

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/3s-rg-codes/hyperlocal/pkg/emulator/stats"
	"github.com/google/uuid"
)

const (
	eventBufferSize   = 256
	keepAliveInterval = 15 * time.Second
)

// handleEvents streams emulator events as server-sent events. ?function= filters
// by function name.
func (c *Controller) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		c.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	functionID := ""
	if name := r.URL.Query().Get("function"); name != "" {
		fn, ok := c.functions.Lookup(name)
		if !ok {
			c.writeError(w, http.StatusNotFound, fmt.Sprintf("function %q not found", name))
			return
		}
		functionID = fn.Key()
	}

	updates := make(chan stats.StatusUpdate, eventBufferSize)
	listenerID := uuid.New().String()
	c.statsManager.AddListener(listenerID, functionID, updates)
	defer c.statsManager.RemoveListener(listenerID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case update := <-updates:
			if err := writeSSE(w, update); err != nil {
				return
			}
			flusher.Flush()
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, update stats.StatusUpdate) error {
	data, err := json.Marshal(update)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\n", update.Event); err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}
