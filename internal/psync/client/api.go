package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// API is the client's local HTTP surface: session status for operators and
// policy data queries answered from the embedded store.
type API struct {
	client *Client
	logger *zap.Logger
	server *http.Server
}

func NewAPI(addr string, c *Client, logger *zap.Logger) *API {
	a := API{
		client: c,
		logger: logger.Named("client-api"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/status", a.handleStatus)
	mux.HandleFunc("POST /v1/query", a.handleQuery)
	mux.HandleFunc("GET /healthz", a.handleHealth)

	a.server = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return &a
}

func (a *API) Start(ctx context.Context) error {
	a.logger.Info("starting client api", zap.String("addr", a.server.Addr))

	errCh := make(chan error, 1)
	go func() {
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("client api failed: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return a.server.Shutdown(shutdownCtx)
	}
}

// Handler exposes the mux for tests.
func (a *API) Handler() http.Handler { return a.server.Handler }

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"sessionId":   a.client.SessionID(),
		"state":       a.client.State().String(),
		"cursors":     a.client.Cursors(),
		"lastApplied": a.client.updater.LastApplied(),
	})
}

// queryRequest asks for the data document at one store path. An empty path
// returns the whole data tree.
type queryRequest struct {
	Path string `json:"path"`
}

func (a *API) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid query body", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")

	if req.Path == "" {
		_, data := a.client.store.Snapshot()
		json.NewEncoder(w).Encode(map[string]any{"result": data})
		return
	}

	doc, ok := a.client.store.Data(req.Path)
	if !ok {
		http.Error(w, "no document at path", http.StatusNotFound)
		return
	}
	json.NewEncoder(w).Encode(map[string]any{"result": doc})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "healthy", "session": a.client.State().String()})
}
