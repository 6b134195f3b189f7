// internal/server/server.go
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/ThinkInAIXYZ/go-mcp/protocol"
	"github.com/ThinkInAIXYZ/go-mcp/server"
	"go.uber.org/zap"

	"mcp-bolus-calc/internal/config"
	"mcp-bolus-calc/internal/models"
	"mcp-bolus-calc/internal/storage"
)

const (
	shutdownTimeout = 5 * time.Second
	// maxRequestBytes caps the size of a tool call body.
	maxRequestBytes = 1 << 20
)

// Store is the persistence the tools need: calculation history, settings and
// feature-interest emails.
type Store interface {
	SaveCalculation(ctx context.Context, c *models.Calculation) error
	GetCalculations(ctx context.Context, clientID string, limit int) ([]*models.Calculation, error)
	GetSettings(ctx context.Context, clientID string) (*models.Settings, error)
	UpsertSettings(ctx context.Context, st *models.Settings) error
	SaveFeatureEmail(ctx context.Context, e *models.FeatureEmail) error
	GetFeatureEmail(ctx context.Context, clientID string) (*models.FeatureEmail, error)
	Close() error
}

type toolHandler func(ctx context.Context, req *protocol.CallToolRequest) (*protocol.CallToolResult, error)

type BolusServer struct {
	server     *server.Server
	httpServer *http.Server
	storage    Store
	logger     *zap.Logger
	tools      map[string]toolHandler
	config     *config.Config
}

func NewBolusServer(cfg *config.Config, logger *zap.Logger) (*BolusServer, error) {
	stor, err := storage.NewSQLiteStorage(cfg.Storage.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	bolusServer := newBolusServer(stor, logger)
	bolusServer.config = cfg

	// Transport is handled by our own HTTP handler.
	mcpServer, err := server.NewServer(
		nil,
		server.WithServerInfo(protocol.Implementation{
			Name:    "bolus-calc",
			Version: "1.0.0",
		}),
	)
	if err != nil {
		stor.Close()
		return nil, fmt.Errorf("failed to create MCP server: %w", err)
	}
	bolusServer.server = mcpServer

	bolusServer.httpServer = &http.Server{
		Addr:              cfg.Addr(),
		Handler:           bolusServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return bolusServer, nil
}

func newBolusServer(stor Store, logger *zap.Logger) *BolusServer {
	s := &BolusServer{
		storage: stor,
		logger:  logger,
	}
	s.registerTools()
	return s
}

// Handler returns the HTTP handler serving tool calls on / and a liveness
// probe on /health.
func (s *BolusServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/", s.handleHTTP)
	return mux
}

func (s *BolusServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprintln(w, "ok")
}

func (s *BolusServer) handleHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var request protocol.CallToolRequest
	body := http.MaxBytesReader(w, r.Body, maxRequestBytes)
	if err := json.NewDecoder(body).Decode(&request); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "Request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, fmt.Sprintf("Invalid JSON: %v", err), http.StatusBadRequest)
		return
	}

	handler, ok := s.tools[request.Name]
	if !ok {
		http.Error(w, fmt.Sprintf("Unknown tool: %s", request.Name), http.StatusNotFound)
		return
	}

	result, err := handler(r.Context(), &request)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			s.logger.Error("tool call failed", zap.String("tool", request.Name), zap.Error(err))
		} else {
			s.logger.Debug("tool call rejected", zap.String("tool", request.Name), zap.Error(err))
		}
		http.Error(w, err.Error(), status)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(result); err != nil {
		s.logger.Warn("failed to encode response", zap.String("tool", request.Name), zap.Error(err))
	}
}

// Start serves until Stop is called.
func (s *BolusServer) Start(ctx context.Context) error {
	s.logger.Info("starting bolus calculator server", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *BolusServer) Stop() error {
	var err error
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err = s.httpServer.Shutdown(ctx)
	}
	if s.storage != nil {
		if cerr := s.storage.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// Tools returns the registered tool names in sorted order.
func (s *BolusServer) Tools() []string {
	names := make([]string, 0, len(s.tools))
	for name := range s.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *BolusServer) createJSONResponse(data interface{}) (*protocol.CallToolResult, error) {
	jsonBytes, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal response: %w", err)
	}

	return &protocol.CallToolResult{
		Content: []protocol.Content{
			protocol.TextContent{
				Type: "text",
				Text: string(jsonBytes),
			},
		},
	}, nil
}
