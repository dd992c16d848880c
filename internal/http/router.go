// Package httpx is the operational HTTP surface: health, metrics, the live
// alert feed, contract and breach inspection. The analytics core is headless;
// nothing here participates in event processing.
package httpx

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/anietieakpan/pulsewatch/internal/domain"
	"github.com/anietieakpan/pulsewatch/internal/repository"
	"github.com/anietieakpan/pulsewatch/internal/service/alert"
	"github.com/anietieakpan/pulsewatch/internal/ws"
)

const (
	healthCheckTimeout = 2 * time.Second
	listLimitMax       = 500
	listLimitDefault   = 50
)

// Router wires the operational endpoints.
type Router struct {
	mux         *http.ServeMux
	logger      *slog.Logger
	hub         *ws.Hub
	letters     repository.DeadLetterRepository
	contracts   repository.ContractRepository
	breaches    repository.BreachRepository
	upgrader    websocket.Upgrader
	dbHealth    func(context.Context) error
	redisHealth func(context.Context) error
}

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, hub *ws.Hub, letters repository.DeadLetterRepository, contracts repository.ContractRepository, breaches repository.BreachRepository, dbHealth, redisHealth func(context.Context) error) *Router {
	r := &Router{
		mux:       http.NewServeMux(),
		logger:    logger,
		hub:       hub,
		letters:   letters,
		contracts: contracts,
		breaches:  breaches,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		dbHealth:    dbHealth,
		redisHealth: redisHealth,
	}
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.handleHealthz)
	r.mux.Handle("/metrics", promhttp.Handler())
	r.mux.HandleFunc("/ws/alerts", r.handleAlertsWS)
	r.mux.HandleFunc("/deadletters", r.handleDeadLetters)
	r.mux.HandleFunc("/contracts", r.handleContracts)
	r.mux.HandleFunc("/breaches", r.handleBreaches)
	r.mux.HandleFunc("/breaches/count", r.handleBreachCount)
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	check := func(name string, probe func(context.Context) error) {
		if probe == nil {
			return
		}
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := probe(ctx); err != nil {
			status = "degraded"
			components[name] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
			return
		}
		components[name] = map[string]any{"status": "up"}
	}
	check("database", r.dbHealth)
	check("redis", r.redisHealth)

	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

// handleAlertsWS upgrades the connection and subscribes it to a live feed
// channel, "alerts" by default.
func (r *Router) handleAlertsWS(w http.ResponseWriter, req *http.Request) {
	channel := req.URL.Query().Get("channel")
	if channel == "" {
		channel = alert.AlertsChannel
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		if r.logger != nil {
			r.logger.Error("websocket upgrade failed", "error", err)
		}
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.hub.Register(channel, client)
	go func() {
		defer func() {
			r.hub.Unregister(channel, client)
			client.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

// handleDeadLetters lists unresolved dead letters so operators can act on
// manual-intervention alerts.
func (r *Router) handleDeadLetters(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	if r.letters == nil {
		writeJSON(w, http.StatusOK, map[string]any{"deadLetters": []any{}})
		return
	}

	limit, ok := parseLimit(w, req)
	if !ok {
		return
	}

	letters, err := r.letters.ListUnresolvedDeadLetters(req.Context(), limit)
	if err != nil {
		if r.logger != nil {
			r.logger.Error("dead letter listing failed", "error", err)
		}
		writeError(w, http.StatusInternalServerError, "failed to list dead letters")
		return
	}

	items := make([]map[string]any, 0, len(letters))
	for _, letter := range letters {
		items = append(items, map[string]any{
			"id":            letter.ID,
			"topic":         letter.Topic,
			"errorMessage":  letter.ErrorMessage,
			"errorType":     letter.ErrorType,
			"correlationId": letter.CorrelationID,
			"retryCount":    letter.RetryCount,
			"maxRetries":    letter.MaxRetries,
			"timestamp":     letter.Timestamp.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"deadLetters": items})
}

// handleContracts looks a contract up by ID, or by the entity it covers.
func (r *Router) handleContracts(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	if r.contracts == nil {
		writeError(w, http.StatusNotFound, "contract not found")
		return
	}

	q := req.URL.Query()
	var (
		contract *domain.ComplianceContract
		err      error
	)
	switch {
	case q.Get("id") != "":
		contract, err = r.contracts.GetContract(req.Context(), q.Get("id"))
	case q.Get("entity") != "":
		contract, err = r.contracts.GetActiveContractByEntity(req.Context(), q.Get("entity"))
	default:
		writeError(w, http.StatusBadRequest, "id or entity query parameter required")
		return
	}
	if errors.Is(err, repository.ErrNotFound) {
		writeError(w, http.StatusNotFound, "contract not found")
		return
	}
	if err != nil {
		if r.logger != nil {
			r.logger.Error("contract lookup failed", "error", err)
		}
		writeError(w, http.StatusInternalServerError, "failed to load contract")
		return
	}

	penalties := make(map[string]float64, len(contract.PenaltyStructure))
	for breachType, amount := range contract.PenaltyStructure {
		penalties[string(breachType)] = amount
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":                 contract.ID,
		"entityKey":          contract.EntityKey,
		"availabilityTarget": contract.AvailabilityTarget,
		"responseTimeP50":    contract.ResponseTimeP50,
		"responseTimeP95":    contract.ResponseTimeP95,
		"responseTimeP99":    contract.ResponseTimeP99,
		"maxErrorRate":       contract.MaxErrorRate,
		"minThroughput":      contract.MinThroughput,
		"penaltyStructure":   penalties,
		"status":             string(contract.Status),
		"updatedAt":          contract.UpdatedAt.UTC().Format(time.RFC3339),
	})
}

// handleBreaches lists the most recent breaches for a contract metric.
func (r *Router) handleBreaches(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	q := req.URL.Query()
	contractID := q.Get("contract")
	breachType := q.Get("type")
	if contractID == "" || breachType == "" {
		writeError(w, http.StatusBadRequest, "contract and type query parameters required")
		return
	}
	limit, ok := parseLimit(w, req)
	if !ok {
		return
	}
	if r.breaches == nil {
		writeJSON(w, http.StatusOK, map[string]any{"breaches": []any{}})
		return
	}

	breaches, err := r.breaches.ListRecentBreaches(req.Context(), contractID, domain.BreachType(breachType), limit)
	if err != nil {
		if r.logger != nil {
			r.logger.Error("breach listing failed", "error", err)
		}
		writeError(w, http.StatusInternalServerError, "failed to list breaches")
		return
	}

	items := make([]map[string]any, 0, len(breaches))
	for _, breach := range breaches {
		item := map[string]any{
			"id":                  breach.ID,
			"contractId":          breach.ContractID,
			"entityKey":           breach.EntityKey,
			"breachType":          string(breach.BreachType),
			"expectedValue":       breach.ExpectedValue,
			"actualValue":         breach.ActualValue,
			"severity":            string(breach.Severity),
			"detectedAt":          breach.DetectedAt.UTC().Format(time.RFC3339),
			"compensationApplied": breach.CompensationApplied,
			"compensationAmount":  breach.CompensationAmount,
		}
		if breach.ResolvedAt != nil {
			item["resolvedAt"] = breach.ResolvedAt.UTC().Format(time.RFC3339)
		}
		items = append(items, item)
	}
	writeJSON(w, http.StatusOK, map[string]any{"breaches": items})
}

// handleBreachCount reports how many breaches a contract accrued in a
// window, the trailing 24 hours by default.
func (r *Router) handleBreachCount(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	q := req.URL.Query()
	contractID := q.Get("contract")
	if contractID == "" {
		writeError(w, http.StatusBadRequest, "contract query parameter required")
		return
	}

	end := time.Now().UTC()
	start := end.Add(-24 * time.Hour)
	var err error
	if raw := q.Get("from"); raw != "" {
		if start, err = time.Parse(time.RFC3339, raw); err != nil {
			writeError(w, http.StatusBadRequest, "from must be RFC 3339")
			return
		}
	}
	if raw := q.Get("to"); raw != "" {
		if end, err = time.Parse(time.RFC3339, raw); err != nil {
			writeError(w, http.StatusBadRequest, "to must be RFC 3339")
			return
		}
	}
	if r.breaches == nil {
		writeJSON(w, http.StatusOK, map[string]any{"contractId": contractID, "count": 0})
		return
	}

	count, err := r.breaches.CountBreachesBetween(req.Context(), contractID, start, end)
	if err != nil {
		if r.logger != nil {
			r.logger.Error("breach count failed", "error", err)
		}
		writeError(w, http.StatusInternalServerError, "failed to count breaches")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"contractId": contractID,
		"from":       start.UTC().Format(time.RFC3339),
		"to":         end.UTC().Format(time.RFC3339),
		"count":      count,
	})
}

func parseLimit(w http.ResponseWriter, req *http.Request) (int, bool) {
	limit := listLimitDefault
	if raw := req.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return 0, false
		}
		if parsed > listLimitMax {
			parsed = listLimitMax
		}
		limit = parsed
	}
	return limit, true
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}
