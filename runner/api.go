package main

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/hypermarkets/oracle-runner/correlation"
	"github.com/hypermarkets/oracle-runner/fetcher"
	"github.com/hypermarkets/oracle-runner/market"
	"github.com/hypermarkets/oracle-runner/observability"
	"github.com/hypermarkets/oracle-runner/scheduler"
	"github.com/hypermarkets/oracle-runner/store"
)

const maxWebhookBody = 64 * 1024

// JobController is the slice of the scheduler the control plane uses.
type JobController interface {
	Jobs(ctx context.Context) ([]*store.Job, error)
	TriggerNow(marketID string) (string, error)
	ScheduleMarketResolution(marketID, title string, resolveTime time.Time, correlationID string) (string, error)
	Stats() scheduler.Stats
}

// MarketReader is the slice of the chain adapter the control plane uses.
type MarketReader interface {
	GetMarketParams(ctx context.Context, addr common.Address) (*market.Params, error)
}

// API is the runner's HTTP control plane.
type API struct {
	jobs     JobController
	markets  MarketReader
	registry *fetcher.Registry
	hub      *JobsHub

	webhookSecret string
	startedAt     time.Time

	limMu    sync.Mutex
	limiters map[string]*rate.Limiter

	upgrader websocket.Upgrader
}

func NewAPI(jobs JobController, markets MarketReader, registry *fetcher.Registry, hub *JobsHub, webhookSecret string) *API {
	return &API{
		jobs:          jobs,
		markets:       markets,
		registry:      registry,
		hub:           hub,
		webhookSecret: webhookSecret,
		startedAt:     time.Now(),
		limiters:      make(map[string]*rate.Limiter),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// rateLimit enforces a small per-IP budget on mutating endpoints.
func (a *API) rateLimit(endpoint string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		}
		a.limMu.Lock()
		lim, ok := a.limiters[ip]
		if !ok {
			lim = rate.NewLimiter(5, 10)
			a.limiters[ip] = lim
		}
		a.limMu.Unlock()

		if !lim.Allow() {
			observability.APIRateLimited.WithLabelValues(endpoint).Inc()
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next(w, r)
	}
}

// handleHealth reports liveness plus a scheduler and fetcher snapshot.
func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "ok",
		"uptime_sec": int(time.Since(a.startedAt).Seconds()),
		"scheduler":  a.jobs.Stats(),
		"fetchers":   a.registry.Infos(),
		"ws_clients": a.hub.ClientCount(),
	})
}

// handleJobs lists every persisted job.
func (a *API) handleJobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	jobs, err := a.jobs.Jobs(r.Context())
	if err != nil {
		http.Error(w, "failed to load jobs", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": jobs, "count": len(jobs)})
}

// webhookMarket is the slice of the indexer's market row the runner acts on.
type webhookMarket struct {
	ID       string `json:"id"`
	Resolved bool   `json:"resolved"`
}

// webhookPayload is the indexer's row-change envelope, delivered as a
// lower-latency complement to the log subscription.
type webhookPayload struct {
	Op     string `json:"op"`
	Entity string `json:"entity"`
	Data   struct {
		Old *webhookMarket `json:"old,omitempty"`
		New *webhookMarket `json:"new,omitempty"`
	} `json:"data"`
}

// handleWebhook ingests a signed market-created notification. The body is
// authenticated with HMAC-SHA256 over the raw bytes; X-Webhook-Signature
// carries the hex digest.
func (a *API) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if a.webhookSecret == "" {
		observability.WebhooksReceived.WithLabelValues("ignored").Inc()
		http.Error(w, "webhook ingestion disabled", http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return
	}

	mac := hmac.New(sha256.New, []byte(a.webhookSecret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	got := strings.TrimPrefix(r.Header.Get("X-Webhook-Signature"), "sha256=")
	if got == "" || !hmac.Equal([]byte(want), []byte(got)) {
		observability.WebhooksReceived.WithLabelValues("bad_signature").Inc()
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		observability.WebhooksReceived.WithLabelValues("malformed").Inc()
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}
	if payload.Entity != "market" || payload.Op == "DELETE" {
		observability.WebhooksReceived.WithLabelValues("ignored").Inc()
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored", "reason": "not a market change"})
		return
	}
	if payload.Op != "INSERT" && payload.Op != "UPDATE" {
		observability.WebhooksReceived.WithLabelValues("malformed").Inc()
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}
	row := payload.Data.New
	if row == nil || !common.IsHexAddress(row.ID) {
		observability.WebhooksReceived.WithLabelValues("malformed").Inc()
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}
	if row.Resolved {
		observability.WebhooksReceived.WithLabelValues("ignored").Inc()
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored", "reason": "market resolved"})
		return
	}

	params, err := a.markets.GetMarketParams(r.Context(), common.HexToAddress(row.ID))
	if err != nil {
		observability.WebhooksReceived.WithLabelValues("ignored").Inc()
		http.Error(w, "market not readable", http.StatusBadGateway)
		return
	}
	if params.Resolved || params.Cancelled {
		observability.WebhooksReceived.WithLabelValues("ignored").Inc()
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored", "reason": "market terminal"})
		return
	}

	corrID := correlation.NewID()
	jobID, err := a.jobs.ScheduleMarketResolution(row.ID, params.Title, params.ResolveTime, corrID)
	if err != nil {
		http.Error(w, "scheduling failed", http.StatusInternalServerError)
		return
	}
	observability.WebhooksReceived.WithLabelValues("accepted").Inc()
	observability.EventsIngested.WithLabelValues("webhook").Inc()
	log.Printf("[API] [%s] webhook %s scheduled market %s as job %s", corrID, payload.Op, row.ID, jobID)
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID, "correlation_id": corrID})
}

// handleResolve triggers a scheduled market's resolution immediately.
// Path: POST /resolve/{marketId}.
func (a *API) handleResolve(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	marketID := strings.TrimPrefix(r.URL.Path, "/resolve/")
	if !common.IsHexAddress(marketID) {
		http.Error(w, "invalid market address", http.StatusBadRequest)
		return
	}

	jobID, err := a.jobs.TriggerNow(marketID)
	if err != nil {
		if errors.Is(err, scheduler.ErrJobNotFound) {
			http.Error(w, "no pending job for market", http.StatusNotFound)
			return
		}
		http.Error(w, "trigger failed", http.StatusInternalServerError)
		return
	}
	log.Printf("[API] manual resolve of %s -> job %s", marketID, jobID)
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

// handleWS upgrades to the websocket job stream.
func (a *API) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[API] ws upgrade failed: %v", err)
		return
	}
	a.hub.Register(conn)
	// Read pump: we ignore client frames but need the reads to notice
	// disconnects.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				a.hub.Unregister(conn)
				return
			}
		}
	}()
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
