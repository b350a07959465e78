// README: Bench cases; environment, API surface, webhook idempotency, realtime handshake and throughput checks.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"courier/internal/gateway"
	"courier/internal/http/handlers"
	"courier/internal/modules/payment"
	"courier/internal/types"
)

type Runner struct {
	cfg   Config
	httpc *http.Client
	db    *pgxpool.Pool
	redis *redis.Client
}

type Result struct {
	Name    string
	Status  string
	Latency time.Duration
	Note    string
}

type TestCase struct {
	Name  string
	Focus string
	Run   func(ctx context.Context, r *Runner) Result
}

func NewRunner(cfg Config) *Runner {
	return &Runner{
		cfg:   cfg,
		httpc: &http.Client{Timeout: 10 * time.Second},
	}
}

func (r *Runner) RunAll(ctx context.Context) []Result {
	if r.cfg.DSN != "" {
		if db, err := pgxpool.New(ctx, r.cfg.DSN); err == nil {
			r.db = db
		}
	}
	if r.cfg.RedisAddr != "" {
		r.redis = redis.NewClient(&redis.Options{Addr: r.cfg.RedisAddr})
	}

	tests := r.cases()
	results := make([]Result, 0, len(tests))

	for _, tc := range tests {
		res := tc.Run(ctx, r)
		results = append(results, res)
		fmt.Printf("%-7s %s", res.Status, tc.Name)
		if res.Latency > 0 {
			fmt.Printf(" (%s)", res.Latency)
		}
		if res.Note != "" {
			fmt.Printf(" - %s", res.Note)
		}
		fmt.Println()
	}

	if r.db != nil {
		r.db.Close()
	}
	if r.redis != nil {
		_ = r.redis.Close()
	}

	return results
}

func (r *Runner) cases() []TestCase {
	base := r.cfg.BaseURL
	return []TestCase{
		{
			Name:  "Env: Postgres connect",
			Focus: "store reachable",
			Run: func(ctx context.Context, r *Runner) Result {
				if r.db == nil {
					return Result{Status: "FAIL", Note: "db not configured"}
				}
				ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
				defer cancel()
				if err := r.db.Ping(ctx); err != nil {
					return Result{Status: "FAIL", Note: err.Error()}
				}
				return Result{Status: "PASS"}
			},
		},
		{
			Name:  "Env: Redis connect",
			Focus: "shared idempotency store reachable",
			Run: func(ctx context.Context, r *Runner) Result {
				if r.redis == nil {
					return Result{Status: "SKIP", Note: "redis not configured"}
				}
				ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
				defer cancel()
				if err := r.redis.Ping(ctx).Err(); err != nil {
					return Result{Status: "FAIL", Note: err.Error()}
				}
				return Result{Status: "PASS"}
			},
		},
		{
			Name:  "Migration: apply (optional)",
			Focus: "apply migration SQL",
			Run: func(ctx context.Context, r *Runner) Result {
				if !r.cfg.ApplyMigration {
					return Result{Status: "SKIP", Note: "apply-migration=false"}
				}
				if r.db == nil {
					return Result{Status: "FAIL", Note: "db not configured"}
				}
				sql, err := os.ReadFile(r.cfg.MigrationPath)
				if err != nil {
					return Result{Status: "FAIL", Note: err.Error()}
				}
				for _, s := range splitSQL(string(sql)) {
					if _, err := r.db.Exec(ctx, s); err != nil {
						return Result{Status: "FAIL", Note: err.Error()}
					}
				}
				return Result{Status: "PASS"}
			},
		},
		{
			Name:  "Migration: tables exist",
			Focus: "tables from migrations/0001_init.sql",
			Run: func(ctx context.Context, r *Runner) Result {
				if r.db == nil {
					return Result{Status: "FAIL", Note: "db not configured"}
				}
				tables, err := extractTables(r.cfg.MigrationPath)
				if err != nil {
					return Result{Status: "FAIL", Note: err.Error()}
				}
				for _, t := range tables {
					var exists bool
					err := r.db.QueryRow(ctx,
						"SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name=$1)",
						t,
					).Scan(&exists)
					if err != nil {
						return Result{Status: "FAIL", Note: err.Error()}
					}
					if !exists {
						return Result{Status: "FAIL", Note: "missing table: " + t}
					}
				}
				return Result{Status: "PASS"}
			},
		},

		httpCase("API: health", http.MethodGet, base+"/health", nil, nil, []int{200}),
		{
			Name:  "API: metrics exposed",
			Focus: "prometheus scrape",
			Run: func(ctx context.Context, r *Runner) Result {
				body, status, err := r.get(ctx, base+"/metrics", "")
				if err != nil {
					return Result{Status: "FAIL", Note: err.Error()}
				}
				if status != http.StatusOK || !strings.Contains(body, "courier_connections_open") {
					return Result{Status: "FAIL", Note: fmt.Sprintf("status=%d", status)}
				}
				return Result{Status: "PASS"}
			},
		},
		httpCase("Auth: status without token -> 401", http.MethodGet, base+"/api/orders/o1/status", nil, nil, []int{401}),

		// Webhook
		httpCase("Webhook: bad signature -> 401", http.MethodPost, base+"/webhooks/payment",
			[]byte(`{"event":"payment.captured"}`), map[string]string{handlers.SignatureHeader: "deadbeef"}, []int{401}),
		{
			Name:  "Webhook: signed malformed -> 400",
			Focus: "verification before parsing",
			Run: func(ctx context.Context, r *Runner) Result {
				if r.cfg.WebhookSecret == "" {
					return Result{Status: "SKIP", Note: "webhook-secret not set"}
				}
				body := []byte(`{"event":`)
				status, latency, err := r.postWebhook(ctx, body)
				if err != nil {
					return Result{Status: "FAIL", Note: err.Error()}
				}
				return expectStatus(status, latency, http.StatusBadRequest)
			},
		},
		{
			Name:  "Webhook: duplicate captured applies once",
			Focus: "idempotent finalization",
			Run:   duplicateCapture,
		},

		// Realtime
		{
			Name:  "Realtime: idle handshake terminated",
			Focus: "unauthenticated sockets are reaped",
			Run:   idleHandshake,
		},
		{
			Name:  "Realtime: admin token authenticates",
			Focus: "handshake with token",
			Run:   adminHandshake,
		},

		manualCase("Error: DB down -> webhook 500 then redelivery applies", "stop Postgres, send a captured webhook, restart, resend"),
		manualCase("Error: slow consumer dropped", "throttle a client socket and watch courier_dropped_deliveries_total"),

		// Performance
		{
			Name:  "Perf: webhook throughput",
			Focus: "signed ignored events per second",
			Run:   webhookLoad,
		},
	}
}

func httpCase(name, method, url string, body []byte, headers map[string]string, okStatuses []int) TestCase {
	return TestCase{
		Name:  name,
		Focus: "HTTP API",
		Run: func(ctx context.Context, r *Runner) Result {
			req, _ := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
			req.Header.Set("Content-Type", "application/json")
			for k, v := range headers {
				req.Header.Set(k, v)
			}
			start := time.Now()
			resp, err := r.httpc.Do(req)
			if err != nil {
				return Result{Status: "FAIL", Note: err.Error()}
			}
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			return expectStatus(resp.StatusCode, time.Since(start), okStatuses...)
		},
	}
}

func manualCase(name, note string) TestCase {
	return TestCase{
		Name:  name,
		Focus: "Manual",
		Run: func(ctx context.Context, r *Runner) Result {
			return Result{Status: "SKIP", Note: note}
		},
	}
}

func expectStatus(got int, latency time.Duration, ok ...int) Result {
	note := fmt.Sprintf("status=%d", got)
	if contains(ok, got) {
		return Result{Status: "PASS", Latency: latency, Note: note}
	}
	return Result{Status: "FAIL", Latency: latency, Note: note}
}

func (r *Runner) get(ctx context.Context, url, token string) (string, int, error) {
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := r.httpc.Do(req)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	return string(b), resp.StatusCode, err
}

func (r *Runner) postWebhook(ctx context.Context, body []byte) (int, time.Duration, error) {
	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.BaseURL+"/webhooks/payment", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(handlers.SignatureHeader, payment.Sign([]byte(r.cfg.WebhookSecret), body))
	start := time.Now()
	resp, err := r.httpc.Do(req)
	if err != nil {
		return 0, 0, err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return resp.StatusCode, time.Since(start), nil
}

func webhookBody(event string, orderID string) []byte {
	b, _ := json.Marshal(map[string]any{
		"event": event,
		"payload": map[string]any{
			"payment": map[string]any{
				"entity": map[string]any{
					"id":       "pay_" + orderID,
					"order_id": "ref_" + orderID,
					"status":   "captured",
					"amount":   24950,
					"currency": "INR",
					"notes":    map[string]string{"order_id": orderID},
				},
			},
		},
	})
	return b
}

func (r *Runner) token(id types.ID, role types.Role) (string, error) {
	return gateway.NewJWTAuthenticator(r.cfg.JWTSecret).Issue(types.Identity{ID: id, Role: role}, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(10 * time.Minute)),
	})
}

// duplicateCapture seeds a pending order and races the same signed capture.
func duplicateCapture(ctx context.Context, r *Runner) Result {
	if r.db == nil || r.cfg.WebhookSecret == "" {
		return Result{Status: "SKIP", Note: "needs dsn and webhook-secret"}
	}
	orderID := "bench-" + uuid.NewString()
	if _, err := r.db.Exec(ctx, `INSERT INTO orders (id, customer_id, status) VALUES ($1, 'bench-customer', 'pending')`, orderID); err != nil {
		return Result{Status: "FAIL", Note: err.Error()}
	}
	defer r.cleanupOrder(orderID)

	body := webhookBody(string(payment.EventPaymentCaptured), orderID)
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		rejected int
	)
	start := time.Now()
	for i := 0; i < r.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			status, _, err := r.postWebhook(ctx, body)
			if err != nil || status != http.StatusOK {
				mu.Lock()
				rejected++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	latency := time.Since(start)

	var status string
	var placed int
	if err := r.db.QueryRow(ctx, `SELECT status FROM orders WHERE id = $1`, orderID).Scan(&status); err != nil {
		return Result{Status: "FAIL", Note: err.Error()}
	}
	if err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM order_state_events WHERE order_id = $1 AND to_status = 'placed'`, orderID,
	).Scan(&placed); err != nil {
		return Result{Status: "FAIL", Note: err.Error()}
	}
	note := fmt.Sprintf("status=%s placed_events=%d rejected=%d", status, placed, rejected)
	if status != "placed" || placed != 1 || rejected > 0 {
		return Result{Status: "FAIL", Latency: latency, Note: note}
	}

	if r.cfg.JWTSecret != "" {
		tok, err := r.token("bench-customer", types.RoleCustomer)
		if err != nil {
			return Result{Status: "FAIL", Note: err.Error()}
		}
		body, code, err := r.get(ctx, r.cfg.BaseURL+"/api/orders/"+orderID+"/status", tok)
		if err != nil || code != http.StatusOK || !strings.Contains(body, `"placed"`) {
			return Result{Status: "FAIL", Latency: latency, Note: fmt.Sprintf("poll status=%d body=%s", code, body)}
		}
	}
	return Result{Status: "PASS", Latency: latency, Note: note}
}

func (r *Runner) cleanupOrder(orderID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, _ = r.db.Exec(ctx, `DELETE FROM order_state_events WHERE order_id = $1`, orderID)
	_, _ = r.db.Exec(ctx, `DELETE FROM payments WHERE order_id = $1`, orderID)
	_, _ = r.db.Exec(ctx, `DELETE FROM orders WHERE id = $1`, orderID)
}

func idleHandshake(ctx context.Context, r *Runner) Result {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, r.cfg.WSURL, nil)
	if err != nil {
		return Result{Status: "FAIL", Note: err.Error()}
	}
	defer ws.Close()

	start := time.Now()
	limit := r.cfg.HandshakeTimeout + 3*time.Second
	_ = ws.SetReadDeadline(start.Add(limit))
	for {
		if _, _, err = ws.ReadMessage(); err != nil {
			break
		}
	}
	elapsed := time.Since(start)
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		return Result{Status: "FAIL", Latency: elapsed, Note: err.Error()}
	}
	return Result{Status: "PASS", Latency: elapsed}
}

func adminHandshake(ctx context.Context, r *Runner) Result {
	if r.cfg.JWTSecret == "" {
		return Result{Status: "SKIP", Note: "jwt-secret not set"}
	}
	tok, err := r.token("bench-admin", types.RoleAdmin)
	if err != nil {
		return Result{Status: "FAIL", Note: err.Error()}
	}
	start := time.Now()
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, r.cfg.WSURL+"?token="+url.QueryEscape(tok), nil)
	if err != nil {
		return Result{Status: "FAIL", Note: err.Error()}
	}
	defer ws.Close()

	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	var env gateway.Envelope
	if err := ws.ReadJSON(&env); err != nil {
		return Result{Status: "FAIL", Note: err.Error()}
	}
	if env.Event != gateway.EventAuthenticated {
		return Result{Status: "FAIL", Note: "first event " + env.Event}
	}
	return Result{Status: "PASS", Latency: time.Since(start)}
}

func webhookLoad(ctx context.Context, r *Runner) Result {
	if r.cfg.WebhookSecret == "" {
		return Result{Status: "SKIP", Note: "webhook-secret not set"}
	}
	body := webhookBody("payment.authorized", "bench-load")
	end := time.Now().Add(r.cfg.Duration)
	var count, errCount int64
	var mu sync.Mutex
	wg := sync.WaitGroup{}

	for i := 0; i < r.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for time.Now().Before(end) && ctx.Err() == nil {
				status, _, err := r.postWebhook(ctx, body)
				mu.Lock()
				if err != nil || status != http.StatusOK {
					errCount++
				} else {
					count++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if count == 0 {
		return Result{Status: "FAIL", Note: "no requests completed"}
	}
	rps := float64(count) / r.cfg.Duration.Seconds()
	return Result{Status: "PASS", Note: fmt.Sprintf("rps=%.1f errors=%d", rps, errCount)}
}

func contains(list []int, v int) bool {
	for _, i := range list {
		if i == v {
			return true
		}
	}
	return false
}

func extractTables(path string) ([]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	re := regexp.MustCompile(`(?i)create\s+table\s+if\s+not\s+exists\s+([a-zA-Z0-9_]+)`)
	matches := re.FindAllStringSubmatch(string(b), -1)
	tables := make([]string, 0, len(matches))
	for _, m := range matches {
		tables = append(tables, m[1])
	}
	return tables, nil
}

func splitSQL(sql string) []string {
	lines := strings.Split(sql, "\n")
	filtered := make([]string, 0, len(lines))
	for _, line := range lines {
		l := strings.TrimSpace(line)
		if strings.HasPrefix(l, "--") || l == "" {
			continue
		}
		filtered = append(filtered, line)
	}
	parts := strings.Split(strings.Join(filtered, "\n"), ";")
	stmts := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			stmts = append(stmts, s)
		}
	}
	return stmts
}
