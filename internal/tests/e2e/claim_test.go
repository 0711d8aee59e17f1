//go:build e2e

package e2e

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/insurepro/apiserver/config"
	"github.com/insurepro/apiserver/internal/db"
	"github.com/insurepro/apiserver/internal/server"
	_ "github.com/lib/pq"
)

const serverPort = 18080

var baseURL = fmt.Sprintf("http://localhost:%d", serverPort)

func TestMain(m *testing.M) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	root, err := repoRoot()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to locate repo root: %v\n", err)
		os.Exit(1)
	}

	setTestEnv()

	if err := dockerCompose(ctx, root, "up", "-d", "postgres", "minio"); err != nil {
		fmt.Fprintf(os.Stderr, "failed to start docker compose: %v\n", err)
		os.Exit(1)
	}

	if err := waitForPostgres(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "postgres not ready: %v\n", err)
		_ = dockerCompose(context.Background(), root, "down")
		os.Exit(1)
	}

	if err := runMigrations(root); err != nil {
		fmt.Fprintf(os.Stderr, "failed to run migrations: %v\n", err)
		_ = dockerCompose(context.Background(), root, "down")
		os.Exit(1)
	}

	srvCtx, stopServer := context.WithCancel(context.Background())
	srv, err := server.New(ctx, config.LoadConfig())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start server: %v\n", err)
		_ = dockerCompose(context.Background(), root, "down")
		os.Exit(1)
	}
	done := make(chan error, 1)
	go func() { done <- srv.Run(srvCtx) }()

	if err := waitForHealth(ctx, baseURL+"/healthz"); err != nil {
		fmt.Fprintf(os.Stderr, "server not healthy: %v\n", err)
		stopServer()
		_ = dockerCompose(context.Background(), root, "down")
		os.Exit(1)
	}

	code := m.Run()

	stopServer()
	<-done
	_ = dockerCompose(context.Background(), root, "down")
	os.Exit(code)
}

func setTestEnv() {
	_ = os.Setenv("JWT_SECRET", "test-secret")
	_ = os.Setenv("SERVER_PORT", fmt.Sprintf("%d", serverPort))
	_ = os.Setenv("DB_HOST", "localhost")
	_ = os.Setenv("DB_PORT", "5432")
	_ = os.Setenv("DB_USER", "insurepro")
	_ = os.Setenv("DB_PASSWORD", "password")
	_ = os.Setenv("DB_NAME", "insurepro_db")
	_ = os.Setenv("DB_USE_SSL", "false")
	_ = os.Setenv("STORAGE_BACKEND", "minio")
	_ = os.Setenv("MINIO_ENDPOINT", "localhost:9000")
	_ = os.Setenv("MINIO_ACCESS_KEY", "minioadmin")
	_ = os.Setenv("MINIO_SECRET_KEY", "minioadmin")
	_ = os.Setenv("MINIO_BUCKET", "insurepro-e2e")
	_ = os.Setenv("MQ_BACKEND", "memory")
	_ = os.Setenv("RATE_LIMIT_ENABLED", "false")
}

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type policyResponse struct {
	ID          int    `json:"id"`
	Status      string `json:"status"`
	ClaimStatus string `json:"claim_status"`
}

type claimResponse struct {
	ID               int             `json:"id"`
	Number           string          `json:"claim_number"`
	Status           string          `json:"status"`
	SettlementAmount json.RawMessage `json:"settlement_amount"`
	Documents        []struct {
		Name string `json:"name"`
	} `json:"documents"`
}

func TestClaimLifecycle(t *testing.T) {
	suffix := time.Now().UnixNano()
	customerEmail := fmt.Sprintf("customer_%d@example.com", suffix)
	adminEmail := fmt.Sprintf("admin_%d@example.com", suffix)

	customer := register(t, customerEmail)
	admin := register(t, adminEmail)
	if err := promoteToAdmin(adminEmail); err != nil {
		t.Fatalf("promote admin: %v", err)
	}

	var policy policyResponse
	status := call(t, http.MethodPost, "/policies", customer, jsonBody(map[string]any{
		"policy_id":       "HLT-01",
		"policy_name":     "Family Health",
		"policy_type":     "Health",
		"premium":         "12000",
		"coverage_amount": "500000",
		"policy_term":     1,
	}), "application/json", &policy)
	if status != http.StatusCreated || policy.Status != "Active" {
		t.Fatalf("purchase: status %d policy %+v", status, policy)
	}

	// Over coverage is refused before anything is written.
	body, ct := claimForm(t, policy.ID, "600000")
	if status := call(t, http.MethodPost, "/claims", customer, body, ct, nil); status != http.StatusBadRequest {
		t.Fatalf("expected 400 for an over-coverage claim, got %d", status)
	}

	var claim claimResponse
	body, ct = claimForm(t, policy.ID, "25000")
	if status := call(t, http.MethodPost, "/claims", customer, body, ct, &claim); status != http.StatusCreated {
		t.Fatalf("submit claim: status %d", status)
	}
	if claim.Status != "Submitted" || !strings.HasPrefix(claim.Number, "CLM-") || len(claim.Documents) != 1 {
		t.Fatalf("unexpected claim %+v", claim)
	}

	call(t, http.MethodGet, fmt.Sprintf("/policies/%d", policy.ID), customer, nil, "", &policy)
	if policy.Status != "Under Claim Review" || policy.ClaimStatus != "Submitted" {
		t.Fatalf("policy not under review: %+v", policy)
	}

	body, ct = claimForm(t, policy.ID, "100")
	if status := call(t, http.MethodPost, "/claims", customer, body, ct, nil); status != http.StatusConflict {
		t.Fatalf("expected 409 for a second open claim, got %d", status)
	}

	if status := call(t, http.MethodGet, fmt.Sprintf("/claims/%d/documents/0", claim.ID), customer, nil, "", nil); status != http.StatusOK {
		t.Fatalf("download document: status %d", status)
	}

	if status := call(t, http.MethodPost, fmt.Sprintf("/admin/claims/%d/decision", claim.ID), customer,
		jsonBody(map[string]any{"decision": "approve"}), "application/json", nil); status != http.StatusForbidden {
		t.Fatalf("expected 403 for a customer deciding, got %d", status)
	}

	var decided claimResponse
	status = call(t, http.MethodPost, fmt.Sprintf("/admin/claims/%d/decision", claim.ID), admin,
		jsonBody(map[string]any{"decision": "approve", "settlement_amount": "20000"}), "application/json", &decided)
	if status != http.StatusOK || decided.Status != "Approved" {
		t.Fatalf("approve: status %d claim %+v", status, decided)
	}
	if string(decided.SettlementAmount) != `"20000"` {
		t.Fatalf("unexpected settlement %s", decided.SettlementAmount)
	}

	call(t, http.MethodGet, fmt.Sprintf("/policies/%d", policy.ID), customer, nil, "", &policy)
	if policy.Status != "Claim Approved" || policy.ClaimStatus != "Approved" {
		t.Fatalf("policy not approved: %+v", policy)
	}

	status = call(t, http.MethodPost, fmt.Sprintf("/admin/claims/%d/decision", claim.ID), admin,
		jsonBody(map[string]any{"decision": "reject", "rejection_reason": "late"}), "application/json", nil)
	if status != http.StatusConflict {
		t.Fatalf("expected 409 deciding a terminal claim, got %d", status)
	}

	if err := waitForNotified(claim.ID); err != nil {
		t.Fatalf("decision notification: %v", err)
	}
}

func register(t *testing.T, email string) string {
	t.Helper()
	var auth struct {
		Token string `json:"token"`
	}
	status := call(t, http.MethodPost, "/auth/register", "", jsonBody(map[string]string{
		"email":    email,
		"name":     "E2E User",
		"password": "testpass123!",
	}), "application/json", &auth)
	if status != http.StatusCreated || auth.Token == "" {
		t.Fatalf("register %s: status %d", email, status)
	}
	return auth.Token
}

func call(t *testing.T, method, path, token string, body io.Reader, contentType string, out any) int {
	t.Helper()
	req, err := http.NewRequest(method, baseURL+path, body)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	if out != nil {
		var env envelope
		if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
			t.Fatalf("decode %s %s: %v", method, path, err)
		}
		if env.Success {
			if err := json.Unmarshal(env.Data, out); err != nil {
				t.Fatalf("decode data of %s %s: %v", method, path, err)
			}
		}
	}
	return resp.StatusCode
}

func jsonBody(v any) io.Reader {
	data, _ := json.Marshal(v)
	return bytes.NewReader(data)
}

func claimForm(t *testing.T, policyID int, amount string) (io.Reader, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("policy_id", fmt.Sprint(policyID))
	_ = mw.WriteField("claim_amount", amount)
	_ = mw.WriteField("claim_reason", "hospitalisation after an accident")
	_ = mw.WriteField("claim_type", "Medical")

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="documents"; filename="discharge.pdf"`)
	h.Set("Content-Type", "application/pdf")
	part, err := mw.CreatePart(h)
	if err != nil {
		t.Fatalf("create part: %v", err)
	}
	_, _ = part.Write([]byte("%PDF-1.4 e2e"))
	if err := mw.Close(); err != nil {
		t.Fatalf("close form: %v", err)
	}
	return &buf, mw.FormDataContentType()
}

func openDB() (*sql.DB, error) {
	return sql.Open("postgres", db.URL(config.LoadConfig()))
}

func promoteToAdmin(email string) error {
	conn, err := openDB()
	if err != nil {
		return err
	}
	defer conn.Close()
	_, err = conn.Exec(`UPDATE accounts SET role = 'admin' WHERE email = $1`, email)
	return err
}

func waitForNotified(claimID int) error {
	conn, err := openDB()
	if err != nil {
		return err
	}
	defer conn.Close()

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		var notified sql.NullTime
		if err := conn.QueryRow(`SELECT notified_at FROM claims WHERE id = $1`, claimID).Scan(&notified); err != nil {
			return err
		}
		if notified.Valid {
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}
	return errors.New("claim was not marked notified")
}

func waitForPostgres(ctx context.Context) error {
	conn, err := openDB()
	if err != nil {
		return err
	}
	defer conn.Close()

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := conn.PingContext(pingCtx)
		cancel()
		if err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("postgres ping timeout: %w", err)
		case <-ticker.C:
		}
	}
}

func waitForHealth(ctx context.Context, url string) error {
	client := &http.Client{Timeout: 2 * time.Second}
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			if err != nil {
				return fmt.Errorf("health check failed: %w", err)
			}
			return fmt.Errorf("health check failed with status")
		case <-ticker.C:
		}
	}
}

func runMigrations(root string) error {
	migrationsURL := "file://" + filepath.Join(root, "internal", "db", "migrations")
	migrator, err := migrate.New(migrationsURL, db.URL(config.LoadConfig()))
	if err != nil {
		return err
	}
	defer func() {
		_, _ = migrator.Close()
	}()

	if err := migrator.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

func dockerCompose(ctx context.Context, root string, args ...string) error {
	composeFile := filepath.Join(root, "development", "docker-compose.yml")
	baseArgs := append([]string{"compose", "-f", composeFile}, args...)
	cmd := exec.CommandContext(ctx, "docker", baseArgs...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

func repoRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", errors.New("go.mod not found")
		}
		dir = parent
	}
}
