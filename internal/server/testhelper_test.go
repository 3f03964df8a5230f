package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"

	"github.com/makeasinger/karaoke/internal/config"
	"github.com/makeasinger/karaoke/internal/middleware"
	"github.com/makeasinger/karaoke/internal/testsupport"
)

const testJWTSecret = "test-secret-for-e2e"

// testApp holds all components needed for testing
type testApp struct {
	app        *fiber.App
	components *Components
	runner     *testsupport.FakeRunner
	root       string
}

func testConfig(root string) *config.Config {
	return &config.Config{
		Server: config.ServerConfig{Port: "0", Env: "test", BodyLimitMB: 50},
		Auth:   config.AuthConfig{Enabled: true, JWTSecret: testJWTSecret},
		RateLimit: config.RateLimitConfig{
			ProcessPerHour: 10000,
		},
		Storage: config.StorageConfig{
			SongsDir:    filepath.Join(root, "songs"),
			TempDir:     filepath.Join(root, "tmp"),
			CatalogPath: filepath.Join(root, "catalog.db"),
		},
		Pipeline: config.PipelineConfig{
			MaxConcurrentJobs: 2,
			JobTTL:            time.Hour,
			CaptionMaxBytes:   25 * 1024 * 1024,
			AllowedSources:    []string{`^https://(www\.)?youtube\.com/watch\?v=[\w-]+`},
		},
		Tools: config.ToolsConfig{
			Demucs:       testsupport.Demucs,
			DemucsModel:  "htdemucs",
			Separator:    testsupport.Separator,
			Waveform:     testsupport.Waveform,
			Whisper:      testsupport.Whisper,
			WhisperModel: "ggml-base.bin",
			Downloader:   testsupport.Downloader,
			FFmpeg:       testsupport.FFmpeg,
		},
	}
}

// setupApp creates the app main.go serves, backed by fake media tools.
func setupApp(t *testing.T) *testApp {
	t.Helper()

	root := t.TempDir()
	fake := testsupport.NewFakeRunner().
		On(testsupport.Demucs, testsupport.DemucsOK()).
		On(testsupport.Separator, testsupport.SeparatorOK()).
		On(testsupport.Waveform, testsupport.WaveformOK()).
		On(testsupport.Whisper, testsupport.WhisperOK()).
		On(testsupport.Downloader, testsupport.DownloaderOK("mp4")).
		On(testsupport.FFmpeg, testsupport.FFmpegOK(4096))

	components, err := Build(testConfig(root), nil, fake)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := components.Close(ctx); err != nil {
			t.Errorf("Close: %v", err)
		}
	})

	return &testApp{app: NewApp(components), components: components, runner: fake, root: root}
}

// generateToken creates an HMAC JWT token for test requests.
func generateToken(t *testing.T) string {
	t.Helper()
	claims := middleware.UserClaims{
		UserID: "test-user-123",
		Email:  "test@example.com",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer: "karaoke-api",
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("failed to generate test token: %v", err)
	}
	return signed
}

// doRequest is a helper to perform HTTP requests against the test app.
func doRequest(app *fiber.App, method, path string, body string, headers map[string]string) (*http.Response, error) {
	var bodyReader io.Reader
	if body != "" {
		bodyReader = strings.NewReader(body)
	}

	req, err := http.NewRequest(method, path, bodyReader)
	if err != nil {
		return nil, err
	}

	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	return app.Test(req, -1)
}

// doAuthRequest performs an authenticated request.
func doAuthRequest(t *testing.T, app *fiber.App, method, path, body string) (*http.Response, error) {
	t.Helper()
	return doRequest(app, method, path, body, map[string]string{
		"Authorization": "Bearer " + generateToken(t),
	})
}

// doUpload posts a multipart upload with the given file name and fields.
func doUpload(t *testing.T, app *fiber.App, filename string, size int, fields map[string]string) (*http.Response, error) {
	t.Helper()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			t.Fatalf("write field: %v", err)
		}
	}
	if filename != "" {
		part, err := w.CreateFormFile("file", filename)
		if err != nil {
			t.Fatalf("create form file: %v", err)
		}
		part.Write(bytes.Repeat([]byte{0x42}, size))
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}

	req, err := http.NewRequest(http.MethodPost, "/api/process/upload", &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+generateToken(t))
	return app.Test(req, -1)
}

// readBody reads and returns the response body as a string.
func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	return string(b)
}

// parseJSON parses response body into a map.
func parseJSON(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	body := readBody(t, resp)
	var result map[string]interface{}
	if err := json.Unmarshal([]byte(body), &result); err != nil {
		t.Fatalf("failed to parse JSON: %v\nbody: %s", err, body)
	}
	return result
}

// assertStatus checks the HTTP status code.
func assertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("expected status %d, got %d", expected, resp.StatusCode)
	}
}

// waitForJob polls the status endpoint until the job is terminal.
func waitForJob(t *testing.T, app *fiber.App, jobID string) map[string]interface{} {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := doAuthRequest(t, app, http.MethodGet, "/api/process/status/"+jobID, "")
		if err != nil {
			t.Fatalf("status request failed: %v", err)
		}
		job := parseJSON(t, resp)
		if job["status"] == "completed" || job["status"] == "error" {
			return job
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("job %s did not finish in time", jobID)
	return nil
}
