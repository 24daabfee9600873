package e2e

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/clipreel/api/internal/client"
	"github.com/clipreel/api/internal/handler"
	"github.com/clipreel/api/internal/middleware"
	"github.com/clipreel/api/internal/model"
	"github.com/clipreel/api/internal/pipeline"
	"github.com/clipreel/api/internal/progress"
	"github.com/clipreel/api/internal/selector"
	"github.com/clipreel/api/internal/service"
	"github.com/clipreel/api/internal/store"
	ws "github.com/clipreel/api/internal/websocket"
	"github.com/clipreel/api/internal/worker"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus/hooks/test"
)

const testQueue = "clips-e2e"

// testApp holds all components needed for testing
type testApp struct {
	app      *fiber.App
	redis    *redis.Client
	store    *store.RedisStore
	compile  *worker.CompileWorker
	storage  *memStorage
	inspect  *asynq.Inspector
	workDir  string
	fetchErr error
}

// setupApp wires the same components as main.go against redis DB 14, with
// local fakes standing in for yt-dlp, ffmpeg and S3.
func setupApp(t *testing.T, submitPerHour int) *testApp {
	t.Helper()

	redisClient := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   14, // store tests use 15
	})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	redisClient.FlushDB(context.Background())
	t.Cleanup(func() {
		redisClient.FlushDB(context.Background())
		redisClient.Close()
	})

	redisOpt := asynq.RedisClientOpt{Addr: "localhost:6379", DB: 14}
	asynqClient := asynq.NewClient(redisOpt)
	t.Cleanup(func() { asynqClient.Close() })
	inspector := asynq.NewInspector(redisOpt)
	t.Cleanup(func() { inspector.Close() })

	log, _ := test.NewNullLogger()
	ta := &testApp{
		redis:   redisClient,
		store:   store.NewRedisStore(redisClient, time.Hour),
		storage: &memStorage{objects: map[string]bool{}},
		inspect: inspector,
		workDir: t.TempDir(),
	}

	hub := ws.NewHub(log)
	hubCtx, stopHub := context.WithCancel(context.Background())
	t.Cleanup(stopHub)
	go hub.Run(hubCtx)

	clipService := service.NewClipService(ta.store, asynqClient, testQueue, 10*time.Minute)

	orchestrator, err := pipeline.NewOrchestrator(pipeline.Dependencies{
		Store:    ta.store,
		Fetcher:  &localFetcher{app: ta},
		Engine:   copyEngine{},
		Storage:  ta.storage,
		Expirer:  clipService,
		Notifier: hub,
		Logger:   log,
		Source:   func(string) selector.Source { return selector.NewSource(42) },
	}, pipeline.Options{
		WorkDir:        ta.workDir,
		Selection:      selector.DefaultOptions(),
		VerifyTimeout:  time.Second,
		VerifyInterval: 10 * time.Millisecond,
		URLExpiry:      time.Hour,
		KeyPrefix:      "clips",
	})
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}
	ta.compile = worker.NewCompileWorker(orchestrator, nil, log)

	app := fiber.New()
	handler.Register(app, handler.Routes{
		Clips:       handler.NewClipHandler(clipService, validator.New()),
		Hub:         hub,
		Health:      ta.store,
		SubmitLimit: middleware.NewRateLimiter(redisClient, log).SubmitLimit(submitPerHour),
	})
	ta.app = app

	return ta
}

// runJob processes the compile task for jobID the way the worker server
// would.
func (ta *testApp) runJob(t *testing.T, jobID string) {
	t.Helper()
	task, err := service.NewCompileTask(jobID)
	if err != nil {
		t.Fatal(err)
	}
	if err := ta.compile.ProcessTask(context.Background(), task); err != nil {
		t.Fatalf("ProcessTask: %v", err)
	}
}

// localFetcher writes a placeholder source into the job workspace.
type localFetcher struct {
	app *testApp
}

func (f *localFetcher) Fetch(ctx context.Context, req client.FetchRequest, onProgress progress.Func) (*model.Media, error) {
	if f.app.fetchErr != nil {
		return nil, f.app.fetchErr
	}
	path := filepath.Join(req.Dir, req.Name+"."+req.Kind.Extension())
	if err := os.WriteFile(path, []byte("source"), 0o644); err != nil {
		return nil, err
	}
	onProgress(0.5, "Downloading")
	onProgress(1, "Downloaded")
	return &model.Media{Path: path, Duration: 3000, Title: "Conference Talk"}, nil
}

// copyEngine writes placeholder files instead of encoding.
type copyEngine struct{}

func (copyEngine) Extract(ctx context.Context, source string, seg model.Segment, out string, kind model.MediaKind) (*model.Clip, error) {
	if err := os.WriteFile(out, []byte("clip"), 0o644); err != nil {
		return nil, err
	}
	return &model.Clip{Path: out, Segment: seg}, nil
}

func (copyEngine) Concatenate(ctx context.Context, clips []model.Clip, out string, kind model.MediaKind, onProgress progress.Func) error {
	onProgress(1, "Joined")
	return os.WriteFile(out, []byte("compiled"), 0o644)
}

type memStorage struct {
	objects map[string]bool
}

func (s *memStorage) UploadFile(ctx context.Context, localPath, key, contentType string, expiry time.Duration) (string, error) {
	s.objects[key] = true
	return "https://storage.example.com/" + key + "?X-Amz-Expires=3600", nil
}

func (s *memStorage) Delete(ctx context.Context, key string) error {
	delete(s.objects, key)
	return nil
}

func (s *memStorage) GetSignedURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	return "https://storage.example.com/" + key, nil
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

// parseJSON parses response body into a map.
func parseJSON(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	var result map[string]interface{}
	if err := json.Unmarshal(b, &result); err != nil {
		t.Fatalf("failed to parse JSON: %v\nbody: %s", err, b)
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
