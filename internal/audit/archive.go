package audit

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/example/shopfloor/internal/observability"
	"github.com/example/shopfloor/internal/state"
)

// Archiver periodically exports the transition log as CSV snapshots to an
// object store bucket for long-term retention. Export failures are logged
// and retried on the next tick; they never affect the dispatch path.
type Archiver struct {
	store    state.Store
	client   *minio.Client
	bucket   string
	interval time.Duration
	batch    int
}

// NewArchiverFromEnv returns nil when SHOPFLOOR_ARCHIVE_ENDPOINT is unset;
// archiving is strictly opt-in.
func NewArchiverFromEnv(store state.Store) (*Archiver, error) {
	endpoint := strings.TrimSpace(os.Getenv("SHOPFLOOR_ARCHIVE_ENDPOINT"))
	if endpoint == "" {
		return nil, nil
	}
	useSSL := getenvBool("SHOPFLOOR_ARCHIVE_USE_SSL", false)
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(os.Getenv("SHOPFLOOR_ARCHIVE_ACCESS_KEY"), os.Getenv("SHOPFLOOR_ARCHIVE_SECRET_KEY"), ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("archive client: %w", err)
	}
	bucket := strings.TrimSpace(os.Getenv("SHOPFLOOR_ARCHIVE_BUCKET"))
	if bucket == "" {
		bucket = "shopfloor-transitions"
	}
	interval := getenvInt("SHOPFLOOR_ARCHIVE_INTERVAL_SECONDS", 300)
	batch := getenvInt("SHOPFLOOR_ARCHIVE_BATCH", 1000)
	return &Archiver{
		store:    store,
		client:   client,
		bucket:   bucket,
		interval: time.Duration(interval) * time.Second,
		batch:    batch,
	}, nil
}

// Run exports on a fixed interval until the context is done.
func (a *Archiver) Run(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.ExportOnce(ctx); err != nil {
				log.Printf("transition log archive failed: %v", err)
				observability.Default.IncCounter("transition_archive_errors_total", nil, 1)
			}
		}
	}
}

// ExportOnce writes the most recent transition log entries as one CSV
// object keyed by export timestamp.
func (a *Archiver) ExportOnce(ctx context.Context) error {
	exists, err := a.client.BucketExists(ctx, a.bucket)
	if err != nil {
		return err
	}
	if !exists {
		if err := a.client.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{}); err != nil {
			return err
		}
	}
	entries, err := a.store.ListTransitionLog(ctx, state.TransitionLogQuery{Limit: a.batch})
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	var buf bytes.Buffer
	cw := csv.NewWriter(&buf)
	_ = cw.Write([]string{"id", "created_at", "graph", "entity_id", "tenant", "from_state", "to_state", "result", "block_reason_code", "block_reason_detail", "triggered_by", "user_id"})
	for _, e := range entries {
		_ = cw.Write([]string{
			strconv.FormatInt(e.ID, 10),
			e.CreatedAt.Format(time.RFC3339),
			e.Graph,
			e.EntityID,
			e.Tenant,
			e.FromState,
			e.ToState,
			e.Result,
			e.BlockReasonCode,
			e.BlockReasonDetail,
			e.TriggeredBy,
			e.UserID,
		})
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return err
	}
	object := fmt.Sprintf("transitions/%s.csv", time.Now().UTC().Format("20060102T150405Z"))
	_, err = a.client.PutObject(ctx, a.bucket, object, bytes.NewReader(buf.Bytes()), int64(buf.Len()), minio.PutObjectOptions{ContentType: "text/csv"})
	if err != nil {
		return err
	}
	observability.Default.IncCounter("transition_archive_exports_total", nil, 1)
	observability.Default.SetGauge("transition_archive_last_batch", nil, float64(len(entries)))
	return nil
}

func getenvBool(key string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes":
		return true
	case "0", "false", "no":
		return false
	default:
		return fallback
	}
}

func getenvInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
