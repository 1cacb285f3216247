package service

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/jengzang/urbanos-routing/internal/config"
	"github.com/jengzang/urbanos-routing/internal/logging"
	"github.com/jengzang/urbanos-routing/internal/metrics"
	"github.com/jengzang/urbanos-routing/internal/models"
)

// TelemetryStore is the persistence used by ingestion.
type TelemetryStore interface {
	OpenSession(ctx context.Context, clientID string) (*models.Session, error)
	CreateSession(ctx context.Context, s *models.Session) error
	CloseSession(ctx context.Context, id string, at time.Time) error
	LatestFixTime(ctx context.Context, clientID string) (time.Time, bool, error)
	InsertFix(ctx context.Context, f *models.PositionFix) (bool, error)
}

// TelemetryService ingests position fixes. It only writes sessions and fixes;
// routing is left to the batch cycles.
type TelemetryService struct {
	store    TelemetryStore
	cfg      config.IngestConfig
	validate *validator.Validate

	mu       sync.Mutex
	locks    map[string]*sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewTelemetryService creates a new telemetry service
func NewTelemetryService(store TelemetryStore, cfg config.IngestConfig) *TelemetryService {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return &TelemetryService{
		store:    store,
		cfg:      cfg,
		validate: v,
		locks:    make(map[string]*sync.Mutex),
		limiters: make(map[string]*rate.Limiter),
	}
}

// client returns the per-client lock and limiter.
func (s *TelemetryService) client(clientID string) (*sync.Mutex, *rate.Limiter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[clientID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[clientID] = l
		s.limiters[clientID] = rate.NewLimiter(rate.Limit(s.cfg.RatePerSecond), s.cfg.Burst)
	}
	return l, s.limiters[clientID]
}

// Ingest writes a batch of telemetry records. Every record is handled on its
// own: a malformed, duplicate, throttled or too-late record is listed in the
// report and the rest of the batch continues.
func (s *TelemetryService) Ingest(ctx context.Context, records []models.TelemetryRecord) models.IngestReport {
	log := logging.Component("telemetry")
	report := models.IngestReport{}

	if s.cfg.MaxBatch > 0 && len(records) > s.cfg.MaxBatch {
		for i := s.cfg.MaxBatch; i < len(records); i++ {
			report.Rejected = append(report.Rejected, models.RecordRejection{
				Index: i, ClientID: records[i].ClientID, Reason: "batch too large",
			})
		}
		records = records[:s.cfg.MaxBatch]
	}

	for i, rec := range records {
		if err := s.ingestOne(ctx, rec); err != nil {
			report.Rejected = append(report.Rejected, models.RecordRejection{
				Index: i, ClientID: rec.ClientID, Reason: err.Error(),
			})
			var verr *models.ValidationError
			if !errors.As(err, &verr) {
				log.Warn("[TelemetryService] failed to ingest record", "client_id", rec.ClientID, "error", err)
			}
			continue
		}
		report.Accepted++
	}

	metrics.FixesAccepted.Add(ctx, int64(report.Accepted))
	metrics.FixesRejected.Add(ctx, int64(len(report.Rejected)))
	log.Debug("[TelemetryService] batch ingested",
		"records", len(records),
		"accepted", report.Accepted,
		"rejected", len(report.Rejected))
	return report
}

func (s *TelemetryService) ingestOne(ctx context.Context, rec models.TelemetryRecord) error {
	if err := s.check(rec); err != nil {
		return err
	}

	lock, limiter := s.client(rec.ClientID)
	if !limiter.Allow() {
		return &models.ValidationError{Reason: "rate limited"}
	}
	lock.Lock()
	defer lock.Unlock()

	ts := time.UnixMilli(rec.Timestamp).UTC()
	latest, ok, err := s.store.LatestFixTime(ctx, rec.ClientID)
	if err != nil {
		return err
	}
	if ok && ts.Before(latest.Add(-s.cfg.OutOfOrderTolerance)) {
		return &models.ValidationError{Field: "timestamp", Reason: "out of order beyond tolerance"}
	}

	session, err := s.session(ctx, rec.ClientID, ts)
	if err != nil {
		return err
	}

	inserted, err := s.store.InsertFix(ctx, &models.PositionFix{
		ClientID:  rec.ClientID,
		SessionID: session.ID,
		Lat:       rec.Lat,
		Lon:       rec.Lon,
		Elevation: rec.Elevation,
		Speed:     rec.Speed,
		Activity:  rec.Activity,
		Timestamp: ts,
	})
	if err != nil {
		return err
	}
	if !inserted {
		return &models.ValidationError{Field: "timestamp", Reason: "duplicate fix"}
	}
	return nil
}

// session returns the session a fix at ts belongs to. An open session whose
// window has elapsed is closed at its expiry and superseded by a new one.
func (s *TelemetryService) session(ctx context.Context, clientID string, ts time.Time) (*models.Session, error) {
	open, err := s.store.OpenSession(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if open != nil {
		if ts.Before(open.ExpiresAt) {
			return open, nil
		}
		if err := s.store.CloseSession(ctx, open.ID, open.ExpiresAt); err != nil {
			return nil, err
		}
	}

	next := &models.Session{
		ID:        uuid.NewString(),
		ClientID:  clientID,
		StartTime: ts,
		ExpiresAt: ts.Add(s.cfg.SessionWindow),
	}
	if err := s.store.CreateSession(ctx, next); err != nil {
		return nil, fmt.Errorf("failed to open session: %w", err)
	}
	metrics.SessionsOpened.Add(ctx, 1)
	return next, nil
}

func (s *TelemetryService) check(rec models.TelemetryRecord) error {
	err := s.validate.Struct(rec)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return &models.ValidationError{Field: fe.Field(), Reason: fmt.Sprintf("failed %q", fe.Tag())}
	}
	return &models.ValidationError{Reason: err.Error()}
}
