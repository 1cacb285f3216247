// Package prediction materializes externally scored destination candidates as
// predicted visits.
package prediction

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/jengzang/urbanos-routing/internal/logging"
	"github.com/jengzang/urbanos-routing/internal/models"
)

// Candidate is one ranked destination produced by a prediction model.
type Candidate struct {
	ClientID      string    `json:"client_id" validate:"required,max=128"`
	Lat           float64   `json:"lat" validate:"latitude"`
	Lon           float64   `json:"lon" validate:"longitude"`
	PredictedTime time.Time `json:"predicted_time" validate:"required"`
	Horizon       string    `json:"horizon" validate:"required,oneof=daily weekly"`
	Rank          float64   `json:"rank" validate:"gte=0"`
	TimeSpent     float64   `json:"time_spent_s" validate:"gte=0"`
}

// Scorer is the injected model capability.
type Scorer interface {
	ScoreCandidates(ctx context.Context, clientID string) ([]Candidate, error)
}

// Store persists predicted visits.
type Store interface {
	DeleteExpiredPredictions(ctx context.Context, clientID string, now time.Time) (int64, error)
	UpsertPrediction(ctx context.Context, v *models.PredictedVisit) error
}

// Report summarizes one ingest call.
type Report struct {
	Accepted int                      `json:"accepted"`
	Expired  int64                    `json:"expired"`
	Rejected []models.RecordRejection `json:"rejected,omitempty"`
}

// Adapter validates candidates and writes them per client. A bad record never
// blocks the rest of the batch.
type Adapter struct {
	store    Store
	validate *validator.Validate
}

// NewAdapter creates an adapter over store.
func NewAdapter(store Store) *Adapter {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return &Adapter{store: store, validate: v}
}

// Ingest replaces expired predictions and upserts the accepted candidates.
// Within a client, a candidate earlier than the previously accepted one is
// rejected as out of order.
func (a *Adapter) Ingest(ctx context.Context, now time.Time, candidates []Candidate) Report {
	log := logging.Component("prediction")
	var report Report

	type indexed struct {
		idx int
		c   Candidate
	}
	var order []string
	byClient := map[string][]indexed{}
	for i, c := range candidates {
		if err := a.check(c); err != nil {
			report.reject(i, c.ClientID, err)
			continue
		}
		if _, seen := byClient[c.ClientID]; !seen {
			order = append(order, c.ClientID)
		}
		byClient[c.ClientID] = append(byClient[c.ClientID], indexed{i, c})
	}

	for _, clientID := range order {
		if err := ctx.Err(); err != nil {
			for _, rec := range byClient[clientID] {
				report.reject(rec.idx, clientID, err)
			}
			continue
		}

		n, err := a.store.DeleteExpiredPredictions(ctx, clientID, now)
		if err != nil {
			log.Warn("[PredictionAdapter] failed to delete expired predictions", "client_id", clientID, "error", err)
		}
		report.Expired += n

		var last time.Time
		for _, rec := range byClient[clientID] {
			c := rec.c
			switch {
			case c.PredictedTime.Before(now):
				report.reject(rec.idx, clientID, &models.ValidationError{Field: "predicted_time", Reason: "already passed"})
				continue
			case c.PredictedTime.Before(last):
				report.reject(rec.idx, clientID, &models.ValidationError{Field: "predicted_time", Reason: "out of order"})
				continue
			}

			err := a.store.UpsertPrediction(ctx, &models.PredictedVisit{
				ClientID:      clientID,
				Lat:           c.Lat,
				Lon:           c.Lon,
				PredictedTime: c.PredictedTime,
				Horizon:       c.Horizon,
				Rank:          c.Rank,
				TimeSpent:     c.TimeSpent,
			})
			if err != nil {
				report.reject(rec.idx, clientID, err)
				continue
			}
			last = c.PredictedTime
			report.Accepted++
		}
	}

	log.Info("[PredictionAdapter] predictions ingested",
		"candidates", len(candidates),
		"clients", len(order),
		"accepted", report.Accepted,
		"rejected", len(report.Rejected),
		"expired", report.Expired)
	return report
}

// check runs struct validation and maps the first failure to a ValidationError.
func (a *Adapter) check(c Candidate) error {
	err := a.validate.Struct(c)
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

func (r *Report) reject(idx int, clientID string, err error) {
	r.Rejected = append(r.Rejected, models.RecordRejection{Index: idx, ClientID: clientID, Reason: err.Error()})
}
