package models

import "time"

// Prediction horizons
const (
	HorizonDaily  = "daily"
	HorizonWeekly = "weekly"
)

// PredictedVisit is a materialized prediction. Unique per (client, predicted time).
type PredictedVisit struct {
	ID            int64     `json:"id" db:"id"`
	ClientID      string    `json:"client_id" db:"client_id"`
	Lat           float64   `json:"lat" db:"lat"`
	Lon           float64   `json:"lon" db:"lon"`
	PredictedTime time.Time `json:"predicted_time" db:"predicted_time"`
	Horizon       string    `json:"horizon" db:"horizon"`
	Rank          float64   `json:"rank" db:"rank_score"`
	TimeSpent     float64   `json:"time_spent_s" db:"time_spent_s"`
	UpdatedAt     time.Time `json:"updated_at" db:"updated_at"`
}
