package models

import "time"

// MutationKind is the stock change applied by an executed decision
type MutationKind string

const (
	// MutationOnOrder adds inbound quantity to a location's on-order balance
	MutationOnOrder MutationKind = "on_order"
	// MutationTransfer moves on-hand quantity between two locations
	MutationTransfer MutationKind = "transfer"
	// MutationNone records execution of a decision without a stock change
	MutationNone MutationKind = "none"
)

// Mutation is the execution ledger entry of one decision. At most one exists per decision id.
type Mutation struct {
	DecisionID     string       `db:"decision_id" json:"decision_id"`
	Kind           MutationKind `db:"kind" json:"kind"`
	ProductID      int64        `db:"product_id" json:"product_id"`
	FromLocationID int64        `db:"from_location_id" json:"from_location_id,omitempty"`
	ToLocationID   int64        `db:"to_location_id" json:"to_location_id,omitempty"`
	Quantity       int          `db:"quantity" json:"quantity"`
	AppliedAt      time.Time    `db:"applied_at" json:"applied_at"`
}

// RunTrigger names what started a run
type RunTrigger string

const (
	TriggerSchedule RunTrigger = "schedule"
	TriggerHTTP     RunTrigger = "http"
	TriggerEvent    RunTrigger = "event"
)

// RunReport summarizes one replenishment run
type RunReport struct {
	RunID                    string     `db:"run_id" json:"run_id"`
	Trigger                  RunTrigger `db:"trigger" json:"trigger"`
	StartedAt                time.Time  `db:"started_at" json:"started_at"`
	FinishedAt               time.Time  `db:"finished_at" json:"finished_at"`
	PairsAssessed            int        `db:"pairs_assessed" json:"pairs_assessed"`
	InsufficientDataPairs    int        `db:"insufficient_data_pairs" json:"insufficient_data_pairs"`
	RecommendationsGenerated int        `db:"recommendations_generated" json:"recommendations_generated"`
	Duplicates               int        `db:"duplicates" json:"duplicates"`
	DecisionsExecuted        int        `db:"decisions_executed" json:"decisions_executed"`
	DecisionsFailed          int        `db:"decisions_failed" json:"decisions_failed"`
	DecisionsSuperseded      int        `db:"decisions_superseded" json:"decisions_superseded"`
	DecisionsSkipped         int        `db:"decisions_skipped" json:"decisions_skipped"`
	DecisionsPending         int        `db:"decisions_pending" json:"decisions_pending"`
	Cancelled                bool       `db:"cancelled" json:"cancelled"`
}
