package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/itsharex/proxycast/pkg/pipeline"
	"github.com/itsharex/proxycast/pkg/protocol"
	"github.com/itsharex/proxycast/pkg/telemetry/usage"
)

// multiRecorder fans telemetry out to every sink.
type multiRecorder []pipeline.Recorder

func (m multiRecorder) RecordRequest(providerID, credentialID, model string, outcome string, d time.Duration) {
	for _, r := range m {
		r.RecordRequest(providerID, credentialID, model, outcome, d)
	}
}

func (m multiRecorder) RecordUsage(providerID, credentialID, model string, u protocol.Usage) {
	for _, r := range m {
		r.RecordUsage(providerID, credentialID, model, u)
	}
}

// usageRecorder writes ledger rows: failures from the request outcome,
// successes from the usage report that follows so token counts land in
// the same row.
type usageRecorder struct {
	ledger *usage.Ledger
}

func newUsageRecorder(l *usage.Ledger) *usageRecorder {
	return &usageRecorder{ledger: l}
}

func (u *usageRecorder) RecordRequest(providerID, credentialID, model string, outcome string, d time.Duration) {
	if outcome == "success" {
		return
	}
	u.write(usage.Record{
		ID:           uuid.NewString(),
		ProviderID:   providerID,
		CredentialID: credentialID,
		Model:        model,
		Outcome:      outcome,
		Latency:      d,
	})
}

func (u *usageRecorder) RecordUsage(providerID, credentialID, model string, tokens protocol.Usage) {
	u.write(usage.Record{
		ID:           uuid.NewString(),
		ProviderID:   providerID,
		CredentialID: credentialID,
		Model:        model,
		Outcome:      "success",
		InputTokens:  tokens.InputTokens,
		OutputTokens: tokens.OutputTokens,
	})
}

func (u *usageRecorder) write(rec usage.Record) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := u.ledger.Record(ctx, rec); err != nil {
		slog.Warn("usage ledger write failed", "error", err)
	}
}
