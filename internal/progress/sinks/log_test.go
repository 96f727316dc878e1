package sinks

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/knowledge-ingest/internal/progress"
)

func TestLogSinkLevels(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.DebugLevel)
	sink := NewLogSink(zap.New(core))

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{Stage: progress.StageRunStart},
		{Stage: progress.StageFetchDone, Site: "example.com", StatusClass: progress.Status2xx},
		{Stage: progress.StageOutcome, Outcome: progress.OutcomeDelivered, Domain: "water"},
		{
			Stage: progress.StageOutcome, Outcome: progress.OutcomeFallback, Domain: "water",
			DocumentID: "file:///tmp/water/abc.json", Note: "sink down",
		},
		{Stage: progress.StageOutcome, Outcome: progress.OutcomeAbandoned, Reason: "http_422"},
		{Stage: progress.StageRunError, Note: "sink rejected credentials"},
	}))

	entries := logs.All()
	require.Len(t, entries, 6)

	type line struct {
		level zapcore.Level
		msg   string
	}
	got := make([]line, 0, len(entries))
	for _, e := range entries {
		got = append(got, line{e.Level, e.Message})
	}
	assert.Equal(t, []line{
		{zapcore.DebugLevel, "run started"},
		{zapcore.DebugLevel, "page fetched"},
		{zapcore.DebugLevel, "document delivered"},
		{zapcore.InfoLevel, "document fallback"},
		{zapcore.WarnLevel, "document abandoned"},
		{zapcore.WarnLevel, "run failed"},
	}, got)

	assert.Equal(t, "example.com", entries[1].ContextMap()["site"])
	parked := entries[3].ContextMap()
	assert.Equal(t, "water", parked["domain"])
	assert.Equal(t, "file:///tmp/water/abc.json", parked["location"])
	assert.Equal(t, "sink down", parked["note"])
	assert.Equal(t, "sink rejected credentials", entries[5].ContextMap()["note"])
	assert.NoError(t, sink.Close(context.Background()))
}

func TestLogSinkRespectsLevel(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.InfoLevel)
	sink := NewLogSink(zap.New(core))
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{Stage: progress.StageFetchDone, Site: "example.com"},
		{Stage: progress.StageOutcome, Outcome: progress.OutcomeFallback},
	}))
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "document fallback", logs.All()[0].Message)
}
