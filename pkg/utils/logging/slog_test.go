package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func newPlainLogger(buf *bytes.Buffer, level slog.Level) *slog.Logger {
	opts := PrettyHandlerOptions{
		SlogOpts:   slog.HandlerOptions{Level: level},
		UseColor:   false,
		TimeFormat: "", // deterministic output
		ShowSource: false,
	}
	return slog.New(NewPrettyHandler(buf, &opts))
}

func TestHandle_RendersMessageAndAttrs(t *testing.T) {
	var buf bytes.Buffer
	log := newPlainLogger(&buf, slog.LevelInfo)

	log.Info("peer discovered", "peer_id", "user-12345678", "port", 8765)

	got := buf.String()
	for _, want := range []string{"INFO", "peer discovered", "peer_id=user-12345678", "port=8765"} {
		if !strings.Contains(got, want) {
			t.Fatalf("output %q missing %q", got, want)
		}
	}
}

func TestHandle_QuotesValuesWithSpaces(t *testing.T) {
	var buf bytes.Buffer
	log := newPlainLogger(&buf, slog.LevelInfo)

	log.Info("msg", "error", "connection reset by peer")

	if !strings.Contains(buf.String(), `error="connection reset by peer"`) {
		t.Fatalf("output %q not quoted", buf.String())
	}
}

func TestEnabled_FiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	log := newPlainLogger(&buf, slog.LevelWarn)

	log.Debug("hidden")
	log.Info("also hidden")
	log.Warn("visible")

	got := buf.String()
	if strings.Contains(got, "hidden") {
		t.Fatalf("suppressed levels leaked: %q", got)
	}
	if !strings.Contains(got, "visible") {
		t.Fatalf("warn record missing: %q", got)
	}
}

func TestWithAttrs_PersistAcrossRecords(t *testing.T) {
	var buf bytes.Buffer
	log := newPlainLogger(&buf, slog.LevelInfo).With("src", "conn")

	log.Info("one")
	log.Info("two")

	if strings.Count(buf.String(), "src=conn") != 2 {
		t.Fatalf("bound attr not on every record: %q", buf.String())
	}
}

func TestWithGroup_PrefixesKeys(t *testing.T) {
	var buf bytes.Buffer
	log := newPlainLogger(&buf, slog.LevelInfo).WithGroup("peer")

	log.Info("msg", "id", "user-1")

	if !strings.Contains(buf.String(), "peer.id=user-1") {
		t.Fatalf("group prefix missing: %q", buf.String())
	}
}
