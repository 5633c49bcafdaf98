package internal

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/starford/sowilo/internal/syncclient"
	"github.com/starford/sowilo/internal/testutil"
)

func TestRunSyncPrintsOnlyTheSummary(t *testing.T) {
	srv := testutil.NewSyncServer(t, nil)
	cfg := NewDefaultConfig()
	cfg.Client.SQLite.Path = filepath.Join(t.TempDir(), "client.db")
	cfg.Client.ServerURL = srv.URL

	var out bytes.Buffer
	if err := RunSync(context.Background(), WithConfig(cfg), WithStdout(&out)); err != nil {
		t.Fatalf("RunSync: %v", err)
	}

	dec := json.NewDecoder(&out)
	dec.DisallowUnknownFields()
	var res syncclient.Result
	if err := dec.Decode(&res); err != nil {
		t.Fatalf("stdout is not a sync summary: %v\n%s", err, out.String())
	}
	if dec.More() {
		t.Errorf("stdout carries more than the summary: %s", out.String())
	}
}

func TestOneShotCommandsLogToStderr(t *testing.T) {
	app, _, err := setup(withStderrLogs([]Option{WithConfig(NewDefaultConfig())}))
	if err != nil {
		t.Fatal(err)
	}
	if app.logOutput != os.Stderr {
		t.Error("logs not sent to stderr")
	}

	var buf bytes.Buffer
	app, _, err = setup(withStderrLogs([]Option{WithConfig(NewDefaultConfig()), WithLogOutput(&buf)}))
	if err != nil {
		t.Fatal(err)
	}
	if app.logOutput != &buf {
		t.Error("explicit log output overridden")
	}
}
